package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zapflow/zapflow/pkg/models"
)

// DelayJobRepository handles durable delayed continuations. The sweeper
// claims jobs with a conditional UPDATE so each job fires at most once even
// with multiple sweeper processes.
type DelayJobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *DelayJobRepository) CreateDelayJob(ctx context.Context, job *models.DelayJob) error {
	if job.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate delay job ID: %w", err)
		}

		job.ID = id.String()
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if job.Status == "" {
		job.Status = models.DelayJobStatusScheduled
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delay_jobs (id, session_id, fire_at, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.SessionID, job.FireAt, job.Status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create delay job: %w", err)
	}

	return nil
}

func (r *DelayJobRepository) DueDelayJobs(ctx context.Context, now time.Time) ([]*models.DelayJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, fire_at, status, created_at
		FROM delay_jobs
		WHERE status = 'scheduled' AND fire_at <= $1
		ORDER BY fire_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due delay jobs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	jobs := make([]*models.DelayJob, 0)

	for rows.Next() {
		job := &models.DelayJob{}

		err = rows.Scan(&job.ID, &job.SessionID, &job.FireAt, &job.Status, &job.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delay job: %w", err)
		}

		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating delay jobs: %w", err)
	}

	return jobs, nil
}

func (r *DelayJobRepository) ClaimDelayJob(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE delay_jobs SET status = 'done' WHERE id = $1 AND status = 'scheduled'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim delay job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

func (r *DelayJobRepository) CancelDelayJobs(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE delay_jobs SET status = 'cancelled' WHERE session_id = $1 AND status = 'scheduled'`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to cancel delay jobs: %w", err)
	}

	return nil
}

func (r *DelayJobRepository) DelayJobsBySession(ctx context.Context, sessionID string) ([]*models.DelayJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, fire_at, status, created_at
		FROM delay_jobs
		WHERE session_id = $1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delay jobs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	jobs := make([]*models.DelayJob, 0)

	for rows.Next() {
		job := &models.DelayJob{}

		err = rows.Scan(&job.ID, &job.SessionID, &job.FireAt, &job.Status, &job.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delay job: %w", err)
		}

		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating delay jobs: %w", err)
	}

	return jobs, nil
}
