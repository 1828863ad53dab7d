// Package scheduler turns delay nodes into durable, cancellable future
// continuations. Jobs live in the store and are picked up by a periodic
// sweep, so a process restart never loses a pending delay.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

type Scheduler struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewScheduler(logger *slog.Logger, p persistence.Persistence) *Scheduler {
	return &Scheduler{
		persistence: p,
		logger:      logger.With("module", "scheduler"),
	}
}

// Schedule creates a durable continuation for the session at fireAt.
func (s *Scheduler) Schedule(ctx context.Context, sessionID string, fireAt time.Time) error {
	job := &models.DelayJob{
		ID:        newID(),
		SessionID: sessionID,
		FireAt:    fireAt.UTC(),
		Status:    models.DelayJobStatusScheduled,
		CreatedAt: time.Now().UTC(),
	}

	err := s.persistence.DelayJobs().CreateDelayJob(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to create delay job for session %s: %w", sessionID, err)
	}

	s.logger.DebugContext(ctx, "Delay job scheduled",
		"job_id", job.ID, "session_id", sessionID, "fire_at", job.FireAt)

	return nil
}

// CancelAll cancels every scheduled job of the session. Called whenever a
// session is paused or superseded, so a stale delay cannot wake it.
func (s *Scheduler) CancelAll(ctx context.Context, sessionID string) error {
	err := s.persistence.DelayJobs().CancelDelayJobs(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to cancel delay jobs for session %s: %w", sessionID, err)
	}

	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}
