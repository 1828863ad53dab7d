package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

// SessionRepository handles flow-session database operations. The
// processing lock is a conditional UPDATE, so the at-most-one-worker
// invariant holds across processes.
type SessionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const sessionColumns = `
	id
  , flow_id
  , contact_id
  , current_node_id
  , variables
  , status
  , processing
  , processing_started_at
  , error_count
  , last_error
  , started_at
  , last_interaction_at
`

func (r *SessionRepository) SessionByID(ctx context.Context, id string) (*models.FlowSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM flow_sessions WHERE id = $1`, id)

	session, err := r.scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrSessionNotFound
		}

		return nil, err
	}

	return session, nil
}

func (r *SessionRepository) ActiveSessionByFlowAndContact(ctx context.Context, flowID, contactID string) (*models.FlowSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM flow_sessions WHERE flow_id = $1 AND contact_id = $2 AND status = 'active' LIMIT 1`,
		flowID, contactID)

	session, err := r.scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return session, nil
}

func (r *SessionRepository) ActiveSessionsByContact(ctx context.Context, contactID string) ([]*models.FlowSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM flow_sessions WHERE contact_id = $1 AND status = 'active' ORDER BY started_at`,
		contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	sessions := make([]*models.FlowSession, 0)

	for rows.Next() {
		session, err := r.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		sessions = append(sessions, session)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

func (r *SessionRepository) scanSession(row rowScanner) (*models.FlowSession, error) {
	session := &models.FlowSession{}

	var variablesJSON []byte

	err := row.Scan(
		&session.ID,
		&session.FlowID,
		&session.ContactID,
		&session.CurrentNodeID,
		&variablesJSON,
		&session.Status,
		&session.Processing,
		&session.ProcessingStartedAt,
		&session.ErrorCount,
		&session.LastError,
		&session.StartedAt,
		&session.LastInteractionAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(variablesJSON, &session.Variables)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal session variables: %w", err)
	}

	return session, nil
}

// SaveSession persists the session's cursor and status fields. The
// processing lock columns are owned by AcquireProcessing and
// ReleaseProcessing and are deliberately excluded from the update.
func (r *SessionRepository) SaveSession(ctx context.Context, session *models.FlowSession) error {
	if session.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate session ID: %w", err)
		}

		session.ID = id.String()
	}

	if session.Variables == nil {
		session.Variables = map[string]any{}
	}

	variablesJSON, err := json.Marshal(session.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal session variables: %w", err)
	}

	query := `
		INSERT INTO flow_sessions (
			id, flow_id, contact_id, current_node_id, variables, status,
			processing, processing_started_at, error_count, last_error,
			started_at, last_interaction_at
		) VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			current_node_id = EXCLUDED.current_node_id,
			variables = EXCLUDED.variables,
			status = EXCLUDED.status,
			error_count = EXCLUDED.error_count,
			last_error = EXCLUDED.last_error,
			last_interaction_at = EXCLUDED.last_interaction_at
	`

	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.FlowID,
		session.ContactID,
		session.CurrentNodeID,
		variablesJSON,
		session.Status,
		session.ErrorCount,
		session.LastError,
		session.StartedAt,
		session.LastInteractionAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// UpdateSessionProgress writes the cursor fields only. Status stays
// untouched so a pause landing mid-step wins over the in-flight copy.
func (r *SessionRepository) UpdateSessionProgress(ctx context.Context, session *models.FlowSession) error {
	if session.Variables == nil {
		session.Variables = map[string]any{}
	}

	variablesJSON, err := json.Marshal(session.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal session variables: %w", err)
	}

	query := `
		UPDATE flow_sessions
		SET current_node_id = $2
		  , variables = $3
		  , error_count = $4
		  , last_error = $5
		  , last_interaction_at = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.CurrentNodeID,
		variablesJSON,
		session.ErrorCount,
		session.LastError,
		session.LastInteractionAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session progress: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrSessionNotFound
	}

	return nil
}

func (r *SessionRepository) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE flow_sessions SET status = $2, last_interaction_at = $3 WHERE id = $1`,
		id, status, at)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrSessionNotFound
	}

	return nil
}

// AcquireProcessing implements the optimistic step lock: the conditional
// UPDATE succeeds only when the lock is free or stale.
func (r *SessionRepository) AcquireProcessing(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE flow_sessions
		SET processing = TRUE, processing_started_at = $2
		WHERE id = $1
		  AND (processing = FALSE OR processing_started_at IS NULL OR processing_started_at < $3)
	`

	result, err := r.db.ExecContext(ctx, query, id, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to acquire processing lock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

func (r *SessionRepository) ReleaseProcessing(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE flow_sessions SET processing = FALSE, processing_started_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to release processing lock: %w", err)
	}

	return nil
}
