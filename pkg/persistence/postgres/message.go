package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

// MessageRepository stores chat messages. The unique index on
// (contact_id, remote_id) is the dedup backstop for at-least-once webhook
// delivery.
type MessageRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const uniqueViolation = "23505"

func (r *MessageRepository) InsertMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate message ID: %w", err)
		}

		message.ID = id.String()
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, contact_id, instance_id, remote_id, direction, kind, body,
			media_url, from_me, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		message.ID,
		message.ContactID,
		message.InstanceID,
		message.RemoteID,
		message.Direction,
		message.Kind,
		message.Body,
		message.MediaURL,
		message.FromMe,
		message.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.ErrDuplicateMessage
		}

		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

func (r *MessageRepository) MessageExists(ctx context.Context, contactID, remoteID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE contact_id = $1 AND remote_id = $2)`,
		contactID, remoteID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}

	return exists, nil
}
