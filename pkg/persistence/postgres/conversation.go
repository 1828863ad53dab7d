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

// ConversationRepository stores maturation conversation configuration.
type ConversationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ConversationRepository) ConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			id
		  , tenant_id
		  , instance_a_id
		  , instance_b_id
		  , active
		  , min_delay_seconds
		  , max_delay_seconds
		  , max_per_run
		  , daily_limit
		  , quiet_hours_start
		  , quiet_hours_end
		  , topics
		  , cursor
		  , created_at
		  , updated_at
		FROM conversations
		WHERE id = $1
	`, id)

	conversation := &models.Conversation{}

	var topicsJSON []byte

	err := row.Scan(
		&conversation.ID,
		&conversation.TenantID,
		&conversation.InstanceAID,
		&conversation.InstanceBID,
		&conversation.Active,
		&conversation.MinDelaySeconds,
		&conversation.MaxDelaySeconds,
		&conversation.MaxPerRun,
		&conversation.DailyLimit,
		&conversation.QuietHoursStart,
		&conversation.QuietHoursEnd,
		&topicsJSON,
		&conversation.Cursor,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrConversationNotFound
		}

		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	err = json.Unmarshal(topicsJSON, &conversation.Topics)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation topics: %w", err)
	}

	return conversation, nil
}

func (r *ConversationRepository) SaveConversation(ctx context.Context, conversation *models.Conversation) error {
	now := time.Now().UTC()

	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}

	conversation.UpdatedAt = now

	if conversation.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate conversation ID: %w", err)
		}

		conversation.ID = id.String()
	}

	topicsJSON, err := json.Marshal(orEmptySlice(conversation.Topics))
	if err != nil {
		return fmt.Errorf("failed to marshal conversation topics: %w", err)
	}

	query := `
		INSERT INTO conversations (
			id, tenant_id, instance_a_id, instance_b_id, active,
			min_delay_seconds, max_delay_seconds, max_per_run, daily_limit,
			quiet_hours_start, quiet_hours_end, topics, cursor, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active,
			min_delay_seconds = EXCLUDED.min_delay_seconds,
			max_delay_seconds = EXCLUDED.max_delay_seconds,
			max_per_run = EXCLUDED.max_per_run,
			daily_limit = EXCLUDED.daily_limit,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			topics = EXCLUDED.topics,
			cursor = EXCLUDED.cursor,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		conversation.ID,
		conversation.TenantID,
		conversation.InstanceAID,
		conversation.InstanceBID,
		conversation.Active,
		conversation.MinDelaySeconds,
		conversation.MaxDelaySeconds,
		conversation.MaxPerRun,
		conversation.DailyLimit,
		conversation.QuietHoursStart,
		conversation.QuietHoursEnd,
		topicsJSON,
		conversation.Cursor,
		conversation.CreatedAt,
		conversation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	return nil
}
