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

// ContactRepository handles contact-related database operations.
type ContactRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const contactColumns = `
	id
  , tenant_id
  , instance_id
  , phone
  , name
  , avatar_url
  , tags
  , unread_count
  , flow_paused
  , last_message_at
  , created_at
  , updated_at
`

func (r *ContactRepository) ContactByID(ctx context.Context, id string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)

	return r.scanContact(row)
}

func (r *ContactRepository) ContactByPhone(ctx context.Context, instanceID, phone string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE instance_id = $1 AND phone = $2`,
		instanceID, phone)

	return r.scanContact(row)
}

func (r *ContactRepository) scanContact(row *sql.Row) (*models.Contact, error) {
	contact := &models.Contact{}

	var tagsJSON []byte

	err := row.Scan(
		&contact.ID,
		&contact.TenantID,
		&contact.InstanceID,
		&contact.Phone,
		&contact.Name,
		&contact.AvatarURL,
		&tagsJSON,
		&contact.UnreadCount,
		&contact.FlowPaused,
		&contact.LastMessageAt,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrContactNotFound
		}

		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	err = json.Unmarshal(tagsJSON, &contact.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal contact tags: %w", err)
	}

	return contact, nil
}

func (r *ContactRepository) SaveContact(ctx context.Context, contact *models.Contact) error {
	now := time.Now().UTC()

	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}

	contact.UpdatedAt = now

	if contact.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate contact ID: %w", err)
		}

		contact.ID = id.String()
	}

	if contact.Tags == nil {
		contact.Tags = []string{}
	}

	tagsJSON, err := json.Marshal(contact.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal contact tags: %w", err)
	}

	query := `
		INSERT INTO contacts (
			id, tenant_id, instance_id, phone, name, avatar_url, tags,
			unread_count, flow_paused, last_message_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			phone = EXCLUDED.phone,
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			tags = EXCLUDED.tags,
			unread_count = EXCLUDED.unread_count,
			flow_paused = EXCLUDED.flow_paused,
			last_message_at = EXCLUDED.last_message_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		contact.ID,
		contact.TenantID,
		contact.InstanceID,
		contact.Phone,
		contact.Name,
		contact.AvatarURL,
		tagsJSON,
		contact.UnreadCount,
		contact.FlowPaused,
		contact.LastMessageAt,
		contact.CreatedAt,
		contact.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}

	return nil
}

func (r *ContactRepository) IncrementUnread(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET unread_count = unread_count + 1, last_message_at = $2, updated_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to increment unread count: %w", err)
	}

	return r.requireRow(result)
}

func (r *ContactRepository) ResetUnread(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET unread_count = 0, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}

	return r.requireRow(result)
}

// BackfillContactName fills the name only when the stored name is empty.
func (r *ContactRepository) BackfillContactName(ctx context.Context, id, name string) error {
	if name == "" {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET name = $2, updated_at = NOW() WHERE id = $1 AND name = ''`,
		id, name)
	if err != nil {
		return fmt.Errorf("failed to backfill contact name: %w", err)
	}

	return nil
}

func (r *ContactRepository) requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrContactNotFound
	}

	return nil
}
