package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
)

// InstanceRepository handles instance-related database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *InstanceRepository) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	query := `
		SELECT
			id
		  , tenant_id
		  , name
		  , phone
		  , provider
		  , token
		  , base_url
		  , status
		  , connected_at
		  , disconnected_at
		  , created_at
		  , updated_at
		FROM instances
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	instance := &models.Instance{}

	err := row.Scan(
		&instance.ID,
		&instance.TenantID,
		&instance.Name,
		&instance.Phone,
		&instance.Provider,
		&instance.Token,
		&instance.BaseURL,
		&instance.Status,
		&instance.ConnectedAt,
		&instance.DisconnectedAt,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) SaveInstance(ctx context.Context, instance *models.Instance) error {
	now := time.Now().UTC()

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	if instance.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}

		instance.ID = id.String()
	}

	if instance.Status == "" {
		instance.Status = models.InstanceStatusConnecting
	}

	query := `
		INSERT INTO instances (
			id, tenant_id, name, phone, provider, token, base_url, status,
			connected_at, disconnected_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			provider = EXCLUDED.provider,
			token = EXCLUDED.token,
			base_url = EXCLUDED.base_url,
			status = EXCLUDED.status,
			connected_at = EXCLUDED.connected_at,
			disconnected_at = EXCLUDED.disconnected_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		instance.ID,
		instance.TenantID,
		instance.Name,
		instance.Phone,
		instance.Provider,
		instance.Token,
		instance.BaseURL,
		instance.Status,
		instance.ConnectedAt,
		instance.DisconnectedAt,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	return nil
}

func (r *InstanceRepository) UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, at time.Time) error {
	var query string

	switch status {
	case models.InstanceStatusConnected:
		query = `UPDATE instances SET status = $2, connected_at = $3, updated_at = $3 WHERE id = $1`
	case models.InstanceStatusDisconnected:
		query = `UPDATE instances SET status = $2, disconnected_at = $3, updated_at = $3 WHERE id = $1`
	default:
		query = `UPDATE instances SET status = $2, updated_at = $3 WHERE id = $1`
	}

	result, err := r.db.ExecContext(ctx, query, id, status, at)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrInstanceNotFound
	}

	return nil
}
