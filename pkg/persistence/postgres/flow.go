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

// FlowRepository handles flow-definition database operations. The node and
// edge graphs are stored as JSONB documents; flows are read far more often
// than written and are always loaded whole.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const flowColumns = `
	id
  , tenant_id
  , name
  , active
  , trigger_type
  , trigger_tags
  , pause_other_flows
  , instance_ids
  , nodes
  , edges
  , created_at
  , updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *FlowRepository) FlowByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)

	flow, err := r.scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrFlowNotFound
		}

		return nil, err
	}

	return flow, nil
}

func (r *FlowRepository) ActiveFlowsByTrigger(ctx context.Context, tenantID string, trigger models.TriggerType) ([]*models.Flow, error) {
	query := `SELECT ` + flowColumns + `
		FROM flows
		WHERE tenant_id = $1 AND trigger_type = $2 AND active = TRUE
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

func (r *FlowRepository) scanFlow(row rowScanner) (*models.Flow, error) {
	flow := &models.Flow{}

	var tagsJSON, instancesJSON, nodesJSON, edgesJSON []byte

	err := row.Scan(
		&flow.ID,
		&flow.TenantID,
		&flow.Name,
		&flow.Active,
		&flow.TriggerType,
		&tagsJSON,
		&flow.PauseOtherFlows,
		&instancesJSON,
		&nodesJSON,
		&edgesJSON,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{tagsJSON, &flow.TriggerTags},
		{instancesJSON, &flow.InstanceIDs},
		{nodesJSON, &flow.Nodes},
		{edgesJSON, &flow.Edges},
	} {
		err = json.Unmarshal(pair.raw, pair.dst)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow field: %w", err)
		}
	}

	return flow, nil
}

func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	if flow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate flow ID: %w", err)
		}

		flow.ID = id.String()
	}

	tagsJSON, err := json.Marshal(orEmptySlice(flow.TriggerTags))
	if err != nil {
		return fmt.Errorf("failed to marshal trigger tags: %w", err)
	}

	instancesJSON, err := json.Marshal(orEmptySlice(flow.InstanceIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal instance ids: %w", err)
	}

	nodesJSON, err := json.Marshal(flow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edgesJSON, err := json.Marshal(flow.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	query := `
		INSERT INTO flows (
			id, tenant_id, name, active, trigger_type, trigger_tags,
			pause_other_flows, instance_ids, nodes, edges, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			trigger_type = EXCLUDED.trigger_type,
			trigger_tags = EXCLUDED.trigger_tags,
			pause_other_flows = EXCLUDED.pause_other_flows,
			instance_ids = EXCLUDED.instance_ids,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		flow.ID,
		flow.TenantID,
		flow.Name,
		flow.Active,
		flow.TriggerType,
		tagsJSON,
		flow.PauseOtherFlows,
		instancesJSON,
		nodesJSON,
		edgesJSON,
		flow.CreatedAt,
		flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

func (r *FlowRepository) DeleteFlow(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrFlowNotFound
	}

	return nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
