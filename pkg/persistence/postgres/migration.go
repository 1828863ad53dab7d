package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

// migrationManager applies ordered schema migrations tracked in a
// schema_migrations table.
type migrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

func newMigrationManager(logger *slog.Logger, db *sql.DB, migrations map[int]string) *migrationManager {
	return &migrationManager{
		db:         db,
		logger:     logger,
		migrations: migrations,
	}
}

func (m *migrationManager) RunMigrations(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var currentVersion int

	err = m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	versions := make([]int, 0, len(m.migrations))
	for version := range m.migrations {
		versions = append(versions, version)
	}

	sort.Ints(versions)

	for _, version := range versions {
		if version <= currentVersion {
			continue
		}

		m.logger.InfoContext(ctx, "Applying migration", "version", version)

		transaction, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		_, err = transaction.ExecContext(ctx, m.migrations[version])
		if err != nil {
			_ = transaction.Rollback()

			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		_, err = transaction.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
		if err != nil {
			_ = transaction.Rollback()

			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		err = transaction.Commit()
		if err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE instances (
				id UUID PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				phone VARCHAR(64) NOT NULL DEFAULT '',
				provider VARCHAR(50) NOT NULL CHECK (provider IN ('zapi', 'evolution')),
				token TEXT NOT NULL DEFAULT '',
				base_url TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL DEFAULT 'connecting',
				connected_at TIMESTAMP WITH TIME ZONE,
				disconnected_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_instances_tenant ON instances(tenant_id);

			CREATE TABLE contacts (
				id UUID PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				instance_id UUID REFERENCES instances(id),
				phone VARCHAR(64) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				avatar_url TEXT NOT NULL DEFAULT '',
				tags JSONB NOT NULL DEFAULT '[]',
				unread_count INT NOT NULL DEFAULT 0,
				flow_paused BOOLEAN NOT NULL DEFAULT FALSE,
				last_message_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_contacts_tenant ON contacts(tenant_id);
			CREATE UNIQUE INDEX idx_contacts_instance_phone ON contacts(instance_id, phone);

			CREATE TABLE flows (
				id UUID PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				trigger_type VARCHAR(50) NOT NULL CHECK (trigger_type IN ('tag', 'sale', 'manual')),
				trigger_tags JSONB NOT NULL DEFAULT '[]',
				pause_other_flows BOOLEAN NOT NULL DEFAULT FALSE,
				instance_ids JSONB NOT NULL DEFAULT '[]',
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flows_tenant_trigger ON flows(tenant_id, trigger_type);

			CREATE TABLE flow_sessions (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				contact_id UUID NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
				current_node_id VARCHAR(255) NOT NULL,
				variables JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(50) NOT NULL CHECK (status IN ('active', 'paused', 'completed')),
				processing BOOLEAN NOT NULL DEFAULT FALSE,
				processing_started_at TIMESTAMP WITH TIME ZONE,
				error_count INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				last_interaction_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_sessions_contact_status ON flow_sessions(contact_id, status);
			CREATE INDEX idx_flow_sessions_flow_contact ON flow_sessions(flow_id, contact_id);

			CREATE TABLE delay_jobs (
				id UUID PRIMARY KEY,
				session_id UUID NOT NULL REFERENCES flow_sessions(id) ON DELETE CASCADE,
				fire_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(50) NOT NULL DEFAULT 'scheduled' CHECK (status IN ('scheduled', 'done', 'cancelled')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_delay_jobs_due ON delay_jobs(status, fire_at);
			CREATE INDEX idx_delay_jobs_session ON delay_jobs(session_id);

			CREATE TABLE messages (
				id UUID PRIMARY KEY,
				contact_id UUID NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
				instance_id UUID NOT NULL,
				remote_id VARCHAR(255) NOT NULL,
				direction VARCHAR(10) NOT NULL CHECK (direction IN ('in', 'out')),
				kind VARCHAR(50) NOT NULL DEFAULT 'text',
				body TEXT NOT NULL DEFAULT '',
				media_url TEXT NOT NULL DEFAULT '',
				from_me BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX idx_messages_contact_remote ON messages(contact_id, remote_id);

			CREATE TABLE conversations (
				id UUID PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				instance_a_id UUID NOT NULL REFERENCES instances(id),
				instance_b_id UUID NOT NULL REFERENCES instances(id),
				active BOOLEAN NOT NULL DEFAULT FALSE,
				min_delay_seconds INT NOT NULL DEFAULT 30,
				max_delay_seconds INT NOT NULL DEFAULT 180,
				max_per_run INT NOT NULL DEFAULT 0,
				daily_limit INT NOT NULL DEFAULT 0,
				quiet_hours_start VARCHAR(5) NOT NULL DEFAULT '',
				quiet_hours_end VARCHAR(5) NOT NULL DEFAULT '',
				topics JSONB NOT NULL DEFAULT '[]',
				cursor INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
	}
}
