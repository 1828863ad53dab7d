// Package postgres provides the PostgreSQL persistence implementation.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/zapflow/zapflow/pkg/persistence"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	instances     *InstanceRepository
	contacts      *ContactRepository
	flows         *FlowRepository
	sessions      *SessionRepository
	delayJobs     *DelayJobRepository
	messages      *MessageRepository
	conversations *ConversationRepository
}

// NewPersistence opens the database, runs migrations and wires the
// repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	err = newMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		instances:     &InstanceRepository{db: database, logger: logger},
		contacts:      &ContactRepository{db: database, logger: logger},
		flows:         &FlowRepository{db: database, logger: logger},
		sessions:      &SessionRepository{db: database, logger: logger},
		delayJobs:     &DelayJobRepository{db: database, logger: logger},
		messages:      &MessageRepository{db: database, logger: logger},
		conversations: &ConversationRepository{db: database, logger: logger},
	}, nil
}

func (p *Persistence) Instances() persistence.InstanceRepository         { return p.instances }
func (p *Persistence) Contacts() persistence.ContactRepository           { return p.contacts }
func (p *Persistence) Flows() persistence.FlowRepository                 { return p.flows }
func (p *Persistence) Sessions() persistence.SessionRepository           { return p.sessions }
func (p *Persistence) DelayJobs() persistence.DelayJobRepository         { return p.delayJobs }
func (p *Persistence) Messages() persistence.MessageRepository           { return p.messages }
func (p *Persistence) Conversations() persistence.ConversationRepository { return p.conversations }

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
