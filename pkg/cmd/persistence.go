// Package cmd holds the shared wiring used by the server and worker
// binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zapflow/zapflow/pkg/persistence"
	"github.com/zapflow/zapflow/pkg/persistence/memory"
	"github.com/zapflow/zapflow/pkg/persistence/postgres"
)

// NewPersistence selects the store from the database URL scheme. An empty
// URL yields the in-memory store, for local development only.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case databaseURL == "" || strings.HasPrefix(databaseURL, "memory://"):
		logger.Warn("Using in-memory persistence, data will not survive restart")

		return memory.NewPersistence(), nil
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.NewPersistence(ctx, logger, databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database URL %q", databaseURL)
	}
}
