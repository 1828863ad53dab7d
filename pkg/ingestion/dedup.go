package ingestion

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupTTL = 24 * time.Hour

// DedupCache is the fast-path seen-before check for inbound deliveries.
// It is advisory only: entries are added after a message is durably
// stored, never before, so a delivery that failed mid-processing is still
// accepted when the provider redelivers it. The unique (contact, remote
// id) constraint in the store remains the authoritative guard.
type DedupCache interface {
	Seen(ctx context.Context, key string) bool
	Mark(ctx context.Context, key string)
}

type redisDedup struct {
	client *redis.Client
	logger *slog.Logger
}

func newRedisDedup(client *redis.Client, logger *slog.Logger) *redisDedup {
	return &redisDedup{client: client, logger: logger}
}

func (d *redisDedup) Seen(ctx context.Context, key string) bool {
	n, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		d.logger.WarnContext(ctx, "Dedup fast path unavailable", "error", err)

		return false
	}

	return n > 0
}

func (d *redisDedup) Mark(ctx context.Context, key string) {
	err := d.client.Set(ctx, key, 1, dedupTTL).Err()
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to mark delivery as seen", "error", err)
	}
}

// noopDedup is used without redis; the store constraint alone dedups.
type noopDedup struct{}

func (noopDedup) Seen(context.Context, string) bool { return false }
func (noopDedup) Mark(context.Context, string)      {}

func dedupKey(instanceID, remoteID string) string {
	return "ingest:dedup:" + instanceID + ":" + remoteID
}
