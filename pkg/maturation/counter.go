package maturation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DailyCounter tracks per-conversation message counts per calendar day,
// shared across processes so the daily limit holds even when loops for the
// same conversation run on different hosts over time.
type DailyCounter interface {
	Increment(ctx context.Context, conversationID string, day time.Time) (int64, error)
}

const counterTTL = 48 * time.Hour

// RedisCounter is the production counter.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Increment(ctx context.Context, conversationID string, day time.Time) (int64, error) {
	key := counterKey(conversationID, day)

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment daily counter %s: %w", key, err)
	}

	if count == 1 {
		err = c.client.Expire(ctx, key, counterTTL).Err()
		if err != nil {
			return count, fmt.Errorf("failed to expire daily counter %s: %w", key, err)
		}
	}

	return count, nil
}

func counterKey(conversationID string, day time.Time) string {
	return "maturation:daily:" + conversationID + ":" + day.UTC().Format("2006-01-02")
}

// MemoryCounter is an in-process counter for tests and single-node setups.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Increment(_ context.Context, conversationID string, day time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := counterKey(conversationID, day)
	c.counts[key]++

	return c.counts[key], nil
}
