package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses the redis URL. An empty URL disables redis-backed
// features (webhook dedup fast path, shared daily counters).
func NewRedisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return redis.NewClient(opts), nil
}
