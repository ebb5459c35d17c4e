// Package cache fronts the stats aggregate with Redis. Dashboards poll the
// stats endpoint far more often than token counts change, so a short TTL
// keeps that load off the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ballotworks/ballot-tokens/internal/token"
)

const statsKey = "ballot_tokens:stats"

type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatsCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*StatsCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StatsCache{client: client, ttl: ttl}, nil
}

func (c *StatsCache) GetStats(ctx context.Context) (token.Stats, bool, error) {
	raw, err := c.client.Get(ctx, statsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return token.Stats{}, false, nil
	}
	if err != nil {
		return token.Stats{}, false, fmt.Errorf("get cached stats: %w", err)
	}
	var stats token.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		// A corrupt cache entry is a miss, not a failure.
		return token.Stats{}, false, nil
	}
	return stats, true, nil
}

func (c *StatsCache) SetStats(ctx context.Context, stats token.Stats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := c.client.Set(ctx, statsKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache stats: %w", err)
	}
	return nil
}

func (c *StatsCache) Close() error {
	return c.client.Close()
}
