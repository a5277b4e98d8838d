// Package cache keeps read-path copies of canonical values in Redis, keyed by epoch.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"player-values/internal/config"
	"player-values/internal/model"
)

// NewClient connects to Redis. An empty address means caching is disabled and returns nil.
func NewClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// ValueCache stores ValueViews per (epoch, player, format, profile). A new epoch never sees
// entries written for an older one, so publishing needs no explicit invalidation.
type ValueCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New wraps a client.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *ValueCache {
	if prefix == "" {
		prefix = "playervalues:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ValueCache{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the cached view, reporting false on a miss.
func (c *ValueCache) Get(ctx context.Context, epochNumber int64, key model.ValueKey) (model.ValueView, bool, error) {
	data, err := c.client.Get(ctx, c.keyFor(epochNumber, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ValueView{}, false, nil
	}
	if err != nil {
		return model.ValueView{}, false, fmt.Errorf("cache get: %w", err)
	}
	var view model.ValueView
	if err := json.Unmarshal(data, &view); err != nil {
		return model.ValueView{}, false, fmt.Errorf("decode cached value: %w", err)
	}
	return view, true, nil
}

// Set stores a view for the epoch it was read from.
func (c *ValueCache) Set(ctx context.Context, epochNumber int64, key model.ValueKey, view model.ValueView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	if err := c.client.Set(ctx, c.keyFor(epochNumber, key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *ValueCache) keyFor(epochNumber int64, key model.ValueKey) string {
	profile := key.LeagueProfileID
	if profile == "" {
		profile = "default"
	}
	return fmt.Sprintf("%svalue:%d:%s:%s:%s", c.prefix, epochNumber, key.Format, key.PlayerID, profile)
}
