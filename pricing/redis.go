/*
redis.go - Shared TTL cache for the active pricing config

PURPOSE:
  When several instances of the engine run against one database, each
  in-process CachedSource refreshes independently. RedisSource puts a short
  shared TTL in front of the underlying source so the config is loaded once
  per TTL across the fleet.

DEGRADATION:
  Redis being down, slow, or holding garbage NEVER fails a price lookup:
  every error path falls through to the underlying source, and the engine
  above that falls back to the built-in table. The cache is an optimization
  only.
*/
package pricing

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const activeConfigKey = "pricing:active-config"

type RedisSource struct {
	Client *redis.Client
	Inner  Source
	TTL    time.Duration
}

func NewRedisSource(client *redis.Client, inner Source, ttl time.Duration) *RedisSource {
	return &RedisSource{Client: client, Inner: inner, TTL: ttl}
}

func (s *RedisSource) Active(ctx context.Context) (*Config, error) {
	raw, err := s.Client.Get(ctx, activeConfigKey).Result()
	if err == nil {
		var cfg Config
		if jsonErr := json.Unmarshal([]byte(raw), &cfg); jsonErr == nil {
			return &cfg, nil
		}
		// Corrupt cache entry: drop it and reload below.
		s.Client.Del(ctx, activeConfigKey)
	} else if err != redis.Nil {
		log.Printf("[Pricing] redis cache read failed: %v", err)
	}

	cfg, err := s.Inner.Active(ctx)
	if err != nil || cfg == nil {
		return cfg, err
	}

	if raw, jsonErr := json.Marshal(cfg); jsonErr == nil {
		if setErr := s.Client.Set(ctx, activeConfigKey, raw, s.TTL).Err(); setErr != nil {
			log.Printf("[Pricing] redis cache write failed: %v", setErr)
		}
	}

	return cfg, nil
}

// Invalidate drops the cached entry, e.g. after an admin saves a new
// config version. Best-effort.
func (s *RedisSource) Invalidate(ctx context.Context) {
	if err := s.Client.Del(ctx, activeConfigKey).Err(); err != nil && err != redis.Nil {
		log.Printf("[Pricing] redis cache invalidate failed: %v", err)
	}
}
