package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisThreatCache shares threat scores across gateway instances. Entries
// carry a TTL slightly above the freshness window; the gate still checks
// ComputedAt itself, the TTL only bounds memory.
type RedisThreatCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisThreatCache(cfg *config.Config, freshness time.Duration) (*RedisThreatCache, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := freshness * 4
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	return &RedisThreatCache{client: rdb, ttl: ttl, prefix: "threat"}, nil
}

func (c *RedisThreatCache) Get(ctx context.Context, counterparty string) (*model.ThreatScore, error) {
	raw, err := c.client.Get(ctx, c.key(counterparty)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var score model.ThreatScore
	if err := json.Unmarshal(raw, &score); err != nil {
		return nil, err
	}
	return &score, nil
}

func (c *RedisThreatCache) Put(ctx context.Context, score model.ThreatScore) error {
	raw, err := json.Marshal(score)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(score.Counterparty), raw, c.ttl).Err()
}

func (c *RedisThreatCache) key(counterparty string) string {
	return c.prefix + ":" + counterparty
}
