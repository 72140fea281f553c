package views

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "anirate:"
	defaultViewTTL   = 5 * time.Minute

	sinkNameCache = "redis"
)

var errMissingRedisClient = errors.New("views: redis client required")

// RedisCacheConfig describes the dependencies of the view cache.
type RedisCacheConfig struct {
	Client    *redis.Client
	KeyPrefix string
	TTL       time.Duration
	Logger    *zap.Logger
}

// RedisCache stores rendered views under a per-view generation counter.
// Invalidation increments the generation, so stale payloads are never read again and expire by TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache constructs a RedisCache.
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultViewTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: cfg.Client, prefix: prefix, ttl: ttl, logger: logger}, nil
}

// Name identifies the sink in logs and metrics.
func (c *RedisCache) Name() string {
	return sinkNameCache
}

// Invalidate marks every view of the change stale. Repeating it has no further effect on readers.
func (c *RedisCache) Invalidate(ctx context.Context, change Change) error {
	if c == nil {
		return nil
	}
	views := change.Views()
	if len(views) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, view := range views {
			pipe.Incr(ctx, c.generationKey(view))
		}
		return nil
	})
	return err
}

// Generation returns the current generation of a view; zero when it was never invalidated.
func (c *RedisCache) Generation(ctx context.Context, view View) (int64, error) {
	value, err := c.client.Get(ctx, c.generationKey(view)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return value, err
}

// Load fills dest from the cached payload of view, computing and storing it on a miss.
// Redis failures degrade to computing the view directly. A nil cache always computes.
func (c *RedisCache) Load(ctx context.Context, view View, dest any, compute func(context.Context) (any, error)) error {
	if c == nil {
		return computeInto(ctx, dest, compute)
	}

	generation, err := c.Generation(ctx, view)
	if err != nil {
		c.logger.Warn("view cache unavailable", zap.String("view", view.Key()), zap.Error(err))
		return computeInto(ctx, dest, compute)
	}
	key := c.payloadKey(view, generation)

	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if decodeErr := json.Unmarshal(payload, dest); decodeErr == nil {
			return nil
		}
		c.logger.Warn("discarding undecodable cached view", zap.String("view", view.Key()))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("view cache read failed", zap.String("view", view.Key()), zap.Error(err))
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}
	payload, err = json.Marshal(value)
	if err != nil {
		return err
	}
	// Written under the generation read above; a concurrent invalidation leaves it unreachable.
	if setErr := c.client.Set(ctx, key, payload, c.ttl).Err(); setErr != nil {
		c.logger.Warn("view cache write failed", zap.String("view", view.Key()), zap.Error(setErr))
	}
	return json.Unmarshal(payload, dest)
}

func (c *RedisCache) generationKey(view View) string {
	return c.prefix + "gen:" + view.Key()
}

func (c *RedisCache) payloadKey(view View, generation int64) string {
	return c.prefix + "view:" + view.Key() + ":" + strconv.FormatInt(generation, 10)
}

func computeInto(ctx context.Context, dest any, compute func(context.Context) (any, error)) error {
	value, err := compute(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, dest)
}
