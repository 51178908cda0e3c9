package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricewatch/config"
	"pricewatch/models"
)

const cachePrefix = "pricewatch:dashboard:"

// DashboardCache holds rendered dashboard data per term and window.
// A miss is (nil, nil).
type DashboardCache interface {
	Get(ctx context.Context, term string, window time.Duration) (*models.DashboardData, error)
	Set(ctx context.Context, term string, window time.Duration, data *models.DashboardData) error
	Invalidate(ctx context.Context, term string) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects and pings once. Callers treat an error as "run
// without a cache".
func NewRedisCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	return &RedisCache{client: client, ttl: cfg.TTL, logger: logger}, nil
}

func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, term string, window time.Duration) (*models.DashboardData, error) {
	raw, err := c.client.Get(ctx, cacheKey(term, window)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var data models.DashboardData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode cached dashboard: %w", err)
	}
	return &data, nil
}

func (c *RedisCache) Set(ctx context.Context, term string, window time.Duration, data *models.DashboardData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(term, window), raw, c.ttl).Err()
}

// Invalidate drops every cached window for term.
func (c *RedisCache) Invalidate(ctx context.Context, term string) error {
	pattern := termPrefix(term) + "*"
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Debug("dashboard cache invalidated", zap.String("term", term), zap.Int("keys", deleted))
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func termPrefix(term string) string {
	return cachePrefix + url.QueryEscape(term) + ":"
}

func cacheKey(term string, window time.Duration) string {
	return termPrefix(term) + window.String()
}
