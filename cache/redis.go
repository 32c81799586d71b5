package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/config"
	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

// PackageSource is implemented by store.PackageStore.
type PackageSource interface {
	Get(ctx context.Context, id string) (*models.DataPackage, error)
}

// PackageCatalog is a read-through cache over the data package table. Redis errors are
// logged and the lookup falls back to the database.
type PackageCatalog struct {
	rdb    *redis.Client
	source PackageSource
	ttl    time.Duration
	logger *zap.Logger
}

func NewPackageCatalog(rdb *redis.Client, source PackageSource, ttl time.Duration, logger *zap.Logger) *PackageCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PackageCatalog{rdb: rdb, source: source, ttl: ttl, logger: logger}
}

func packageKey(id string) string {
	return fmt.Sprintf("package:%s", id)
}

func (c *PackageCatalog) Get(ctx context.Context, id string) (*models.DataPackage, error) {
	data, err := c.rdb.Get(ctx, packageKey(id)).Bytes()
	switch {
	case err == nil:
		var pkg models.DataPackage
		if jsonErr := json.Unmarshal(data, &pkg); jsonErr == nil {
			return &pkg, nil
		}
		c.logger.Warn("Discarding undecodable cached package", zap.String("package_id", id))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Package cache read failed", zap.String("package_id", id), zap.Error(err))
	}

	pkg, err := c.source.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(pkg); err == nil {
		if err := c.rdb.Set(ctx, packageKey(id), data, c.ttl).Err(); err != nil {
			c.logger.Debug("Package cache write failed", zap.String("package_id", id), zap.Error(err))
		}
	}
	return pkg, nil
}

func (c *PackageCatalog) Invalidate(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, packageKey(id)).Err()
}

// RateCounter implements middleware.Counter with fixed windows.
type RateCounter struct {
	rdb *redis.Client
}

func NewRateCounter(rdb *redis.Client) *RateCounter {
	return &RateCounter{rdb: rdb}
}

func (r *RateCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	key = "ratelimit:" + key
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := r.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}
