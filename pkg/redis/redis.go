package redis

import (
	"context"
	"time"

	"safekey-licensing/pkg/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

// New builds the client used for code sequences and health checks. The start
// hook waits for redis with exponential backoff bounded by the fx start
// timeout.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	zapLog := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 3 * time.Second

			attempt := 0
			err := backoff.Retry(func() error {
				attempt++
				err := rdb.Ping(ctx).Err()
				if err != nil {
					zapLog.Warn("[Redis] Redis not ready", zap.Int("attempt", attempt), zap.Error(err))
				}
				return err
			}, backoff.WithContext(b, ctx))
			if err != nil {
				zapLog.Error("[Redis] Failed to connect to Redis", zap.Error(err))
				return err
			}

			zapLog.Info("[Redis] Connected to Redis")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}
