package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// RedisOptions configures the shared redis connection.
type RedisOptions struct {
	Address        string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	MaxWait        time.Duration
	PingTimeout    time.Duration
}

// ConnectRedis pings redis with exponential backoff until ConnectTimeout elapses.
func ConnectRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*redis.Client, error) {
	if opts.ConnectTimeout <= 0 || opts.RetryInterval <= 0 || opts.MaxWait <= 0 || opts.PingTimeout <= 0 {
		return nil, fmt.Errorf("redis: connect timeouts must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	attempt := 0
	backoff := retry.WithCappedDuration(opts.MaxWait, retry.NewExponential(opts.RetryInterval))
	err := retry.Do(connectCtx, backoff, func(ctx context.Context) error {
		attempt++
		pingCtx, pingCancel := context.WithTimeout(ctx, opts.PingTimeout)
		defer pingCancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis connection failed, retrying",
				zap.String("addr", opts.Address),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		logger.Error("redis unavailable",
			zap.String("addr", opts.Address),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return nil, fmt.Errorf("redis unavailable at %s after %d attempts: %w", opts.Address, attempt, err)
	}

	logger.Info("connected to redis", zap.String("addr", opts.Address), zap.Int("attempts", attempt))
	return client, nil
}
