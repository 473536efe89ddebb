package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards Redis calls with a breaker. The session store
// sits behind it and degrades to its local cache when Redis is down.
// A cache miss (redis.Nil) never counts as a failure.
type RedisWrapper struct {
	client *redis.Client
	cb     *Breaker
	logger *zap.Logger
}

func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cfg := RedisSettings().ToConfig()
	cfg.OnStateChange = Collector.StateChangeHook("redis", "session-store")
	cb := NewBreaker("redis", cfg, logger)
	Collector.Register("redis", "session-store", cb)

	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

// guard runs op through the breaker and records the outcome.
func (rw *RedisWrapper) guard(ctx context.Context, op func() error) error {
	err := rw.cb.Execute(ctx, op)
	Collector.RecordRequest("redis", "session-store", rw.cb.State(), err == nil)
	return err
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.guard(ctx, func() error {
		cmd = rw.client.Ping(ctx)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	err := rw.guard(ctx, func() error {
		cmd = rw.client.Get(ctx, key)
		if e := cmd.Err(); e != nil && e != redis.Nil {
			return e
		}
		return nil
	})
	if cmd == nil {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.guard(ctx, func() error {
		cmd = rw.client.Set(ctx, key, value, expiration)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := rw.guard(ctx, func() error {
		cmd = rw.client.Del(ctx, keys...)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	var cmd *redis.BoolCmd
	err := rw.guard(ctx, func() error {
		cmd = rw.client.Expire(ctx, key, expiration)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewBoolCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var cmd *redis.StringSliceCmd
	err := rw.guard(ctx, func() error {
		cmd = rw.client.Keys(ctx, pattern)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStringSliceCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// Client returns the raw client for operations the wrapper does not cover.
func (rw *RedisWrapper) Client() *redis.Client {
	return rw.client
}

// IsOpen reports whether the breaker is currently open.
func (rw *RedisWrapper) IsOpen() bool {
	return rw.cb.State() == StateOpen
}
