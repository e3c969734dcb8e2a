package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a Redis lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key.
	Prefix string
	// TTL bounds how long a crashed holder can block a key.
	TTL time.Duration
	// Wait is the maximum time Lock keeps retrying before giving up.
	Wait time.Duration
	// RetryInterval is the first pause between attempts; it doubles up to one second.
	RetryInterval time.Duration
}

// Redis is a distributed lock built on SET NX PX, for deployments that run
// several consumers against the same queue.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 25 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "crowdcheck:lock:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	slog.Info("redis lock connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Redis{client: client, cfg: cfg}, nil
}

// Lock retries SET NX until it succeeds, Wait elapses or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	fullKey := r.cfg.Prefix + key

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Wait)
	defer cancel()

	delay := r.cfg.RetryInterval
	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.cfg.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, key, ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Second)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unlock(key, fullKey, token) })
	}, nil
}

func (r *Redis) unlock(key, fullKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, r.client, []string{fullKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("failed to release redis lock", "key", key, "error", err)
	}
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
