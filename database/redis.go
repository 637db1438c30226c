package database

import (
	"PsiConsulta/config"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrLockNotAcquired = errors.New("lock not acquired")

type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	MinIdleConns int
	ReadTimeout  time.Duration
	MaxRetries   int
}

// InitializeRedis loads the Redis configuration and connects.
func InitializeRedis(redisURL string, log *zap.Logger) (*redis.Client, error) {
	cfg, err := LoadRedisConfig(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load Redis configuration: %w", err)
	}

	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis client: %w", err)
	}

	log.Info("redis client initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("min_idle_conns", cfg.MinIdleConns),
		zap.Duration("dial_timeout", cfg.DialTimeout),
		zap.Duration("read_timeout", cfg.ReadTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
	)
	return client, nil
}

// LoadRedisConfig reads pool settings from the environment with defaults.
func LoadRedisConfig(redisURL string) (RedisConfig, error) {
	if redisURL == "" {
		redisURL = os.Getenv("REDIS_URL")
	}
	if redisURL == "" {
		return RedisConfig{}, errors.New("REDIS_URL environment variable is not set")
	}

	return RedisConfig{
		URL:          redisURL,
		PoolSize:     config.GetEnvAsInt("REDIS_POOL_SIZE", 10),
		DialTimeout:  config.GetEnvAsDuration("REDIS_DIAL_TIMEOUT", 30*time.Second),
		MinIdleConns: config.GetEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
		ReadTimeout:  config.GetEnvAsDuration("REDIS_READ_TIMEOUT", 10*time.Second),
		MaxRetries:   config.GetEnvAsInt("REDIS_MAX_RETRIES", 3),
	}, nil
}

// NewRedisClient creates a Redis client with the provided configuration
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis server: %w", err)
	}
	return client, nil
}

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

var releaseLock = redis.NewScript(releaseLockScript)

// Locker hands out Redis based mutual exclusion keyed by name.
type Locker struct {
	client     *redis.Client
	ttl        time.Duration
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger
}

func NewLocker(client *redis.Client, log *zap.Logger) *Locker {
	return &Locker{
		client:     client,
		ttl:        30 * time.Second,
		maxRetries: 3,
		retryDelay: 2 * time.Second,
		log:        log,
	}
}

// Acquire takes the lock, retrying a few times, and returns its release function.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	value := uuid.New().String()

	var locked bool
	var err error
	for i := 0; i < l.maxRetries; i++ {
		locked, err = l.client.SetNX(ctx, key, value, l.ttl).Result()
		if err == nil && locked {
			break
		}
		if i < l.maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.retryDelay):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}

	return func() {
		// The caller's context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.release(releaseCtx, key, value); err != nil {
			l.log.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (l *Locker) release(ctx context.Context, key, value string) error {
	result, err := releaseLock.Run(ctx, l.client, []string{key}, value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return errors.New("lock release failed: not the lock owner")
	}
	return nil
}

// MonitorRedisPool logs the connection pool statistics.
func MonitorRedisPool(client *redis.Client, log *zap.Logger) {
	stats := client.PoolStats()
	log.Info("redis pool stats",
		zap.Uint32("total", stats.TotalConns),
		zap.Uint32("idle", stats.IdleConns),
		zap.Uint32("stale", stats.StaleConns),
	)
}
