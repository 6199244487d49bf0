package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"relaymail/backend/internal/config"
)

// RateLimiter Redis 限流实现，多 Worker/多 Webhook 实例共享计数。
type RateLimiter struct {
	rdb *goredis.Client
}

// New 创建 Redis 限流器
func New(cfg *config.RedisConfig) (*RateLimiter, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RateLimiter{rdb: rdb}, nil
}

// IncrementRateLimit 窗口计数自增
//
// 首次自增时设置窗口 TTL，窗口过期后键消失，重新计数。
func (r *RateLimiter) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	redisKey := "ratelimit:" + key

	count, err := r.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, fmt.Errorf("increment rate limit: %w", err)
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, redisKey, window).Err(); err != nil {
			return count, fmt.Errorf("set rate limit window: %w", err)
		}
	}
	return count, nil
}

// Close 关闭 Redis 连接。
func (r *RateLimiter) Close() error {
	return r.rdb.Close()
}

// Health 检查 Redis 连通性。
func (r *RateLimiter) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}
