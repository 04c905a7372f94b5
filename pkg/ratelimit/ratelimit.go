// Package ratelimit 提供统一的限流抽象：
// Redis 实现（redis_rate，GCRA 算法）用于多实例部署下的集中限流，
// 本地令牌桶实现用于单实例或无 Redis 依赖的场景。
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimiter 限流器抽象
type RateLimiter interface {
	// Allow 判断 key 在给定限额下是否放行本次请求
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// Limit 限流规则
type Limit struct {
	// 周期内允许的请求数
	Rate int
	// 统计周期
	Period time.Duration
	// 突发容量
	Burst int
}

// Result 单次限流判定结果
type Result struct {
	// 是否放行
	Allowed bool
	// 当前剩余额度
	Remaining int
	// 额度完全恢复所需时长
	ResetAfter time.Duration
	// 下一次可放行的等待时长，放行时为 0
	RetryAfter time.Duration
}

// RedisRateLimiter 基于 Redis 的分布式限流器
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
}

// NewRedisRateLimiter 创建 Redis 限流器
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
	}
}

// Allow 判断是否放行
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	res, err := r.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   limit.Rate,
		Period: limit.Period,
		Burst:  limit.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	return &Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}, nil
}

// LocalRateLimiter 进程内令牌桶限流器，按 key 维护独立桶。
// 仅约束当前进程，多实例部署时应使用 RedisRateLimiter。
type LocalRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	// 上次清理过期桶的时间
	lastSweep time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// NewLocalRateLimiter 创建进程内限流器
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{
		buckets:   make(map[string]*tokenBucket),
		lastSweep: time.Now(),
	}
}

// Allow 判断是否放行
func (l *LocalRateLimiter) Allow(_ context.Context, key string, limit Limit) (*Result, error) {
	if limit.Rate <= 0 || limit.Period <= 0 {
		return nil, fmt.Errorf("invalid rate limit: rate=%d period=%s", limit.Rate, limit.Period)
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = limit.Rate
	}
	// 每秒补充的令牌数
	refillPerSec := float64(limit.Rate) / limit.Period.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.sweepLocked(now, limit.Period)

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(burst), last: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		b.tokens += elapsed * refillPerSec
		if b.tokens > float64(burst) {
			b.tokens = float64(burst)
		}
		b.last = now
	}

	res := &Result{}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	} else {
		// 距离下一枚令牌的等待时长
		res.RetryAfter = time.Duration((1 - b.tokens) / refillPerSec * float64(time.Second))
	}
	res.Remaining = int(b.tokens)
	res.ResetAfter = time.Duration((float64(burst) - b.tokens) / refillPerSec * float64(time.Second))
	return res, nil
}

// sweepLocked 周期性清理长期未访问的桶，避免 key 无限增长
func (l *LocalRateLimiter) sweepLocked(now time.Time, period time.Duration) {
	if now.Sub(l.lastSweep) < period {
		return
	}
	l.lastSweep = now
	stale := 2 * period
	for key, b := range l.buckets {
		if now.Sub(b.last) > stale {
			delete(l.buckets, key)
		}
	}
}
