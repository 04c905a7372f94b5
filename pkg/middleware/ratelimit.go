package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/servicekit/pkg/ratelimit"
)

// GinRateLimitMiddleware 按客户端 IP 限流。限流器不可用时放行，
// 避免限流依赖故障放大为全站不可用。
func GinRateLimitMiddleware(limiter ratelimit.RateLimiter, qps, burst int) gin.HandlerFunc {
	limit := ratelimit.Limit{Rate: qps, Period: time.Second, Burst: burst}
	return func(c *gin.Context) {
		res, err := limiter.Allow(c.Request.Context(), "ratelimit:"+c.ClientIP(), limit)
		if err != nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(res.ResetAfter/time.Second), 10))

		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(res.RetryAfter/time.Second), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": res.RetryAfter.String(),
			})
			return
		}
		c.Next()
	}
}

// GRPCRateLimitInterceptor 按完整方法名限流
func GRPCRateLimitInterceptor(limiter ratelimit.RateLimiter, qps, burst int) grpc.UnaryServerInterceptor {
	limit := ratelimit.Limit{Rate: qps, Period: time.Second, Burst: burst}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		res, err := limiter.Allow(ctx, "ratelimit:"+info.FullMethod, limit)
		if err != nil {
			return handler(ctx, req)
		}
		if !res.Allowed {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
