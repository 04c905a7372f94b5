// Package middleware 提供 Gin 与 gRPC 的通用中间件：请求日志、
// panic 恢复、CORS、关联 ID 透传与限流。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/servicekit/pkg/contextx"
	"github.com/wyfcoding/servicekit/pkg/idgen"
)

// DefaultCorrelationHeader 缺省的关联 ID 请求头
const DefaultCorrelationHeader = "X-Correlation-ID"

// GinCorrelationMiddleware 透传或生成关联 ID：请求头里带了就沿用，
// 否则生成新值；同时写入请求 context 与响应头。
func GinCorrelationMiddleware(header string) gin.HandlerFunc {
	if header == "" {
		header = DefaultCorrelationHeader
	}
	return func(c *gin.Context) {
		correlationID := c.GetHeader(header)
		if correlationID == "" {
			correlationID = idgen.UUID()
		}
		requestID := idgen.UUID()

		ctx := contextx.WithCorrelationID(c.Request.Context(), correlationID)
		ctx = contextx.WithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Writer.Header().Set(header, correlationID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// GinLoggingMiddleware 记录每个 HTTP 请求的方法、路径、状态与耗时
func GinLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		ctx := c.Request.Context()
		slog.InfoContext(ctx, "http request completed",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
			"response_size", c.Writer.Size(),
		)
	}
}

// GinRecoveryMiddleware 捕获 handler panic，返回 500 并记录现场
func GinRecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				ctx := c.Request.Context()
				slog.ErrorContext(ctx, "http request panicked",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"panic", r,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "internal server error",
					"request_id": contextx.RequestID(ctx),
				})
			}
		}()
		c.Next()
	}
}

// GinCORSMiddleware 放开跨域访问
func GinCORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With, X-Correlation-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// GRPCLoggingInterceptor 记录每个 unary 调用的方法、结果与耗时
func GRPCLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		if err != nil {
			st, _ := status.FromError(err)
			slog.ErrorContext(ctx, "grpc request failed",
				"method", info.FullMethod,
				"code", st.Code().String(),
				"duration", time.Since(start),
				"error", st.Message(),
			)
		} else {
			slog.InfoContext(ctx, "grpc request completed",
				"method", info.FullMethod,
				"duration", time.Since(start),
			)
		}
		return resp, err
	}
}

// GRPCRecoveryInterceptor 捕获 handler panic，转换为 Internal 错误
func GRPCRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "grpc request panicked",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
