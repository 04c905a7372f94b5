// Package contextx 提供 context 传递载体：请求标识、关联 ID 以及事务句柄。
package contextx

import (
	"context"

	"gorm.io/gorm"
)

type contextKey string

const (
	requestIDContextKey     contextKey = "request_id"
	traceIDContextKey       contextKey = "trace_id"
	spanIDContextKey        contextKey = "span_id"
	correlationIDContextKey contextKey = "correlation_id"
	txContextKey            contextKey = "gorm_tx"
)

// WithRequestID 注入请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// RequestID 取出请求 ID，不存在时返回空串
func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDContextKey)
}

// WithTraceID 注入 trace ID（用于未接入 OpenTelemetry 的调用路径）
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDContextKey, id)
}

// TraceID 取出 trace ID
func TraceID(ctx context.Context) string {
	return stringValue(ctx, traceIDContextKey)
}

// WithSpanID 注入 span ID
func WithSpanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, spanIDContextKey, id)
}

// SpanID 取出 span ID
func SpanID(ctx context.Context) string {
	return stringValue(ctx, spanIDContextKey)
}

// WithCorrelationID 注入跨服务关联 ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey, id)
}

// CorrelationID 取出关联 ID
func CorrelationID(ctx context.Context) string {
	return stringValue(ctx, correlationIDContextKey)
}

// WithTx 把 gorm 事务放入 context，供仓储在同一事务内协作
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txContextKey, tx)
}

// Tx 取出事务句柄；不存在时返回 nil
func Tx(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return nil
	}
	if tx, ok := ctx.Value(txContextKey).(*gorm.DB); ok {
		return tx
	}
	return nil
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
