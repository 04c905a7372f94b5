// Package grpcclient 提供 gRPC 客户端工厂，支持重试、keepalive、连接复用与 trace 注入
package grpcclient

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/servicekit/pkg/logging"
)

// ClientConfig gRPC 客户端配置
type ClientConfig struct {
	// 目标地址
	Target string
	// 请求超时（秒）
	RequestTimeout int
	// 最大重试次数
	MaxRetries int
	// 重试延迟（毫秒）
	RetryDelay int
	// 是否启用 keepalive
	EnableKeepalive bool
	// Keepalive 间隔（秒）
	KeepaliveInterval int
}

// NewClient 创建 gRPC 客户端连接。连接是惰性建立的，拨号失败体现在首次调用上。
func NewClient(cfg ClientConfig) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}

	if cfg.EnableKeepalive {
		interval := cfg.KeepaliveInterval
		if interval <= 0 {
			interval = 30
		}
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Duration(interval) * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}))
	}

	opts = append(opts, grpc.WithUnaryInterceptor(unaryClientInterceptor(cfg)))

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		logging.Error(context.Background(), "failed to create grpc client", "target", cfg.Target, "error", err)
		return nil, err
	}
	return conn, nil
}

// unaryClientInterceptor 一元 RPC 拦截器：注入请求超时并对可重试错误码做有限重试
func unaryClientInterceptor(cfg ClientConfig) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.RequestTimeout)*time.Second)
			defer cancel()
		}

		var lastErr error
		for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
			err := invoker(ctx, method, req, reply, cc, opts...)
			if err == nil {
				return nil
			}

			lastErr = err
			st, ok := status.FromError(err)
			if !ok {
				break
			}
			if !shouldRetry(st.Code()) || attempt >= cfg.MaxRetries {
				break
			}

			select {
			case <-time.After(time.Duration(cfg.RetryDelay) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		logging.Debug(ctx, "grpc request failed", "method", method, "error", lastErr)
		return lastErr
	}
}

// shouldRetry 判断错误码是否可重试
func shouldRetry(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// ClientPool gRPC 客户端连接池，按 target 复用连接
type ClientPool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClientPool 创建客户端连接池
func NewClientPool() *ClientPool {
	return &ClientPool{
		conns: make(map[string]*grpc.ClientConn),
	}
}

// GetOrCreate 获取或创建客户端连接
func (cp *ClientPool) GetOrCreate(target string, cfg ClientConfig) (*grpc.ClientConn, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if conn, ok := cp.conns[target]; ok {
		return conn, nil
	}

	cfg.Target = target
	conn, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	cp.conns[target] = conn
	return conn, nil
}

// Close 关闭所有连接
func (cp *ClientPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, conn := range cp.conns {
		if err := conn.Close(); err != nil {
			logging.Error(context.Background(), "failed to close grpc connection", "error", err)
		}
	}
	cp.conns = make(map[string]*grpc.ClientConn)
	return nil
}
