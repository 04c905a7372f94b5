package health

import (
	"context"
	"fmt"

	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wyfcoding/servicekit/internal/registry"
	"github.com/wyfcoding/servicekit/pkg/grpcclient"
)

// GRPCProber 通过标准 gRPC 健康协议探测实例，SERVING 视为健康。
// 连接按实例地址复用。
type GRPCProber struct {
	pool *grpcclient.ClientPool
	cfg  grpcclient.ClientConfig
}

// NewGRPCProber 创建 gRPC 探测器
func NewGRPCProber() *GRPCProber {
	return &GRPCProber{
		pool: grpcclient.NewClientPool(),
		cfg:  grpcclient.ClientConfig{EnableKeepalive: true},
	}
}

// Probe 调用 grpc.health.v1.Health/Check
func (p *GRPCProber) Probe(ctx context.Context, inst *registry.ServiceInstance) error {
	conn, err := p.pool.GetOrCreate(inst.Address(), p.cfg)
	if err != nil {
		return err
	}

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: grpc health status %s", ErrUnhealthy, resp.GetStatus().String())
	}
	return nil
}

// Close 释放连接池
func (p *GRPCProber) Close() error {
	return p.pool.Close()
}
