package health

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/wyfcoding/servicekit/internal/registry"
)

// MetadataHealthPath 实例元数据键，用于覆盖默认探测路径
const MetadataHealthPath = "health_path"

// HTTPProber 通过 HTTP GET 探测实例，2xx 视为健康
type HTTPProber struct {
	client *resty.Client
	path   string
}

// NewHTTPProber 创建 HTTP 探测器。path 为空时使用 /health。
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	if path == "" {
		path = "/health"
	}
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPProber{client: client, path: path}
}

// Probe 对实例发起健康探测
func (p *HTTPProber) Probe(ctx context.Context, inst *registry.ServiceInstance) error {
	path := p.path
	if override, ok := inst.Metadata[MetadataHealthPath]; ok && override != "" {
		path = override
	}

	resp, err := p.client.R().SetContext(ctx).Get(fmt.Sprintf("http://%s%s", inst.Address(), path))
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: http status %d", ErrUnhealthy, resp.StatusCode())
	}
	return nil
}
