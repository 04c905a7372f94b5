// Package client 提供面向单个目标服务的 HTTP 调用端。
// 每次调用从负载均衡器取实例，注入追踪与关联标识，按错误类别决定是否换实例重试：
// 传输失败、超时与 429/502/503/504 可重试，其余非 2xx 视为业务失败直接返回。
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wyfcoding/servicekit/internal/balancer"
	"github.com/wyfcoding/servicekit/internal/registry"
	"github.com/wyfcoding/servicekit/internal/tracing"
	"github.com/wyfcoding/servicekit/pkg/contextx"
	"github.com/wyfcoding/servicekit/pkg/idgen"
)

const defaultCorrelationHeader = "X-Correlation-ID"

// Recorder 接收调用指标，由监控组件实现
type Recorder interface {
	RecordHTTPRequest(service, method string, statusCode int, duration time.Duration)
	RecordError(service, errorType string)
}

// Options 客户端配置
type Options struct {
	// Timeout 单次 HTTP 请求的时间上限
	Timeout time.Duration
	// CorrelationHeader 关联标识的请求头名
	CorrelationHeader string
	// Scheme 请求协议，默认 http
	Scheme string
	// Recorder 指标接收端，可为 nil
	Recorder Recorder
}

// Response 成功调用的结果
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Duration   time.Duration
	InstanceID string
}

// Decode 把响应体按 JSON 解析到 v
func (r *Response) Decode(v any) error {
	return sonic.Unmarshal(r.Body, v)
}

// Stats 客户端累计指标
type Stats struct {
	TotalRequests int64         `json:"total_requests"`
	TotalFailures int64         `json:"total_failures"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// Client 绑定单个目标服务的调用端，可并发使用
type Client struct {
	service string
	lb      *balancer.LoadBalancer
	http    *resty.Client
	opts    Options
	logger  *slog.Logger

	mu            sync.Mutex
	totalRequests int64
	totalFailures int64
	totalDuration time.Duration
}

// New 创建指向 service 的客户端
func New(service string, lb *balancer.LoadBalancer, opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CorrelationHeader == "" {
		opts.CorrelationHeader = defaultCorrelationHeader
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		service: service,
		lb:      lb,
		http:    resty.New().SetTimeout(opts.Timeout),
		opts:    opts,
		logger:  logger,
	}
}

// Service 目标服务名
func (c *Client) Service() string {
	return c.service
}

// Get 发起 GET 请求
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post 发起 POST 请求，body 非 nil 时编码为 JSON
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put 发起 PUT 请求
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete 发起 DELETE 请求
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// Do 执行一次调用。ctx 中没有关联标识时生成新的并随请求头下传；
// 返回的错误总能 errors.As 到 *Error。
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	op := method + " " + path

	correlationID := contextx.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = idgen.UUID()
		ctx = contextx.WithCorrelationID(ctx, correlationID)
	}

	var payload []byte
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: encode request body: %w", err)
		}
		payload = data
	}

	ctx, span := tracing.StartSpan(ctx, c.service+" "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.service", c.service),
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)

	var resp *Response
	start := time.Now()
	err := c.lb.ExecuteCall(ctx, c.service, func(callCtx context.Context, inst *registry.ServiceInstance) error {
		r, callErr := c.call(callCtx, inst, method, path, payload, correlationID)
		if callErr != nil {
			var ce *Error
			if errors.As(callErr, &ce) && !ce.Retryable() {
				return balancer.Permanent(callErr)
			}
			return callErr
		}
		resp = r
		return nil
	})
	duration := time.Since(start)

	if err != nil {
		ce := c.normalize(op, err)
		c.record(false, duration)
		if c.opts.Recorder != nil {
			c.opts.Recorder.RecordHTTPRequest(c.service, method, ce.StatusCode, duration)
			c.opts.Recorder.RecordError(c.service, string(ce.Kind))
		}
		span.SetStatus(codes.Error, ce.Error())
		tracing.FinishSpan(span, attribute.String("error.type", string(ce.Kind)))
		c.logger.Warn("service call failed",
			"service", c.service, "operation", op, "kind", ce.Kind,
			"correlation_id", correlationID, "error", err)
		return nil, ce
	}

	c.record(true, duration)
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordHTTPRequest(c.service, method, resp.StatusCode, duration)
	}
	tracing.FinishSpan(span, attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// Stats 返回累计调用统计
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{TotalRequests: c.totalRequests, TotalFailures: c.totalFailures}
	if c.totalRequests > 0 {
		s.SuccessRate = float64(c.totalRequests-c.totalFailures) / float64(c.totalRequests)
		s.AvgDuration = c.totalDuration / time.Duration(c.totalRequests)
	}
	return s
}

func (c *Client) call(ctx context.Context, inst *registry.ServiceInstance, method, path string, payload []byte, correlationID string) (*Response, error) {
	op := method + " " + path
	url := fmt.Sprintf("%s://%s%s", c.opts.Scheme, inst.Address(), path)

	req := c.http.R().SetContext(ctx).SetHeader(c.opts.CorrelationHeader, correlationID)
	header := http.Header{}
	tracing.InjectHTTP(ctx, header)
	for k, vs := range header {
		if len(vs) > 0 {
			req.SetHeader(k, vs[0])
		}
	}
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}

	start := time.Now()
	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, c.transportError(op, err)
	}

	status := resp.StatusCode()
	if resp.IsSuccess() {
		return &Response{
			StatusCode: status,
			Body:       resp.Body(),
			Header:     resp.Header(),
			Duration:   time.Since(start),
			InstanceID: inst.ID,
		}, nil
	}

	kind := KindApplication
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = KindUnavailable
	}
	return nil, &Error{Kind: kind, Service: c.service, Operation: op, StatusCode: status}
}

func (c *Client) transportError(op string, err error) *Error {
	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Service: c.service, Operation: op, Err: err}
}

// normalize 把重试管线冒出的任意错误折叠为 *Error
func (c *Client) normalize(op string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindNetwork
	switch {
	case errors.Is(err, balancer.ErrNoHealthyInstance):
		kind = KindUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Service: c.service, Operation: op, Err: err}
}

func (c *Client) record(success bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	if !success {
		c.totalFailures++
	}
	c.totalDuration += d
}
