// Package tracing 初始化 OpenTelemetry 并提供跨进程的上下文传播助手。
// 出站调用与异步消息都必须携带当前 trace/span 标识，使下游能建立正确的父子关系。
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerName = "github.com/wyfcoding/servicekit"

// Exporter 导出器类型
type Exporter string

const (
	// ExporterOTLP 通过 OTLP gRPC 上报到收集器
	ExporterOTLP Exporter = "otlp"
	// ExporterMemory 进程内收集，供查询与测试
	ExporterMemory Exporter = "memory"
	// ExporterNone 不导出
	ExporterNone Exporter = "none"
)

// Config 追踪配置
type Config struct {
	ServiceName  string
	Version      string
	Environment  string
	Enabled      bool
	Exporter     Exporter
	Endpoint     string
	SamplingRate float64
}

// Provider 追踪提供者，持有底层资源以便关停时清理
type Provider struct {
	tp        *sdktrace.TracerProvider
	conn      *grpc.ClientConn
	collector *Collector
}

// Init 初始化全局 TracerProvider 与 W3C 传播器。
// 关闭追踪时仍会注册空提供者，保证 StartSpan 调用方无需判空。
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{}

	var opts []sdktrace.TracerProviderOption

	if cfg.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				"",
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.Version),
				semconv.DeploymentEnvironment(cfg.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: failed to build resource: %w", err)
		}
		opts = append(opts, sdktrace.WithResource(res), sdktrace.WithSampler(samplerFor(cfg.SamplingRate)))

		switch cfg.Exporter {
		case ExporterMemory:
			p.collector = NewCollector()
			opts = append(opts, sdktrace.WithSyncer(p.collector))
		case ExporterNone:
			// 只采样不导出
		default:
			endpoint := stripScheme(cfg.Endpoint)
			if endpoint == "" {
				endpoint = "localhost:4317"
			}
			conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, fmt.Errorf("tracing: failed to dial collector at %s: %w", endpoint, err)
			}
			exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
			if err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("tracing: failed to create otlp exporter: %w", err)
			}
			p.conn = conn
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}

	p.tp = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// Shutdown 刷新缓冲并释放导出器资源
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing: shutdown failed: %w", err)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Collector 返回进程内收集器；非 memory 导出器时为 nil
func (p *Provider) Collector() *Collector {
	return p.collector
}

// Tracer 返回本模块的 tracer
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan 创建子 span：ctx 中存在 span 时继承其 traceId，否则开启新 trace
func StartSpan(ctx context.Context, operation string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, operation, opts...)
}

// FinishSpan 追加属性并结束 span
func FinishSpan(span trace.Span, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	span.End()
}

// Inject 把当前 trace 上下文写入载体
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// Extract 从载体恢复 trace 上下文
func Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectHTTP 把 trace 上下文写入 HTTP 头
func InjectHTTP(ctx context.Context, header http.Header) {
	Inject(ctx, propagation.HeaderCarrier(header))
}

// ExtractHTTP 从 HTTP 头恢复 trace 上下文
func ExtractHTTP(ctx context.Context, header http.Header) context.Context {
	return Extract(ctx, propagation.HeaderCarrier(header))
}

// InjectMap 导出为字符串表，供消息头等非 HTTP 载体使用
func InjectMap(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	Inject(ctx, carrier)
	return carrier
}

// ExtractMap 从字符串表恢复 trace 上下文
func ExtractMap(ctx context.Context, m map[string]string) context.Context {
	if len(m) == 0 {
		return ctx
	}
	return Extract(ctx, propagation.MapCarrier(m))
}

// TraceIDFrom 返回 ctx 中的 traceId，无有效 span 时返回空串
func TraceIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFrom 返回 ctx 中的 spanId
func SpanIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func stripScheme(endpoint string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}
