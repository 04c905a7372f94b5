package tracing

import (
	"context"
	"net/http"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func newMemoryProvider(t *testing.T, rate float64) *Provider {
	t.Helper()
	p, err := Init(context.Background(), Config{
		ServiceName:  "communication-test",
		Version:      "0.1.0",
		Environment:  "test",
		Enabled:      true,
		Exporter:     ExporterMemory,
		SamplingRate: rate,
	})
	if err != nil {
		t.Fatalf("init tracing: %v", err)
	}
	return p
}

func TestStartSpan(t *testing.T) {
	Convey("创建追踪 span", t, func() {
		p := newMemoryProvider(t, 1.0)
		defer p.Shutdown(context.Background())
		collector := p.Collector()

		Convey("根 span 开启新 trace，子 span 继承 traceId", func() {
			ctx, root := StartSpan(context.Background(), "handle-order")
			rootTrace := TraceIDFrom(ctx)
			rootSpan := SpanIDFrom(ctx)
			So(rootTrace, ShouldNotBeEmpty)
			So(rootSpan, ShouldNotBeEmpty)

			childCtx, child := StartSpan(ctx, "charge-payment")
			So(TraceIDFrom(childCtx), ShouldEqual, rootTrace)
			So(SpanIDFrom(childCtx), ShouldNotEqual, rootSpan)

			FinishSpan(child, attribute.String("payment.method", "card"))
			FinishSpan(root)

			records := collector.SpansForTrace(rootTrace)
			So(records, ShouldHaveLength, 2)
			So(records[0].Name, ShouldEqual, "handle-order")
			So(records[0].ParentSpanID, ShouldBeEmpty)
			So(records[1].Name, ShouldEqual, "charge-payment")
			So(records[1].ParentSpanID, ShouldEqual, records[0].SpanID)
			So(records[1].Attributes["payment.method"], ShouldEqual, "card")
			So(records[0].ServiceName, ShouldEqual, "communication-test")
		})

		Convey("span 状态与耗时被记录", func() {
			ctx, span := StartSpan(context.Background(), "failing-op")
			span.SetStatus(codes.Error, "downstream unavailable")
			span.End()

			records := collector.SpansForTrace(TraceIDFrom(ctx))
			So(records, ShouldHaveLength, 1)
			So(records[0].StatusCode, ShouldEqual, "Error")
			So(records[0].StatusMessage, ShouldEqual, "downstream unavailable")
			So(records[0].Duration(), ShouldBeGreaterThanOrEqualTo, 0)
		})
	})
}

func TestTraceTree(t *testing.T) {
	Convey("重建追踪树", t, func() {
		p := newMemoryProvider(t, 1.0)
		defer p.Shutdown(context.Background())
		collector := p.Collector()

		Convey("父子关系完整还原", func() {
			rootCtx, root := StartSpan(context.Background(), "saga")
			traceID := TraceIDFrom(rootCtx)

			stepCtx, step1 := StartSpan(rootCtx, "reserve-inventory")
			_, call := StartSpan(stepCtx, "http-call")
			call.End()
			step1.End()

			_, step2 := StartSpan(rootCtx, "charge-payment")
			step2.End()
			root.End()

			tree := collector.TraceTree(traceID)
			So(tree, ShouldHaveLength, 1)
			So(tree[0].Name, ShouldEqual, "saga")
			So(tree[0].Children, ShouldHaveLength, 2)
			So(tree[0].Children[0].Name, ShouldEqual, "reserve-inventory")
			So(tree[0].Children[0].Children, ShouldHaveLength, 1)
			So(tree[0].Children[0].Children[0].Name, ShouldEqual, "http-call")
			So(tree[0].Children[1].Name, ShouldEqual, "charge-payment")
		})

		Convey("父 span 不在本进程时作为根返回", func() {
			header := http.Header{}
			rootCtx, root := StartSpan(context.Background(), "upstream")
			InjectHTTP(rootCtx, header)
			traceID := TraceIDFrom(rootCtx)
			root.End()

			collector.Reset()

			remoteCtx := ExtractHTTP(context.Background(), header)
			_, remote := StartSpan(remoteCtx, "downstream")
			remote.End()

			tree := collector.TraceTree(traceID)
			So(tree, ShouldHaveLength, 1)
			So(tree[0].Name, ShouldEqual, "downstream")
			So(tree[0].ParentSpanID, ShouldNotBeEmpty)
		})
	})
}

func TestPropagation(t *testing.T) {
	Convey("跨进程传播", t, func() {
		p := newMemoryProvider(t, 1.0)
		defer p.Shutdown(context.Background())

		Convey("HTTP 头注入与恢复 traceId 一致", func() {
			ctx, span := StartSpan(context.Background(), "outbound")
			defer span.End()

			header := http.Header{}
			InjectHTTP(ctx, header)
			So(header.Get("Traceparent"), ShouldNotBeEmpty)

			restored := ExtractHTTP(context.Background(), header)
			So(TraceIDFrom(restored), ShouldEqual, TraceIDFrom(ctx))
		})

		Convey("消息头注入与恢复 traceId 一致", func() {
			ctx, span := StartSpan(context.Background(), "publish")
			defer span.End()

			m := InjectMap(ctx)
			So(m, ShouldNotBeEmpty)

			restored := ExtractMap(context.Background(), m)
			So(TraceIDFrom(restored), ShouldEqual, TraceIDFrom(ctx))
		})

		Convey("空载体不改变上下文", func() {
			restored := ExtractMap(context.Background(), nil)
			So(TraceIDFrom(restored), ShouldBeEmpty)
		})
	})
}

func TestSampling(t *testing.T) {
	Convey("采样与禁用", t, func() {
		Convey("采样率为 0 时不导出 span", func() {
			p := newMemoryProvider(t, 0)
			defer p.Shutdown(context.Background())

			_, span := StartSpan(context.Background(), "dropped")
			span.End()
			So(p.Collector().Spans(), ShouldBeEmpty)
		})

		Convey("禁用追踪后 StartSpan 仍可安全调用", func() {
			p, err := Init(context.Background(), Config{ServiceName: "communication-test", Enabled: false})
			So(err, ShouldBeNil)
			defer p.Shutdown(context.Background())
			So(p.Collector(), ShouldBeNil)

			ctx, span := StartSpan(context.Background(), "noop")
			span.End()
			So(span.IsRecording(), ShouldBeFalse)
			_ = ctx
		})
	})
}
