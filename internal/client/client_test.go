package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/wyfcoding/servicekit/internal/balancer"
	"github.com/wyfcoding/servicekit/internal/registry"
	"github.com/wyfcoding/servicekit/internal/tracing"
	"github.com/wyfcoding/servicekit/pkg/contextx"
)

type recordedCall struct {
	method   string
	status   int
	duration time.Duration
}

type stubRecorder struct {
	mu     sync.Mutex
	calls  []recordedCall
	errors []string
}

func (r *stubRecorder) RecordHTTPRequest(_ string, method string, statusCode int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{method: method, status: statusCode, duration: duration})
}

func (r *stubRecorder) RecordError(_ string, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorType)
}

type testEnv struct {
	registry *registry.Registry
	lb       *balancer.LoadBalancer
}

func newTestEnv(t *testing.T, callTimeout time.Duration, maxAttempts int) *testEnv {
	t.Helper()
	logger := slog.Default()
	reg := registry.New(registry.Options{}, logger)
	lb := balancer.New(reg, balancer.Options{
		Strategy:         balancer.StrategyRoundRobin,
		MaxAttempts:      maxAttempts,
		RetryInterval:    time.Millisecond,
		CallTimeout:      callTimeout,
		FailureThreshold: 100,
		ResetTimeout:     time.Second,
	}, logger)
	return &testEnv{registry: reg, lb: lb}
}

func (e *testEnv) addServer(t *testing.T, service, id string, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	e.addAddress(t, service, id, srv.URL)
	return srv
}

func (e *testEnv) addAddress(t *testing.T, service, id, rawURL string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	ctx := context.Background()
	inst := &registry.ServiceInstance{ID: id, ServiceName: service, Host: host, Port: port}
	if err := e.registry.Register(ctx, inst); err != nil {
		t.Fatalf("register instance: %v", err)
	}
	if err := e.registry.UpdateInstanceStatus(ctx, service, id, registry.StatusUp); err != nil {
		t.Fatalf("mark instance up: %v", err)
	}
}

func TestClientGet(t *testing.T) {
	Convey("发起 GET 调用", t, func() {
		env := newTestEnv(t, time.Second, 3)

		Convey("成功时返回状态码与响应体", func() {
			var gotCorrelation atomic.Value
			env.addServer(t, "order-service", "a", func(w http.ResponseWriter, r *http.Request) {
				gotCorrelation.Store(r.Header.Get("X-Correlation-ID"))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"order_id":"o-1","amount":"99.50"}`))
			})

			c := New("order-service", env.lb, Options{}, slog.Default())
			resp, err := c.Get(context.Background(), "/orders/o-1")

			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(resp.InstanceID, ShouldEqual, "a")

			var body struct {
				OrderID string `json:"order_id"`
				Amount  string `json:"amount"`
			}
			So(resp.Decode(&body), ShouldBeNil)
			So(body.OrderID, ShouldEqual, "o-1")

			// 未显式传入时自动生成关联标识
			So(gotCorrelation.Load().(string), ShouldNotBeEmpty)

			stats := c.Stats()
			So(stats.TotalRequests, ShouldEqual, 1)
			So(stats.SuccessRate, ShouldEqual, 1.0)
		})

		Convey("上下文中的关联标识原样下传", func() {
			var gotCorrelation atomic.Value
			env.addServer(t, "order-service", "a", func(w http.ResponseWriter, r *http.Request) {
				gotCorrelation.Store(r.Header.Get("X-Correlation-ID"))
				w.WriteHeader(http.StatusOK)
			})

			c := New("order-service", env.lb, Options{}, slog.Default())
			ctx := contextx.WithCorrelationID(context.Background(), "corr-42")
			_, err := c.Get(ctx, "/ping")

			So(err, ShouldBeNil)
			So(gotCorrelation.Load().(string), ShouldEqual, "corr-42")
		})

		Convey("追踪头随请求注入", func() {
			p, err := tracing.Init(context.Background(), tracing.Config{
				ServiceName: "client-test", Enabled: true,
				Exporter: tracing.ExporterMemory, SamplingRate: 1,
			})
			So(err, ShouldBeNil)
			defer p.Shutdown(context.Background())

			var gotTraceparent atomic.Value
			env.addServer(t, "order-service", "a", func(w http.ResponseWriter, r *http.Request) {
				gotTraceparent.Store(r.Header.Get("Traceparent"))
				w.WriteHeader(http.StatusOK)
			})

			c := New("order-service", env.lb, Options{}, slog.Default())
			_, err = c.Get(context.Background(), "/ping")

			So(err, ShouldBeNil)
			So(gotTraceparent.Load().(string), ShouldNotBeEmpty)
			// 客户端 span 已被收集
			spans := p.Collector().Spans()
			So(spans, ShouldNotBeEmpty)
			So(spans[0].Name, ShouldEqual, "order-service GET /ping")
		})
	})
}

func TestClientErrorClassification(t *testing.T) {
	Convey("错误分类与重试", t, func() {
		Convey("业务失败不重试", func() {
			env := newTestEnv(t, time.Second, 3)
			var hits int64
			env.addServer(t, "order-service", "a", func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&hits, 1)
				http.Error(w, "bad order", http.StatusBadRequest)
			})

			c := New("order-service", env.lb, Options{}, slog.Default())
			_, err := c.Get(context.Background(), "/orders")

			var ce *Error
			So(errors.As(err, &ce), ShouldBeTrue)
			So(ce.Kind, ShouldEqual, KindApplication)
			So(ce.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(ce.Retryable(), ShouldBeFalse)
			So(atomic.LoadInt64(&hits), ShouldEqual, 1)
		})

		Convey("503 换实例重试直至成功", func() {
			env := newTestEnv(t, time.Second, 3)
			var hits int64
			env.addServer(t, "order-service", "a", func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt64(&hits, 1)
				if n < 3 {
					http.Error(w, "warming up", http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			})

			c := New("order-service", env.lb, Options{}, slog.Default())
			resp, err := c.Get(context.Background(), "/orders")

			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(atomic.LoadInt64(&hits), ShouldEqual, 3)
		})

		Convey("重试耗尽后返回 unavailable", func() {
			env := newTestEnv(t, time.Second, 3)
			var hits int64
			env.addServer(t, "order-service", "a", func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&hits, 1)
				http.Error(w, "down", http.StatusServiceUnavailable)
			})

			c := New("order-service", env.lb, Options{}, slog.Default())
			_, err := c.Get(context.Background(), "/orders")

			So(KindOf(err), ShouldEqual, KindUnavailable)
			So(StatusCodeOf(err), ShouldEqual, http.StatusServiceUnavailable)
			So(atomic.LoadInt64(&hits), ShouldEqual, 3)
		})

		Convey("坏实例失败后切换到好实例", func() {
			env := newTestEnv(t, time.Second, 3)
			// 先注册一个已关闭的地址，再注册可用实例
			dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			deadURL := dead.URL
			dead.Close()
			env.addAddress(t, "order-service", "dead", deadURL)
			env.addServer(t, "order-service", "live", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			c := New("order-service", env.lb, Options{}, slog.Default())
			resp, err := c.Get(context.Background(), "/orders")

			So(err, ShouldBeNil)
			So(resp.InstanceID, ShouldEqual, "live")
		})

		Convey("无可用实例时返回 unavailable 且不发请求", func() {
			env := newTestEnv(t, time.Second, 3)
			c := New("missing-service", env.lb, Options{}, slog.Default())
			_, err := c.Get(context.Background(), "/anything")

			So(KindOf(err), ShouldEqual, KindUnavailable)
			So(errors.Is(err, balancer.ErrNoHealthyInstance), ShouldBeTrue)
		})

		Convey("超过单次时限返回 timeout", func() {
			env := newTestEnv(t, 50*time.Millisecond, 1)
			env.addServer(t, "order-service", "slow", func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(300 * time.Millisecond):
				}
				w.WriteHeader(http.StatusOK)
			})

			c := New("order-service", env.lb, Options{}, slog.Default())
			_, err := c.Get(context.Background(), "/orders")

			So(KindOf(err), ShouldEqual, KindTimeout)
		})
	})
}

func TestClientPost(t *testing.T) {
	Convey("发起 POST 调用", t, func() {
		env := newTestEnv(t, time.Second, 1)

		Convey("请求体编码为 JSON 并带 Content-Type", func() {
			type createReq struct {
				Name string `json:"name"`
			}
			var gotContentType atomic.Value
			var gotName atomic.Value
			env.addServer(t, "catalog-service", "a", func(w http.ResponseWriter, r *http.Request) {
				gotContentType.Store(r.Header.Get("Content-Type"))
				var req createReq
				if err := decodeJSONBody(r, &req); err == nil {
					gotName.Store(req.Name)
				}
				w.WriteHeader(http.StatusCreated)
			})

			c := New("catalog-service", env.lb, Options{}, slog.Default())
			resp, err := c.Post(context.Background(), "/products", createReq{Name: "widget"})

			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusCreated)
			So(gotContentType.Load().(string), ShouldEqual, "application/json")
			So(gotName.Load().(string), ShouldEqual, "widget")
		})
	})
}

func TestClientStatsAndRecorder(t *testing.T) {
	Convey("调用统计与指标上报", t, func() {
		env := newTestEnv(t, time.Second, 1)
		var fail atomic.Bool
		env.addServer(t, "order-service", "a", func(w http.ResponseWriter, r *http.Request) {
			if fail.Load() {
				http.Error(w, "nope", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		rec := &stubRecorder{}
		c := New("order-service", env.lb, Options{Recorder: rec}, slog.Default())

		Convey("成功与失败均计入统计", func() {
			_, err := c.Get(context.Background(), "/orders")
			So(err, ShouldBeNil)

			fail.Store(true)
			_, err = c.Get(context.Background(), "/orders")
			So(KindOf(err), ShouldEqual, KindApplication)

			stats := c.Stats()
			So(stats.TotalRequests, ShouldEqual, 2)
			So(stats.TotalFailures, ShouldEqual, 1)
			So(stats.SuccessRate, ShouldEqual, 0.5)
			So(stats.AvgDuration, ShouldBeGreaterThan, 0)

			rec.mu.Lock()
			defer rec.mu.Unlock()
			So(rec.calls, ShouldHaveLength, 2)
			So(rec.calls[0].status, ShouldEqual, http.StatusOK)
			So(rec.calls[1].status, ShouldEqual, http.StatusInternalServerError)
			So(rec.errors, ShouldResemble, []string{string(KindApplication)})
		})
	})
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}
