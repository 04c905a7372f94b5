package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/wyfcoding/servicekit/internal/registry"
)

// stubProber 用于测试的桩，按脚本顺序返回错误，脚本耗尽后返回最后一项
type stubProber struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *stubProber) Probe(ctx context.Context, inst *registry.ServiceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	if len(s.errs) > 1 {
		s.errs = s.errs[1:]
	}
	return err
}

func (s *stubProber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// blockingProber 阻塞直到探测上下文超时
type blockingProber struct{}

func (blockingProber) Probe(ctx context.Context, inst *registry.ServiceInstance) error {
	<-ctx.Done()
	return ctx.Err()
}

func fastOptions() Options {
	return Options{
		Interval:      50 * time.Millisecond,
		Timeout:       20 * time.Millisecond,
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
		HistorySize:   5,
	}
}

func registerInstance(t *testing.T, reg *registry.Registry, service, id string) {
	t.Helper()
	err := reg.Register(context.Background(), &registry.ServiceInstance{
		ID: id, ServiceName: service, Host: "10.0.0.1", Port: 8080,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestChecker_CheckService(t *testing.T) {
	Convey("TestChecker_CheckService", t, func() {
		ctx := context.Background()
		reg := registry.New(registry.Options{}, nil)
		registerInstance(t, reg, "order", "order-1")

		Convey("探测成功判定 HEALTHY 并写回 UP", func() {
			c := New(reg, &stubProber{}, fastOptions(), nil)

			results := c.CheckService(ctx, "order")

			So(results, ShouldHaveLength, 1)
			So(results[0].Status, ShouldEqual, StatusHealthy)
			So(results[0].Attempts, ShouldEqual, 1)
			So(reg.GetInstances(ctx, "order")[0].Status, ShouldEqual, registry.StatusUp)
		})

		Convey("前两次失败第三次成功，重试后仍判定 HEALTHY", func() {
			prober := &stubProber{errs: []error{
				errors.New("connection refused"),
				errors.New("connection refused"),
				nil,
			}}
			c := New(reg, prober, fastOptions(), nil)

			results := c.CheckService(ctx, "order")

			So(results[0].Status, ShouldEqual, StatusHealthy)
			So(results[0].Attempts, ShouldEqual, 3)
		})

		Convey("重试耗尽后判定 ERROR 并写回 DOWN", func() {
			prober := &stubProber{errs: []error{errors.New("connection refused")}}
			c := New(reg, prober, fastOptions(), nil)

			results := c.CheckService(ctx, "order")

			So(results[0].Status, ShouldEqual, StatusError)
			So(results[0].Attempts, ShouldEqual, 3)
			So(results[0].Error, ShouldContainSubstring, "connection refused")
			So(reg.GetInstances(ctx, "order")[0].Status, ShouldEqual, registry.StatusDown)
		})

		Convey("对端明确拒绝判定 UNHEALTHY", func() {
			prober := &stubProber{errs: []error{fmt.Errorf("%w: http status 503", ErrUnhealthy)}}
			c := New(reg, prober, fastOptions(), nil)

			results := c.CheckService(ctx, "order")

			So(results[0].Status, ShouldEqual, StatusUnhealthy)
		})

		Convey("探测超时判定 TIMEOUT", func() {
			c := New(reg, blockingProber{}, fastOptions(), nil)

			results := c.CheckService(ctx, "order")

			So(results[0].Status, ShouldEqual, StatusTimeout)
			So(reg.GetInstances(ctx, "order")[0].Status, ShouldEqual, registry.StatusDown)
		})
	})
}

func TestChecker_CustomChecks(t *testing.T) {
	Convey("TestChecker_CustomChecks", t, func() {
		ctx := context.Background()
		reg := registry.New(registry.Options{}, nil)
		registerInstance(t, reg, "order", "order-1")
		c := New(reg, &stubProber{}, fastOptions(), nil)

		Convey("自定义检查失败把 HEALTHY 降级为 UNHEALTHY", func() {
			c.RegisterCheck("order", "db", func(ctx context.Context, inst *registry.ServiceInstance) error {
				return errors.New("db pool exhausted")
			})

			results := c.CheckService(ctx, "order")

			So(results[0].Status, ShouldEqual, StatusUnhealthy)
			So(results[0].Error, ShouldContainSubstring, "custom check db")
			So(reg.GetInstances(ctx, "order")[0].Status, ShouldEqual, registry.StatusDown)
		})

		Convey("通配符检查对所有服务生效", func() {
			c.RegisterCheck("*", "quota", func(ctx context.Context, inst *registry.ServiceInstance) error {
				return errors.New("quota exceeded")
			})

			results := c.CheckService(ctx, "order")

			So(results[0].Status, ShouldEqual, StatusUnhealthy)
		})

		Convey("移除检查后恢复 HEALTHY", func() {
			c.RegisterCheck("order", "db", func(ctx context.Context, inst *registry.ServiceInstance) error {
				return errors.New("db pool exhausted")
			})
			c.UnregisterCheck("order", "db")

			results := c.CheckService(ctx, "order")

			So(results[0].Status, ShouldEqual, StatusHealthy)
		})

		Convey("同名注册替换原检查", func() {
			c.RegisterCheck("order", "db", func(ctx context.Context, inst *registry.ServiceInstance) error {
				return errors.New("first")
			})
			c.RegisterCheck("order", "db", func(ctx context.Context, inst *registry.ServiceInstance) error {
				return nil
			})

			results := c.CheckService(ctx, "order")

			So(results[0].Status, ShouldEqual, StatusHealthy)
		})
	})
}

func TestChecker_StatsAndHistory(t *testing.T) {
	Convey("TestChecker_StatsAndHistory", t, func() {
		ctx := context.Background()
		reg := registry.New(registry.Options{}, nil)
		registerInstance(t, reg, "order", "order-1")
		registerInstance(t, reg, "order", "order-2")
		registerInstance(t, reg, "payment", "payment-1")

		Convey("Stats 基于最近一次结果按服务汇总", func() {
			c := New(reg, &stubProber{}, fastOptions(), nil)
			c.CheckService(ctx, "order")

			failing := New(reg, &stubProber{errs: []error{errors.New("down")}}, fastOptions(), nil)
			failing.CheckService(ctx, "payment")

			stats := c.Stats()
			So(stats.TotalHealthy, ShouldEqual, 2)
			So(stats.Services["order"].Healthy, ShouldEqual, 2)

			failingStats := failing.Stats()
			So(failingStats.TotalUnhealthy, ShouldEqual, 1)
			So(failingStats.Services["payment"].Unhealthy, ShouldEqual, 1)
		})

		Convey("History 保留最近 N 条，时间升序", func() {
			c := New(reg, &stubProber{}, fastOptions(), nil)
			for i := 0; i < 8; i++ {
				c.CheckService(ctx, "order")
			}

			h := c.History("order", "order-1")
			So(h, ShouldHaveLength, 5)
			for i := 1; i < len(h); i++ {
				So(h[i].CheckedAt.Before(h[i-1].CheckedAt), ShouldBeFalse)
			}
		})

		Convey("LastResult 返回最近一次检查", func() {
			c := New(reg, &stubProber{}, fastOptions(), nil)
			c.CheckService(ctx, "order")

			res, ok := c.LastResult("order", "order-1")
			So(ok, ShouldBeTrue)
			So(res.Status, ShouldEqual, StatusHealthy)

			_, ok = c.LastResult("order", "ghost")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestChecker_Monitoring(t *testing.T) {
	Convey("TestChecker_Monitoring", t, func() {
		ctx := context.Background()
		reg := registry.New(registry.Options{}, nil)
		registerInstance(t, reg, "order", "order-1")

		Convey("StartMonitoring 立即触发首轮检查", func() {
			prober := &stubProber{}
			c := New(reg, prober, fastOptions(), nil)

			c.StartMonitoring("order")
			defer c.Stop()

			So(c.MonitoredServices(), ShouldResemble, []string{"order"})
			deadline := time.Now().Add(time.Second)
			for prober.callCount() == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			So(prober.callCount(), ShouldBeGreaterThan, 0)
			So(reg.GetInstances(ctx, "order")[0].Status, ShouldEqual, registry.StatusUp)
		})

		Convey("StopMonitoring 停止检查但保留最后状态", func() {
			c := New(reg, &stubProber{}, fastOptions(), nil)
			c.StartMonitoring("order")
			c.StopMonitoring("order")

			So(c.MonitoredServices(), ShouldBeEmpty)
			_, ok := c.LastResult("order", "order-1")
			So(ok, ShouldBeTrue)
		})

		Convey("重复 Start 不产生第二个循环，重复 Stop 安全", func() {
			c := New(reg, &stubProber{}, fastOptions(), nil)
			c.StartMonitoring("order")
			c.StartMonitoring("order")
			So(c.MonitoredServices(), ShouldHaveLength, 1)
			c.StopMonitoring("order")
			c.StopMonitoring("order")
			c.Stop()
			So(c.MonitoredServices(), ShouldBeEmpty)
		})
	})
}

func TestHTTPProber(t *testing.T) {
	Convey("TestHTTPProber", t, func() {
		newInstance := func(srvURL, healthPath string) *registry.ServiceInstance {
			u, err := url.Parse(srvURL)
			So(err, ShouldBeNil)
			host, portStr, err := net.SplitHostPort(u.Host)
			So(err, ShouldBeNil)
			port, err := strconv.Atoi(portStr)
			So(err, ShouldBeNil)
			inst := &registry.ServiceInstance{ID: "svc-1", ServiceName: "svc", Host: host, Port: port}
			if healthPath != "" {
				inst.Metadata = map[string]string{MetadataHealthPath: healthPath}
			}
			return inst
		}

		Convey("2xx 视为健康", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/health" {
					w.WriteHeader(http.StatusOK)
					return
				}
				w.WriteHeader(http.StatusNotFound)
			}))
			defer srv.Close()

			p := NewHTTPProber("/health", time.Second)
			So(p.Probe(context.Background(), newInstance(srv.URL, "")), ShouldBeNil)
		})

		Convey("非 2xx 返回 ErrUnhealthy", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer srv.Close()

			p := NewHTTPProber("/health", time.Second)
			err := p.Probe(context.Background(), newInstance(srv.URL, ""))

			So(err, ShouldNotBeNil)
			So(errors.Is(err, ErrUnhealthy), ShouldBeTrue)
		})

		Convey("实例元数据覆盖探测路径", func() {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			p := NewHTTPProber("/health", time.Second)
			So(p.Probe(context.Background(), newInstance(srv.URL, "/internal/ping")), ShouldBeNil)
			So(gotPath, ShouldEqual, "/internal/ping")
		})

		Convey("连接拒绝返回传输错误", func() {
			p := NewHTTPProber("/health", 200*time.Millisecond)
			inst := &registry.ServiceInstance{ID: "svc-1", ServiceName: "svc", Host: "127.0.0.1", Port: 1}

			err := p.Probe(context.Background(), inst)

			So(err, ShouldNotBeNil)
			So(errors.Is(err, ErrUnhealthy), ShouldBeFalse)
		})
	})
}
