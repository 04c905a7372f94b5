package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCollector(t *testing.T) {
	Convey("指标收集", t, func() {
		col := NewCollector(Options{Window: time.Minute}, nil)
		cur := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		col.now = func() time.Time { return cur }

		Convey("窗口内统计请求数、失败率与延迟分位数", func() {
			for i := 0; i < 8; i++ {
				col.RecordHTTPRequest("order-service", "GET", 200, time.Duration(10+i)*time.Millisecond)
			}
			col.RecordHTTPRequest("order-service", "GET", 500, 100*time.Millisecond)
			col.RecordHTTPRequest("order-service", "POST", 0, 50*time.Millisecond)

			snap, ok := col.SnapshotOf("order-service")
			So(ok, ShouldBeTrue)
			So(snap.Requests, ShouldEqual, 10)
			So(snap.Failures, ShouldEqual, 2)
			So(snap.ErrorRate, ShouldAlmostEqual, 0.2)
			So(snap.Throughput, ShouldAlmostEqual, 10.0/60.0)
			So(snap.LatencyAvg, ShouldBeGreaterThan, 0)
			So(snap.LatencyP50, ShouldBeLessThanOrEqualTo, snap.LatencyP95)
			So(snap.LatencyP95, ShouldBeLessThanOrEqualTo, snap.LatencyP99)
			So(snap.LatencyP99, ShouldBeLessThanOrEqualTo, 100*time.Millisecond)
		})

		Convey("未观测过的服务没有快照", func() {
			_, ok := col.SnapshotOf("ghost-service")
			So(ok, ShouldBeFalse)
		})

		Convey("窗口外的样本被剔除", func() {
			col.RecordHTTPRequest("order-service", "GET", 200, 10*time.Millisecond)
			cur = cur.Add(30 * time.Second)
			col.RecordHTTPRequest("order-service", "GET", 200, 10*time.Millisecond)

			snap, _ := col.SnapshotOf("order-service")
			So(snap.Requests, ShouldEqual, 2)

			cur = cur.Add(45 * time.Second)
			snap, _ = col.SnapshotOf("order-service")
			So(snap.Requests, ShouldEqual, 1)

			cur = cur.Add(2 * time.Minute)
			So(col.Snapshot(), ShouldBeEmpty)
		})

		Convey("错误分类计数与依赖状态", func() {
			col.RecordError("order-service", "timeout")
			col.RecordError("order-service", "timeout")
			col.RecordError("order-service", "unavailable")
			col.RecordDependencyStatus("order-service", "payment-service", false)
			col.RecordDependencyStatus("order-service", "inventory-service", true)

			snap, ok := col.SnapshotOf("order-service")
			So(ok, ShouldBeTrue)
			So(snap.Errors["timeout"], ShouldEqual, 2)
			So(snap.Errors["unavailable"], ShouldEqual, 1)
			So(snap.Dependencies["payment-service"], ShouldEqual, DependencyDown)
			So(snap.Dependencies["inventory-service"], ShouldEqual, DependencyUp)
		})

		Convey("非 HTTP 操作观测计入同一窗口", func() {
			col.RecordServiceMetrics("saga-orchestrator", 20*time.Millisecond, true)
			col.RecordServiceMetrics("saga-orchestrator", 40*time.Millisecond, false)

			snap, ok := col.SnapshotOf("saga-orchestrator")
			So(ok, ShouldBeTrue)
			So(snap.Requests, ShouldEqual, 2)
			So(snap.Failures, ShouldEqual, 1)
			So(snap.ErrorRate, ShouldAlmostEqual, 0.5)
		})

		Convey("样本数超过上限时挤出最旧样本", func() {
			small := NewCollector(Options{Window: time.Minute, MaxSamples: 3}, nil)
			small.now = func() time.Time { return cur }

			small.RecordHTTPRequest("order-service", "GET", 500, time.Millisecond)
			for i := 0; i < 3; i++ {
				small.RecordHTTPRequest("order-service", "GET", 200, time.Millisecond)
			}

			snap, _ := small.SnapshotOf("order-service")
			So(snap.Requests, ShouldEqual, 3)
			So(snap.Failures, ShouldEqual, 0)
		})
	})
}

func TestPrometheusExposition(t *testing.T) {
	Convey("Prometheus 指标暴露", t, func() {
		col := NewCollector(Options{}, nil)
		col.RecordHTTPRequest("order-service", "GET", 200, 12*time.Millisecond)
		col.RecordError("order-service", "timeout")

		srv := httptest.NewServer(promhttp.HandlerFor(col.Registry(), promhttp.HandlerOpts{}))
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		So(err, ShouldBeNil)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		So(err, ShouldBeNil)
		So(string(body), ShouldContainSubstring, "servicekit_http_requests_total")
		So(string(body), ShouldContainSubstring, "servicekit_errors_total")
		So(string(body), ShouldContainSubstring, `service="order-service"`)
	})
}

func TestAlertRules(t *testing.T) {
	Convey("告警规则评估", t, func() {
		ctx := context.Background()
		col := NewCollector(Options{Window: 10 * time.Minute}, nil)
		mgr := NewAlertManager(col, AlertOptions{DefaultCooldown: time.Minute}, nil)
		cur := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		col.now = func() time.Time { return cur }
		mgr.now = func() time.Time { return cur }

		report := func(service string, status, n int) {
			for i := 0; i < n; i++ {
				col.RecordHTTPRequest(service, "GET", status, 10*time.Millisecond)
			}
		}

		Convey("表达式条件满足即触发", func() {
			So(mgr.AddRule(AlertRule{Name: "high-error-rate", Expression: "error_rate > 0.5", Severity: SeverityCritical}), ShouldBeNil)
			report("order-service", 503, 5)

			fired := mgr.EvaluateOnce(ctx)
			So(fired, ShouldHaveLength, 1)
			So(fired[0].ID, ShouldNotBeEmpty)
			So(fired[0].Rule, ShouldEqual, "high-error-rate")
			So(fired[0].Service, ShouldEqual, "order-service")
			So(fired[0].Severity, ShouldEqual, SeverityCritical)
			So(fired[0].FiredAt.Equal(cur), ShouldBeTrue)
			So(mgr.ActiveAlerts(), ShouldHaveLength, 1)
			So(mgr.History(), ShouldHaveLength, 1)
		})

		Convey("冷却期内不重复触发，冷却结束后可再次触发", func() {
			So(mgr.AddRule(AlertRule{Name: "high-error-rate", Expression: "error_rate > 0.5", Cooldown: time.Minute}), ShouldBeNil)
			report("order-service", 503, 5)

			So(mgr.EvaluateOnce(ctx), ShouldHaveLength, 1)
			cur = cur.Add(30 * time.Second)
			So(mgr.EvaluateOnce(ctx), ShouldBeEmpty)
			cur = cur.Add(31 * time.Second)
			So(mgr.EvaluateOnce(ctx), ShouldHaveLength, 1)
			So(mgr.History(), ShouldHaveLength, 2)
		})

		Convey("条件需持续满足指定时长才触发", func() {
			So(mgr.AddRule(AlertRule{Name: "sustained-errors", Expression: "error_rate > 0.5", Duration: 30 * time.Second}), ShouldBeNil)
			report("order-service", 503, 5)

			So(mgr.EvaluateOnce(ctx), ShouldBeEmpty)
			cur = cur.Add(10 * time.Second)
			So(mgr.EvaluateOnce(ctx), ShouldBeEmpty)
			cur = cur.Add(25 * time.Second)
			So(mgr.EvaluateOnce(ctx), ShouldHaveLength, 1)
		})

		Convey("条件恢复后活跃告警被解除", func() {
			So(mgr.AddRule(AlertRule{Name: "high-error-rate", Expression: "error_rate > 0.5"}), ShouldBeNil)
			report("order-service", 503, 5)
			So(mgr.EvaluateOnce(ctx), ShouldHaveLength, 1)
			So(mgr.ActiveAlerts(), ShouldHaveLength, 1)

			report("order-service", 200, 15)
			So(mgr.EvaluateOnce(ctx), ShouldBeEmpty)
			So(mgr.ActiveAlerts(), ShouldBeEmpty)
		})

		Convey("服务窗口过期后活跃告警被清除", func() {
			So(mgr.AddRule(AlertRule{Name: "high-error-rate", Expression: "error_rate > 0.5"}), ShouldBeNil)
			report("order-service", 503, 5)
			So(mgr.EvaluateOnce(ctx), ShouldHaveLength, 1)

			cur = cur.Add(11 * time.Minute)
			So(mgr.EvaluateOnce(ctx), ShouldBeEmpty)
			So(mgr.ActiveAlerts(), ShouldBeEmpty)
		})

		Convey("阈值写法触发并携带指标值", func() {
			So(mgr.AddRule(AlertRule{Name: "slow-p99", Metric: "latency_p99_ms", Operator: ">", Threshold: 50, Severity: SeverityWarning}), ShouldBeNil)
			for i := 0; i < 5; i++ {
				col.RecordHTTPRequest("order-service", "GET", 200, 200*time.Millisecond)
			}

			fired := mgr.EvaluateOnce(ctx)
			So(fired, ShouldHaveLength, 1)
			So(fired[0].Value, ShouldBeGreaterThan, 50)
			So(fired[0].Message, ShouldContainSubstring, "slow-p99")
		})

		Convey("规则可限定生效服务", func() {
			So(mgr.AddRule(AlertRule{Name: "payment-errors", Service: "payment-service", Expression: "error_rate > 0.5"}), ShouldBeNil)
			report("order-service", 503, 5)
			So(mgr.EvaluateOnce(ctx), ShouldBeEmpty)

			report("payment-service", 503, 5)
			fired := mgr.EvaluateOnce(ctx)
			So(fired, ShouldHaveLength, 1)
			So(fired[0].Service, ShouldEqual, "payment-service")
		})

		Convey("停用的规则不参与评估", func() {
			So(mgr.AddRule(AlertRule{Name: "disabled-rule", Expression: "error_rate > 0.5", Disabled: true}), ShouldBeNil)
			report("order-service", 503, 5)
			So(mgr.EvaluateOnce(ctx), ShouldBeEmpty)
		})

		Convey("删除规则同时清除其活跃告警", func() {
			So(mgr.AddRule(AlertRule{Name: "high-error-rate", Expression: "error_rate > 0.5"}), ShouldBeNil)
			report("order-service", 503, 5)
			So(mgr.EvaluateOnce(ctx), ShouldHaveLength, 1)

			mgr.RemoveRule("high-error-rate")
			So(mgr.Rules(), ShouldBeEmpty)
			So(mgr.ActiveAlerts(), ShouldBeEmpty)
		})

		Convey("非法规则被拒绝", func() {
			So(mgr.AddRule(AlertRule{Expression: "error_rate > 0.5"}), ShouldNotBeNil)
			So(mgr.AddRule(AlertRule{Name: "r1"}), ShouldNotBeNil)
			So(mgr.AddRule(AlertRule{Name: "r2", Metric: "error_rate", Operator: "~", Threshold: 1}), ShouldNotBeNil)
			So(mgr.AddRule(AlertRule{Name: "r3", Expression: "error_rate >"}), ShouldNotBeNil)
			So(mgr.AddRule(AlertRule{Name: "r4", Expression: "error_rate > 0.5", Severity: "fatal"}), ShouldNotBeNil)
		})
	})
}

func TestAlertNotifiers(t *testing.T) {
	Convey("告警通知分发", t, func() {
		ctx := context.Background()
		col := NewCollector(Options{}, nil)
		mgr := NewAlertManager(col, AlertOptions{}, nil)

		var mu sync.Mutex
		var delivered []Alert
		mgr.RegisterNotifier("pager", NotifierFunc(func(_ context.Context, a Alert) error {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, a)
			return nil
		}))

		So(mgr.AddRule(AlertRule{
			Name:       "high-error-rate",
			Expression: "error_rate > 0.5",
			Channels:   []string{"pager"},
			Message:    "error rate too high",
		}), ShouldBeNil)
		for i := 0; i < 3; i++ {
			col.RecordHTTPRequest("order-service", "GET", 500, time.Millisecond)
		}

		So(mgr.EvaluateOnce(ctx), ShouldHaveLength, 1)
		mu.Lock()
		So(delivered, ShouldHaveLength, 1)
		So(delivered[0].Message, ShouldEqual, "error rate too high")
		mu.Unlock()

		Convey("未知通道只告警不影响评估", func() {
			So(mgr.AddRule(AlertRule{Name: "ghost", Expression: "requests > 0", Channels: []string{"slack"}}), ShouldBeNil)
			fired := mgr.EvaluateOnce(ctx)
			So(fired, ShouldHaveLength, 1)
			So(fired[0].Rule, ShouldEqual, "ghost")
		})
	})
}

func TestLoadRulesFile(t *testing.T) {
	Convey("从 YAML 文件加载告警规则", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "alerts.yaml")
		content := `rules:
  - name: high-error-rate
    expression: error_rate > 0.5 && requests >= 5
    severity: critical
    duration: 30s
    cooldown: 5m
    channels:
      - log
  - name: slow-p99
    service: order-service
    metric: latency_p99_ms
    operator: ">"
    threshold: 800
    severity: warning
    message: p99 latency above 800ms
`
		So(os.WriteFile(path, []byte(content), 0o644), ShouldBeNil)

		col := NewCollector(Options{}, nil)
		mgr := NewAlertManager(col, AlertOptions{}, nil)

		n, err := mgr.LoadRulesFile(path)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 2)

		rules := mgr.Rules()
		So(rules, ShouldHaveLength, 2)
		So(rules[0].Name, ShouldEqual, "high-error-rate")
		So(rules[0].Severity, ShouldEqual, SeverityCritical)
		So(rules[0].Duration, ShouldEqual, 30*time.Second)
		So(rules[0].Cooldown, ShouldEqual, 5*time.Minute)
		So(rules[1].Name, ShouldEqual, "slow-p99")
		So(rules[1].Service, ShouldEqual, "order-service")
		So(rules[1].Threshold, ShouldEqual, 800)

		Convey("文件缺失时报错", func() {
			_, err := mgr.LoadRulesFile(filepath.Join(dir, "missing.yaml"))
			So(err, ShouldNotBeNil)
		})

		Convey("任意一条规则非法时整体失败", func() {
			bad := filepath.Join(dir, "bad.yaml")
			So(os.WriteFile(bad, []byte("rules:\n  - name: broken\n    expression: \"error_rate >\"\n"), 0o644), ShouldBeNil)
			_, err := mgr.LoadRulesFile(bad)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestAlertLoop(t *testing.T) {
	Convey("后台评估循环", t, func() {
		col := NewCollector(Options{}, nil)
		mgr := NewAlertManager(col, AlertOptions{EvaluateInterval: 10 * time.Millisecond}, nil)

		So(mgr.AddRule(AlertRule{Name: "high-error-rate", Expression: "error_rate > 0.5"}), ShouldBeNil)
		for i := 0; i < 3; i++ {
			col.RecordHTTPRequest("order-service", "GET", 503, time.Millisecond)
		}

		mgr.Start()
		mgr.Start()
		defer mgr.Stop()

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(mgr.ActiveAlerts()) > 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		So(mgr.ActiveAlerts(), ShouldHaveLength, 1)

		mgr.Stop()
		mgr.Stop()
	})
}
