// Package monitoring 聚合各组件的调用观测，维护按服务的滚动窗口指标，
// 并基于指标快照评估告警规则
package monitoring

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultWindow     = 5 * time.Minute
	defaultMaxSamples = 4096
	defaultNamespace  = "servicekit"
)

// Options 指标收集配置
type Options struct {
	// 滚动窗口时长，窗口外的观测不参与统计
	Window time.Duration
	// 每个服务保留的最大样本数
	MaxSamples int
	// Prometheus 指标命名空间
	Namespace string
}

func (o *Options) setDefaults() {
	if o.Window <= 0 {
		o.Window = defaultWindow
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = defaultMaxSamples
	}
	if o.Namespace == "" {
		o.Namespace = defaultNamespace
	}
}

// ServiceSnapshot 单个服务在当前窗口内的指标快照
type ServiceSnapshot struct {
	Service      string            `json:"service"`
	Requests     int64             `json:"requests"`
	Failures     int64             `json:"failures"`
	ErrorRate    float64           `json:"error_rate"`
	Throughput   float64           `json:"throughput"`
	LatencyAvg   time.Duration     `json:"latency_avg"`
	LatencyP50   time.Duration     `json:"latency_p50"`
	LatencyP95   time.Duration     `json:"latency_p95"`
	LatencyP99   time.Duration     `json:"latency_p99"`
	Errors       map[string]int64  `json:"errors,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	CollectedAt  time.Time         `json:"collected_at"`
}

// 依赖状态取值
const (
	DependencyUp   = "UP"
	DependencyDown = "DOWN"
)

type sample struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

type kindEvent struct {
	at   time.Time
	kind string
}

type serviceWindow struct {
	samples      []sample
	errorEvents  []kindEvent
	dependencies map[string]string
}

// Collector 按服务聚合观测数据。
// 同时把观测写入私有 Prometheus registry，由调用方决定是否暴露。
type Collector struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	operationsTotal *prometheus.CounterVec

	mu       sync.Mutex
	services map[string]*serviceWindow
}

// NewCollector 创建指标收集器
func NewCollector(opts Options, logger *slog.Logger) *Collector {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	c := &Collector{
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests per downstream service",
		}, []string{"service", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "errors_total",
			Help:      "Total classified errors per downstream service",
		}, []string{"service", "kind"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "operations_total",
			Help:      "Total non-HTTP operations per service",
		}, []string{"service", "outcome"}),
		services: make(map[string]*serviceWindow),
	}
	reg.MustRegister(c.requestsTotal, c.requestDuration, c.errorsTotal, c.operationsTotal)
	return c
}

// Registry 返回私有 Prometheus registry，供 promhttp 暴露
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordHTTPRequest 记录一次 HTTP 调用观测。
// 状态码 >= 400 或为 0（未收到响应）计入失败。
func (c *Collector) RecordHTTPRequest(service, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(service, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
	c.ingest(service, duration, statusCode >= 400 || statusCode == 0)
}

// RecordError 记录一次按类别归类的错误
func (c *Collector) RecordError(service, errorType string) {
	c.errorsTotal.WithLabelValues(service, errorType).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(service)
	w.errorEvents = append(w.errorEvents, kindEvent{at: c.now(), kind: errorType})
}

// RecordServiceMetrics 记录一次非 HTTP 的服务操作观测（saga 步骤、消息处理等）
func (c *Collector) RecordServiceMetrics(service string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.operationsTotal.WithLabelValues(service, outcome).Inc()
	c.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
	c.ingest(service, duration, !success)
}

// RecordDependencyStatus 更新服务某个依赖的最新可用状态
func (c *Collector) RecordDependencyStatus(service, dependency string, up bool) {
	status := DependencyDown
	if up {
		status = DependencyUp
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.window(service).dependencies[dependency] = status
}

// SnapshotOf 返回指定服务的窗口快照
func (c *Collector) SnapshotOf(service string) (ServiceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.services[service]
	if !ok {
		return ServiceSnapshot{}, false
	}
	now := c.now()
	c.prune(w, now)
	return c.snapshot(service, w, now), true
}

// Snapshot 返回所有已观测服务的窗口快照。
// 窗口内没有任何观测且无依赖记录的服务被视为下线并移出。
func (c *Collector) Snapshot() map[string]ServiceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]ServiceSnapshot, len(c.services))
	for name, w := range c.services {
		c.prune(w, now)
		if len(w.samples) == 0 && len(w.errorEvents) == 0 && len(w.dependencies) == 0 {
			delete(c.services, name)
			continue
		}
		out[name] = c.snapshot(name, w, now)
	}
	return out
}

func (c *Collector) ingest(service string, duration time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w := c.window(service)
	c.prune(w, now)
	if len(w.samples) >= c.opts.MaxSamples {
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, sample{at: now, duration: duration, failed: failed})
}

// window 取出服务窗口，调用方必须持有锁
func (c *Collector) window(service string) *serviceWindow {
	w, ok := c.services[service]
	if !ok {
		w = &serviceWindow{dependencies: make(map[string]string)}
		c.services[service] = w
	}
	return w
}

func (c *Collector) prune(w *serviceWindow, now time.Time) {
	cutoff := now.Add(-c.opts.Window)

	kept := w.samples[:0]
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept

	events := w.errorEvents[:0]
	for _, e := range w.errorEvents {
		if e.at.After(cutoff) {
			events = append(events, e)
		}
	}
	w.errorEvents = events
}

func (c *Collector) snapshot(service string, w *serviceWindow, now time.Time) ServiceSnapshot {
	snap := ServiceSnapshot{
		Service:     service,
		Requests:    int64(len(w.samples)),
		CollectedAt: now,
	}

	if len(w.samples) > 0 {
		durations := make(stats.Float64Data, 0, len(w.samples))
		for _, s := range w.samples {
			durations = append(durations, float64(s.duration)/float64(time.Millisecond))
			if s.failed {
				snap.Failures++
			}
		}
		snap.ErrorRate = float64(snap.Failures) / float64(snap.Requests)
		snap.Throughput = float64(snap.Requests) / c.opts.Window.Seconds()
		if mean, err := stats.Mean(durations); err == nil {
			snap.LatencyAvg = time.Duration(mean * float64(time.Millisecond))
		}
		snap.LatencyP50 = percentileAt(durations, 50)
		snap.LatencyP95 = percentileAt(durations, 95)
		snap.LatencyP99 = percentileAt(durations, 99)
	}

	if len(w.errorEvents) > 0 {
		snap.Errors = make(map[string]int64, 4)
		for _, e := range w.errorEvents {
			snap.Errors[e.kind]++
		}
	}
	if len(w.dependencies) > 0 {
		snap.Dependencies = make(map[string]string, len(w.dependencies))
		for dep, status := range w.dependencies {
			snap.Dependencies[dep] = status
		}
	}
	return snap
}

func percentileAt(data stats.Float64Data, p float64) time.Duration {
	v, err := stats.Percentile(data, p)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Millisecond))
}
