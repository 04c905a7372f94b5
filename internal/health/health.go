// Package health 周期性探测注册表中的实例并把状态写回注册表。
// 探测结果本身不是权威状态，注册表中的实例状态才是。
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/servicekit/internal/registry"
)

// Status 单次探测的结果分类
type Status string

const (
	// StatusHealthy 探测成功
	StatusHealthy Status = "HEALTHY"
	// StatusUnhealthy 对端明确拒绝（如非 2xx 响应、NOT_SERVING）
	StatusUnhealthy Status = "UNHEALTHY"
	// StatusTimeout 探测超时
	StatusTimeout Status = "TIMEOUT"
	// StatusError 传输或其他错误
	StatusError Status = "ERROR"
)

// ErrUnhealthy 对端响应但判定为不健康时的哨兵错误
var ErrUnhealthy = errors.New("health probe rejected")

// CheckResult 一次实例探测（含重试）的最终结果
type CheckResult struct {
	InstanceID   string        `json:"instance_id"`
	ServiceName  string        `json:"service_name"`
	Status       Status        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
	Attempts     int           `json:"attempts"`
}

// Prober 健康探测器。返回 nil 表示健康；
// 包装 ErrUnhealthy 表示对端明确不健康，其余错误按传输失败分类。
type Prober interface {
	Probe(ctx context.Context, inst *registry.ServiceInstance) error
}

// CheckFunc 自定义检查。探测通过后执行，返回非 nil 会把实例降级为 UNHEALTHY。
type CheckFunc func(ctx context.Context, inst *registry.ServiceInstance) error

// Options 检查器运行参数
type Options struct {
	// Interval 每个被监控服务的检查周期
	Interval time.Duration
	// Timeout 单次探测超时
	Timeout time.Duration
	// MaxAttempts 单轮检查内的最大探测次数
	MaxAttempts int
	// RetryInterval 探测失败后的固定重试间隔
	RetryInterval time.Duration
	// HistorySize 每个实例保留的历史结果条数
	HistorySize int
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

type monitor struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

// ServiceStats 单个服务的健康汇总
type ServiceStats struct {
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// Stats 全局健康汇总
type Stats struct {
	TotalHealthy   int                     `json:"total_healthy"`
	TotalUnhealthy int                     `json:"total_unhealthy"`
	Services       map[string]ServiceStats `json:"services"`
}

// Checker 健康检查器
type Checker struct {
	registry *registry.Registry
	prober   Prober
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	runMu    sync.Mutex
	monitors map[string]*monitor

	stateMu sync.RWMutex
	last    map[string]CheckResult
	history map[string][]CheckResult

	checkMu sync.RWMutex
	checks  map[string][]namedCheck
}

// New 创建健康检查器
func New(reg *registry.Registry, prober Prober, opts Options, logger *slog.Logger) *Checker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		registry: reg,
		prober:   prober,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		monitors: make(map[string]*monitor),
		last:     make(map[string]CheckResult),
		history:  make(map[string][]CheckResult),
		checks:   make(map[string][]namedCheck),
	}
}

// StartMonitoring 启动对某个服务的周期检查；已在监控则不重复启动
func (c *Checker) StartMonitoring(serviceName string) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if _, ok := c.monitors[serviceName]; ok {
		return
	}
	m := &monitor{stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	c.monitors[serviceName] = m
	go c.monitorLoop(serviceName, m)
	c.logger.Info("health monitoring started", "service", serviceName, "interval", c.opts.Interval.String())
}

// StopMonitoring 停止对某个服务的周期检查，保留最后一次状态
func (c *Checker) StopMonitoring(serviceName string) {
	c.runMu.Lock()
	m, ok := c.monitors[serviceName]
	if ok {
		delete(c.monitors, serviceName)
	}
	c.runMu.Unlock()
	if !ok {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	c.logger.Info("health monitoring stopped", "service", serviceName)
}

// Stop 停止全部监控
func (c *Checker) Stop() {
	c.runMu.Lock()
	monitors := c.monitors
	c.monitors = make(map[string]*monitor)
	c.runMu.Unlock()
	for _, m := range monitors {
		close(m.stopCh)
		<-m.doneCh
	}
}

// MonitoredServices 返回当前被监控的服务名，升序
func (c *Checker) MonitoredServices() []string {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	out := make([]string, 0, len(c.monitors))
	for name := range c.monitors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisterCheck 注册自定义检查；serviceName 为 "*" 时对所有服务生效。
// 同名检查被替换。
func (c *Checker) RegisterCheck(serviceName, checkName string, fn CheckFunc) {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()
	list := c.checks[serviceName]
	for i, nc := range list {
		if nc.name == checkName {
			list[i].fn = fn
			return
		}
	}
	c.checks[serviceName] = append(list, namedCheck{name: checkName, fn: fn})
}

// UnregisterCheck 移除自定义检查
func (c *Checker) UnregisterCheck(serviceName, checkName string) {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()
	list := c.checks[serviceName]
	for i, nc := range list {
		if nc.name == checkName {
			c.checks[serviceName] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// CheckService 对服务的所有实例立即做一轮检查并写回状态
func (c *Checker) CheckService(ctx context.Context, serviceName string) []CheckResult {
	instances := c.registry.GetInstances(ctx, serviceName)
	results := make([]CheckResult, len(instances))

	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst *registry.ServiceInstance) {
			defer wg.Done()
			results[i] = c.checkInstance(ctx, inst)
		}(i, inst)
	}
	wg.Wait()

	for _, res := range results {
		c.record(res)
		c.writeBack(ctx, res)
	}
	return results
}

// checkInstance 探测单个实例：限时探测 + 固定间隔重试，然后叠加自定义检查
func (c *Checker) checkInstance(ctx context.Context, inst *registry.ServiceInstance) CheckResult {
	var (
		attempts     int
		lastDuration time.Duration
	)

	operation := func() (struct{}, error) {
		attempts++
		probeCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		start := time.Now()
		err := c.prober.Probe(probeCtx, inst)
		lastDuration = time.Since(start)
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.RetryInterval)),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
	)

	res := CheckResult{
		InstanceID:   inst.ID,
		ServiceName:  inst.ServiceName,
		Status:       classify(err),
		ResponseTime: lastDuration,
		CheckedAt:    c.now(),
		Attempts:     attempts,
	}
	if err != nil {
		res.Error = err.Error()
	}

	if res.Status == StatusHealthy {
		if name, checkErr := c.runCustomChecks(ctx, inst); checkErr != nil {
			res.Status = StatusUnhealthy
			res.Error = fmt.Sprintf("custom check %s: %v", name, checkErr)
		}
	}

	if res.Status != StatusHealthy {
		c.logger.Warn("instance check failed",
			"service", inst.ServiceName, "instance_id", inst.ID,
			"status", string(res.Status), "attempts", res.Attempts, "error", res.Error)
	}
	return res
}

func (c *Checker) runCustomChecks(ctx context.Context, inst *registry.ServiceInstance) (string, error) {
	c.checkMu.RLock()
	merged := make([]namedCheck, 0, len(c.checks["*"])+len(c.checks[inst.ServiceName]))
	merged = append(merged, c.checks["*"]...)
	merged = append(merged, c.checks[inst.ServiceName]...)
	c.checkMu.RUnlock()

	for _, nc := range merged {
		if err := nc.fn(ctx, inst); err != nil {
			return nc.name, err
		}
	}
	return "", nil
}

// writeBack 把检查结论写回注册表：仅 HEALTHY 记为 UP，其余一律 DOWN
func (c *Checker) writeBack(ctx context.Context, res CheckResult) {
	target := registry.StatusDown
	if res.Status == StatusHealthy {
		target = registry.StatusUp
	}
	err := c.registry.UpdateInstanceStatus(ctx, res.ServiceName, res.InstanceID, target)
	if err != nil && !errors.Is(err, registry.ErrInstanceNotFound) {
		c.logger.Error("failed to update instance status",
			"service", res.ServiceName, "instance_id", res.InstanceID, "error", err)
	}
}

func (c *Checker) record(res CheckResult) {
	key := res.ServiceName + "/" + res.InstanceID
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.last[key] = res
	h := append(c.history[key], res)
	if len(h) > c.opts.HistorySize {
		h = h[len(h)-c.opts.HistorySize:]
	}
	c.history[key] = h
}

// LastResult 返回实例最近一次检查结果
func (c *Checker) LastResult(serviceName, instanceID string) (CheckResult, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	res, ok := c.last[serviceName+"/"+instanceID]
	return res, ok
}

// History 返回实例的检查历史，时间升序
func (c *Checker) History(serviceName, instanceID string) []CheckResult {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	h := c.history[serviceName+"/"+instanceID]
	out := make([]CheckResult, len(h))
	copy(out, h)
	return out
}

// Stats 基于每个实例的最近结果汇总健康计数
func (c *Checker) Stats() Stats {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	stats := Stats{Services: make(map[string]ServiceStats)}
	for _, res := range c.last {
		svc := stats.Services[res.ServiceName]
		if res.Status == StatusHealthy {
			svc.Healthy++
			stats.TotalHealthy++
		} else {
			svc.Unhealthy++
			stats.TotalUnhealthy++
		}
		stats.Services[res.ServiceName] = svc
	}
	return stats
}

func (c *Checker) monitorLoop(serviceName string, m *monitor) {
	defer close(m.doneCh)
	c.CheckService(context.Background(), serviceName)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			c.CheckService(context.Background(), serviceName)
		}
	}
}

// classify 把探测错误归类为四种结果之一
func classify(err error) Status {
	if err == nil {
		return StatusHealthy
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	if errors.Is(err, ErrUnhealthy) {
		return StatusUnhealthy
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.DeadlineExceeded {
		return StatusTimeout
	}
	return StatusError
}
