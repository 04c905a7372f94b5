// Package balancer 在注册表之上做实例挑选与调用编排：
// 多种均衡策略、限时调用、有限重试，以及按服务或实例粒度的熔断隔离。
package balancer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/wyfcoding/servicekit/internal/registry"
	"github.com/wyfcoding/servicekit/pkg/contextx"
)

var (
	// ErrNoHealthyInstance 没有可用实例：全部 DOWN、未注册或熔断打开
	ErrNoHealthyInstance = errors.New("no healthy instance available")
	// ErrUnknownStrategy 不认识的均衡策略
	ErrUnknownStrategy = errors.New("unknown balancing strategy")
)

// CallFunc 业务调用。inst 是本次选中的实例，实现方不应缓存它。
type CallFunc func(ctx context.Context, inst *registry.ServiceInstance) error

// Options 负载均衡器配置
type Options struct {
	// Strategy 默认策略
	Strategy Strategy
	// MaxAttempts 一次 ExecuteCall 的最大尝试次数（含首次）
	MaxAttempts int
	// RetryInterval 默认重试间隔
	RetryInterval time.Duration
	// CallTimeout 单次尝试的超时
	CallTimeout time.Duration
	// FailureThreshold 连续失败多少次打开熔断
	FailureThreshold uint32
	// ResetTimeout 熔断打开后多久进入半开
	ResetTimeout time.Duration
	// BreakerScope 熔断粒度，默认按实例
	BreakerScope Scope
	// NewBackOff 重试退避工厂；为空时使用 RetryInterval 的固定间隔
	NewBackOff func() backoff.BackOff
}

// LoadBalancer 负载均衡器
type LoadBalancer struct {
	registry *registry.Registry
	opts     Options
	logger   *slog.Logger

	stateMu    sync.Mutex
	rrCounters map[string]int
	connCounts map[string]int64
	breakers   map[string]*gobreaker.CircuitBreaker
}

// New 创建负载均衡器
func New(reg *registry.Registry, opts Options, logger *slog.Logger) *LoadBalancer {
	if opts.Strategy == "" {
		opts.Strategy = StrategyRoundRobin
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	if opts.BreakerScope == "" {
		opts.BreakerScope = ScopeInstance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadBalancer{
		registry:   reg,
		opts:       opts,
		logger:     logger,
		rrCounters: make(map[string]int),
		connCounts: make(map[string]int64),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SelectInstance 按默认策略选出一个实例
func (lb *LoadBalancer) SelectInstance(ctx context.Context, serviceName string) (*registry.ServiceInstance, error) {
	return lb.SelectInstanceWith(ctx, serviceName, lb.opts.Strategy)
}

// SelectInstanceWith 按指定策略选出一个实例。
// 候选集 = 注册表中状态为 UP 且熔断未打开的实例；为空返回 ErrNoHealthyInstance。
func (lb *LoadBalancer) SelectInstanceWith(ctx context.Context, serviceName string, strategy Strategy) (*registry.ServiceInstance, error) {
	return lb.selectWith(ctx, serviceName, strategy, nil)
}

func (lb *LoadBalancer) selectWith(ctx context.Context, serviceName string, strategy Strategy, exclude map[string]struct{}) (*registry.ServiceInstance, error) {
	candidates := lb.eligible(ctx, serviceName)
	if len(exclude) > 0 {
		filtered := candidates[:0]
		for _, inst := range candidates {
			if _, skip := exclude[inst.ID]; !skip {
				filtered = append(filtered, inst)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyInstance
	}
	return lb.pick(strategy, serviceName, hashKeyFrom(ctx), candidates)
}

// ExecuteCall 选择实例并执行调用：单次尝试限时，失败按退避重试，
// 结果计入所选实例的熔断器。没有可用实例时立刻失败，不做重试。
// 熔断器拒绝的调用没有发出请求，不计入尝试次数，换其它实例重新选择。
// fn 返回 Permanent 包装的错误会中止重试并原样返回。
func (lb *LoadBalancer) ExecuteCall(ctx context.Context, serviceName string, fn CallFunc) error {
	operation := func() (struct{}, error) {
		rejected := make(map[string]struct{})
		for {
			inst, err := lb.selectWith(ctx, serviceName, lb.opts.Strategy, rejected)
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}

			execErr := lb.attempt(ctx, inst, fn)
			if breakerRejection(execErr) {
				rejected[inst.ID] = struct{}{}
				continue
			}

			if execErr != nil {
				lb.logger.Warn("service call attempt failed",
					"service", serviceName, "instance_id", inst.ID, "error", execErr)
			}
			return struct{}{}, execErr
		}
	}

	newBackOff := lb.opts.NewBackOff
	if newBackOff == nil {
		interval := lb.opts.RetryInterval
		newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(interval) }
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(uint(lb.opts.MaxAttempts)),
	)
	return err
}

func (lb *LoadBalancer) attempt(ctx context.Context, inst *registry.ServiceInstance, fn CallFunc) error {
	callCtx, cancel := context.WithTimeout(ctx, lb.opts.CallTimeout)
	defer cancel()

	key := instanceKey(inst)
	lb.acquire(key)
	defer lb.release(key)
	_, err := lb.breakerFor(lb.breakerKey(inst)).Execute(func() (interface{}, error) {
		return nil, fn(callCtx, inst)
	})
	return err
}

// breakerRejection 报告错误是否为熔断器未放行。这类调用未到达对端。
func breakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Permanent 标记错误为不可重试，ExecuteCall 遇到后立即返回原错误
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// ActiveConnections 实例当前的活跃调用数
func (lb *LoadBalancer) ActiveConnections(serviceName, instanceID string) int64 {
	lb.stateMu.Lock()
	defer lb.stateMu.Unlock()
	return lb.connCounts[serviceName+"/"+instanceID]
}

func (lb *LoadBalancer) eligible(ctx context.Context, serviceName string) []*registry.ServiceInstance {
	instances := lb.registry.GetInstances(ctx, serviceName)
	out := make([]*registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status != registry.StatusUp {
			continue
		}
		if lb.breakerFor(lb.breakerKey(inst)).State() == gobreaker.StateOpen {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func (lb *LoadBalancer) acquire(key string) {
	lb.stateMu.Lock()
	lb.connCounts[key]++
	lb.stateMu.Unlock()
}

func (lb *LoadBalancer) release(key string) {
	lb.stateMu.Lock()
	if lb.connCounts[key] > 0 {
		lb.connCounts[key]--
	}
	lb.stateMu.Unlock()
}

// hashKeyFrom 提取 ip_hash 的哈希键：优先关联 ID，其次请求 ID。
// 两者都缺失时退化为固定键。
func hashKeyFrom(ctx context.Context) string {
	if key := contextx.CorrelationID(ctx); key != "" {
		return key
	}
	return contextx.RequestID(ctx)
}
