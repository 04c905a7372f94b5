package balancer

import (
	"sort"

	"github.com/sony/gobreaker"

	"github.com/wyfcoding/servicekit/internal/registry"
)

// Scope 熔断器粒度
type Scope string

const (
	// ScopeService 同一服务的所有实例共用一个熔断器
	ScopeService Scope = "service"
	// ScopeInstance 每个实例独立熔断
	ScopeInstance Scope = "instance"
)

// BreakerSnapshot 熔断器状态快照，供监控与导出使用
type BreakerSnapshot struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// breakerKey 按配置的粒度生成熔断器键
func (lb *LoadBalancer) breakerKey(inst *registry.ServiceInstance) string {
	if lb.opts.BreakerScope == ScopeService {
		return inst.ServiceName
	}
	return instanceKey(inst)
}

// breakerFor 取出或创建熔断器。
// 状态机：连续失败达到阈值 CLOSED→OPEN；OPEN 持续 ResetTimeout 后进入
// HALF_OPEN，放行一笔试探请求，成功关闭、失败重新打开并重置计时。
func (lb *LoadBalancer) breakerFor(key string) *gobreaker.CircuitBreaker {
	lb.stateMu.Lock()
	defer lb.stateMu.Unlock()
	if cb, ok := lb.breakers[key]; ok {
		return cb
	}

	threshold := lb.opts.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     lb.opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lb.logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	lb.breakers[key] = cb
	return cb
}

// BreakerSnapshots 返回全部熔断器的状态快照，按名称升序
func (lb *LoadBalancer) BreakerSnapshots() []BreakerSnapshot {
	lb.stateMu.Lock()
	snapshots := make([]BreakerSnapshot, 0, len(lb.breakers))
	for _, cb := range lb.breakers {
		counts := cb.Counts()
		snapshots = append(snapshots, BreakerSnapshot{
			Name:                cb.Name(),
			State:               cb.State().String(),
			Requests:            counts.Requests,
			TotalSuccesses:      counts.TotalSuccesses,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	lb.stateMu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })
	return snapshots
}

// OpenBreakerCount 当前处于 OPEN 状态的熔断器数量
func (lb *LoadBalancer) OpenBreakerCount() int {
	lb.stateMu.Lock()
	defer lb.stateMu.Unlock()
	n := 0
	for _, cb := range lb.breakers {
		if cb.State() == gobreaker.StateOpen {
			n++
		}
	}
	return n
}
