package balancer

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/wyfcoding/servicekit/internal/registry"
)

// Strategy 负载均衡策略
type Strategy string

const (
	// StrategyRoundRobin 轮询
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastConnections 最小活跃连接
	StrategyLeastConnections Strategy = "least_connections"
	// StrategyRandom 随机
	StrategyRandom Strategy = "random"
	// StrategyWeightedRoundRobin 按权重轮询
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	// StrategyIPHash 按调用方标识哈希，同一标识固定命中同一实例
	StrategyIPHash Strategy = "ip_hash"
)

// pick 从候选中按策略选择实例。candidates 非空，由调用方保证。
func (lb *LoadBalancer) pick(strategy Strategy, serviceName string, hashKey string, candidates []*registry.ServiceInstance) (*registry.ServiceInstance, error) {
	switch strategy {
	case StrategyRoundRobin, "":
		return lb.pickRoundRobin(serviceName, candidates), nil
	case StrategyLeastConnections:
		return lb.pickLeastConnections(candidates), nil
	case StrategyRandom:
		return candidates[rand.IntN(len(candidates))], nil
	case StrategyWeightedRoundRobin:
		return lb.pickWeighted(serviceName, candidates), nil
	case StrategyIPHash:
		return pickHash(hashKey, candidates), nil
	default:
		return nil, ErrUnknownStrategy
	}
}

func (lb *LoadBalancer) pickRoundRobin(serviceName string, candidates []*registry.ServiceInstance) *registry.ServiceInstance {
	lb.stateMu.Lock()
	idx := lb.rrCounters[serviceName]
	lb.rrCounters[serviceName] = idx + 1
	lb.stateMu.Unlock()
	return candidates[idx%len(candidates)]
}

func (lb *LoadBalancer) pickLeastConnections(candidates []*registry.ServiceInstance) *registry.ServiceInstance {
	lb.stateMu.Lock()
	defer lb.stateMu.Unlock()
	best := candidates[0]
	bestCount := lb.connCounts[instanceKey(best)]
	for _, inst := range candidates[1:] {
		if n := lb.connCounts[instanceKey(inst)]; n < bestCount {
			best, bestCount = inst, n
		}
	}
	return best
}

// pickWeighted 权重轮询：按累计权重展开后取模，权重越大命中越多
func (lb *LoadBalancer) pickWeighted(serviceName string, candidates []*registry.ServiceInstance) *registry.ServiceInstance {
	total := 0
	for _, inst := range candidates {
		total += effectiveWeight(inst)
	}

	lb.stateMu.Lock()
	idx := lb.rrCounters["weighted/"+serviceName]
	lb.rrCounters["weighted/"+serviceName] = idx + 1
	lb.stateMu.Unlock()

	slot := idx % total
	for _, inst := range candidates {
		slot -= effectiveWeight(inst)
		if slot < 0 {
			return inst
		}
	}
	return candidates[len(candidates)-1]
}

func pickHash(key string, candidates []*registry.ServiceInstance) *registry.ServiceInstance {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return candidates[int(h.Sum32())%len(candidates)]
}

func effectiveWeight(inst *registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func instanceKey(inst *registry.ServiceInstance) string {
	return inst.ServiceName + "/" + inst.ID
}
