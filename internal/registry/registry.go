package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrInstanceNotFound 目标实例不存在
var ErrInstanceNotFound = errors.New("service instance not found")

const (
	defaultInstanceTTL   = 90 * time.Second
	defaultSweepInterval = 30 * time.Second
	// PatternAll 订阅全部服务的通配符
	PatternAll = "*"
)

// Options 注册表运行参数
type Options struct {
	// InstanceTTL 心跳超时阈值，超过即被清扫
	InstanceTTL time.Duration
	// SweepInterval 后台清扫间隔
	SweepInterval time.Duration
}

type subscription struct {
	pattern string
	handler Handler
}

// Registry 服务注册表。所有读写都经过内部互斥锁，
// 对外返回的实例均为快照拷贝。
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]*ServiceInstance
	subs     map[int64]subscription
	subSeq   int64

	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New 创建注册表
func New(opts Options, logger *slog.Logger) *Registry {
	if opts.InstanceTTL <= 0 {
		opts.InstanceTTL = defaultInstanceTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		services:      make(map[string]map[string]*ServiceInstance),
		subs:          make(map[int64]subscription),
		ttl:           opts.InstanceTTL,
		sweepInterval: opts.SweepInterval,
		logger:        logger,
		now:           time.Now,
	}
}

// Register 注册或更新实例。按实例 ID 幂等：重复注册保留首次注册时间，
// 其余字段以新值为准，心跳时间被刷新。
func (r *Registry) Register(ctx context.Context, inst *ServiceInstance) error {
	if inst == nil {
		return errors.New("nil instance")
	}
	if err := inst.Validate(); err != nil {
		return err
	}

	stored := inst.Clone()
	if stored.Weight <= 0 {
		stored.Weight = 1
	}
	if stored.Status == "" {
		stored.Status = StatusUnknown
	}

	now := r.now()
	r.mu.Lock()
	group, ok := r.services[stored.ServiceName]
	if !ok {
		group = make(map[string]*ServiceInstance)
		r.services[stored.ServiceName] = group
	}
	if prev, exists := group[stored.ID]; exists {
		stored.RegisteredAt = prev.RegisteredAt
	} else {
		stored.RegisteredAt = now
	}
	stored.LastHeartbeat = now
	group[stored.ID] = stored
	r.mu.Unlock()

	r.logger.Info("service instance registered",
		"service", stored.ServiceName, "instance_id", stored.ID, "address", stored.Address())
	r.notify(Event{Type: EventRegistered, Service: stored.ServiceName, Instance: stored.Clone(), OccurredAt: now})
	return nil
}

// Deregister 注销实例
func (r *Registry) Deregister(ctx context.Context, serviceName, instanceID string) error {
	r.mu.Lock()
	group, ok := r.services[serviceName]
	if !ok {
		r.mu.Unlock()
		return ErrInstanceNotFound
	}
	inst, ok := group[instanceID]
	if !ok {
		r.mu.Unlock()
		return ErrInstanceNotFound
	}
	delete(group, instanceID)
	if len(group) == 0 {
		delete(r.services, serviceName)
	}
	r.mu.Unlock()

	r.logger.Info("service instance deregistered", "service", serviceName, "instance_id", instanceID)
	r.notify(Event{Type: EventDeregistered, Service: serviceName, Instance: inst.Clone(), OccurredAt: r.now()})
	return nil
}

// Heartbeat 刷新实例的心跳时间，重置 TTL
func (r *Registry) Heartbeat(ctx context.Context, serviceName, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.lookup(serviceName, instanceID)
	if !ok {
		return ErrInstanceNotFound
	}
	inst.LastHeartbeat = r.now()
	return nil
}

// GetInstances 返回服务的全部实例快照；未知服务返回空列表。
// 心跳已超时但尚未被清扫的实例不会出现在结果中。
func (r *Registry) GetInstances(ctx context.Context, serviceName string) []*ServiceInstance {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.services[serviceName]
	out := make([]*ServiceInstance, 0, len(group))
	for _, inst := range group {
		if now.Sub(inst.LastHeartbeat) > r.ttl {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAllServices 返回按服务聚合的概览，服务名升序
func (r *Registry) GetAllServices(ctx context.Context) []ServiceSummary {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceSummary, 0, len(r.services))
	for name, group := range r.services {
		summary := ServiceSummary{Name: name, Status: StatusDown}
		for _, inst := range group {
			if now.Sub(inst.LastHeartbeat) > r.ttl {
				continue
			}
			summary.InstanceCount++
			if inst.Status == StatusUp {
				summary.UpCount++
			}
		}
		if summary.InstanceCount == 0 {
			continue
		}
		if summary.UpCount > 0 {
			summary.Status = StatusUp
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateInstanceStatus 更新实例状态，状态未变化时不发事件
func (r *Registry) UpdateInstanceStatus(ctx context.Context, serviceName, instanceID string, status InstanceStatus) error {
	r.mu.Lock()
	inst, ok := r.lookup(serviceName, instanceID)
	if !ok {
		r.mu.Unlock()
		return ErrInstanceNotFound
	}
	if inst.Status == status {
		r.mu.Unlock()
		return nil
	}
	old := inst.Status
	inst.Status = status
	snapshot := inst.Clone()
	r.mu.Unlock()

	r.logger.Info("instance status changed",
		"service", serviceName, "instance_id", instanceID, "from", string(old), "to", string(status))
	r.notify(Event{Type: EventStatusChanged, Service: serviceName, Instance: snapshot, OccurredAt: r.now()})
	return nil
}

// Subscribe 订阅变更事件。pattern 为服务名，或 "*" 表示全部。
// 返回的函数用于取消订阅。回调在触发方的 goroutine 中同步执行，
// 不应在回调里做阻塞操作。
func (r *Registry) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.subSeq++
	id := r.subSeq
	r.subs[id] = subscription{pattern: pattern, handler: handler}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Start 启动后台清扫，移除心跳超时的实例
func (r *Registry) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.sweepLoop(r.stopCh, r.doneCh)
	r.logger.Info("registry sweeper started", "ttl", r.ttl.String(), "interval", r.sweepInterval.String())
}

// Stop 停止后台清扫并等待退出
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.stopCh = nil
	r.doneCh = nil
}

// SweepOnce 立即执行一轮清扫，返回移除的实例数
func (r *Registry) SweepOnce(ctx context.Context) int {
	now := r.now()
	var expired []Event

	r.mu.Lock()
	for name, group := range r.services {
		for id, inst := range group {
			if now.Sub(inst.LastHeartbeat) > r.ttl {
				delete(group, id)
				expired = append(expired, Event{
					Type: EventExpired, Service: name, Instance: inst.Clone(), OccurredAt: now,
				})
			}
		}
		if len(group) == 0 {
			delete(r.services, name)
		}
	}
	r.mu.Unlock()

	for _, ev := range expired {
		r.logger.Warn("instance heartbeat expired",
			"service", ev.Service, "instance_id", ev.Instance.ID,
			"last_heartbeat", ev.Instance.LastHeartbeat.Format(time.RFC3339))
		r.notify(ev)
	}
	return len(expired)
}

func (r *Registry) sweepLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.SweepOnce(context.Background())
		}
	}
}

// lookup 在持锁状态下查找实例
func (r *Registry) lookup(serviceName, instanceID string) (*ServiceInstance, bool) {
	group, ok := r.services[serviceName]
	if !ok {
		return nil, false
	}
	inst, ok := group[instanceID]
	return inst, ok
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	matched := make([]Handler, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.pattern == PatternAll || sub.pattern == ev.Service {
			matched = append(matched, sub.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range matched {
		h(ev)
	}
}
