// Package manager 把通信核心的组件装配成一个门面：注册发现、
// 健康检查、带熔断的负载均衡调用、异步消息与领域事件广播、
// saga 编排、事件溯源存储、审计线索与监控告警统一从配置构建，
// 并统一管理它们的后台生命周期。
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/wyfcoding/servicekit/internal/audit"
	"github.com/wyfcoding/servicekit/internal/balancer"
	"github.com/wyfcoding/servicekit/internal/bus"
	"github.com/wyfcoding/servicekit/internal/client"
	"github.com/wyfcoding/servicekit/internal/eventstore"
	"github.com/wyfcoding/servicekit/internal/health"
	"github.com/wyfcoding/servicekit/internal/monitoring"
	"github.com/wyfcoding/servicekit/internal/registry"
	"github.com/wyfcoding/servicekit/internal/saga"
	"github.com/wyfcoding/servicekit/pkg/config"
	"github.com/wyfcoding/servicekit/pkg/idgen"
)

const (
	// ChannelAlerts 告警通知的发布通道
	ChannelAlerts = "alerts"
	// 每个服务有一个收件通道，事件与注册表变更按类型分通道广播
	messageChannelPrefix  = "messages."
	eventChannelPrefix    = "events."
	registryChannelPrefix = "registry."
)

// Dependencies 可替换的外部依赖。零值字段回落到进程内实现，
// 单测与演示环境可以零外设启动。
type Dependencies struct {
	// Bus 消息总线。为 nil 时使用进程内总线，并由 Manager 负责关闭；
	// 外部传入的总线生命周期归调用方。
	Bus bus.Bus
	// EventStore 事件存储，为 nil 时使用内存实现
	EventStore eventstore.Store
	// SnapshotStore 聚合快照存储，可为 nil（关闭快照）
	SnapshotStore eventstore.SnapshotStore
	// SnapshotEvery 每多少个事件刷新一次快照，0 关闭
	SnapshotEvery int64
	// AuditStore 审计存储，为 nil 时使用内存实现
	AuditStore audit.Store
	// Prober 健康探测器，为 nil 时按配置构建 HTTP 探测
	Prober health.Prober
}

// Manager 通信核心门面，并发安全。
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *registry.Registry
	checker   *health.Checker
	balancer  *balancer.LoadBalancer
	collector *monitoring.Collector
	alerts    *monitoring.AlertManager
	sagas     *saga.Orchestrator
	events    eventstore.Store
	repo      *eventstore.Repository
	trail     *audit.Trail
	bus       bus.Bus
	ownsBus   bool

	mu      sync.Mutex
	self    *registry.ServiceInstance
	clients map[string]*client.Client

	runMu       sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
	unsubEvents func()
}

// New 按配置装配通信核心。deps 里缺省的依赖使用进程内实现；
// 告警规则文件配置了但加载失败时直接报错，不降级启动。
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*client.Client),
	}

	m.registry = registry.New(registry.Options{
		InstanceTTL:   seconds(cfg.Registry.InstanceTTL),
		SweepInterval: seconds(cfg.Registry.SweepInterval),
	}, logger)

	prober := deps.Prober
	if prober == nil {
		prober = health.NewHTTPProber(cfg.Health.Path, seconds(cfg.Health.Timeout))
	}
	m.checker = health.New(m.registry, prober, health.Options{
		Interval:      seconds(cfg.Health.Interval),
		Timeout:       seconds(cfg.Health.Timeout),
		MaxAttempts:   cfg.Health.UnhealthyThreshold,
		RetryInterval: seconds(cfg.Health.RetryInterval),
		HistorySize:   cfg.Health.HistorySize,
	}, logger)

	var failureThreshold uint32
	if cfg.Balancer.FailureThreshold > 0 {
		failureThreshold = uint32(cfg.Balancer.FailureThreshold)
	}
	m.balancer = balancer.New(m.registry, balancer.Options{
		Strategy:         balancer.Strategy(cfg.Balancer.Strategy),
		MaxAttempts:      cfg.Balancer.MaxAttempts,
		RetryInterval:    millis(cfg.Balancer.RetryIntervalMs),
		FailureThreshold: failureThreshold,
		ResetTimeout:     seconds(cfg.Balancer.ResetTimeout),
		BreakerScope:     balancer.Scope(cfg.Balancer.BreakerScope),
	}, logger)

	m.collector = monitoring.NewCollector(monitoring.Options{
		Window: seconds(cfg.Monitoring.WindowSize),
	}, logger)
	m.alerts = monitoring.NewAlertManager(m.collector, monitoring.AlertOptions{
		EvaluateInterval: seconds(cfg.Monitoring.EvaluateInterval),
		DefaultCooldown:  seconds(cfg.Monitoring.CooldownSeconds),
	}, logger)
	if cfg.Monitoring.RulesPath != "" {
		n, err := m.alerts.LoadRulesFile(cfg.Monitoring.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load alert rules: %w", err)
		}
		logger.Info("alert rules loaded", "path", cfg.Monitoring.RulesPath, "rules", n)
	}

	m.bus = deps.Bus
	if m.bus == nil {
		m.bus = bus.NewMemoryBus(logger)
		m.ownsBus = true
	}
	m.alerts.RegisterNotifier("bus", monitoring.NotifierFunc(m.publishAlert))

	store := deps.EventStore
	if store == nil {
		store = eventstore.NewMemoryStore()
	}
	auditStore := deps.AuditStore
	if auditStore == nil {
		auditStore = audit.NewMemoryStore()
	}
	m.trail = audit.NewTrail(auditStore, logger)
	m.events = &auditingStore{next: store, trail: m.trail, actor: cfg.ServiceName, logger: logger}
	m.repo = eventstore.NewRepository(m.events, deps.SnapshotStore, deps.SnapshotEvery, logger)

	m.sagas = saga.NewOrchestrator(saga.Options{
		MaxAttempts:   cfg.Saga.MaxAttempts,
		RetryInterval: millis(cfg.Saga.RetryIntervalMs),
		StepTimeout:   seconds(cfg.Saga.StepTimeout),
		OnTransition:  m.onSagaTransition,
	}, logger)

	return m, nil
}

// Start 启动后台组件：注册表清扫、告警评估、注册事件广播与
// 自身心跳维持。重复调用无效果。
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh != nil {
		return
	}

	m.registry.Start()
	m.alerts.Start()
	m.unsubEvents = m.registry.Subscribe(registry.PatternAll, m.onRegistryEvent)

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.heartbeatLoop(m.stopCh, m.doneCh)

	m.logger.Info("communication manager started", "service", m.cfg.ServiceName)
}

// Stop 注销自身并停止全部后台组件。进程内自建的总线随之关闭，
// 外部传入的总线保持打开。
func (m *Manager) Stop(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh, m.doneCh = nil, nil

	m.mu.Lock()
	self := m.self
	m.self = nil
	m.mu.Unlock()
	if self != nil {
		if err := m.registry.Deregister(ctx, self.ServiceName, self.ID); err != nil {
			m.logger.WarnContext(ctx, "self deregister failed", "instance_id", self.ID, "error", err)
		}
	}

	m.alerts.Stop()
	m.checker.Stop()
	m.registry.Stop()

	if m.unsubEvents != nil {
		m.unsubEvents()
		m.unsubEvents = nil
	}
	if m.ownsBus {
		if err := m.bus.Close(); err != nil {
			m.logger.WarnContext(ctx, "close message bus failed", "error", err)
		}
	}
	m.logger.Info("communication manager stopped", "service", m.cfg.ServiceName)
}

// RegisterSelf 把本进程注册为一个服务实例并自报 UP，
// 心跳由 Start 启动的后台循环维持。重复调用只刷新首次注册的实例。
func (m *Manager) RegisterSelf(ctx context.Context) (*registry.ServiceInstance, error) {
	m.mu.Lock()
	inst := m.self
	m.mu.Unlock()

	if inst == nil {
		host := m.cfg.HTTP.Host
		if host == "" {
			host = "127.0.0.1"
		}
		inst = &registry.ServiceInstance{
			ID:          fmt.Sprintf("%s-%s", m.cfg.ServiceName, idgen.NextIDString()),
			ServiceName: m.cfg.ServiceName,
			Host:        host,
			Port:        m.cfg.HTTP.Port,
			Version:     m.cfg.Version,
			Status:      registry.StatusUp,
			Metadata:    map[string]string{"environment": m.cfg.Environment},
		}
	}

	if err := m.registry.Register(ctx, inst); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.self = inst
	m.mu.Unlock()
	return inst.Clone(), nil
}

// CreateClient 返回面向目标服务的调用客户端。按服务名缓存，
// 重复调用得到同一实例；请求结果计入监控采集器。
func (m *Manager) CreateClient(service string) *client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[service]; ok {
		return c
	}
	c := client.New(service, m.balancer, client.Options{
		Timeout:           seconds(m.cfg.Client.Timeout),
		CorrelationHeader: m.cfg.Client.CorrelationHeader,
		Recorder:          m.collector,
	}, m.logger)
	m.clients[service] = c
	return c
}

// SendAsyncMessage 向目标服务的收件通道发布一条异步消息
func (m *Manager) SendAsyncMessage(ctx context.Context, target string, payload any) error {
	msg, err := bus.NewMessage("message", m.cfg.ServiceName, payload)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, messageChannelPrefix+target, msg)
}

// SubscribeToMessages 订阅发给本服务的异步消息
func (m *Manager) SubscribeToMessages(handler bus.Handler) (bus.Unsubscribe, error) {
	return m.bus.Subscribe(messageChannelPrefix+m.cfg.ServiceName, handler)
}

// PublishEvent 按事件类型广播一条领域事件
func (m *Manager) PublishEvent(ctx context.Context, eventType string, payload any) error {
	msg, err := bus.NewMessage(eventType, m.cfg.ServiceName, payload)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, eventChannelPrefix+eventType, msg)
}

// SubscribeToEvents 订阅一类领域事件。eventType 支持 "*"
// 与前缀通配（如 "order.*"）。
func (m *Manager) SubscribeToEvents(eventType string, handler bus.Handler) (bus.Unsubscribe, error) {
	return m.bus.Subscribe(eventChannelPrefix+eventType, handler)
}

// CreateSaga 创建一个多步事务编排
func (m *Manager) CreateSaga(ctx context.Context, def saga.Definition) (*saga.Saga, error) {
	return m.sagas.Create(ctx, def)
}

// ExecuteSaga 顺序执行 saga 的全部步骤
func (m *Manager) ExecuteSaga(ctx context.Context, id string) (*saga.Saga, error) {
	return m.sagas.Execute(ctx, id)
}

// CompensateSaga 对已完成的步骤按逆序补偿
func (m *Manager) CompensateSaga(ctx context.Context, id string) (*saga.Saga, error) {
	return m.sagas.Compensate(ctx, id)
}

// GetSaga 查询 saga 当前状态
func (m *Manager) GetSaga(ctx context.Context, id string) (*saga.Saga, error) {
	return m.sagas.Get(ctx, id)
}

// RegisterSagaExecutor 注册某服务的步骤执行器
func (m *Manager) RegisterSagaExecutor(service string, ex saga.Executor) {
	m.sagas.RegisterExecutor(service, ex)
}

// AppendEvents 以乐观并发方式追加领域事件，成功后同步写入审计线索
func (m *Manager) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventstore.DomainEvent) error {
	return m.events.Append(ctx, aggregateID, expectedVersion, events)
}

// LoadEvents 读取聚合在 afterVersion 之后的事件，0 为全量
func (m *Manager) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*eventstore.DomainEvent, error) {
	return m.events.Load(ctx, aggregateID, afterVersion)
}

// RecordAuditEntry 记录一条自定义审计条目
func (m *Manager) RecordAuditEntry(ctx context.Context, entry *audit.Entry) error {
	return m.trail.Record(ctx, entry)
}

// AuditTrailOf 按时间序返回某资源的全部审计条目
func (m *Manager) AuditTrailOf(ctx context.Context, resourceID string) ([]*audit.Entry, error) {
	return m.trail.TrailOf(ctx, resourceID)
}

// StartMonitoring 开始对某服务做周期健康检查
func (m *Manager) StartMonitoring(service string) { m.checker.StartMonitoring(service) }

// StopMonitoring 停止对某服务的周期健康检查
func (m *Manager) StopMonitoring(service string) { m.checker.StopMonitoring(service) }

// ServiceStats 单个服务的聚合视图
type ServiceStats struct {
	Service   string                      `json:"service"`
	Instances []*registry.ServiceInstance `json:"instances"`
	Health    health.ServiceStats         `json:"health"`
	Metrics   monitoring.ServiceSnapshot  `json:"metrics"`
	Client    *client.Stats               `json:"client,omitempty"`
}

// GetServiceStats 汇总某服务的存活实例、健康计数、滚动窗口指标，
// 以及本进程对它的调用统计（没建过客户端则为空）。
func (m *Manager) GetServiceStats(ctx context.Context, service string) ServiceStats {
	out := ServiceStats{
		Service:   service,
		Instances: m.registry.GetInstances(ctx, service),
	}
	if s, ok := m.checker.Stats().Services[service]; ok {
		out.Health = s
	}
	if snap, ok := m.collector.SnapshotOf(service); ok {
		out.Metrics = snap
	}
	m.mu.Lock()
	c, ok := m.clients[service]
	m.mu.Unlock()
	if ok {
		stats := c.Stats()
		out.Client = &stats
	}
	return out
}

// Export 导出整个通信核心的运行快照。键结构对外稳定：
// service、registry、health、loadBalancer、metrics、alerts、timestamp。
func (m *Manager) Export(ctx context.Context) ([]byte, error) {
	strategy := m.cfg.Balancer.Strategy
	if strategy == "" {
		strategy = string(balancer.StrategyRoundRobin)
	}
	snapshot := map[string]any{
		"service":  m.cfg.ServiceName,
		"registry": m.registry.GetAllServices(ctx),
		"health":   m.checker.Stats(),
		"loadBalancer": map[string]any{
			"strategy":     strategy,
			"breakers":     m.balancer.BreakerSnapshots(),
			"openBreakers": m.balancer.OpenBreakerCount(),
		},
		"metrics":   m.collector.Snapshot(),
		"alerts":    m.alerts.ActiveAlerts(),
		"timestamp": time.Now().UTC(),
	}
	return sonic.Marshal(snapshot)
}

// Registry 服务注册表
func (m *Manager) Registry() *registry.Registry { return m.registry }

// HealthChecker 健康检查器
func (m *Manager) HealthChecker() *health.Checker { return m.checker }

// Balancer 负载均衡器
func (m *Manager) Balancer() *balancer.LoadBalancer { return m.balancer }

// Collector 指标采集器
func (m *Manager) Collector() *monitoring.Collector { return m.collector }

// Alerts 告警管理器
func (m *Manager) Alerts() *monitoring.AlertManager { return m.alerts }

// Sagas saga 编排器
func (m *Manager) Sagas() *saga.Orchestrator { return m.sagas }

// Repository 事件溯源仓储，追加经由审计镜像
func (m *Manager) Repository() *eventstore.Repository { return m.repo }

// AuditTrail 审计线索
func (m *Manager) AuditTrail() *audit.Trail { return m.trail }

// Bus 消息总线
func (m *Manager) Bus() bus.Bus { return m.bus }

// publishAlert 把触发的告警投递到总线告警通道
func (m *Manager) publishAlert(ctx context.Context, a monitoring.Alert) error {
	msg, err := bus.NewMessage("alert."+string(a.Severity), m.cfg.ServiceName, a)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, ChannelAlerts, msg)
}

// onRegistryEvent 把注册表变更广播到总线，并把目标服务的可用性
// 记为本服务的依赖状态。
func (m *Manager) onRegistryEvent(ev registry.Event) {
	ctx := context.Background()

	up := false
	for _, inst := range m.registry.GetInstances(ctx, ev.Service) {
		if inst.Status == registry.StatusUp {
			up = true
			break
		}
	}
	m.collector.RecordDependencyStatus(m.cfg.ServiceName, ev.Service, up)

	msg, err := bus.NewMessage("registry."+string(ev.Type), m.cfg.ServiceName, ev)
	if err != nil {
		m.logger.Warn("encode registry event failed", "type", ev.Type, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, registryChannelPrefix+string(ev.Type), msg); err != nil {
		m.logger.Warn("publish registry event failed",
			"type", ev.Type, "service", ev.Service, "error", err)
	}
}

// onSagaTransition 记录 saga 状态迁移的审计条目并广播迁移事件
func (m *Manager) onSagaTransition(ctx context.Context, s *saga.Saga, from, to saga.Status) {
	if _, err := m.trail.RecordChange(ctx, m.cfg.ServiceName, "saga", s.ID, "saga.transition",
		map[string]any{"status": from}, map[string]any{"status": to}); err != nil {
		m.logger.WarnContext(ctx, "record saga transition failed", "saga_id", s.ID, "error", err)
	}

	payload := map[string]any{
		"saga_id": s.ID,
		"name":    s.Name,
		"from":    from,
		"to":      to,
	}
	if err := m.PublishEvent(ctx, "saga.transition", payload); err != nil {
		m.logger.WarnContext(ctx, "publish saga transition failed", "saga_id", s.ID, "error", err)
	}
}

// heartbeatLoop 周期刷新自身实例的心跳，间隔取 TTL 的三分之一
func (m *Manager) heartbeatLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	interval := seconds(m.cfg.Registry.InstanceTTL) / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			self := m.self
			m.mu.Unlock()
			if self == nil {
				continue
			}
			if err := m.registry.Heartbeat(context.Background(), self.ServiceName, self.ID); err != nil {
				m.logger.Warn("self heartbeat failed", "instance_id", self.ID, "error", err)
			}
		}
	}
}

// auditingStore 包装事件存储，追加成功后向审计线索写一条变更
// 记录。审计写入失败只告警，不影响已完成的追加。
type auditingStore struct {
	next   eventstore.Store
	trail  *audit.Trail
	actor  string
	logger *slog.Logger
}

func (s *auditingStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventstore.DomainEvent) error {
	if err := s.next.Append(ctx, aggregateID, expectedVersion, events); err != nil {
		return err
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	if _, err := s.trail.RecordChange(ctx, s.actor, "aggregate", aggregateID, "events.append",
		map[string]any{"version": expectedVersion},
		map[string]any{"version": expectedVersion + int64(len(events)), "events": types}); err != nil {
		s.logger.WarnContext(ctx, "audit event append failed", "aggregate_id", aggregateID, "error", err)
	}
	return nil
}

func (s *auditingStore) Load(ctx context.Context, aggregateID string, afterVersion int64) ([]*eventstore.DomainEvent, error) {
	return s.next.Load(ctx, aggregateID, afterVersion)
}

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

func millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }
