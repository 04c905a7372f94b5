package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/goccy/go-yaml"

	"github.com/wyfcoding/servicekit/pkg/idgen"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Level 返回该级别对应的日志级别
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// AlertRule 告警规则。条件有两种写法：
//   - Expression：expr 表达式，对快照环境求值为布尔，如 "error_rate > 0.5 && requests >= 10"；
//   - Metric/Operator/Threshold：简单阈值比较，内部拼成等价表达式。
//
// 表达式环境变量：service, requests, failures, error_rate, throughput,
// latency_avg_ms, latency_p50_ms, latency_p95_ms, latency_p99_ms。
type AlertRule struct {
	// 规则名，唯一
	Name string `yaml:"name" json:"name"`
	// 仅对指定服务生效，为空时对所有服务生效
	Service string `yaml:"service" json:"service,omitempty"`
	// expr 布尔表达式
	Expression string `yaml:"expression" json:"expression,omitempty"`
	// 阈值写法：指标名
	Metric string `yaml:"metric" json:"metric,omitempty"`
	// 阈值写法：比较操作符
	Operator string `yaml:"operator" json:"operator,omitempty"`
	// 阈值写法：阈值
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`
	// 告警级别，默认 warning
	Severity Severity `yaml:"severity" json:"severity"`
	// 条件需持续满足的时长，满足后才触发
	Duration time.Duration `yaml:"duration" json:"duration"`
	// 两次触发之间的最小间隔，为 0 时使用全局默认值
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// 通知通道名列表，为空时走 log 通道
	Channels []string `yaml:"channels" json:"channels,omitempty"`
	// 告警消息，为空时自动生成
	Message string `yaml:"message" json:"message,omitempty"`
	// 是否停用
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`
}

var operators = map[string]struct{}{
	">": {}, ">=": {}, "<": {}, "<=": {}, "==": {}, "!=": {},
}

func (r *AlertRule) normalize() error {
	if r.Name == "" {
		return fmt.Errorf("alert rule name is required")
	}
	if r.Expression == "" && r.Metric == "" {
		return fmt.Errorf("alert rule requires an expression or a metric threshold")
	}
	if r.Expression == "" {
		if _, ok := operators[r.Operator]; !ok {
			return fmt.Errorf("unsupported operator %q", r.Operator)
		}
	}
	switch r.Severity {
	case "":
		r.Severity = SeverityWarning
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("unsupported severity %q", r.Severity)
	}
	return nil
}

// expression 返回最终参与求值的表达式
func (r AlertRule) expression() string {
	if r.Expression != "" {
		return r.Expression
	}
	return fmt.Sprintf("%s %s %v", r.Metric, r.Operator, r.Threshold)
}

// Alert 一次告警触发
type Alert struct {
	ID       string    `json:"id"`
	Rule     string    `json:"rule"`
	Service  string    `json:"service"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Value    float64   `json:"value,omitempty"`
	FiredAt  time.Time `json:"fired_at"`
}

// Notifier 告警通知通道
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// NotifierFunc 函数式 Notifier 适配器
type NotifierFunc func(ctx context.Context, alert Alert) error

// Notify 实现 Notifier
func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

// LogNotifier 默认通知通道，把告警写入结构化日志
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 创建日志通知通道
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify 实现 Notifier
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.Log(ctx, alert.Severity.Level(), "alert fired",
		"alert_id", alert.ID,
		"rule", alert.Rule,
		"service", alert.Service,
		"severity", string(alert.Severity),
		"value", alert.Value,
		"message", alert.Message,
	)
	return nil
}

const (
	defaultEvaluateInterval = 15 * time.Second
	defaultCooldown         = 5 * time.Minute
	defaultHistorySize      = 256
)

// AlertOptions 告警评估配置
type AlertOptions struct {
	// 后台评估间隔
	EvaluateInterval time.Duration
	// 规则未指定 cooldown 时的默认值
	DefaultCooldown time.Duration
	// 告警历史保留条数
	HistorySize int
}

func (o *AlertOptions) setDefaults() {
	if o.EvaluateInterval <= 0 {
		o.EvaluateInterval = defaultEvaluateInterval
	}
	if o.DefaultCooldown <= 0 {
		o.DefaultCooldown = defaultCooldown
	}
	if o.HistorySize <= 0 {
		o.HistorySize = defaultHistorySize
	}
}

// boundRule 已编译的规则及其按服务维度的触发状态
type boundRule struct {
	AlertRule
	program *vm.Program
	// 条件开始持续满足的时刻，按服务
	pendingSince map[string]time.Time
	// 上次触发时刻，按服务
	lastFired map[string]time.Time
}

// AlertManager 按固定间隔对指标快照评估告警规则。
// 规则条件需持续满足 Duration 才触发，且同一规则对同一服务
// 在 Cooldown 内不会重复触发。
type AlertManager struct {
	collector *Collector
	opts      AlertOptions
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	rules     map[string]*boundRule
	notifiers map[string]Notifier
	active    map[string]Alert
	history   []Alert

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAlertManager 创建告警管理器，默认注册 log 通知通道
func NewAlertManager(collector *Collector, opts AlertOptions, logger *slog.Logger) *AlertManager {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertManager{
		collector: collector,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		rules:     make(map[string]*boundRule),
		notifiers: map[string]Notifier{"log": NewLogNotifier(logger)},
		active:    make(map[string]Alert),
	}
}

// AddRule 校验并编译规则。同名规则被替换，触发状态清零。
func (m *AlertManager) AddRule(rule AlertRule) error {
	if err := rule.normalize(); err != nil {
		return err
	}
	program, err := expr.Compile(rule.expression(), expr.Env(map[string]any{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("failed to compile alert expression %q: %w", rule.expression(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.Name] = &boundRule{
		AlertRule:    rule,
		program:      program,
		pendingSince: make(map[string]time.Time),
		lastFired:    make(map[string]time.Time),
	}
	return nil
}

// RemoveRule 删除规则及其活跃告警
func (m *AlertManager) RemoveRule(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[name]
	if !ok {
		return
	}
	for service := range rule.pendingSince {
		delete(m.active, alertKey(name, service))
	}
	for service := range rule.lastFired {
		delete(m.active, alertKey(name, service))
	}
	delete(m.rules, name)
}

// Rules 返回所有规则，按名称排序
func (m *AlertManager) Rules() []AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.AlertRule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type rulesFile struct {
	Rules []AlertRule `yaml:"rules"`
}

// LoadRulesFile 从 YAML 文件加载规则，返回加载的规则数。
// 任意一条规则非法时整体失败，已加载的规则保留。
func (m *AlertManager) LoadRulesFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read alert rules file: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return 0, fmt.Errorf("failed to parse alert rules file: %w", err)
	}
	for _, rule := range rf.Rules {
		if err := m.AddRule(rule); err != nil {
			return 0, fmt.Errorf("invalid alert rule %q: %w", rule.Name, err)
		}
	}
	return len(rf.Rules), nil
}

// RegisterNotifier 注册通知通道，同名覆盖
func (m *AlertManager) RegisterNotifier(name string, n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers[name] = n
}

// Start 启动后台评估循环，重复调用无效果
func (m *AlertManager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.evaluateLoop(m.stopCh, m.doneCh)
}

// Stop 停止评估循环并等待其退出
func (m *AlertManager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
	m.doneCh = nil
}

func (m *AlertManager) evaluateLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(m.opts.EvaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.EvaluateOnce(context.Background())
		}
	}
}

type firing struct {
	alert    Alert
	channels []string
}

// EvaluateOnce 对最新快照评估所有规则，返回本轮触发的告警。
// 条件转为不满足或服务从快照中消失时，对应活跃告警被清除。
func (m *AlertManager) EvaluateOnce(ctx context.Context) []Alert {
	snapshots := m.collector.Snapshot()

	services := make([]string, 0, len(snapshots))
	for name := range snapshots {
		services = append(services, name)
	}
	sort.Strings(services)

	m.mu.Lock()
	now := m.now()

	ruleNames := make([]string, 0, len(m.rules))
	for name := range m.rules {
		ruleNames = append(ruleNames, name)
	}
	sort.Strings(ruleNames)

	var fired []firing
	for _, name := range ruleNames {
		rule := m.rules[name]
		if rule.Disabled {
			continue
		}
		for _, service := range services {
			if rule.Service != "" && rule.Service != service {
				continue
			}
			if alert, ok := m.evaluateRule(ctx, rule, service, snapshots[service], now); ok {
				fired = append(fired, firing{alert: alert, channels: rule.Channels})
			}
		}
		// 服务下线后清掉它的触发状态
		for service := range rule.pendingSince {
			if _, ok := snapshots[service]; !ok {
				delete(rule.pendingSince, service)
				delete(m.active, alertKey(rule.Name, service))
			}
		}
	}
	m.mu.Unlock()

	alerts := make([]Alert, 0, len(fired))
	for _, f := range fired {
		m.notify(ctx, f)
		alerts = append(alerts, f.alert)
	}
	return alerts
}

// evaluateRule 评估单条规则对单个服务的状态，调用方必须持有锁
func (m *AlertManager) evaluateRule(ctx context.Context, rule *boundRule, service string, snap ServiceSnapshot, now time.Time) (Alert, bool) {
	env := envFor(snap)
	out, err := expr.Run(rule.program, env)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to evaluate alert rule", "rule", rule.Name, "service", service, "error", err)
		return Alert{}, false
	}
	holds, _ := out.(bool)
	if !holds {
		delete(rule.pendingSince, service)
		delete(m.active, alertKey(rule.Name, service))
		return Alert{}, false
	}

	since, ok := rule.pendingSince[service]
	if !ok {
		since = now
		rule.pendingSince[service] = since
	}
	if now.Sub(since) < rule.Duration {
		return Alert{}, false
	}

	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = m.opts.DefaultCooldown
	}
	if last, ok := rule.lastFired[service]; ok && now.Sub(last) < cooldown {
		return Alert{}, false
	}

	alert := Alert{
		ID:       idgen.NextIDString(),
		Rule:     rule.Name,
		Service:  service,
		Severity: rule.Severity,
		Message:  rule.Message,
		Value:    valueFor(rule.AlertRule, env),
		FiredAt:  now,
	}
	if alert.Message == "" {
		alert.Message = fmt.Sprintf("rule %s triggered for service %s", rule.Name, service)
	}
	rule.lastFired[service] = now
	m.active[alertKey(rule.Name, service)] = alert
	m.appendHistory(alert)
	return alert, true
}

// ActiveAlerts 返回当前仍然成立的告警，按触发时间排序
func (m *AlertManager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].FiredAt.Before(out[j].FiredAt)
		}
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Service < out[j].Service
	})
	return out
}

// History 返回最近的告警历史，新的在后
func (m *AlertManager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}

func (m *AlertManager) appendHistory(alert Alert) {
	if len(m.history) >= m.opts.HistorySize {
		m.history = m.history[1:]
	}
	m.history = append(m.history, alert)
}

func (m *AlertManager) notify(ctx context.Context, f firing) {
	channels := f.channels
	if len(channels) == 0 {
		channels = []string{"log"}
	}
	for _, name := range channels {
		m.mu.Lock()
		n, ok := m.notifiers[name]
		m.mu.Unlock()
		if !ok {
			m.logger.WarnContext(ctx, "unknown alert channel", "channel", name, "rule", f.alert.Rule)
			continue
		}
		if err := n.Notify(ctx, f.alert); err != nil {
			m.logger.ErrorContext(ctx, "failed to deliver alert", "channel", name, "rule", f.alert.Rule, "error", err)
		}
	}
}

func alertKey(rule, service string) string {
	return rule + "/" + service
}

// envFor 把快照展开成表达式求值环境
func envFor(s ServiceSnapshot) map[string]any {
	return map[string]any{
		"service":        s.Service,
		"requests":       float64(s.Requests),
		"failures":       float64(s.Failures),
		"error_rate":     s.ErrorRate,
		"throughput":     s.Throughput,
		"latency_avg_ms": float64(s.LatencyAvg) / float64(time.Millisecond),
		"latency_p50_ms": float64(s.LatencyP50) / float64(time.Millisecond),
		"latency_p95_ms": float64(s.LatencyP95) / float64(time.Millisecond),
		"latency_p99_ms": float64(s.LatencyP99) / float64(time.Millisecond),
	}
}

func valueFor(rule AlertRule, env map[string]any) float64 {
	if rule.Metric == "" {
		return 0
	}
	if v, ok := env[rule.Metric].(float64); ok {
		return v
	}
	return 0
}
