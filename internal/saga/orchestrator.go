package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wyfcoding/servicekit/internal/tracing"
	"github.com/wyfcoding/servicekit/pkg/idgen"
)

// StepRequest 一次动作调用的输入。正向动作与补偿动作通过 Action 区分。
type StepRequest struct {
	SagaID  string
	Step    string
	Service string
	Action  string
	Payload map[string]any
}

// Executor 执行面向单个服务的动作，由接入方注册。
// 返回的结果记录在步骤状态上，nil 结果表示动作无输出。
type Executor interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}

// ExecutorFunc 函数适配器
type ExecutorFunc func(ctx context.Context, req StepRequest) (StepResult, error)

// Execute 实现 Executor
func (f ExecutorFunc) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	return f(ctx, req)
}

// TransitionFunc saga 状态变更回调，用于审计落库或事件发布
type TransitionFunc func(ctx context.Context, s *Saga, from, to Status)

// Options 编排器配置，各项均可被步骤定义覆盖
type Options struct {
	// MaxAttempts 每个动作的默认最多尝试次数
	MaxAttempts int
	// RetryInterval 默认重试固定间隔
	RetryInterval time.Duration
	// StepTimeout 默认单次动作执行时限
	StepTimeout time.Duration
	// OnTransition 状态变更回调，可为 nil
	OnTransition TransitionFunc
}

// Orchestrator saga 编排器，可并发使用
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	executors    map[string]Executor
	sagas        map[string]*Saga
	compensating map[string]struct{}
}

// NewOrchestrator 创建编排器
func NewOrchestrator(opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		opts:         opts,
		logger:       logger,
		now:          time.Now,
		executors:    make(map[string]Executor),
		sagas:        make(map[string]*Saga),
		compensating: make(map[string]struct{}),
	}
}

// RegisterExecutor 注册 service 的动作执行器，重复注册覆盖
func (o *Orchestrator) RegisterExecutor(service string, ex Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executors[service] = ex
}

// Create 根据定义创建 saga 实例，初始状态 PENDING
func (o *Orchestrator) Create(ctx context.Context, def Definition) (*Saga, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid saga definition: %w", err)
	}

	now := o.now()
	s := &Saga{
		ID:        idgen.NextIDString(),
		Name:      def.Name,
		Status:    StatusPending,
		Steps:     make([]*StepState, len(def.Steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, stepDef := range def.Steps {
		st := &StepState{StepDefinition: stepDef, Status: StepPending}
		if stepDef.Payload != nil {
			st.Payload = make(map[string]any, len(stepDef.Payload))
			for k, v := range stepDef.Payload {
				st.Payload[k] = v
			}
		}
		s.Steps[i] = st
	}

	o.mu.Lock()
	o.sagas[s.ID] = s
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "saga created",
		"saga_id", s.ID, "saga_name", s.Name, "steps", len(s.Steps))
	return s.Clone(), nil
}

// Get 返回 saga 快照
func (o *Orchestrator) Get(_ context.Context, id string) (*Saga, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sagas[id]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return s.Clone(), nil
}

// List 返回 saga 快照列表，status 为空时不过滤，按创建时间排序
func (o *Orchestrator) List(_ context.Context, status Status) []*Saga {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Saga, 0, len(o.sagas))
	for _, s := range o.sagas {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Execute 同步执行全部步骤。任一步骤重试耗尽即转入 FAILED，
// 剩余步骤不再执行；返回失败步骤的错误。只有 PENDING 状态可执行。
func (o *Orchestrator) Execute(ctx context.Context, id string) (*Saga, error) {
	snap, err := o.begin(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "saga "+snap.Name,
		trace.WithAttributes(
			attribute.String("saga.id", snap.ID),
			attribute.String("saga.name", snap.Name),
		))
	o.setTraceID(id, tracing.TraceIDFrom(ctx))

	for i := range snap.Steps {
		if !o.statusIs(id, StatusRunning) {
			// 补偿已抢先介入
			span.End()
			return o.Get(ctx, id)
		}
		if stepErr := o.runStep(ctx, id, i, snap.Steps[i].StepDefinition); stepErr != nil {
			o.failSaga(ctx, id, stepErr)
			span.SetStatus(codes.Error, stepErr.Error())
			span.End()
			result, _ := o.Get(ctx, id)
			return result, stepErr
		}
	}

	o.completeSaga(ctx, id)
	span.End()
	return o.Get(ctx, id)
}

// Compensate 对已完成的步骤按逆序执行补偿。补偿尽力而为：
// 单个补偿失败不阻断后续补偿，只要有失败 saga 停留在 COMPENSATING，
// 全部成功才转入 COMPENSATED。允许从 FAILED 与 RUNNING 发起；
// 停留在 COMPENSATING 的 saga 可再次发起以重试失败的补偿。
func (o *Orchestrator) Compensate(ctx context.Context, id string) (*Saga, error) {
	snap, err := o.beginCompensation(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() {
		o.mu.Lock()
		delete(o.compensating, id)
		o.mu.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, "saga.compensate "+snap.Name,
		trace.WithAttributes(attribute.String("saga.id", snap.ID)))

	var failed int
	for i := len(snap.Steps) - 1; i >= 0; i-- {
		st := snap.Steps[i]
		if st.Status != StepCompleted && st.Status != StepCompensationFailed {
			continue
		}
		if st.Compensation == "" {
			o.mutateStep(id, i, func(s *StepState) { s.Status = StepSkipped })
			continue
		}
		if compErr := o.runCompensation(ctx, id, i, st.StepDefinition); compErr != nil {
			failed++
		}
	}

	if failed == 0 {
		o.finishCompensation(ctx, id)
	} else {
		span.SetStatus(codes.Error, fmt.Sprintf("%d compensation(s) failed", failed))
		o.logger.ErrorContext(ctx, "saga compensation incomplete",
			"saga_id", id, "failed_compensations", failed)
	}
	span.End()
	return o.Get(ctx, id)
}

func (o *Orchestrator) runStep(ctx context.Context, id string, idx int, def StepDefinition) error {
	o.mutateStep(id, idx, func(s *StepState) {
		s.Status = StepRunning
		s.StartedAt = o.now()
	})

	ctx, span := tracing.StartSpan(ctx, "saga.step "+def.Name,
		trace.WithAttributes(
			attribute.String("saga.id", id),
			attribute.String("saga.step.service", def.Service),
			attribute.String("saga.step.action", def.Action),
		))

	result, attempts, err := o.invoke(ctx, id, def, def.Action)

	if err != nil {
		o.mutateStep(id, idx, func(s *StepState) {
			s.Status = StepFailed
			s.Attempts = attempts
			s.Error = err.Error()
			s.FinishedAt = o.now()
		})
		span.SetStatus(codes.Error, err.Error())
		tracing.FinishSpan(span, attribute.Int("saga.step.attempts", attempts))
		o.logger.WarnContext(ctx, "saga step failed",
			"saga_id", id, "step", def.Name, "attempts", attempts, "error", err)
		return fmt.Errorf("step %s failed: %w", def.Name, err)
	}

	o.mutateStep(id, idx, func(s *StepState) {
		s.Status = StepCompleted
		s.Attempts = attempts
		s.Result = result.Clone()
		s.FinishedAt = o.now()
	})
	tracing.FinishSpan(span, attribute.Int("saga.step.attempts", attempts))
	o.logger.InfoContext(ctx, "saga step completed",
		"saga_id", id, "step", def.Name, "attempts", attempts)
	return nil
}

func (o *Orchestrator) runCompensation(ctx context.Context, id string, idx int, def StepDefinition) error {
	ctx, span := tracing.StartSpan(ctx, "saga.compensate.step "+def.Name,
		trace.WithAttributes(
			attribute.String("saga.id", id),
			attribute.String("saga.step.action", def.Compensation),
		))

	result, attempts, err := o.invoke(ctx, id, def, def.Compensation)

	if err != nil {
		o.mutateStep(id, idx, func(s *StepState) {
			s.Status = StepCompensationFailed
			s.CompensationError = err.Error()
		})
		span.SetStatus(codes.Error, err.Error())
		tracing.FinishSpan(span, attribute.Int("saga.step.attempts", attempts))
		o.logger.ErrorContext(ctx, "saga compensation step failed",
			"saga_id", id, "step", def.Name, "action", def.Compensation, "error", err)
		return err
	}

	o.mutateStep(id, idx, func(s *StepState) {
		s.Status = StepCompensated
		s.CompensationResult = result.Clone()
	})
	tracing.FinishSpan(span, attribute.Int("saga.step.attempts", attempts))
	o.logger.InfoContext(ctx, "saga step compensated", "saga_id", id, "step", def.Name)
	return nil
}

// invoke 带重试地执行一个动作，返回结果与实际尝试次数。
// 时限、尝试次数与重试间隔优先取步骤定义，未设置时回落到编排器默认值。
func (o *Orchestrator) invoke(ctx context.Context, sagaID string, def StepDefinition, action string) (StepResult, int, error) {
	ex := o.executorFor(def.Service)
	if ex == nil {
		return nil, 0, fmt.Errorf("no executor registered for service %s", def.Service)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = o.opts.StepTimeout
	}
	maxAttempts := def.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.opts.MaxAttempts
	}
	retryDelay := def.RetryDelay
	if retryDelay <= 0 {
		retryDelay = o.opts.RetryInterval
	}

	req := StepRequest{
		SagaID:  sagaID,
		Step:    def.Name,
		Service: def.Service,
		Action:  action,
		Payload: def.Payload,
	}

	attempts := 0
	operation := func() (StepResult, error) {
		attempts++
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return ex.Execute(stepCtx, req)
	}
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(retryDelay)),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	return result, attempts, err
}

func (o *Orchestrator) begin(ctx context.Context, id string) (*Saga, error) {
	o.mu.Lock()
	s, ok := o.sagas[id]
	if !ok {
		o.mu.Unlock()
		return nil, ErrSagaNotFound
	}
	switch s.Status {
	case StatusPending:
	case StatusCompleted, StatusCompensated:
		status := s.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSagaTerminal, status)
	case StatusRunning, StatusCompensating:
		status := s.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSagaActive, status)
	default:
		status := s.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("saga %s cannot be executed from %s", id, status)
	}
	s.Status = StatusRunning
	s.UpdatedAt = o.now()
	snap := s.Clone()
	o.mu.Unlock()

	o.notifyTransition(ctx, snap, StatusPending, StatusRunning)
	return snap, nil
}

func (o *Orchestrator) beginCompensation(ctx context.Context, id string) (*Saga, error) {
	o.mu.Lock()
	s, ok := o.sagas[id]
	if !ok {
		o.mu.Unlock()
		return nil, ErrSagaNotFound
	}
	if _, busy := o.compensating[id]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: compensation in progress", ErrSagaActive)
	}
	switch s.Status {
	case StatusFailed, StatusRunning, StatusCompensating:
	case StatusPending:
		o.mu.Unlock()
		return nil, ErrSagaNotStarted
	default:
		status := s.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSagaTerminal, status)
	}
	from := s.Status
	s.Status = StatusCompensating
	s.UpdatedAt = o.now()
	o.compensating[id] = struct{}{}
	snap := s.Clone()
	o.mu.Unlock()

	if from != StatusCompensating {
		o.notifyTransition(ctx, snap, from, StatusCompensating)
	}
	return snap, nil
}

func (o *Orchestrator) failSaga(ctx context.Context, id string, stepErr error) {
	o.mu.Lock()
	s, ok := o.sagas[id]
	if !ok || s.Status != StatusRunning {
		o.mu.Unlock()
		return
	}
	s.Status = StatusFailed
	s.Error = stepErr.Error()
	s.UpdatedAt = o.now()
	snap := s.Clone()
	o.mu.Unlock()

	o.notifyTransition(ctx, snap, StatusRunning, StatusFailed)
}

func (o *Orchestrator) completeSaga(ctx context.Context, id string) {
	o.mu.Lock()
	s, ok := o.sagas[id]
	if !ok || s.Status != StatusRunning {
		o.mu.Unlock()
		return
	}
	s.Status = StatusCompleted
	s.UpdatedAt = o.now()
	snap := s.Clone()
	o.mu.Unlock()

	o.notifyTransition(ctx, snap, StatusRunning, StatusCompleted)
	o.logger.InfoContext(ctx, "saga completed", "saga_id", id, "saga_name", snap.Name)
}

func (o *Orchestrator) finishCompensation(ctx context.Context, id string) {
	o.mu.Lock()
	s, ok := o.sagas[id]
	if !ok || s.Status != StatusCompensating {
		o.mu.Unlock()
		return
	}
	s.Status = StatusCompensated
	s.UpdatedAt = o.now()
	snap := s.Clone()
	o.mu.Unlock()

	o.notifyTransition(ctx, snap, StatusCompensating, StatusCompensated)
	o.logger.InfoContext(ctx, "saga compensated", "saga_id", id, "saga_name", snap.Name)
}

func (o *Orchestrator) notifyTransition(ctx context.Context, s *Saga, from, to Status) {
	if o.opts.OnTransition != nil {
		o.opts.OnTransition(ctx, s, from, to)
	}
}

func (o *Orchestrator) executorFor(service string) Executor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.executors[service]
}

func (o *Orchestrator) statusIs(id string, status Status) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sagas[id]
	return ok && s.Status == status
}

func (o *Orchestrator) setTraceID(id, traceID string) {
	if traceID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sagas[id]; ok {
		s.TraceID = traceID
	}
}

func (o *Orchestrator) mutateStep(id string, idx int, fn func(*StepState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sagas[id]
	if !ok || idx >= len(s.Steps) {
		return
	}
	fn(s.Steps[idx])
	s.UpdatedAt = o.now()
}
