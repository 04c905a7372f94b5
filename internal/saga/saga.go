// Package saga 实现进程内的 saga 编排：按序执行步骤，
// 任一步骤重试耗尽即终止，并支持对已完成步骤按逆序补偿。
package saga

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	// ErrSagaNotFound saga 不存在
	ErrSagaNotFound = errors.New("saga not found")
	// ErrSagaTerminal saga 已到终态，不能再执行或补偿
	ErrSagaTerminal = errors.New("saga already in terminal state")
	// ErrSagaActive saga 正在执行或补偿中
	ErrSagaActive = errors.New("saga is active")
	// ErrSagaNotStarted 未执行过的 saga 没有可补偿的步骤
	ErrSagaNotStarted = errors.New("saga has not been executed")
)

// Status saga 生命周期状态
type Status string

const (
	// StatusPending 已创建未执行
	StatusPending Status = "PENDING"
	// StatusRunning 正向步骤执行中
	StatusRunning Status = "RUNNING"
	// StatusCompleted 全部步骤成功，终态
	StatusCompleted Status = "COMPLETED"
	// StatusFailed 某步骤重试耗尽
	StatusFailed Status = "FAILED"
	// StatusCompensating 补偿执行中，或有补偿动作失败待人工处理
	StatusCompensating Status = "COMPENSATING"
	// StatusCompensated 已完成步骤全部补偿成功，终态
	StatusCompensated Status = "COMPENSATED"
)

// Terminal 报告状态是否为终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// StepStatus 步骤状态
type StepStatus string

const (
	// StepPending 未执行
	StepPending StepStatus = "PENDING"
	// StepRunning 执行中
	StepRunning StepStatus = "RUNNING"
	// StepCompleted 执行成功
	StepCompleted StepStatus = "COMPLETED"
	// StepFailed 重试耗尽
	StepFailed StepStatus = "FAILED"
	// StepCompensated 补偿成功
	StepCompensated StepStatus = "COMPENSATED"
	// StepCompensationFailed 补偿动作失败
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
	// StepSkipped 无补偿动作，补偿阶段跳过
	StepSkipped StepStatus = "SKIPPED"
)

// StepDefinition 步骤定义。Compensation 为空表示该步骤无需撤销。
// Timeout/MaxAttempts/RetryDelay 覆盖编排器的默认值，零值表示使用默认。
type StepDefinition struct {
	Name         string         `json:"name" validate:"required"`
	Service      string         `json:"service" validate:"required"`
	Action       string         `json:"action" validate:"required"`
	Compensation string         `json:"compensation,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	// Timeout 单次动作执行时限
	Timeout time.Duration `json:"timeout,omitempty"`
	// MaxAttempts 该步骤的最多尝试次数
	MaxAttempts int `json:"max_attempts,omitempty"`
	// RetryDelay 该步骤的重试间隔
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

// Definition saga 定义，创建后不再修改
type Definition struct {
	Name  string           `json:"name" validate:"required"`
	Steps []StepDefinition `json:"steps" validate:"required,min=1,dive"`
}

// Validate 校验定义完整性
func (d Definition) Validate() error {
	return validate.Struct(d)
}

// StepResult 执行器返回的动作结果，记录在步骤状态上供查询接口透出
type StepResult map[string]any

// Clone 深拷贝
func (r StepResult) Clone() StepResult {
	if r == nil {
		return nil
	}
	cp := make(StepResult, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// StepState 步骤的运行时状态
type StepState struct {
	StepDefinition
	Status             StepStatus `json:"status"`
	Attempts           int        `json:"attempts"`
	Result             StepResult `json:"result,omitempty"`
	CompensationResult StepResult `json:"compensation_result,omitempty"`
	Error              string     `json:"error,omitempty"`
	CompensationError  string     `json:"compensation_error,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         time.Time  `json:"finished_at"`
}

// Saga 一次 saga 执行实例
type Saga struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    Status       `json:"status"`
	Steps     []*StepState `json:"steps"`
	Error     string       `json:"error,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Clone 深拷贝，Get/List 返回副本避免调用方读到执行中的可变状态
func (s *Saga) Clone() *Saga {
	cp := *s
	cp.Steps = make([]*StepState, len(s.Steps))
	for i, st := range s.Steps {
		stCp := *st
		if st.Payload != nil {
			stCp.Payload = make(map[string]any, len(st.Payload))
			for k, v := range st.Payload {
				stCp.Payload[k] = v
			}
		}
		stCp.Result = st.Result.Clone()
		stCp.CompensationResult = st.CompensationResult.Clone()
		cp.Steps[i] = &stCp
	}
	return &cp
}

// CompletedSteps 已成功执行的步骤名，按执行顺序
func (s *Saga) CompletedSteps() []string {
	var out []string
	for _, st := range s.Steps {
		if st.Status == StepCompleted || st.Status == StepCompensated ||
			st.Status == StepCompensationFailed || st.Status == StepSkipped {
			out = append(out, st.Name)
		}
	}
	return out
}
