// Package audit 记录资源访问与变更的审计轨迹。
// 每条记录携带操作者、资源标识、变更前后内容与追踪标识，
// 查询按发生时间升序返回，支持按资源、操作者与时间窗过滤。
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"

	"github.com/wyfcoding/servicekit/internal/tracing"
	"github.com/wyfcoding/servicekit/pkg/contextx"
	"github.com/wyfcoding/servicekit/pkg/idgen"
)

// Action 审计动作类别
type Action string

const (
	// ActionAccess 只读访问
	ActionAccess Action = "ACCESS"
	// ActionChange 状态变更
	ActionChange Action = "CHANGE"
)

// Entry 单条审计记录。Before/After 为变更前后状态的 JSON 文本。
type Entry struct {
	ID            string    `json:"id"`
	Action        Action    `json:"action"`
	Actor         string    `json:"actor"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	Operation     string    `json:"operation"`
	Before        string    `json:"before,omitempty"`
	After         string    `json:"after,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Query 审计查询条件，零值字段不参与过滤
type Query struct {
	ResourceType string
	ResourceID   string
	Actor        string
	Action       Action
	Start        time.Time
	End          time.Time
	Limit        int
}

// Store 审计存储。Save 接受批量写入，Query 按发生时间升序返回。
type Store interface {
	Save(ctx context.Context, entries []*Entry) error
	Query(ctx context.Context, q Query) ([]*Entry, error)
}

// Trail 审计服务
type Trail struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTrail 创建审计服务
func NewTrail(store Store, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{store: store, logger: logger, now: time.Now}
}

// RecordAccess 记录一次只读访问
func (t *Trail) RecordAccess(ctx context.Context, actor, resourceType, resourceID, operation string) (*Entry, error) {
	entry := &Entry{
		Action:       ActionAccess,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Operation:    operation,
	}
	return entry, t.Record(ctx, entry)
}

// RecordChange 记录一次状态变更，before/after 编码为 JSON 留档
func (t *Trail) RecordChange(ctx context.Context, actor, resourceType, resourceID, operation string, before, after any) (*Entry, error) {
	entry := &Entry{
		Action:       ActionChange,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Operation:    operation,
	}
	var err error
	if entry.Before, err = encodeState(before); err != nil {
		return nil, fmt.Errorf("encode before state: %w", err)
	}
	if entry.After, err = encodeState(after); err != nil {
		return nil, fmt.Errorf("encode after state: %w", err)
	}
	return entry, t.Record(ctx, entry)
}

// Record 落库一条审计记录，补齐标识、时间与追踪信息
func (t *Trail) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = idgen.NextIDString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = t.now()
	}
	if entry.TraceID == "" {
		entry.TraceID = tracing.TraceIDFrom(ctx)
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = contextx.CorrelationID(ctx)
	}

	if err := t.store.Save(ctx, []*Entry{entry}); err != nil {
		return fmt.Errorf("save audit entry: %w", err)
	}
	t.logger.DebugContext(ctx, "audit entry recorded",
		"action", entry.Action, "actor", entry.Actor,
		"resource_type", entry.ResourceType, "resource_id", entry.ResourceID,
		"operation", entry.Operation)
	return nil
}

// TrailOf 返回某资源的完整审计轨迹，按发生时间升序
func (t *Trail) TrailOf(ctx context.Context, resourceID string) ([]*Entry, error) {
	return t.store.Query(ctx, Query{ResourceID: resourceID})
}

// Find 按条件查询审计记录
func (t *Trail) Find(ctx context.Context, q Query) ([]*Entry, error) {
	return t.store.Query(ctx, q)
}

func encodeState(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
