// Package eventstore 提供按聚合分流的事件存储：追加时校验期望版本实现乐观并发，
// 读取时按版本有序返回，供事件溯源仓储重放聚合状态。
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/wyfcoding/servicekit/internal/tracing"
	"github.com/wyfcoding/servicekit/pkg/idgen"
)

// ErrConflict 期望版本与当前版本不一致
var ErrConflict = errors.New("event version conflict")

// ErrNoEvents 追加空事件列表
var ErrNoEvents = errors.New("no events to append")

// ConflictError 乐观并发冲突详情
type ConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("aggregate %s version conflict: expected %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

// Is 支持 errors.Is(err, ErrConflict)
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// DomainEvent 领域事件。Version 由存储在追加时赋值，聚合内从 1 连续递增。
type DomainEvent struct {
	ID          string            `json:"id"`
	AggregateID string            `json:"aggregate_id"`
	Type        string            `json:"type"`
	Version     int64             `json:"version"`
	Data        []byte            `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewEvent 构造事件并把 data 编码为 JSON
func NewEvent(eventType string, data any) (*DomainEvent, error) {
	ev := &DomainEvent{Type: eventType}
	if data != nil {
		payload, err := sonic.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", eventType, err)
		}
		ev.Data = payload
	}
	return ev, nil
}

// Decode 把事件数据解码到 v
func (e *DomainEvent) Decode(v any) error {
	return sonic.Unmarshal(e.Data, v)
}

// Clone 深拷贝
func (e *DomainEvent) Clone() *DomainEvent {
	cp := *e
	if e.Data != nil {
		cp.Data = append([]byte(nil), e.Data...)
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Store 事件存储。实现必须保证同一聚合的追加串行化：
// expectedVersion 不等于当前版本时返回 *ConflictError。
type Store interface {
	// Append 以 expectedVersion 为前提追加事件，事件版本为
	// expectedVersion+1 起的连续序号
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*DomainEvent) error
	// Load 返回版本大于 afterVersion 的事件，按版本升序；afterVersion 取 0 读全量
	Load(ctx context.Context, aggregateID string, afterVersion int64) ([]*DomainEvent, error)
}

// StampEvents 为待追加事件补齐标识、版本、时间与追踪元数据。
// 各存储实现在校验版本后调用，保证落库内容一致。
func StampEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*DomainEvent, now time.Time) {
	traceID := tracing.TraceIDFrom(ctx)
	for i, ev := range events {
		if ev.ID == "" {
			ev.ID = idgen.NextIDString()
		}
		ev.AggregateID = aggregateID
		ev.Version = expectedVersion + int64(i) + 1
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = now
		}
		if traceID != "" {
			if ev.Metadata == nil {
				ev.Metadata = make(map[string]string, 1)
			}
			ev.Metadata["trace_id"] = traceID
		}
	}
}
