// Package mysql 事件存储的 MySQL 实现。
// (aggregate_id, version) 上的唯一索引兜底并发追加：
// 版本预检通过但插入撞索引时同样按版本冲突处理。
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/wyfcoding/servicekit/internal/eventstore"
	"github.com/wyfcoding/servicekit/pkg/contextx"
)

// EventPO 事件持久化对象
type EventPO struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	EventID     string `gorm:"column:event_id;type:varchar(32);uniqueIndex;not null"`
	AggregateID string `gorm:"column:aggregate_id;type:varchar(64);uniqueIndex:uk_aggregate_version;not null"`
	Version     int64  `gorm:"column:version;uniqueIndex:uk_aggregate_version;not null"`
	EventType   string `gorm:"column:event_type;type:varchar(64);not null"`
	Payload     string `gorm:"column:payload;type:json;not null"`
	Metadata    string `gorm:"column:metadata;type:json;not null"`
	OccurredAt  int64  `gorm:"column:occurred_at;not null"`
}

// TableName 指定表名
func (EventPO) TableName() string {
	return "domain_events"
}

// ToDomain 转换为领域事件
func (po *EventPO) ToDomain() *eventstore.DomainEvent {
	ev := &eventstore.DomainEvent{
		ID:          po.EventID,
		AggregateID: po.AggregateID,
		Type:        po.EventType,
		Version:     po.Version,
		OccurredAt:  time.Unix(0, po.OccurredAt),
	}
	if po.Payload != "" && po.Payload != "null" {
		ev.Data = []byte(po.Payload)
	}
	if po.Metadata != "" && po.Metadata != "null" {
		_ = sonic.Unmarshal([]byte(po.Metadata), &ev.Metadata)
	}
	return ev
}

// FromDomain 从领域事件转换
func (po *EventPO) FromDomain(ev *eventstore.DomainEvent) error {
	po.EventID = ev.ID
	po.AggregateID = ev.AggregateID
	po.EventType = ev.Type
	po.Version = ev.Version
	po.OccurredAt = ev.OccurredAt.UnixNano()

	po.Payload = "null"
	if len(ev.Data) > 0 {
		po.Payload = string(ev.Data)
	}
	po.Metadata = "null"
	if len(ev.Metadata) > 0 {
		meta, err := sonic.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		po.Metadata = string(meta)
	}
	return nil
}

// Store 事件存储实现
type Store struct {
	db *gorm.DB
}

var _ eventstore.Store = (*Store)(nil)

// NewStore 创建并返回一个新的 Store 实例
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 创建事件表
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&EventPO{})
}

// Append 实现 eventstore.Store
func (s *Store) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventstore.DomainEvent) error {
	if len(events) == 0 {
		return eventstore.ErrNoEvents
	}

	eventstore.StampEvents(ctx, aggregateID, expectedVersion, events, time.Now())

	pos := make([]*EventPO, len(events))
	for i, ev := range events {
		po := &EventPO{}
		if err := po.FromDomain(ev); err != nil {
			return err
		}
		pos[i] = po
	}

	return s.getDB(ctx).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int64
		if err := tx.Model(&EventPO{}).
			Where("aggregate_id = ?", aggregateID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&current).Error; err != nil {
			return fmt.Errorf("read current version: %w", err)
		}
		if current != expectedVersion {
			return &eventstore.ConflictError{
				AggregateID: aggregateID, Expected: expectedVersion, Actual: current,
			}
		}
		if err := tx.Create(&pos).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return &eventstore.ConflictError{
					AggregateID: aggregateID, Expected: expectedVersion, Actual: current,
				}
			}
			return fmt.Errorf("insert events: %w", err)
		}
		return nil
	})
}

// Load 实现 eventstore.Store
func (s *Store) Load(ctx context.Context, aggregateID string, afterVersion int64) ([]*eventstore.DomainEvent, error) {
	var pos []*EventPO
	if err := s.getDB(ctx).WithContext(ctx).
		Where("aggregate_id = ? AND version > ?", aggregateID, afterVersion).
		Order("version ASC").
		Find(&pos).Error; err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	out := make([]*eventstore.DomainEvent, len(pos))
	for i, po := range pos {
		out[i] = po.ToDomain()
	}
	return out, nil
}

func (s *Store) getDB(ctx context.Context) *gorm.DB {
	if tx := contextx.Tx(ctx); tx != nil {
		return tx
	}
	return s.db
}
