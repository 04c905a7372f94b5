// Package mysql 审计存储的 MySQL 实现
package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/servicekit/internal/audit"
	"github.com/wyfcoding/servicekit/pkg/contextx"
)

// EntryPO 审计记录持久化对象
type EntryPO struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	EntryID       string `gorm:"column:entry_id;type:varchar(32);uniqueIndex;not null"`
	Action        string `gorm:"column:action;type:varchar(16);not null"`
	Actor         string `gorm:"column:actor;type:varchar(64);index;not null"`
	ResourceType  string `gorm:"column:resource_type;type:varchar(64);index:idx_resource"`
	ResourceID    string `gorm:"column:resource_id;type:varchar(64);index:idx_resource;not null"`
	Operation     string `gorm:"column:operation;type:varchar(64);not null"`
	BeforeState   string `gorm:"column:before_state;type:text"`
	AfterState    string `gorm:"column:after_state;type:text"`
	TraceID       string `gorm:"column:trace_id;type:varchar(64)"`
	CorrelationID string `gorm:"column:correlation_id;type:varchar(64);index"`
	OccurredAt    int64  `gorm:"column:occurred_at;index;not null"`
}

// TableName 指定表名
func (EntryPO) TableName() string {
	return "audit_entries"
}

// ToDomain 转换为领域对象
func (po *EntryPO) ToDomain() *audit.Entry {
	return &audit.Entry{
		ID:            po.EntryID,
		Action:        audit.Action(po.Action),
		Actor:         po.Actor,
		ResourceType:  po.ResourceType,
		ResourceID:    po.ResourceID,
		Operation:     po.Operation,
		Before:        po.BeforeState,
		After:         po.AfterState,
		TraceID:       po.TraceID,
		CorrelationID: po.CorrelationID,
		OccurredAt:    time.Unix(0, po.OccurredAt),
	}
}

// FromDomain 从领域对象转换
func (po *EntryPO) FromDomain(e *audit.Entry) {
	po.EntryID = e.ID
	po.Action = string(e.Action)
	po.Actor = e.Actor
	po.ResourceType = e.ResourceType
	po.ResourceID = e.ResourceID
	po.Operation = e.Operation
	po.BeforeState = e.Before
	po.AfterState = e.After
	po.TraceID = e.TraceID
	po.CorrelationID = e.CorrelationID
	po.OccurredAt = e.OccurredAt.UnixNano()
}

// Store 审计存储实现
type Store struct {
	db *gorm.DB
}

var _ audit.Store = (*Store)(nil)

// NewStore 创建并返回一个新的 Store 实例
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 创建审计表
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&EntryPO{})
}

// Save 实现 audit.Store
func (s *Store) Save(ctx context.Context, entries []*audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pos := make([]*EntryPO, len(entries))
	for i, e := range entries {
		po := &EntryPO{}
		po.FromDomain(e)
		pos[i] = po
	}
	if err := s.getDB(ctx).WithContext(ctx).Create(&pos).Error; err != nil {
		return fmt.Errorf("insert audit entries: %w", err)
	}
	return nil
}

// Query 实现 audit.Store
func (s *Store) Query(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	db := s.getDB(ctx).WithContext(ctx).Model(&EntryPO{})
	if q.ResourceType != "" {
		db = db.Where("resource_type = ?", q.ResourceType)
	}
	if q.ResourceID != "" {
		db = db.Where("resource_id = ?", q.ResourceID)
	}
	if q.Actor != "" {
		db = db.Where("actor = ?", q.Actor)
	}
	if q.Action != "" {
		db = db.Where("action = ?", string(q.Action))
	}
	if !q.Start.IsZero() {
		db = db.Where("occurred_at >= ?", q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		db = db.Where("occurred_at <= ?", q.End.UnixNano())
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	var pos []*EntryPO
	if err := db.Order("occurred_at ASC, id ASC").Find(&pos).Error; err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	out := make([]*audit.Entry, len(pos))
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
