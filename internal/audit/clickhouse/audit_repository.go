// Package clickhouse 审计存储的 ClickHouse 实现，面向大批量写入与分析查询
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/wyfcoding/servicekit/internal/audit"
)

// DDL 审计表结构，部署时执行
const DDL = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id             String,
    action         String,
    actor          String,
    resource_type  String,
    resource_id    String,
    operation      String,
    before_state   String,
    after_state    String,
    trace_id       String,
    correlation_id String,
    occurred_at    Int64
) ENGINE = MergeTree()
ORDER BY (resource_id, occurred_at)
`

// Store 审计存储实现
type Store struct {
	conn driver.Conn
}

var _ audit.Store = (*Store)(nil)

// NewStore 创建并返回一个新的 Store 实例
func NewStore(conn driver.Conn) *Store {
	return &Store{conn: conn}
}

// Save 实现 audit.Store，走批量写入
func (s *Store) Save(ctx context.Context, entries []*audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO audit_entries (id, action, actor, resource_type, resource_id, operation, before_state, after_state, trace_id, correlation_id, occurred_at)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range entries {
		err := batch.Append(
			e.ID,
			string(e.Action),
			e.Actor,
			e.ResourceType,
			e.ResourceID,
			e.Operation,
			e.Before,
			e.After,
			e.TraceID,
			e.CorrelationID,
			e.OccurredAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// Query 实现 audit.Store
func (s *Store) Query(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	query := `SELECT id, action, actor, resource_type, resource_id, operation, before_state, after_state, trace_id, correlation_id, occurred_at
	          FROM audit_entries WHERE 1 = 1`
	var args []any

	if q.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, q.ResourceType)
	}
	if q.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, q.ResourceID)
	}
	if q.Actor != "" {
		query += " AND actor = ?"
		args = append(args, q.Actor)
	}
	if q.Action != "" {
		query += " AND action = ?"
		args = append(args, string(q.Action))
	}
	if !q.Start.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		query += " AND occurred_at <= ?"
		args = append(args, q.End.UnixNano())
	}
	query += " ORDER BY occurred_at ASC, id ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var e audit.Entry
		var action string
		var occurredAt int64
		if err := rows.Scan(&e.ID, &action, &e.Actor, &e.ResourceType, &e.ResourceID, &e.Operation,
			&e.Before, &e.After, &e.TraceID, &e.CorrelationID, &occurredAt); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		e.OccurredAt = time.Unix(0, occurredAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
