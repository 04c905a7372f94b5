package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Aggregate 事件溯源聚合。业务方法构造事件后先 Apply 再 Record，
// 仓储 Save 把未提交事件以当前版本为前提追加到存储。
type Aggregate interface {
	AggregateID() string
	CurrentVersion() int64
	SetCurrentVersion(v int64)
	Pending() []*DomainEvent
	ClearPending()
	// Apply 把事件作用到聚合状态，重放与新事件走同一路径
	Apply(ev *DomainEvent) error
	// SnapshotState 序列化当前状态
	SnapshotState() ([]byte, error)
	// RestoreState 从快照状态恢复
	RestoreState(state []byte) error
}

// BaseAggregate 版本与未提交事件的簿记，嵌入具体聚合使用
type BaseAggregate struct {
	ID      string
	Version int64
	pending []*DomainEvent
}

// AggregateID 实现 Aggregate
func (a *BaseAggregate) AggregateID() string { return a.ID }

// CurrentVersion 实现 Aggregate
func (a *BaseAggregate) CurrentVersion() int64 { return a.Version }

// SetCurrentVersion 实现 Aggregate
func (a *BaseAggregate) SetCurrentVersion(v int64) { a.Version = v }

// Record 登记未提交事件
func (a *BaseAggregate) Record(ev *DomainEvent) {
	a.pending = append(a.pending, ev)
}

// Pending 实现 Aggregate
func (a *BaseAggregate) Pending() []*DomainEvent { return a.pending }

// ClearPending 实现 Aggregate
func (a *BaseAggregate) ClearPending() { a.pending = nil }

// Repository 事件溯源仓储：快照 + 增量事件重放恢复聚合，
// 保存时按乐观并发追加并按阈值刷新快照。
type Repository struct {
	store         Store
	snapshots     SnapshotStore
	snapshotEvery int64
	logger        *slog.Logger
	now           func() time.Time
}

// NewRepository 创建仓储。snapshots 可为 nil；snapshotEvery 为
// 每多少个事件刷新一次快照，0 表示关闭快照。
func NewRepository(store Store, snapshots SnapshotStore, snapshotEvery int64, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:         store,
		snapshots:     snapshots,
		snapshotEvery: snapshotEvery,
		logger:        logger,
		now:           time.Now,
	}
}

// Load 恢复聚合状态：先用快照，再重放其后的事件
func (r *Repository) Load(ctx context.Context, agg Aggregate) error {
	var from int64
	if r.snapshots != nil {
		snap, ok, err := r.snapshots.Load(ctx, agg.AggregateID())
		if err != nil {
			// 快照不可用退回全量重放
			r.logger.WarnContext(ctx, "snapshot load failed, replaying from scratch",
				"aggregate_id", agg.AggregateID(), "error", err)
		} else if ok {
			if err := agg.RestoreState(snap.State); err != nil {
				return fmt.Errorf("restore snapshot of %s: %w", agg.AggregateID(), err)
			}
			agg.SetCurrentVersion(snap.Version)
			from = snap.Version
		}
	}

	events, err := r.store.Load(ctx, agg.AggregateID(), from)
	if err != nil {
		return fmt.Errorf("load events of %s: %w", agg.AggregateID(), err)
	}
	for _, ev := range events {
		if err := agg.Apply(ev); err != nil {
			return fmt.Errorf("apply event %s v%d: %w", ev.Type, ev.Version, err)
		}
	}
	if len(events) > 0 {
		agg.SetCurrentVersion(events[len(events)-1].Version)
	}
	return nil
}

// Save 把未提交事件以 CurrentVersion 为期望版本追加。
// 版本冲突原样返回 *ConflictError，调用方重新加载后重试。
func (r *Repository) Save(ctx context.Context, agg Aggregate) error {
	pending := agg.Pending()
	if len(pending) == 0 {
		return nil
	}

	expected := agg.CurrentVersion()
	if err := r.store.Append(ctx, agg.AggregateID(), expected, pending); err != nil {
		return err
	}

	newVersion := expected + int64(len(pending))
	agg.SetCurrentVersion(newVersion)
	agg.ClearPending()

	if r.snapshots != nil && r.snapshotEvery > 0 && newVersion/r.snapshotEvery > expected/r.snapshotEvery {
		r.takeSnapshot(ctx, agg, newVersion)
	}
	return nil
}

func (r *Repository) takeSnapshot(ctx context.Context, agg Aggregate, version int64) {
	state, err := agg.SnapshotState()
	if err != nil {
		r.logger.WarnContext(ctx, "snapshot state failed",
			"aggregate_id", agg.AggregateID(), "error", err)
		return
	}
	snap := Snapshot{
		AggregateID: agg.AggregateID(),
		Version:     version,
		State:       state,
		TakenAt:     r.now(),
	}
	if err := r.snapshots.Save(ctx, snap); err != nil {
		r.logger.WarnContext(ctx, "snapshot save failed",
			"aggregate_id", agg.AggregateID(), "error", err)
	}
}
