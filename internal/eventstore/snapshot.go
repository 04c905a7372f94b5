package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bytedance/sonic"
)

// Snapshot 聚合状态快照，重放时从快照版本续读事件
type Snapshot struct {
	AggregateID string    `json:"aggregate_id"`
	Version     int64     `json:"version"`
	State       []byte    `json:"state"`
	TakenAt     time.Time `json:"taken_at"`
}

// SnapshotStore 快照存储
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	// Load 返回最近一次快照，ok 为 false 表示尚无快照
	Load(ctx context.Context, aggregateID string) (snap Snapshot, ok bool, err error)
}

// CacheSnapshotStore 基于 bigcache 的快照存储。
// 快照只是重放加速器，过期淘汰后仓储自动退回全量重放。
type CacheSnapshotStore struct {
	cache *bigcache.BigCache
}

// NewCacheSnapshotStore 创建快照缓存，ttl 为快照保留时长
func NewCacheSnapshotStore(ctx context.Context, ttl time.Duration) (*CacheSnapshotStore, error) {
	cache, err := bigcache.New(ctx, bigcache.DefaultConfig(ttl))
	if err != nil {
		return nil, fmt.Errorf("init snapshot cache: %w", err)
	}
	return &CacheSnapshotStore{cache: cache}, nil
}

// Save 实现 SnapshotStore
func (s *CacheSnapshotStore) Save(_ context.Context, snap Snapshot) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.cache.Set(snap.AggregateID, data); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Load 实现 SnapshotStore
func (s *CacheSnapshotStore) Load(_ context.Context, aggregateID string) (Snapshot, bool, error) {
	data, err := s.cache.Get(aggregateID)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Close 释放缓存资源
func (s *CacheSnapshotStore) Close() error {
	return s.cache.Close()
}
