package eventstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 进程内事件存储，单测与单机部署使用
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]*DomainEvent
}

// NewMemoryStore 创建内存事件存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]*DomainEvent)}
}

// Append 实现 Store
func (s *MemoryStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*DomainEvent) error {
	if len(events) == 0 {
		return ErrNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	current := int64(len(stream))
	if current != expectedVersion {
		return &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}

	StampEvents(ctx, aggregateID, expectedVersion, events, time.Now())
	for _, ev := range events {
		stream = append(stream, ev.Clone())
	}
	s.streams[aggregateID] = stream
	return nil
}

// Load 实现 Store
func (s *MemoryStore) Load(_ context.Context, aggregateID string, afterVersion int64) ([]*DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	var out []*DomainEvent
	for _, ev := range stream {
		if ev.Version > afterVersion {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

// CurrentVersion 聚合当前版本，不存在时为 0
func (s *MemoryStore) CurrentVersion(aggregateID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[aggregateID]))
}
