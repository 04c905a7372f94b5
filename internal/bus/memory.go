package bus

import (
	"context"
	"log/slog"
	"sync"
)

type memorySub struct {
	pattern string
	handler Handler
}

// MemoryBus 进程内消息总线。回调在发布方 goroutine 中同步执行，
// 每个订阅者拿到消息的独立副本。
type MemoryBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int64]memorySub
	seq    int64
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus 创建进程内总线
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{logger: logger, subs: make(map[int64]memorySub)}
}

// Publish 同步分发给所有命中的订阅者
func (b *MemoryBus) Publish(ctx context.Context, channel string, msg *Message) error {
	stamp(ctx, msg)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if channelMatches(sub.pattern, channel) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		clone := msg.Clone()
		invoke(contextFor(ctx, clone), b.logger, channel, h, clone)
	}
	return nil
}

// Subscribe 订阅通道，支持 "*" 与 "orders.*" 形式的模式
func (b *MemoryBus) Subscribe(channel string, handler Handler) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.seq++
	id := b.seq
	b.subs[id] = memorySub{pattern: channel, handler: handler}

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// Close 关闭总线，之后的发布与订阅返回 ErrClosed
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int64]memorySub)
	return nil
}
