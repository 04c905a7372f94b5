package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisBus Redis pub/sub 消息总线。无持久化，订阅者离线期间的消息丢失，
// 即至多一次投递。通道含 "*" 或 "?" 时走模式订阅。
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int64]*redis.PubSub
	seq    int64
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus 创建 Redis 总线，client 的生命周期由调用方管理
func NewRedisBus(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "servicekit"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger,
		subs:   make(map[int64]*redis.PubSub),
	}
}

func (b *RedisBus) topic(channel string) string {
	return b.prefix + "." + channel
}

// Publish 发布消息
func (b *RedisBus) Publish(ctx context.Context, channel string, msg *Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	stamp(ctx, msg)
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.topic(channel), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", b.topic(channel), err)
	}
	return nil
}

// Subscribe 订阅通道
func (b *RedisBus) Subscribe(channel string, handler Handler) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	name := b.topic(channel)
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?") {
		pubsub = b.client.PSubscribe(context.Background(), name)
	} else {
		pubsub = b.client.Subscribe(context.Background(), name)
	}

	b.seq++
	id := b.seq
	b.subs[id] = pubsub

	b.wg.Add(1)
	go b.consumeLoop(pubsub, channel, handler)

	return func() {
		b.mu.Lock()
		ps, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		if ok {
			_ = ps.Close()
		}
	}, nil
}

func (b *RedisBus) consumeLoop(pubsub *redis.PubSub, channel string, handler Handler) {
	defer b.wg.Done()
	for m := range pubsub.Channel() {
		var msg Message
		if err := sonic.Unmarshal([]byte(m.Payload), &msg); err != nil {
			b.logger.Error("failed to decode redis message",
				"channel", m.Channel, "error", err)
			continue
		}
		ctx := contextFor(context.Background(), &msg)
		invoke(ctx, b.logger, channel, handler, &msg)
	}
}

// Close 取消全部订阅并等待消费循环退出，注入的 client 不关闭
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int64]*redis.PubSub)
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()
	return nil
}
