// Package bus 提供异步消息总线抽象：进程内实现用于测试与单机部署，
// Kafka/Redis 实现用于跨进程投递。投递语义（至少一次/至多一次）由各实现决定。
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/wyfcoding/servicekit/internal/tracing"
	"github.com/wyfcoding/servicekit/pkg/idgen"
)

// ErrClosed 总线已关闭
var ErrClosed = errors.New("bus is closed")

// Message 总线消息信封。Headers 携带 trace 上下文，
// 由 Publish 注入、投递侧还原，保证跨服务的 span 父子关系。
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Sender    string            `json:"sender"`
	Payload   []byte            `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// NewMessage 构造消息并序列化负载，ID 与时间戳由 Publish 补齐
func NewMessage(msgType, sender string, payload any) (*Message, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message payload: %w", err)
	}
	return &Message{Type: msgType, Sender: sender, Payload: data}, nil
}

// Decode 反序列化负载
func (m *Message) Decode(v any) error {
	return sonic.Unmarshal(m.Payload, v)
}

// Clone 深拷贝消息
func (m *Message) Clone() *Message {
	out := *m
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// Handler 消息回调
type Handler func(ctx context.Context, msg *Message) error

// Unsubscribe 取消订阅
type Unsubscribe func()

// Bus 消息总线
type Bus interface {
	// Publish 向通道发布一条消息
	Publish(ctx context.Context, channel string, msg *Message) error
	// Subscribe 订阅通道，返回取消订阅函数
	Subscribe(channel string, handler Handler) (Unsubscribe, error)
	// Close 关闭总线并等待在途回调完成
	Close() error
}

// stamp 补齐消息标识、时间戳并注入 trace 上下文。
// 已有的 header 不被覆盖。
func stamp(ctx context.Context, msg *Message) {
	if msg.ID == "" {
		msg.ID = idgen.UUID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	carrier := tracing.InjectMap(ctx)
	if len(carrier) == 0 {
		return
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string, len(carrier))
	}
	for k, v := range carrier {
		if _, ok := msg.Headers[k]; !ok {
			msg.Headers[k] = v
		}
	}
}

// contextFor 从消息 header 还原 trace 上下文
func contextFor(ctx context.Context, msg *Message) context.Context {
	return tracing.ExtractMap(ctx, msg.Headers)
}

// invoke 执行回调，隔离 panic，错误只记日志
func invoke(ctx context.Context, logger *slog.Logger, channel string, h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "message handler panicked",
				"channel", channel, "message_id", msg.ID, "panic", r)
		}
	}()
	if err := h(ctx, msg); err != nil {
		logger.WarnContext(ctx, "message handler failed",
			"channel", channel, "message_id", msg.ID, "message_type", msg.Type, "error", err)
	}
}

// channelMatches 判断订阅模式是否命中通道。
// 支持精确匹配、全量 "*" 与前缀通配 "orders.*"。
func channelMatches(pattern, channel string) bool {
	if pattern == channel || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(channel, prefix+".")
	}
	return false
}
