package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
)

// KafkaOptions Kafka 总线配置
type KafkaOptions struct {
	// Broker 地址列表
	Brokers []string
	// 消费组 ID
	GroupID string
	// 主题前缀，完整主题为 "<prefix>.<channel>"
	TopicPrefix string
}

type kafkaSub struct {
	cancel context.CancelFunc
	reader *kafka.Reader
}

// KafkaBus Kafka 消息总线。共享一个 writer，按订阅创建消费组 reader，
// 投递为消费组语义的至少一次。分区键取消息 ID，不保证跨分区顺序。
type KafkaBus struct {
	opts   KafkaOptions
	logger *slog.Logger
	writer *kafka.Writer

	mu     sync.Mutex
	subs   map[int64]*kafkaSub
	seq    int64
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*KafkaBus)(nil)

// NewKafkaBus 创建 Kafka 总线
func NewKafkaBus(opts KafkaOptions, logger *slog.Logger) (*KafkaBus, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if opts.GroupID == "" {
		opts.GroupID = "servicekit"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "servicekit"
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
	}
	return &KafkaBus{
		opts:   opts,
		logger: logger,
		writer: writer,
		subs:   make(map[int64]*kafkaSub),
	}, nil
}

func (b *KafkaBus) topic(channel string) string {
	return b.opts.TopicPrefix + "." + channel
}

// Publish 发布消息，等待所有副本确认
func (b *KafkaBus) Publish(ctx context.Context, channel string, msg *Message) error {
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

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.topic(channel),
		Key:   []byte(msg.ID),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", b.topic(channel), err)
	}
	return nil
}

// Subscribe 以消费组成员身份订阅通道
func (b *KafkaBus) Subscribe(channel string, handler Handler) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.opts.Brokers,
		GroupID:        b.opts.GroupID,
		Topic:          b.topic(channel),
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})

	ctx, cancel := context.WithCancel(context.Background())
	b.seq++
	id := b.seq
	b.subs[id] = &kafkaSub{cancel: cancel, reader: reader}

	b.wg.Add(1)
	go b.consumeLoop(ctx, reader, channel, handler)

	return func() { b.remove(id) }, nil
}

func (b *KafkaBus) remove(id int64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	if err := sub.reader.Close(); err != nil {
		b.logger.Warn("failed to close kafka reader", "error", err)
	}
}

func (b *KafkaBus) consumeLoop(ctx context.Context, reader *kafka.Reader, channel string, handler Handler) {
	defer b.wg.Done()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			b.logger.ErrorContext(ctx, "failed to read kafka message",
				"topic", b.topic(channel), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var msg Message
		if err := sonic.Unmarshal(m.Value, &msg); err != nil {
			b.logger.ErrorContext(ctx, "failed to decode kafka message",
				"topic", m.Topic, "offset", m.Offset, "error", err)
			continue
		}
		invoke(contextFor(ctx, &msg), b.logger, channel, handler, &msg)
	}
}

// Close 取消全部订阅，关闭 writer 并等待消费循环退出
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int64]*kafkaSub)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.reader.Close()
	}
	err := b.writer.Close()
	b.wg.Wait()
	return err
}
