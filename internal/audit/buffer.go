package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BufferedStore 把写入攒批后刷给底层存储，减少高频审计的落库次数。
// 达到批量阈值立即刷新，否则由后台循环按固定间隔刷新；
// 查询前先刷新保证读到自己的写入。
type BufferedStore struct {
	backend   Store
	logger    *slog.Logger
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending []*Entry

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewBufferedStore 创建带缓冲的审计存储并启动刷新循环
func NewBufferedStore(backend Store, batchSize int, interval time.Duration, logger *slog.Logger) *BufferedStore {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &BufferedStore{
		backend:   backend,
		logger:    logger,
		batchSize: batchSize,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Save 实现 Store，写入只进缓冲，满批立即刷新
func (b *BufferedStore) Save(ctx context.Context, entries []*Entry) error {
	b.mu.Lock()
	for _, e := range entries {
		cp := *e
		b.pending = append(b.pending, &cp)
	}
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Query 实现 Store
func (b *BufferedStore) Query(ctx context.Context, q Query) ([]*Entry, error) {
	if err := b.Flush(ctx); err != nil {
		return nil, err
	}
	return b.backend.Query(ctx, q)
}

// Flush 把缓冲内容写入底层存储，失败时放回缓冲等待下次刷新
func (b *BufferedStore) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := b.backend.Save(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		b.logger.ErrorContext(ctx, "audit flush failed", "entries", len(batch), "error", err)
		return fmt.Errorf("flush audit buffer: %w", err)
	}
	return nil
}

// Close 停止刷新循环并把剩余缓冲落库
func (b *BufferedStore) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
		err = b.Flush(context.Background())
	})
	return err
}

func (b *BufferedStore) flushLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			_ = b.Flush(context.Background())
		}
	}
}
