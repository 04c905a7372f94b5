package tracing

import (
	"context"
	"sort"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// SpanRecord 进程内保存的 span 快照
type SpanRecord struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`
	ServiceName   string            `json:"service_name"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	StatusCode    string            `json:"status_code"`
	StatusMessage string            `json:"status_message,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Duration span 耗时
func (r SpanRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// SpanNode 追踪树节点，Children 按开始时间排序
type SpanNode struct {
	SpanRecord
	Children []*SpanNode `json:"children,omitempty"`
}

// Collector 进程内 span 收集器，实现 sdktrace.SpanExporter。
// 同步导出模式下 span.End() 即写入，查询端无需等待刷新。
type Collector struct {
	mu      sync.RWMutex
	records []SpanRecord
	stopped bool
}

// NewCollector 创建收集器
func NewCollector() *Collector {
	return &Collector{}
}

// ExportSpans 实现 sdktrace.SpanExporter
func (c *Collector) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	for _, s := range spans {
		c.records = append(c.records, toRecord(s))
	}
	return nil
}

// Shutdown 实现 sdktrace.SpanExporter，停止接收后保留已有记录
func (c *Collector) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

// Spans 返回全部记录的副本
func (c *Collector) Spans() []SpanRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SpanRecord, len(c.records))
	copy(out, c.records)
	return out
}

// SpansForTrace 返回指定 trace 的全部 span，按开始时间排序
func (c *Collector) SpansForTrace(traceID string) []SpanRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []SpanRecord
	for _, r := range c.records {
		if r.TraceID == traceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// TraceTree 按父子关系重建追踪树。
// 父 span 不在本进程（远端发起或尚未结束）的 span 作为根返回。
func (c *Collector) TraceTree(traceID string) []*SpanNode {
	records := c.SpansForTrace(traceID)
	nodes := make(map[string]*SpanNode, len(records))
	for _, r := range records {
		nodes[r.SpanID] = &SpanNode{SpanRecord: r}
	}

	var roots []*SpanNode
	for _, r := range records {
		node := nodes[r.SpanID]
		if parent, ok := nodes[r.ParentSpanID]; ok && r.ParentSpanID != "" {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

// Reset 清空已收集的记录
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
}

func toRecord(s sdktrace.ReadOnlySpan) SpanRecord {
	sc := s.SpanContext()
	rec := SpanRecord{
		TraceID:       sc.TraceID().String(),
		SpanID:        sc.SpanID().String(),
		Name:          s.Name(),
		Kind:          s.SpanKind().String(),
		StartTime:     s.StartTime(),
		EndTime:       s.EndTime(),
		StatusCode:    s.Status().Code.String(),
		StatusMessage: s.Status().Description,
	}
	if s.Parent().IsValid() {
		rec.ParentSpanID = s.Parent().SpanID().String()
	}
	if attrs := s.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = kv.Value.Emit()
		}
	}
	if res := s.Resource(); res != nil {
		for _, kv := range res.Attributes() {
			if kv.Key == semconv.ServiceNameKey {
				rec.ServiceName = kv.Value.AsString()
				break
			}
		}
	}
	return rec
}
