package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/wyfcoding/servicekit/pkg/contextx"
)

func TestTrailRecord(t *testing.T) {
	Convey("记录审计", t, func() {
		ctx := context.Background()
		store := NewMemoryStore()
		trail := NewTrail(store, nil)

		Convey("访问记录补齐标识与时间", func() {
			entry, err := trail.RecordAccess(ctx, "order-service", "order", "o-1", "GET /orders/o-1")
			So(err, ShouldBeNil)
			So(entry.ID, ShouldNotBeEmpty)
			So(entry.Action, ShouldEqual, ActionAccess)
			So(entry.OccurredAt.IsZero(), ShouldBeFalse)

			got, err := trail.TrailOf(ctx, "o-1")
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 1)
			So(got[0].Operation, ShouldEqual, "GET /orders/o-1")
		})

		Convey("变更记录留存前后状态", func() {
			type orderState struct {
				Status string `json:"status"`
			}
			entry, err := trail.RecordChange(ctx, "saga-orchestrator", "order", "o-1", "order.cancel",
				orderState{Status: "CONFIRMED"}, orderState{Status: "CANCELLED"})
			So(err, ShouldBeNil)
			So(entry.Action, ShouldEqual, ActionChange)
			So(entry.Before, ShouldEqual, `{"status":"CONFIRMED"}`)
			So(entry.After, ShouldEqual, `{"status":"CANCELLED"}`)
		})

		Convey("上下文中的关联标识写入记录", func() {
			ctx := contextx.WithCorrelationID(ctx, "corr-7")
			entry, err := trail.RecordAccess(ctx, "order-service", "order", "o-2", "read")
			So(err, ShouldBeNil)
			So(entry.CorrelationID, ShouldEqual, "corr-7")
		})
	})
}

func TestTrailQuery(t *testing.T) {
	Convey("查询审计轨迹", t, func() {
		ctx := context.Background()
		store := NewMemoryStore()
		trail := NewTrail(store, nil)

		base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		times := []time.Time{base.Add(2 * time.Minute), base, base.Add(time.Minute)}
		idx := 0
		trail.now = func() time.Time {
			ts := times[idx%len(times)]
			idx++
			return ts
		}

		_, _ = trail.RecordAccess(ctx, "svc-a", "order", "o-1", "third")
		_, _ = trail.RecordChange(ctx, "svc-b", "order", "o-1", "first", nil, nil)
		_, _ = trail.RecordAccess(ctx, "svc-a", "order", "o-1", "second")

		Convey("资源轨迹按发生时间升序", func() {
			got, err := trail.TrailOf(ctx, "o-1")
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 3)
			So(got[0].Operation, ShouldEqual, "first")
			So(got[1].Operation, ShouldEqual, "second")
			So(got[2].Operation, ShouldEqual, "third")
		})

		Convey("按操作者与动作过滤", func() {
			got, err := trail.Find(ctx, Query{Actor: "svc-a"})
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 2)

			got, err = trail.Find(ctx, Query{Action: ActionChange})
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 1)
			So(got[0].Actor, ShouldEqual, "svc-b")
		})

		Convey("按时间窗与条数过滤", func() {
			got, err := trail.Find(ctx, Query{Start: base, End: base.Add(time.Minute)})
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 2)

			got, err = trail.Find(ctx, Query{ResourceID: "o-1", Limit: 1})
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 1)
			So(got[0].Operation, ShouldEqual, "first")
		})
	})
}

// failingStore 可切换失败的桩存储
type failingStore struct {
	mu    sync.Mutex
	fail  bool
	saved []*Entry
}

func (s *failingStore) Save(_ context.Context, entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("backend unavailable")
	}
	s.saved = append(s.saved, entries...)
	return nil
}

func (s *failingStore) Query(_ context.Context, _ Query) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.saved))
	copy(out, s.saved)
	return out, nil
}

func (s *failingStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestBufferedStore(t *testing.T) {
	Convey("缓冲审计存储", t, func() {
		ctx := context.Background()

		Convey("达到批量阈值立即刷新", func() {
			backend := &failingStore{}
			buf := NewBufferedStore(backend, 2, time.Hour, nil)
			defer buf.Close()

			So(buf.Save(ctx, []*Entry{{ID: "1"}}), ShouldBeNil)
			So(backend.savedCount(), ShouldEqual, 0)

			So(buf.Save(ctx, []*Entry{{ID: "2"}}), ShouldBeNil)
			So(backend.savedCount(), ShouldEqual, 2)
		})

		Convey("后台循环按间隔刷新", func() {
			backend := &failingStore{}
			buf := NewBufferedStore(backend, 100, 20*time.Millisecond, nil)
			defer buf.Close()

			So(buf.Save(ctx, []*Entry{{ID: "1"}}), ShouldBeNil)
			deadline := time.Now().Add(time.Second)
			for backend.savedCount() == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			So(backend.savedCount(), ShouldEqual, 1)
		})

		Convey("查询前先刷新缓冲", func() {
			backend := &failingStore{}
			buf := NewBufferedStore(backend, 100, time.Hour, nil)
			defer buf.Close()

			So(buf.Save(ctx, []*Entry{{ID: "1"}}), ShouldBeNil)
			got, err := buf.Query(ctx, Query{})
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 1)
		})

		Convey("刷新失败的记录保留待重试", func() {
			backend := &failingStore{fail: true}
			buf := NewBufferedStore(backend, 2, time.Hour, nil)
			defer buf.Close()

			So(buf.Save(ctx, []*Entry{{ID: "1"}}), ShouldBeNil)
			err := buf.Save(ctx, []*Entry{{ID: "2"}})
			So(err, ShouldNotBeNil)
			So(backend.savedCount(), ShouldEqual, 0)

			backend.mu.Lock()
			backend.fail = false
			backend.mu.Unlock()
			So(buf.Flush(ctx), ShouldBeNil)
			So(backend.savedCount(), ShouldEqual, 2)
		})

		Convey("关闭时落库剩余缓冲", func() {
			backend := &failingStore{}
			buf := NewBufferedStore(backend, 100, time.Hour, nil)
			So(buf.Save(ctx, []*Entry{{ID: "1"}}), ShouldBeNil)
			So(buf.Close(), ShouldBeNil)
			So(backend.savedCount(), ShouldEqual, 1)
		})
	})
}
