package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// scriptedExecutor 按动作名编排失败次数的桩，-1 表示永远失败
type scriptedExecutor struct {
	mu       sync.Mutex
	failures map[string]int
	calls    []string
}

func newScriptedExecutor(failures map[string]int) *scriptedExecutor {
	if failures == nil {
		failures = map[string]int{}
	}
	return &scriptedExecutor{failures: failures}
}

func (e *scriptedExecutor) Execute(_ context.Context, req StepRequest) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req.Action)
	if n, ok := e.failures[req.Action]; ok {
		if n == -1 {
			return nil, fmt.Errorf("action %s rejected", req.Action)
		}
		if n > 0 {
			e.failures[req.Action] = n - 1
			return nil, fmt.Errorf("action %s temporarily failed", req.Action)
		}
	}
	return StepResult{"ack": req.Action}, nil
}

func (e *scriptedExecutor) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

func (e *scriptedExecutor) resetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *scriptedExecutor) countOf(action string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == action {
			n++
		}
	}
	return n
}

func fastOrchestrator(ex Executor, onTransition TransitionFunc) *Orchestrator {
	o := NewOrchestrator(Options{
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
		StepTimeout:   100 * time.Millisecond,
		OnTransition:  onTransition,
	}, slog.Default())
	if ex != nil {
		o.RegisterExecutor("order-service", ex)
		o.RegisterExecutor("payment-service", ex)
		o.RegisterExecutor("inventory-service", ex)
	}
	return o
}

func placeOrderDefinition() Definition {
	return Definition{
		Name: "place-order",
		Steps: []StepDefinition{
			{
				Name: "create-order", Service: "order-service",
				Action: "order.create", Compensation: "order.cancel",
				Payload: map[string]any{"order_id": "o-1", "amount": "99.50"},
			},
			{
				Name: "charge-payment", Service: "payment-service",
				Action: "payment.charge", Compensation: "payment.refund",
			},
			{
				Name: "reserve-inventory", Service: "inventory-service",
				Action: "inventory.reserve", Compensation: "inventory.release",
			},
		},
	}
}

func TestSagaCreate(t *testing.T) {
	Convey("创建 saga", t, func() {
		o := fastOrchestrator(newScriptedExecutor(nil), nil)
		ctx := context.Background()

		Convey("合法定义创建为 PENDING", func() {
			s, err := o.Create(ctx, placeOrderDefinition())
			So(err, ShouldBeNil)
			So(s.ID, ShouldNotBeEmpty)
			So(s.Status, ShouldEqual, StatusPending)
			So(s.Steps, ShouldHaveLength, 3)
			for _, st := range s.Steps {
				So(st.Status, ShouldEqual, StepPending)
			}
		})

		Convey("空步骤列表被拒绝", func() {
			_, err := o.Create(ctx, Definition{Name: "empty"})
			So(err, ShouldNotBeNil)
		})

		Convey("缺少动作名的步骤被拒绝", func() {
			_, err := o.Create(ctx, Definition{
				Name:  "broken",
				Steps: []StepDefinition{{Name: "s1", Service: "order-service"}},
			})
			So(err, ShouldNotBeNil)
		})

		Convey("查询不存在的 saga 返回 ErrSagaNotFound", func() {
			_, err := o.Get(ctx, "no-such-id")
			So(errors.Is(err, ErrSagaNotFound), ShouldBeTrue)
		})

		Convey("List 按状态过滤", func() {
			s1, _ := o.Create(ctx, placeOrderDefinition())
			_, _ = o.Create(ctx, placeOrderDefinition())
			_, err := o.Execute(ctx, s1.ID)
			So(err, ShouldBeNil)

			So(o.List(ctx, ""), ShouldHaveLength, 2)
			So(o.List(ctx, StatusPending), ShouldHaveLength, 1)
			So(o.List(ctx, StatusCompleted), ShouldHaveLength, 1)
		})
	})
}

func TestSagaExecute(t *testing.T) {
	Convey("执行 saga", t, func() {
		ctx := context.Background()

		Convey("全部步骤成功后转入 COMPLETED", func() {
			ex := newScriptedExecutor(nil)
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, placeOrderDefinition())

			result, err := o.Execute(ctx, s.ID)
			So(err, ShouldBeNil)
			So(result.Status, ShouldEqual, StatusCompleted)
			So(ex.callLog(), ShouldResemble, []string{"order.create", "payment.charge", "inventory.reserve"})
			for _, st := range result.Steps {
				So(st.Status, ShouldEqual, StepCompleted)
				So(st.Attempts, ShouldEqual, 1)
				So(st.Result, ShouldResemble, StepResult{"ack": st.Action})
			}

			// 结果随状态持久化，Get 返回同样内容
			got, err := o.Get(ctx, s.ID)
			So(err, ShouldBeNil)
			So(got.Steps[1].Result, ShouldResemble, StepResult{"ack": "payment.charge"})
		})

		Convey("步骤级重试预算覆盖默认值", func() {
			ex := newScriptedExecutor(map[string]int{
				"order.create":   2,
				"payment.charge": 4,
			})
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, Definition{
				Name: "mixed-budgets",
				Steps: []StepDefinition{
					{Name: "create-order", Service: "order-service", Action: "order.create"},
					{
						Name: "charge-payment", Service: "payment-service", Action: "payment.charge",
						MaxAttempts: 5, RetryDelay: time.Millisecond,
					},
				},
			})

			result, err := o.Execute(ctx, s.ID)
			So(err, ShouldBeNil)
			So(result.Status, ShouldEqual, StatusCompleted)
			// 未覆盖的步骤用编排器默认预算（3 次），覆盖的步骤用自己的
			So(result.Steps[0].Attempts, ShouldEqual, 3)
			So(result.Steps[1].Attempts, ShouldEqual, 5)
		})

		Convey("步骤预算小于默认值时提前耗尽", func() {
			ex := newScriptedExecutor(map[string]int{"order.create": -1})
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, Definition{
				Name: "tight-budget",
				Steps: []StepDefinition{
					{Name: "create-order", Service: "order-service", Action: "order.create", MaxAttempts: 1},
				},
			})

			result, err := o.Execute(ctx, s.ID)
			So(err, ShouldNotBeNil)
			So(result.Status, ShouldEqual, StatusFailed)
			So(result.Steps[0].Attempts, ShouldEqual, 1)
			So(ex.countOf("order.create"), ShouldEqual, 1)
		})

		Convey("瞬时失败按固定间隔重试", func() {
			ex := newScriptedExecutor(map[string]int{"payment.charge": 1})
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, placeOrderDefinition())

			result, err := o.Execute(ctx, s.ID)
			So(err, ShouldBeNil)
			So(result.Status, ShouldEqual, StatusCompleted)
			So(result.Steps[1].Attempts, ShouldEqual, 2)
		})

		Convey("重试耗尽后 saga 转入 FAILED 且后续步骤不执行", func() {
			ex := newScriptedExecutor(map[string]int{"payment.charge": -1})
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, placeOrderDefinition())

			result, err := o.Execute(ctx, s.ID)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "charge-payment")
			So(result.Status, ShouldEqual, StatusFailed)
			So(result.Error, ShouldNotBeEmpty)
			So(result.Steps[0].Status, ShouldEqual, StepCompleted)
			So(result.Steps[1].Status, ShouldEqual, StepFailed)
			So(result.Steps[1].Attempts, ShouldEqual, 3)
			So(result.Steps[2].Status, ShouldEqual, StepPending)
			So(ex.countOf("inventory.reserve"), ShouldEqual, 0)
		})

		Convey("终态 saga 不能再次执行", func() {
			ex := newScriptedExecutor(nil)
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, placeOrderDefinition())
			_, err := o.Execute(ctx, s.ID)
			So(err, ShouldBeNil)

			_, err = o.Execute(ctx, s.ID)
			So(errors.Is(err, ErrSagaTerminal), ShouldBeTrue)
		})

		Convey("未注册执行器的步骤直接失败", func() {
			o := NewOrchestrator(Options{MaxAttempts: 3, RetryInterval: time.Millisecond}, slog.Default())
			s, _ := o.Create(ctx, placeOrderDefinition())

			result, err := o.Execute(ctx, s.ID)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "no executor registered")
			So(result.Status, ShouldEqual, StatusFailed)
		})

		Convey("单步超时计入重试", func() {
			blocker := ExecutorFunc(func(ctx context.Context, _ StepRequest) (StepResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
			o := NewOrchestrator(Options{
				MaxAttempts: 2, RetryInterval: time.Millisecond, StepTimeout: 20 * time.Millisecond,
			}, slog.Default())
			o.RegisterExecutor("order-service", blocker)

			s, _ := o.Create(ctx, Definition{
				Name:  "slow",
				Steps: []StepDefinition{{Name: "hang", Service: "order-service", Action: "order.create"}},
			})
			result, err := o.Execute(ctx, s.ID)
			So(err, ShouldNotBeNil)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			So(result.Status, ShouldEqual, StatusFailed)
			So(result.Steps[0].Attempts, ShouldEqual, 2)
		})

		Convey("状态变更回调按序触发", func() {
			var mu sync.Mutex
			var transitions []string
			onTransition := func(_ context.Context, _ *Saga, from, to Status) {
				mu.Lock()
				transitions = append(transitions, string(from)+">"+string(to))
				mu.Unlock()
			}
			ex := newScriptedExecutor(nil)
			o := fastOrchestrator(ex, onTransition)
			s, _ := o.Create(ctx, placeOrderDefinition())
			_, err := o.Execute(ctx, s.ID)
			So(err, ShouldBeNil)

			mu.Lock()
			defer mu.Unlock()
			So(transitions, ShouldResemble, []string{"PENDING>RUNNING", "RUNNING>COMPLETED"})
		})
	})
}

func TestSagaCompensate(t *testing.T) {
	Convey("补偿 saga", t, func() {
		ctx := context.Background()

		Convey("只补偿已完成步骤且按逆序执行", func() {
			ex := newScriptedExecutor(map[string]int{"inventory.reserve": -1})
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, placeOrderDefinition())

			result, _ := o.Execute(ctx, s.ID)
			So(result.Status, ShouldEqual, StatusFailed)

			ex.resetCalls()
			result, err := o.Compensate(ctx, s.ID)
			So(err, ShouldBeNil)
			So(result.Status, ShouldEqual, StatusCompensated)
			// 逆序：先退款后取消订单，失败步骤的补偿不执行
			So(ex.callLog(), ShouldResemble, []string{"payment.refund", "order.cancel"})
			So(result.Steps[0].Status, ShouldEqual, StepCompensated)
			So(result.Steps[1].Status, ShouldEqual, StepCompensated)
			So(result.Steps[2].Status, ShouldEqual, StepFailed)
			// 正向结果保留，补偿结果另行记录
			So(result.Steps[0].Result, ShouldResemble, StepResult{"ack": "order.create"})
			So(result.Steps[0].CompensationResult, ShouldResemble, StepResult{"ack": "order.cancel"})
			So(result.Steps[1].CompensationResult, ShouldResemble, StepResult{"ack": "payment.refund"})
		})

		Convey("没有补偿动作的步骤被跳过", func() {
			def := placeOrderDefinition()
			def.Steps[1].Compensation = ""
			ex := newScriptedExecutor(map[string]int{"inventory.reserve": -1})
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, def)

			_, _ = o.Execute(ctx, s.ID)
			ex.resetCalls()
			result, err := o.Compensate(ctx, s.ID)
			So(err, ShouldBeNil)
			So(result.Status, ShouldEqual, StatusCompensated)
			So(ex.callLog(), ShouldResemble, []string{"order.cancel"})
			So(result.Steps[1].Status, ShouldEqual, StepSkipped)
		})

		Convey("补偿失败时 saga 停留在 COMPENSATING 并可重试", func() {
			ex := newScriptedExecutor(map[string]int{
				"inventory.reserve": -1,
				"order.cancel":      3,
			})
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, placeOrderDefinition())
			_, _ = o.Execute(ctx, s.ID)

			result, err := o.Compensate(ctx, s.ID)
			So(err, ShouldBeNil)
			So(result.Status, ShouldEqual, StatusCompensating)
			So(result.Steps[0].Status, ShouldEqual, StepCompensationFailed)
			So(result.Steps[0].CompensationError, ShouldNotBeEmpty)
			So(result.Steps[1].Status, ShouldEqual, StepCompensated)

			// 故障消除后重试补偿，只重跑失败的动作
			ex.resetCalls()
			result, err = o.Compensate(ctx, s.ID)
			So(err, ShouldBeNil)
			So(result.Status, ShouldEqual, StatusCompensated)
			So(result.Steps[0].Status, ShouldEqual, StepCompensated)
			So(ex.callLog(), ShouldResemble, []string{"order.cancel"})
		})

		Convey("未执行过的 saga 无可补偿内容", func() {
			o := fastOrchestrator(newScriptedExecutor(nil), nil)
			s, _ := o.Create(ctx, placeOrderDefinition())
			_, err := o.Compensate(ctx, s.ID)
			So(errors.Is(err, ErrSagaNotStarted), ShouldBeTrue)
		})

		Convey("COMPLETED 的 saga 不能补偿", func() {
			ex := newScriptedExecutor(nil)
			o := fastOrchestrator(ex, nil)
			s, _ := o.Create(ctx, placeOrderDefinition())
			_, err := o.Execute(ctx, s.ID)
			So(err, ShouldBeNil)

			_, err = o.Compensate(ctx, s.ID)
			So(errors.Is(err, ErrSagaTerminal), ShouldBeTrue)
		})
	})
}
