package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-dev/courier/agent"
	"github.com/courier-dev/courier/middleware"
	"github.com/courier-dev/courier/routing"
)

func catchAllRouter(t *testing.T, target string) *routing.Router {
	t.Helper()
	r := routing.NewRouter(nil)
	require.NoError(t, r.AddRule(routing.Rule{ID: "catch-all", Name: "catch-all", Target: target}))
	return r
}

func okAgent(name string, maxConcurrent int, calls *atomic.Int64) *agent.FuncAgent {
	return agent.NewFuncAgent(name, name, nil, maxConcurrent, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return agent.OK("handled " + msg.Subject), nil
	})
}

func TestDispatcher(t *testing.T) {
	t.Run("routes and executes", func(t *testing.T) {
		reg := agent.NewRegistry()
		var calls atomic.Int64
		require.NoError(t, reg.Register(okAgent("worker", 2, &calls)))

		d := New(reg, catchAllRouter(t, "worker"), nil)
		res := d.Dispatch(context.Background(), agent.NewMessage("api", "job", "payload"))

		require.True(t, res.Success)
		assert.True(t, res.Executed)
		assert.Equal(t, "handled job", res.Response)
		assert.Equal(t, "worker", res.Data["agent"])
		assert.Equal(t, "catch-all", res.Data["rule"])
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("unroutable fires notification exactly once", func(t *testing.T) {
		reg := agent.NewRegistry()
		require.NoError(t, reg.Register(okAgent("worker", 1, nil)))

		router := routing.NewRouter(nil)
		require.NoError(t, router.AddRule(routing.Rule{
			ID: "orders-only", Name: "orders-only", Target: "worker",
			When: func(rctx *routing.Context) bool { return rctx.Category == "orders" },
		}))

		var notified atomic.Int64
		d := New(reg, router, nil, OnUnroutable(func(msg *agent.Message, reason string) {
			notified.Add(1)
		}))

		res := d.Dispatch(context.Background(), agent.NewMessage("api", "job", "x").WithCategory("billing"))
		require.False(t, res.Success)
		assert.Equal(t, agent.FailUnroutable, res.Kind)
		assert.False(t, res.Executed)
		assert.Equal(t, int64(1), notified.Load())
		assert.Equal(t, uint64(1), d.Metrics().Snapshot().Unroutable)
	})

	t.Run("capacity exceeded does not fire unroutable notification", func(t *testing.T) {
		reg := agent.NewRegistry()

		entered := make(chan struct{})
		release := make(chan struct{})
		slow := agent.NewFuncAgent("worker", "worker", nil, 1, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
			close(entered)
			<-release
			return agent.OK("slow done"), nil
		})
		require.NoError(t, reg.Register(slow))

		var unroutable, overCap atomic.Int64
		d := New(reg, catchAllRouter(t, "worker"), nil,
			OnUnroutable(func(msg *agent.Message, reason string) { unroutable.Add(1) }),
			OnOverCapacity(func(msg *agent.Message, name string) { overCap.Add(1) }),
		)

		done := make(chan *agent.Result, 1)
		go func() { done <- d.Dispatch(context.Background(), agent.NewMessage("api", "first", "x")) }()
		<-entered

		res := d.Dispatch(context.Background(), agent.NewMessage("api", "second", "x"))
		assert.Equal(t, agent.FailCapacityExceeded, res.Kind)
		assert.Equal(t, int64(0), unroutable.Load())
		assert.Equal(t, int64(1), overCap.Load())

		close(release)
		first := <-done
		require.True(t, first.Success)
		assert.Equal(t, 0, reg.InFlight("worker"))
	})

	t.Run("unregistered target surfaces as unroutable", func(t *testing.T) {
		reg := agent.NewRegistry()
		var notified atomic.Int64
		d := New(reg, catchAllRouter(t, "ghost"), nil,
			OnUnroutable(func(msg *agent.Message, reason string) { notified.Add(1) }))

		res := d.Dispatch(context.Background(), agent.NewMessage("api", "job", "x"))
		assert.Equal(t, agent.FailUnroutable, res.Kind)
		assert.Equal(t, int64(1), notified.Load())
	})

	t.Run("handler panic becomes handler failure", func(t *testing.T) {
		reg := agent.NewRegistry()
		panicky := agent.NewFuncAgent("worker", "worker", nil, 1, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
			panic("handler exploded")
		})
		require.NoError(t, reg.Register(panicky))

		d := New(reg, catchAllRouter(t, "worker"), nil)
		res := d.Dispatch(context.Background(), agent.NewMessage("api", "job", "x"))

		require.False(t, res.Success)
		assert.Equal(t, agent.FailHandler, res.Kind)
		assert.Equal(t, 0, reg.InFlight("worker"), "slot must be released after panic")
	})

	t.Run("handler error becomes handler failure and releases slot", func(t *testing.T) {
		reg := agent.NewRegistry()
		failing := agent.NewFuncAgent("worker", "worker", nil, 1, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
			return nil, errors.New("downstream timeout")
		})
		require.NoError(t, reg.Register(failing))

		d := New(reg, catchAllRouter(t, "worker"), nil)
		res := d.Dispatch(context.Background(), agent.NewMessage("api", "job", "x"))

		assert.Equal(t, agent.FailHandler, res.Kind)
		assert.Equal(t, 0, reg.InFlight("worker"))

		// Agent is usable again after the failure.
		if ok, _ := reg.Acquire("worker"); !ok {
			t.Error("expected slot to be available")
		}
		reg.Release("worker")
	})

	t.Run("explicit receiver bypasses rules", func(t *testing.T) {
		reg := agent.NewRegistry()
		var calls atomic.Int64
		require.NoError(t, reg.Register(okAgent("direct", 1, &calls)))

		d := New(reg, routing.NewRouter(nil), nil)
		res := d.Dispatch(context.Background(), agent.NewMessage("api", "job", "x").WithReceiver("direct"))

		require.True(t, res.Success)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("canceled context yields canceled result", func(t *testing.T) {
		reg := agent.NewRegistry()
		require.NoError(t, reg.Register(okAgent("worker", 1, nil)))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		d := New(reg, catchAllRouter(t, "worker"), nil)
		res := d.Dispatch(ctx, agent.NewMessage("api", "job", "x"))
		assert.Equal(t, agent.FailCanceled, res.Kind)
	})
}

func TestDispatcherFollowUps(t *testing.T) {
	t.Run("follow-ups are re-dispatched", func(t *testing.T) {
		reg := agent.NewRegistry()

		var secondCalls atomic.Int64
		first := agent.NewFuncAgent("first", "first", nil, 1, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
			fu := agent.NewMessage("first", "continuation", "next step").WithReceiver("second")
			return agent.OK("step one").WithFollowUp(fu), nil
		})
		require.NoError(t, reg.Register(first))
		require.NoError(t, reg.Register(okAgent("second", 1, &secondCalls)))

		d := New(reg, routing.NewRouter(nil), nil)
		res := d.Dispatch(context.Background(), agent.NewMessage("api", "start", "x").WithReceiver("first"))

		require.True(t, res.Success)
		assert.Equal(t, int64(1), secondCalls.Load())
	})

	t.Run("depth bound stops runaway chains", func(t *testing.T) {
		reg := agent.NewRegistry()

		var calls atomic.Int64
		looper := agent.NewFuncAgent("loop", "loop", nil, 1, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
			calls.Add(1)
			fu := agent.NewMessage("loop", "again", "x").WithReceiver("loop")
			return agent.OK("looping").WithFollowUp(fu), nil
		})
		require.NoError(t, reg.Register(looper))

		d := New(reg, routing.NewRouter(nil), nil, WithFollowUpDepth(3))
		d.Dispatch(context.Background(), agent.NewMessage("api", "start", "x").WithReceiver("loop"))

		assert.Equal(t, int64(4), calls.Load(), "initial call plus three follow-up levels")
	})
}

func TestDispatcherWithPipeline(t *testing.T) {
	t.Run("full resilience chain", func(t *testing.T) {
		reg := agent.NewRegistry()
		var calls atomic.Int64
		require.NoError(t, reg.Register(okAgent("worker", 4, &calls)))

		pipe := middleware.NewPipeline(
			middleware.NewValidator(),
			middleware.NewRateLimiter(100, time.Minute),
			middleware.NewCache(middleware.NewMemoryStore(time.Minute, 100)),
			middleware.NewCircuitBreaker(3, time.Minute),
			middleware.NewRetry(2, time.Millisecond),
		)

		d := New(reg, catchAllRouter(t, "worker"), pipe)

		msg := func() *agent.Message {
			return agent.NewMessage("api", "job", "payload")
		}

		first := d.Dispatch(context.Background(), msg())
		require.True(t, first.Success)
		assert.True(t, first.Executed)

		// Identical message is served from cache without re-execution,
		// behaviorally identical but marked for diagnostics.
		second := d.Dispatch(context.Background(), msg())
		require.True(t, second.Success)
		assert.Equal(t, "hit", second.Data["cache"])
		assert.Equal(t, first.Response, second.Response)
		assert.Equal(t, int64(1), calls.Load())

		// Invalid message never reaches routing.
		invalid := d.Dispatch(context.Background(), &agent.Message{Sender: "api"})
		assert.Equal(t, agent.FailValidation, invalid.Kind)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("capacity rejection passes through retry unchanged", func(t *testing.T) {
		reg := agent.NewRegistry()

		entered := make(chan struct{})
		release := make(chan struct{})
		slow := agent.NewFuncAgent("worker", "worker", nil, 1, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
			close(entered)
			<-release
			return agent.OK("slow done"), nil
		})
		require.NoError(t, reg.Register(slow))

		var overCap atomic.Int64
		pipe := middleware.NewPipeline(middleware.NewRetry(3, time.Millisecond))
		d := New(reg, catchAllRouter(t, "worker"), pipe,
			OnOverCapacity(func(msg *agent.Message, name string) { overCap.Add(1) }))

		done := make(chan *agent.Result, 1)
		go func() { done <- d.Dispatch(context.Background(), agent.NewMessage("api", "first", "x")) }()
		<-entered

		res := d.Dispatch(context.Background(), agent.NewMessage("api", "second", "x"))
		assert.Equal(t, agent.FailCapacityExceeded, res.Kind)
		assert.Equal(t, int64(1), overCap.Load(), "rejection must not be re-attempted")

		close(release)
		require.True(t, (<-done).Success)
	})

	t.Run("retry recovers transient handler failures", func(t *testing.T) {
		reg := agent.NewRegistry()
		var attempts atomic.Int64
		flaky := agent.NewFuncAgent("worker", "worker", nil, 1, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return agent.OK("recovered"), nil
		})
		require.NoError(t, reg.Register(flaky))

		pipe := middleware.NewPipeline(middleware.NewRetry(3, time.Millisecond))
		d := New(reg, catchAllRouter(t, "worker"), pipe)

		res := d.Dispatch(context.Background(), agent.NewMessage("api", "job", "x"))
		require.True(t, res.Success)
		assert.Equal(t, int64(3), attempts.Load())
		assert.Equal(t, 0, reg.InFlight("worker"))
	})
}

func TestDispatchBatch(t *testing.T) {
	reg := agent.NewRegistry()
	var calls atomic.Int64
	require.NoError(t, reg.Register(okAgent("worker", 8, &calls)))

	d := New(reg, catchAllRouter(t, "worker"), nil)

	msgs := make([]*agent.Message, 20)
	for i := range msgs {
		msgs[i] = agent.NewMessage("api", "job", "x")
	}

	results := d.DispatchBatch(context.Background(), msgs)
	require.Len(t, results, 20)
	for i, res := range results {
		require.NotNil(t, res, "result %d", i)
		assert.True(t, res.Success, "result %d: %v", i, res)
	}
	assert.Equal(t, int64(20), calls.Load())
	assert.Equal(t, 0, reg.InFlight("worker"))
}

func TestDispatcherCapacityProperty(t *testing.T) {
	const capacity = 3
	const callers = 60

	reg := agent.NewRegistry()
	var inFlight, maxObserved atomic.Int64
	worker := agent.NewFuncAgent("worker", "worker", nil, capacity, func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxObserved.Load()
			if cur <= prev || maxObserved.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return agent.OK("done"), nil
	})
	require.NoError(t, reg.Register(worker))

	d := New(reg, catchAllRouter(t, "worker"), nil)

	var wg sync.WaitGroup
	var accepted, rejected atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.Dispatch(context.Background(), agent.NewMessage("api", "job", "x"))
			if res.Success {
				accepted.Add(1)
			} else if res.Kind == agent.FailCapacityExceeded {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxObserved.Load(), int64(capacity))
	assert.Equal(t, int64(callers), accepted.Load()+rejected.Load())
	assert.Equal(t, 0, reg.InFlight("worker"), "counter must drain to zero")
}
