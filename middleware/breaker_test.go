package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-dev/courier/agent"
)

func failingHandler(calls *atomic.Int64) Handler {
	return func(ctx context.Context, msg *agent.Message) *agent.Result {
		calls.Add(1)
		return agent.Failure(agent.FailHandler, "downstream broken")
	}
}

func TestCircuitBreaker(t *testing.T) {
	msg := agent.NewMessage("api", "s", "c")

	t.Run("opens after threshold failures", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		cb := NewCircuitBreaker(2, 30*time.Second)
		cb.now = func() time.Time { return clock }

		var calls atomic.Int64
		next := failingHandler(&calls)

		cb.Handle(context.Background(), msg, next)
		cb.Handle(context.Background(), msg, next)
		require.Equal(t, BreakerOpen, cb.State())

		// Third call rejected without touching the handler.
		res := cb.Handle(context.Background(), msg, next)
		assert.Equal(t, agent.FailCircuitOpen, res.Kind)
		assert.Equal(t, int64(2), calls.Load())

		// After the reset timeout the next call runs as a trial; on
		// success the circuit closes and traffic flows again.
		clock = clock.Add(31 * time.Second)
		var ok atomic.Int64
		res = cb.Handle(context.Background(), msg, countingTerminal(&ok))
		require.True(t, res.Success)
		assert.Equal(t, BreakerClosed, cb.State())

		res = cb.Handle(context.Background(), msg, countingTerminal(&ok))
		require.True(t, res.Success)
		assert.Equal(t, int64(2), ok.Load())
	})

	t.Run("failed trial reopens and restarts timeout", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		cb := NewCircuitBreaker(1, 30*time.Second)
		cb.now = func() time.Time { return clock }

		var calls atomic.Int64
		next := failingHandler(&calls)

		cb.Handle(context.Background(), msg, next)
		require.Equal(t, BreakerOpen, cb.State())

		clock = clock.Add(31 * time.Second)
		cb.Handle(context.Background(), msg, next) // trial fails
		require.Equal(t, BreakerOpen, cb.State())

		// Timeout restarted: still rejected shortly after.
		clock = clock.Add(10 * time.Second)
		res := cb.Handle(context.Background(), msg, next)
		assert.Equal(t, agent.FailCircuitOpen, res.Kind)
		assert.Equal(t, int64(2), calls.Load())
	})

	t.Run("success in closed state resets failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(2, time.Minute)

		var fails, oks atomic.Int64
		cb.Handle(context.Background(), msg, failingHandler(&fails))
		cb.Handle(context.Background(), msg, countingTerminal(&oks))
		cb.Handle(context.Background(), msg, failingHandler(&fails))

		assert.Equal(t, BreakerClosed, cb.State(),
			"non-consecutive failures must not open the circuit")
	})

	t.Run("second caller during trial is rejected", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		cb := NewCircuitBreaker(1, time.Second)
		cb.now = func() time.Time { return clock }

		var calls atomic.Int64
		cb.Handle(context.Background(), msg, failingHandler(&calls))
		clock = clock.Add(2 * time.Second)

		entered := make(chan struct{})
		release := make(chan struct{})
		slow := func(ctx context.Context, m *agent.Message) *agent.Result {
			close(entered)
			<-release
			return agent.OK("trial done")
		}

		done := make(chan *agent.Result, 1)
		go func() { done <- cb.Handle(context.Background(), msg, slow) }()
		<-entered

		res := cb.Handle(context.Background(), msg, failingHandler(&calls))
		assert.Equal(t, agent.FailCircuitOpen, res.Kind)

		close(release)
		trial := <-done
		require.True(t, trial.Success)
		assert.Equal(t, BreakerClosed, cb.State())
	})

	t.Run("canceled trial does not count as organic failure", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		cb := NewCircuitBreaker(1, 30*time.Second)
		cb.now = func() time.Time { return clock }

		var calls atomic.Int64
		cb.Handle(context.Background(), msg, failingHandler(&calls))
		openedAt := clock
		clock = clock.Add(31 * time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		aborting := func(c context.Context, m *agent.Message) *agent.Result {
			cancel()
			return agent.Failure(agent.FailCanceled, "aborted")
		}
		cb.Handle(ctx, msg, aborting)

		require.Equal(t, BreakerOpen, cb.State())

		// The open timestamp was not restarted by the aborted trial, so
		// the original timeout still governs the next probe.
		clock = openedAt.Add(62 * time.Second)
		var oks atomic.Int64
		res := cb.Handle(context.Background(), msg, countingTerminal(&oks))
		require.True(t, res.Success)
		assert.Equal(t, BreakerClosed, cb.State())
	})

	t.Run("late success does not close an open circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Hour)

		entered := make(chan struct{})
		release := make(chan struct{})
		slow := func(ctx context.Context, m *agent.Message) *agent.Result {
			close(entered)
			<-release
			return agent.OK("late")
		}

		done := make(chan *agent.Result, 1)
		go func() { done <- cb.Handle(context.Background(), msg, slow) }()
		<-entered

		// Circuit opens while the slow call is still in flight.
		var fails atomic.Int64
		cb.Handle(context.Background(), msg, failingHandler(&fails))
		require.Equal(t, BreakerOpen, cb.State())

		close(release)
		late := <-done
		require.True(t, late.Success)

		// The late success was not a trial; the timeout still governs.
		assert.Equal(t, BreakerOpen, cb.State())
		res := cb.Handle(context.Background(), msg, failingHandler(&fails))
		assert.Equal(t, agent.FailCircuitOpen, res.Kind)
	})

	t.Run("panic from next counts as failure", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Minute)
		res := cb.Handle(context.Background(), msg, func(ctx context.Context, m *agent.Message) *agent.Result {
			panic("boom")
		})
		assert.False(t, res.Success)
		assert.Equal(t, BreakerOpen, cb.State())
	})

	t.Run("Reset force-closes", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Hour)
		var calls atomic.Int64
		cb.Handle(context.Background(), msg, failingHandler(&calls))
		require.Equal(t, BreakerOpen, cb.State())

		cb.Reset()
		assert.Equal(t, BreakerClosed, cb.State())
	})
}
