package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/courier-dev/courier/agent"
)

// BreakerState is the circuit breaker's three-valued state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing downstream for a cooldown
// period. Closed passes calls through and counts consecutive failures;
// reaching the threshold opens the circuit. Open rejects immediately
// until the reset timeout elapses, after which the next call runs as a
// single half-open trial: success closes the circuit, failure reopens
// it and restarts the timeout.
//
// All transitions happen under one mutex so they are linearizable. A
// second caller arriving while the trial is in flight is rejected as
// circuit-open rather than being treated as a second trial.
type CircuitBreaker struct {
	threshold    int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool

	now func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Name() string { return "breaker" }

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset force-closes the circuit and clears the failure counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.trial = false
}

func (cb *CircuitBreaker) Handle(ctx context.Context, msg *agent.Message, next Handler) *agent.Result {
	if err := ctx.Err(); err != nil {
		return agent.Failure(agent.FailCanceled, "circuit breaker: %v", err)
	}

	isTrial, res := cb.admit()
	if res != nil {
		return res
	}

	res = guard(ctx, msg, next)
	cb.record(isTrial, res, ctx.Err())
	return res
}

// admit decides whether the call may proceed. It returns a non-nil
// rejection result when the circuit is open, and reports whether the
// admitted call is the half-open trial.
func (cb *CircuitBreaker) admit() (isTrial bool, rejection *agent.Result) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.state = BreakerHalfOpen
		cb.trial = false
	}

	switch cb.state {
	case BreakerOpen:
		return false, agent.Failure(agent.FailCircuitOpen,
			"circuit open, retry after %s", cb.resetTimeout)
	case BreakerHalfOpen:
		if cb.trial {
			return false, agent.Failure(agent.FailCircuitOpen, "circuit half-open, trial in flight")
		}
		cb.trial = true
		return true, nil
	default:
		return false, nil
	}
}

// record folds the call outcome back into the state machine.
// A canceled call never counts as an organic failure: a canceled trial
// returns the circuit to Open without restarting the timeout.
func (cb *CircuitBreaker) record(isTrial bool, res *agent.Result, ctxErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ctxErr != nil && !res.Success {
		if isTrial {
			cb.state = BreakerOpen
			cb.trial = false
		}
		return
	}

	if res.Success {
		// A call admitted while Closed may finish after concurrent
		// failures opened the circuit; its late success must not close
		// it again. Only the half-open trial closes an open circuit.
		if isTrial || cb.state == BreakerClosed {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.trial = false
		}
		return
	}

	if isTrial || cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.trial = false
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
	}
}
