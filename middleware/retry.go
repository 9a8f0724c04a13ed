package middleware

import (
	"context"
	"time"

	"github.com/courier-dev/courier/agent"
)

// Retry re-invokes the rest of the chain on failure, waiting
// baseDelay * attempt between tries (linear backoff). A panic from the
// chain counts as a failed attempt and is never re-raised; exhausting
// all attempts yields a retries-exhausted Result.
//
// Only handler failures are retried. Policy rejections (validation,
// rate limits, open circuits, unroutable messages, capacity,
// cancellation) are final: re-running them cannot succeed and would
// re-fire their side effects, so they pass through with their kind
// intact.
type Retry struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewRetry creates a retry middleware. maxAttempts of zero or less is
// normalized to 1 (a single attempt, no retries).
func NewRetry(maxAttempts int, baseDelay time.Duration) *Retry {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Retry{maxAttempts: maxAttempts, baseDelay: baseDelay}
}

func (rt *Retry) Name() string { return "retry" }

func (rt *Retry) Handle(ctx context.Context, msg *agent.Message, next Handler) *agent.Result {
	var last *agent.Result

	for attempt := 1; attempt <= rt.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return agent.Failure(agent.FailCanceled, "retry aborted on attempt %d: %v", attempt, err)
		}

		last = guard(ctx, msg, next)
		if last.Success {
			if attempt > 1 {
				last.WithData("attempts", attempt)
			}
			return last
		}
		if !retryable(last.Kind) {
			return last
		}

		if attempt == rt.maxAttempts {
			break
		}

		// No further attempts once cancellation is observed.
		select {
		case <-ctx.Done():
			return agent.Failure(agent.FailCanceled, "retry aborted after attempt %d: %v", attempt, ctx.Err())
		case <-time.After(rt.baseDelay * time.Duration(attempt)):
		}
	}

	return agent.Failure(agent.FailRetriesExhausted,
		"all %d attempts failed, last error: %s", rt.maxAttempts, last.Error).
		WithData("attempts", rt.maxAttempts)
}

// retryable reports whether a failure of the given kind may succeed on
// a later attempt. Untyped failures from handlers count as handler
// failures.
func retryable(kind agent.FailureKind) bool {
	switch kind {
	case agent.FailHandler, "":
		return true
	default:
		return false
	}
}
