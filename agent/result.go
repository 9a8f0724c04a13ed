package agent

import "fmt"

// FailureKind classifies why a dispatch failed. Middleware and the
// dispatcher resolve their own failure conditions into a Result with
// the matching kind rather than returning errors past the pipeline.
type FailureKind string

const (
	FailValidation       FailureKind = "validation"
	FailRateLimited      FailureKind = "rate_limited"
	FailCircuitOpen      FailureKind = "circuit_open"
	FailCapacityExceeded FailureKind = "capacity_exceeded"
	FailUnroutable       FailureKind = "unroutable"
	FailHandler          FailureKind = "handler_failure"
	FailRetriesExhausted FailureKind = "retries_exhausted"
	FailCanceled         FailureKind = "canceled"
)

// Result is the outcome of a dispatch. Callers always receive a Result;
// faults inside handlers are caught at the dispatch boundary and
// converted rather than propagated.
type Result struct {
	// Success indicates the dispatch completed without error.
	Success bool `json:"success"`

	// Executed is true only when a handler actually matched and ran.
	// Cache hits and short-circuited failures leave it as recorded by
	// the original run (or false, respectively).
	Executed bool `json:"executed"`

	// Kind classifies the failure when Success is false.
	Kind FailureKind `json:"kind,omitempty"`

	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`

	// Response carries the handler's reply payload.
	Response string `json:"response,omitempty"`

	// Data holds diagnostics attached by middleware (timing, cache
	// markers, attempt counts).
	Data map[string]any `json:"data,omitempty"`

	// FollowUps are messages produced as a side effect of handling,
	// re-submitted by the dispatcher for workflow continuation.
	FollowUps []*Message `json:"follow_ups,omitempty"`
}

// OK creates a successful result with the given response payload.
func OK(response string) *Result {
	return &Result{
		Success:  true,
		Response: response,
		Data:     make(map[string]any),
	}
}

// Failure creates a failed result of the given kind.
func Failure(kind FailureKind, format string, args ...any) *Result {
	return &Result{
		Kind:  kind,
		Error: fmt.Sprintf(format, args...),
		Data:  make(map[string]any),
	}
}

// WithData attaches a diagnostic entry and returns the result for chaining.
func (r *Result) WithData(key string, value any) *Result {
	if r.Data == nil {
		r.Data = make(map[string]any)
	}
	r.Data[key] = value
	return r
}

// WithFollowUp queues a follow-up message on the result.
func (r *Result) WithFollowUp(msg *Message) *Result {
	r.FollowUps = append(r.FollowUps, msg)
	return r
}

// Clone creates a deep copy of the result. The cache middleware returns
// clones so callers cannot mutate the stored entry.
func (r *Result) Clone() *Result {
	clone := &Result{
		Success:  r.Success,
		Executed: r.Executed,
		Kind:     r.Kind,
		Error:    r.Error,
		Response: r.Response,
		Data:     make(map[string]any, len(r.Data)),
	}
	for k, v := range r.Data {
		clone.Data[k] = v
	}
	for _, f := range r.FollowUps {
		clone.FollowUps = append(clone.FollowUps, f.Clone())
	}
	return clone
}

func (r *Result) String() string {
	if r.Success {
		return fmt.Sprintf("Result{ok, executed:%v}", r.Executed)
	}
	return fmt.Sprintf("Result{failed, kind:%s, error:%q}", r.Kind, r.Error)
}
