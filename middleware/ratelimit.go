package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/courier-dev/courier/agent"
)

// RateLimiter is a sliding-window limiter keyed by sender id. Each
// sender may issue at most maxRequests within the trailing window;
// excess calls short-circuit with a rate-limit failure.
//
// An optional process-global token bucket (golang.org/x/time/rate) can
// be layered on top for an aggregate ceiling across all senders.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	global      *rate.Limiter

	mu      sync.Mutex
	senders map[string]*senderWindow

	now func() time.Time
}

// senderWindow holds the recent request timestamps for one sender.
// Mutated under its own lock so unrelated senders never contend.
type senderWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithGlobalLimit adds a process-wide token bucket on top of the
// per-sender windows.
func WithGlobalLimit(requestsPerSecond float64, burst int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.global = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// NewRateLimiter creates a sliding-window rate limiter.
func NewRateLimiter(maxRequests int, window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		senders:     make(map[string]*senderWindow),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

func (rl *RateLimiter) Name() string { return "ratelimit" }

// Handle prunes the sender's window, rejects when it is full, and
// otherwise records the call and passes through.
func (rl *RateLimiter) Handle(ctx context.Context, msg *agent.Message, next Handler) *agent.Result {
	if err := ctx.Err(); err != nil {
		return agent.Failure(agent.FailCanceled, "rate limiter: %v", err)
	}

	if rl.global != nil && !rl.global.Allow() {
		return agent.Failure(agent.FailRateLimited, "global rate limit exceeded")
	}

	sw := rl.windowFor(msg.Sender)

	sw.mu.Lock()
	now := rl.now()
	cutoff := now.Add(-rl.window)

	kept := sw.stamps[:0]
	for _, ts := range sw.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	sw.stamps = kept

	if len(sw.stamps) >= rl.maxRequests {
		sw.mu.Unlock()
		return agent.Failure(agent.FailRateLimited,
			"sender %s exceeded %d requests per %s", msg.Sender, rl.maxRequests, rl.window)
	}

	sw.stamps = append(sw.stamps, now)
	sw.mu.Unlock()

	return next(ctx, msg)
}

// windowFor gets or lazily creates the per-sender window.
func (rl *RateLimiter) windowFor(sender string) *senderWindow {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	sw, ok := rl.senders[sender]
	if !ok {
		sw = &senderWindow{}
		rl.senders[sender] = sw
	}
	return sw
}
