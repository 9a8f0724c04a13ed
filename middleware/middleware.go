// Package middleware provides the composable resilience layers that
// wrap every dispatch: validation, rate limiting, caching, circuit
// breaking and retries.
//
// A middleware receives the message, the rest of the chain as next,
// and the call context. It may mutate the message before calling next,
// short-circuit with its own Result, or post-process the Result on the
// way back out.
package middleware

import (
	"context"

	"github.com/courier-dev/courier/agent"
)

// Handler is one step of the dispatch chain.
type Handler func(ctx context.Context, msg *agent.Message) *agent.Result

// Middleware wraps a Handler. Implementations must be safe for
// concurrent use; a single instance serves every dispatch.
type Middleware interface {
	// Name identifies the middleware in logs and diagnostics.
	Name() string

	// Handle processes msg, calling next zero or one times.
	Handle(ctx context.Context, msg *agent.Message, next Handler) *agent.Result
}

// Pipeline composes an ordered list of middleware around a terminal
// handler. The first middleware registered becomes the outermost
// layer. Build the chain once and reuse it across calls.
type Pipeline struct {
	stack []Middleware
}

// NewPipeline creates a pipeline with the given middleware, outermost first.
func NewPipeline(mw ...Middleware) *Pipeline {
	p := &Pipeline{}
	p.Use(mw...)
	return p
}

// Use appends middleware to the pipeline. Not safe to call after Build
// while the built chain is in use.
func (p *Pipeline) Use(mw ...Middleware) {
	p.stack = append(p.stack, mw...)
}

// Len returns the number of registered middleware.
func (p *Pipeline) Len() int { return len(p.stack) }

// Build wraps terminal with each middleware in reverse registration
// order and returns the composed chain. With no middleware registered
// the terminal handler is returned as-is.
func (p *Pipeline) Build(terminal Handler) Handler {
	h := terminal
	for i := len(p.stack) - 1; i >= 0; i-- {
		mw := p.stack[i]
		inner := h
		h = func(ctx context.Context, msg *agent.Message) *agent.Result {
			return mw.Handle(ctx, msg, inner)
		}
	}
	return h
}

// guard invokes next, converting a panic into a handler failure so a
// fault inside the chain never unwinds past a resilience layer.
func guard(ctx context.Context, msg *agent.Message, next Handler) (res *agent.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = agent.Failure(agent.FailHandler, "panic in handler chain: %v", r)
		}
	}()
	res = next(ctx, msg)
	if res == nil {
		res = agent.Failure(agent.FailHandler, "handler chain returned nil result")
	}
	return res
}
