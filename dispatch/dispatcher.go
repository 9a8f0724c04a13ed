// Package dispatch orchestrates message delivery: the middleware
// pipeline runs first, and at its terminal step the router selects a
// target agent, a capacity slot is acquired, and the agent's handler
// executes behind a fault boundary.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/courier-dev/courier/agent"
	"github.com/courier-dev/courier/internal/observability"
	"github.com/courier-dev/courier/middleware"
	"github.com/courier-dev/courier/routing"
)

// UnroutableFunc is notified exactly once per message that could not
// be routed, with a human-readable reason. Used for dead-lettering and
// alerting without coupling the core to a logging mechanism.
type UnroutableFunc func(msg *agent.Message, reason string)

// OverCapacityFunc is notified when a routed message is rejected
// because its target agent is at maximum concurrency.
type OverCapacityFunc func(msg *agent.Message, agentName string)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// OnUnroutable registers an unroutable notification callback.
func OnUnroutable(fn UnroutableFunc) Option {
	return func(d *Dispatcher) {
		d.unroutable = append(d.unroutable, fn)
	}
}

// OnOverCapacity registers a capacity rejection callback.
func OnOverCapacity(fn OverCapacityFunc) Option {
	return func(d *Dispatcher) {
		d.overCapacity = append(d.overCapacity, fn)
	}
}

// WithFollowUpDepth bounds how many levels of follow-up messages a
// single dispatch may spawn. Default is 4; zero disables follow-ups.
func WithFollowUpDepth(depth int) Option {
	return func(d *Dispatcher) {
		d.maxFollowUpDepth = depth
	}
}

// Dispatcher is the single entry point through which messages flow.
//
// Over-capacity dispatches are rejected immediately rather than
// queued: callers that want backpressure must retry or queue
// externally.
type Dispatcher struct {
	registry *agent.Registry
	router   *routing.Router
	chain    middleware.Handler
	metrics  *Metrics

	mu           sync.RWMutex
	unroutable   []UnroutableFunc
	overCapacity []OverCapacityFunc

	maxFollowUpDepth int
}

type depthKey struct{}

// New creates a dispatcher. The pipeline's chain is built once around
// the dispatcher's terminal handler and reused for every call.
func New(registry *agent.Registry, router *routing.Router, pipeline *middleware.Pipeline, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:         registry,
		router:           router,
		metrics:          NewMetrics(),
		maxFollowUpDepth: 4,
	}
	for _, opt := range opts {
		opt(d)
	}
	if pipeline == nil {
		pipeline = middleware.NewPipeline()
	}
	d.chain = pipeline.Build(d.terminal)
	return d
}

// Metrics exposes the dispatcher's metrics collector.
func (d *Dispatcher) Metrics() *Metrics { return d.metrics }

// Registry exposes the agent registry serving this dispatcher.
func (d *Dispatcher) Registry() *agent.Registry { return d.registry }

// Dispatch runs msg through the middleware pipeline and delivers it to
// the routed agent. It always returns a Result; faults inside handlers
// are converted, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *agent.Message) *agent.Result {
	ctx, span := observability.StartSpan(ctx, "courier.dispatch",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.sender", msg.Sender),
			attribute.String("message.category", msg.Category),
		),
	)
	defer span.End()

	res := d.chain(ctx, msg)
	if res == nil {
		res = agent.Failure(agent.FailHandler, "pipeline returned nil result")
	}

	span.SetAttributes(
		attribute.Bool("dispatch.success", res.Success),
		attribute.String("dispatch.failure_kind", string(res.Kind)),
	)

	d.dispatchFollowUps(ctx, res)
	return res
}

// DispatchBatch dispatches messages concurrently and returns the
// results in input order. Failed dispatches are failed Results, so the
// group itself never errors short of a canceled context.
func (d *Dispatcher) DispatchBatch(ctx context.Context, msgs []*agent.Message) []*agent.Result {
	results := make([]*agent.Result, len(msgs))

	g, ctx := errgroup.WithContext(ctx)
	for i, msg := range msgs {
		g.Go(func() error {
			results[i] = d.Dispatch(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dispatchFollowUps re-submits follow-up messages produced by a
// handler, up to the configured depth. Cache hits are replays of an
// already-handled result, so their follow-ups are not re-executed.
func (d *Dispatcher) dispatchFollowUps(ctx context.Context, res *agent.Result) {
	if len(res.FollowUps) == 0 || res.Data["cache"] == "hit" {
		return
	}

	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= d.maxFollowUpDepth {
		log.Printf("courier: follow-up depth %d exceeded, dropping %d message(s)", depth, len(res.FollowUps))
		return
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	for _, fu := range res.FollowUps {
		if fres := d.chain(ctx, fu); fres != nil {
			if !fres.Success {
				log.Printf("courier: follow-up %s failed: %s", fu.ID, fres.Error)
			}
			d.dispatchFollowUps(ctx, fres)
		}
	}
}

// terminal is the innermost pipeline step: route, acquire capacity,
// execute.
func (d *Dispatcher) terminal(ctx context.Context, msg *agent.Message) *agent.Result {
	if err := ctx.Err(); err != nil {
		return agent.Failure(agent.FailCanceled, "dispatch: %v", err)
	}

	target, ruleID, err := d.router.Route(ctx, msg)
	if err != nil {
		if errors.Is(err, routing.ErrNoRoute) {
			d.metrics.RecordUnroutable()
			d.notifyUnroutable(msg, "no routing rule matched")
			return agent.Failure(agent.FailUnroutable, "no routing rule matched message %s", msg.ID)
		}
		return agent.Failure(agent.FailCanceled, "routing: %v", err)
	}

	a, err := d.registry.Get(target)
	if err != nil {
		d.metrics.RecordUnroutable()
		d.notifyUnroutable(msg, "target agent "+target+" not registered")
		return agent.Failure(agent.FailUnroutable, "target agent %s not registered", target)
	}

	ok, err := d.registry.Acquire(target)
	if err != nil || !ok {
		d.metrics.RecordRejected(target)
		d.notifyOverCapacity(msg, target)
		return agent.Failure(agent.FailCapacityExceeded,
			"agent %s at maximum of %d concurrent messages", target, a.MaxConcurrent())
	}

	msg.Receiver = target
	start := time.Now()
	res := d.execute(ctx, a, msg)
	elapsed := time.Since(start)

	// Slot released exactly once, on every exit path; execute never
	// lets a fault escape.
	d.registry.Release(target)
	d.metrics.SetInFlight(target, d.registry.InFlight(target))
	d.metrics.RecordDispatch(target, ruleID, res.Success, elapsed)

	res.WithData("agent", target).WithData("duration_ms", elapsed.Milliseconds())
	if ruleID != "" {
		res.WithData("rule", ruleID)
	}
	return res
}

// execute runs the agent's handler behind the fault boundary that
// converts panics and errors into failed Results.
func (d *Dispatcher) execute(ctx context.Context, a agent.Agent, msg *agent.Message) (res *agent.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("courier: agent %s panicked handling %s: %v", a.Name(), msg.ID, r)
			res = agent.Failure(agent.FailHandler, "agent %s panicked: %v", a.Name(), r)
		}
	}()

	out, err := a.Execute(ctx, msg)
	if err != nil {
		return agent.Failure(agent.FailHandler, "agent %s: %v", a.Name(), err)
	}
	if out == nil {
		out = agent.OK("")
	}
	out.Executed = true
	return out
}

func (d *Dispatcher) notifyUnroutable(msg *agent.Message, reason string) {
	d.mu.RLock()
	callbacks := d.unroutable
	d.mu.RUnlock()

	for _, fn := range callbacks {
		fn(msg, reason)
	}
}

func (d *Dispatcher) notifyOverCapacity(msg *agent.Message, agentName string) {
	d.mu.RLock()
	callbacks := d.overCapacity
	d.mu.RUnlock()

	for _, fn := range callbacks {
		fn(msg, agentName)
	}
}
