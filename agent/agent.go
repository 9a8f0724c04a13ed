package agent

import "context"

// Agent is the interface that all message consumers must implement.
// External packages should implement this interface for custom agents.
//
// Agents declare a fixed maximum number of concurrently in-flight
// messages; the registry enforces the bound at dispatch time, so
// Execute never sees more than MaxConcurrent overlapping calls.
type Agent interface {
	// Name returns the unique identifier for this agent instance.
	// Agent names must be unique within a Registry.
	Name() string

	// DisplayName returns the human-readable name used in logs.
	DisplayName() string

	// Capabilities returns the named capabilities this agent serves.
	// Used by Registry.FindByCapability for capability-based routing.
	Capabilities() []string

	// MaxConcurrent returns the maximum number of messages this agent
	// is willing to process at the same time.
	MaxConcurrent() int

	// Execute processes a message and returns a result.
	// The implementation must be safe for concurrent use; the registry
	// only bounds concurrency, it does not serialize calls.
	Execute(ctx context.Context, msg *Message) (*Result, error)
}

// HandlerFunc is the processing function wrapped by FuncAgent.
type HandlerFunc func(ctx context.Context, msg *Message) (*Result, error)

// FuncAgent adapts a plain function into an Agent. It is the common
// way to register consumers without defining a new type.
type FuncAgent struct {
	name          string
	displayName   string
	capabilities  []string
	maxConcurrent int
	fn            HandlerFunc
}

// NewFuncAgent creates an agent backed by fn. A maxConcurrent of zero
// or less is normalized to 1.
func NewFuncAgent(name, displayName string, capabilities []string, maxConcurrent int, fn HandlerFunc) *FuncAgent {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if displayName == "" {
		displayName = name
	}
	return &FuncAgent{
		name:          name,
		displayName:   displayName,
		capabilities:  capabilities,
		maxConcurrent: maxConcurrent,
		fn:            fn,
	}
}

func (a *FuncAgent) Name() string        { return a.name }
func (a *FuncAgent) DisplayName() string { return a.displayName }
func (a *FuncAgent) MaxConcurrent() int  { return a.maxConcurrent }

func (a *FuncAgent) Capabilities() []string {
	caps := make([]string, len(a.capabilities))
	copy(caps, a.capabilities)
	return caps
}

func (a *FuncAgent) Execute(ctx context.Context, msg *Message) (*Result, error) {
	return a.fn(ctx, msg)
}
