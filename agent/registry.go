package agent

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAgentNotFound is returned when an agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// entry pairs an agent with its live in-flight counter.
type entry struct {
	agent    Agent
	inflight atomic.Int64
}

// Registry is a thread-safe store of registered agents, supporting
// lookup by name and by capability, and owning the per-agent capacity
// slots used by the dispatcher.
//
// Capacity acquisition is a non-blocking compare-and-swap: it either
// grants a slot or reports the agent is at its declared maximum. There
// is no implicit queuing; callers that want backpressure must retry or
// queue externally.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order, for deterministic listing
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register adds an agent to the registry.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if name == "" {
		return errors.New("agent name is required")
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("agent %s already registered", name)
	}

	r.entries[name] = &entry{agent: a}
	r.order = append(r.order, name)
	return nil
}

// Unregister removes an agent from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("agent %s: %w", name, ErrAgentNotFound)
	}
	delete(r.entries, name)

	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves a registered agent by name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		return nil, fmt.Errorf("agent %s: %w", name, ErrAgentNotFound)
	}
	return e.agent, nil
}

// List returns all registered agent names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// FindByCapability returns the agents declaring the given capability,
// in registration order.
func (r *Registry) FindByCapability(capability string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agents []Agent
	for _, name := range r.order {
		e := r.entries[name]
		for _, c := range e.agent.Capabilities() {
			if c == capability {
				agents = append(agents, e.agent)
				break
			}
		}
	}
	return agents
}

// Acquire attempts to claim a capacity slot on the named agent.
// It returns false when the agent is already at its declared maximum.
//
// The increment is a CAS retry loop, never a check followed by a
// separate increment: two racing callers must not both slip under the
// limit.
func (r *Registry) Acquire(name string) (bool, error) {
	r.mu.RLock()
	e, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return false, fmt.Errorf("agent %s: %w", name, ErrAgentNotFound)
	}

	max := int64(e.agent.MaxConcurrent())
	for {
		cur := e.inflight.Load()
		if cur >= max {
			return false, nil
		}
		if e.inflight.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

// Release returns a previously acquired slot. Callers must release
// exactly once per successful Acquire, on every exit path.
func (r *Registry) Release(name string) {
	r.mu.RLock()
	e, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return
	}
	if n := e.inflight.Add(-1); n < 0 {
		// Unbalanced release; clamp rather than corrupt the counter.
		e.inflight.CompareAndSwap(n, 0)
	}
}

// InFlight reports the number of messages currently being processed by
// the named agent. Unknown agents report zero.
func (r *Registry) InFlight(name string) int {
	r.mu.RLock()
	e, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return 0
	}
	return int(e.inflight.Load())
}
