package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/courier-dev/courier/agent"
)

// ErrNoRoute is returned when no routing rule matches a message.
var ErrNoRoute = errors.New("no routing rule matched")

// Router holds the ordered rule set and the evaluation engine, and
// resolves messages to target agent names. Safe for concurrent use;
// rules are typically added at startup but may be added at runtime.
type Router struct {
	mu     sync.RWMutex
	rules  []Rule
	engine Engine
}

// NewRouter creates a router backed by the given engine. A nil engine
// falls back to the default predicate engine.
func NewRouter(engine Engine) *Router {
	if engine == nil {
		engine = NewPredicateEngine()
	}
	return &Router{engine: engine}
}

// AddRule registers a routing rule. A missing ID is generated; a
// missing target is an error.
func (r *Router) AddRule(rule Rule) error {
	if rule.Target == "" {
		return fmt.Errorf("rule %q: target agent is required", rule.Name)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return nil
}

// Rules returns a copy of the registered rules.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]Rule, len(r.rules))
	copy(rules, r.rules)
	return rules
}

// Route resolves msg to a target agent name. A message with an explicit
// receiver bypasses rule evaluation. The returned rule id is empty for
// explicit receivers; ErrNoRoute is returned when nothing matches.
func (r *Router) Route(ctx context.Context, msg *agent.Message) (target, ruleID string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	if msg.Receiver != "" {
		return msg.Receiver, "", nil
	}

	r.mu.RLock()
	rules := make([]Rule, len(r.rules))
	copy(rules, r.rules)
	r.mu.RUnlock()

	matched := r.engine.Match(NewContext(msg), rules)
	if len(matched) == 0 {
		return "", "", ErrNoRoute
	}

	best := matched[0]
	return best.Target, best.ID, nil
}
