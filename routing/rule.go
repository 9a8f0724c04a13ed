// Package routing selects a target agent for a message by evaluating
// registered rules in descending priority order. How predicates are
// expressed is the concern of the rule-evaluation Engine; the router
// depends only on that contract.
package routing

import (
	"github.com/courier-dev/courier/agent"
)

// Context is the view of a message that predicates evaluate against.
type Context struct {
	Message  *agent.Message
	Sender   string
	Receiver string
	Subject  string
	Category string
	Priority agent.Priority
	Metadata map[string]any
}

// NewContext builds the routing context for a message.
func NewContext(msg *agent.Message) *Context {
	return &Context{
		Message:  msg,
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Subject:  msg.Subject,
		Category: msg.Category,
		Priority: msg.Priority,
		Metadata: msg.Metadata,
	}
}

// Predicate decides whether a rule applies to a routing context.
type Predicate func(*Context) bool

// Rule binds a predicate to a target agent with an evaluation priority.
// Rules with higher priority are evaluated first.
type Rule struct {
	// ID uniquely identifies the rule, for metrics and diagnostics.
	ID string

	// Name is the human-readable rule name used in logs.
	Name string

	// Priority orders evaluation; higher values are checked first.
	Priority int

	// When is the predicate that must hold for the rule to match.
	When Predicate

	// Target is the agent name the message is routed to on match.
	Target string
}
