package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages by urgency. Routing rules can match on a
// minimum priority; higher values are more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name as used in configuration files.
// Unknown names default to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Message is the unit of communication between agents.
// Messages are created per dispatch and are not retained by the core;
// only middleware state persists across calls.
type Message struct {
	// ID is a unique identifier for this message, automatically generated.
	ID string `json:"id"`

	// Sender identifies the component that submitted the message.
	Sender string `json:"sender"`

	// Receiver is the target agent name. It may be empty on submission,
	// in which case routing fills it in.
	Receiver string `json:"receiver,omitempty"`

	// Subject is a short description of the message intent.
	Subject string `json:"subject"`

	// Content carries the message body.
	Content string `json:"content"`

	// Category groups related message kinds for routing and caching.
	Category string `json:"category,omitempty"`

	// Priority orders rule evaluation and can be matched by routing rules.
	Priority Priority `json:"priority"`

	// Metadata contains optional key-value pairs for routing, tracing,
	// correlation, etc.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ConversationID correlates related messages. Assigned during
	// validation if absent.
	ConversationID string `json:"conversation_id,omitempty"`

	// Timestamp is the ISO 8601 timestamp when the message was created.
	Timestamp string `json:"timestamp"`
}

// NewMessage creates a message with a generated ID and timestamp.
func NewMessage(sender, subject, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Subject:   subject,
		Content:   content,
		Priority:  PriorityNormal,
		Metadata:  make(map[string]any),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithReceiver sets an explicit target agent and returns the message for chaining.
func (m *Message) WithReceiver(receiver string) *Message {
	m.Receiver = receiver
	return m
}

// WithCategory sets the message category and returns the message for chaining.
func (m *Message) WithCategory(category string) *Message {
	m.Category = category
	return m
}

// WithPriority sets the message priority and returns the message for chaining.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

// WithConversation sets the conversation correlation id.
func (m *Message) WithConversation(id string) *Message {
	m.ConversationID = id
	return m
}

// WithMetadata adds metadata to the message and returns it for chaining.
// This allows for fluent construction:
//
//	msg := agent.NewMessage("api", "order", "ship #42").
//	    WithMetadata("region", "eu").
//	    WithMetadata("trace", traceID)
func (m *Message) WithMetadata(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}

// GetMetadata retrieves metadata by key, returning the default value if not found.
func (m *Message) GetMetadata(key string, defaultValue any) any {
	if m.Metadata == nil {
		return defaultValue
	}
	if val, ok := m.Metadata[key]; ok {
		return val
	}
	return defaultValue
}

// GetMetadataString is a convenience method to get metadata as a string.
func (m *Message) GetMetadataString(key, defaultValue string) string {
	val := m.GetMetadata(key, defaultValue)
	if str, ok := val.(string); ok {
		return str
	}
	return defaultValue
}

// Clone creates a deep copy of the message.
// Useful when a middleware needs to mutate a message without affecting
// the caller's copy.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:             m.ID,
		Sender:         m.Sender,
		Receiver:       m.Receiver,
		Subject:        m.Subject,
		Content:        m.Content,
		Category:       m.Category,
		Priority:       m.Priority,
		ConversationID: m.ConversationID,
		Timestamp:      m.Timestamp,
		Metadata:       make(map[string]any, len(m.Metadata)),
	}
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// String returns a human-readable representation for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Sender:%s, Subject:%s, Priority:%s}", m.ID, m.Sender, m.Subject, m.Priority)
}
