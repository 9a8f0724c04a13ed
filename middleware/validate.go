package middleware

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/courier-dev/courier/agent"
)

// Validator rejects messages missing required fields before they reach
// routing, and fills in correlation ids so downstream layers can rely
// on them.
type Validator struct{}

// NewValidator creates the required-field validation middleware.
func NewValidator() *Validator { return &Validator{} }

func (v *Validator) Name() string { return "validate" }

func (v *Validator) Handle(ctx context.Context, msg *agent.Message, next Handler) *agent.Result {
	var missing []string
	if msg.Sender == "" {
		missing = append(missing, "sender")
	}
	if msg.Subject == "" {
		missing = append(missing, "subject")
	}
	if msg.Content == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return agent.Failure(agent.FailValidation,
			"message missing required fields: %s", strings.Join(missing, ", "))
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.New().String()
	}

	return next(ctx, msg)
}
