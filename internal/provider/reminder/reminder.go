// Package reminder is the judgment provider used when no model is
// configured: it repeats the command as the message and never claims the
// situation is resolved, so the completion mode alone decides what happens.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"chronobot/internal/domain"
	"chronobot/internal/executor"
)

type Provider struct{}

func New() Provider { return Provider{} }

func (Provider) Judge(_ context.Context, req executor.Request) ([]byte, error) {
	msg := strings.TrimSpace(req.Command)
	if req.AttemptCount > 0 {
		msg = fmt.Sprintf("%s (reminder %d)", msg, req.AttemptCount+1)
	}
	verdict := map[string]any{
		"message":           msg,
		"completed":         false,
		"acknowledged":      false,
		"completion_reason": reason(req.Mode),
	}
	return json.Marshal(verdict)
}

func reason(m domain.CompletionMode) string {
	switch m {
	case domain.ModeRetryUntilAcknowledged:
		return "waiting for acknowledgment"
	case domain.ModeRetryWithCondition:
		return "condition cannot be observed without a model"
	default:
		return "delivered"
	}
}
