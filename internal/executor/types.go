package executor

import (
	"context"
	"encoding/json"
	"time"

	"chronobot/internal/domain"
)

// Request is what the judgment provider sees for one attempt.
type Request struct {
	ActionID int64
	Command  string
	Mode     domain.CompletionMode
	Context  domain.Payload
	// AttemptCount is the number of attempts made before this one.
	AttemptCount int
	SensedState  domain.Payload
}

// Outcome is the normalized result of one attempt.
//
// A non-nil Err (always a *domain.TransientProviderError) means no verdict was
// obtained; the flags are then false and RetryDelay is nil.
type Outcome struct {
	Message      string
	Completed    bool
	Acknowledged bool
	// AckedAt is the out-of-band acknowledgment this outcome relied on, if any.
	AckedAt    time.Time
	RetryDelay *time.Duration
	EffectPlan   json.RawMessage
	Reason       string
	Err          error
}

// Transient reports whether the attempt failed to reach a verdict.
func (o Outcome) Transient() bool { return o.Err != nil }

func (o Outcome) blank() bool {
	return o.Message == "" && o.Reason == "" && !o.Completed && !o.Acknowledged &&
		o.RetryDelay == nil && len(o.EffectPlan) == 0 && o.Err == nil
}

// Delivery is one message/effect plan handed to an effector.
type Delivery struct {
	ActionID   int64
	Command    string
	Mode       domain.CompletionMode
	Message    string
	EffectPlan json.RawMessage
}

// Empty reports whether there is nothing to deliver.
func (d Delivery) Empty() bool {
	return d.Message == "" && (len(d.EffectPlan) == 0 || string(d.EffectPlan) == "null")
}

// JudgmentProvider inspects the situation and returns its raw verdict.
// The adapter normalizes the bytes; providers do not parse them.
type JudgmentProvider interface {
	Judge(ctx context.Context, req Request) ([]byte, error)
}

// Effector acts on the world: speaks, sends a message, moves something.
type Effector interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Sensor captures the current state passed to the provider.
type Sensor interface {
	Sense(ctx context.Context) (domain.Payload, error)
}

// JudgeFunc adapts a function to JudgmentProvider.
type JudgeFunc func(ctx context.Context, req Request) ([]byte, error)

func (f JudgeFunc) Judge(ctx context.Context, req Request) ([]byte, error) { return f(ctx, req) }

// DeliverFunc adapts a function to Effector.
type DeliverFunc func(ctx context.Context, d Delivery) error

func (f DeliverFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// SenseFunc adapts a function to Sensor.
type SenseFunc func(ctx context.Context) (domain.Payload, error)

func (f SenseFunc) Sense(ctx context.Context) (domain.Payload, error) { return f(ctx) }
