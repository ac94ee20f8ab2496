// Package policy is the Completion Policy: given the mode of an occurrence and
// the normalized result of one attempt, it decides whether the occurrence
// completes, expires, or retries after a bounded delay.
//
// Decide is a pure function of its input; "now" is passed in.
package policy

import (
	"fmt"
	"time"

	"chronobot/internal/domain"
)

type Kind int

const (
	Retry Kind = iota + 1
	Complete
	Expire
)

func (k Kind) String() string {
	switch k {
	case Retry:
		return "retry"
	case Complete:
		return "complete"
	case Expire:
		return "expire"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Input is one attempt's result as seen by the policy.
type Input struct {
	Mode domain.CompletionMode

	Completed    bool
	Acknowledged bool
	// RetryDelay is the provider-suggested delay; nil means "not given".
	RetryDelay *time.Duration
	// Transient is set when the attempt never got a verdict from the provider.
	Transient bool

	Now        time.Time
	RetryUntil *time.Time
}

type Decision struct {
	Kind Kind
	// Delay and NextCheckAt are set for Retry only.
	Delay       time.Duration
	NextCheckAt time.Time
	Reason      string
}

// Bounds clamps provider-controlled retry delays.
type Bounds struct {
	Min       time.Duration
	Max       time.Duration
	Default   time.Duration
	Transient time.Duration
}

func DefaultBounds() Bounds {
	return Bounds{
		Min:       5 * time.Second,
		Max:       time.Hour,
		Default:   60 * time.Second,
		Transient: 10 * time.Second,
	}
}

// Normalize fills zero fields from DefaultBounds and keeps Min <= Default <= Max.
func (b Bounds) Normalize() Bounds {
	def := DefaultBounds()
	if b.Min <= 0 {
		b.Min = def.Min
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Default <= 0 {
		b.Default = def.Default
	}
	if b.Transient <= 0 {
		b.Transient = def.Transient
	}
	b.Default = b.Clamp(b.Default)
	b.Transient = b.Clamp(b.Transient)
	return b
}

// Clamp limits d to [Min, Max].
func (b Bounds) Clamp(d time.Duration) time.Duration {
	if d < b.Min {
		return b.Min
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Decide maps one attempt onto the next lifecycle step. An unknown mode is
// returned as an error and never treated as one of the known modes.
func Decide(in Input, b Bounds) (Decision, error) {
	b = b.Normalize()

	switch in.Mode {
	case domain.ModeOneShot:
		// The verdict is ignored; only an attempt that never reached the
		// provider is worth repeating.
		if !in.Transient {
			return Decision{Kind: Complete, Reason: "one-shot attempt finished"}, nil
		}
	case domain.ModeRetryUntilAcknowledged:
		if in.Acknowledged {
			return Decision{Kind: Complete, Reason: "acknowledged"}, nil
		}
	case domain.ModeRetryWithCondition:
		if in.Completed && !in.Transient {
			return Decision{Kind: Complete, Reason: "condition met"}, nil
		}
	default:
		return Decision{}, fmt.Errorf("policy: unknown completion mode %q", in.Mode)
	}

	if in.RetryUntil != nil && !in.Now.Before(*in.RetryUntil) {
		return Decision{Kind: Expire, Reason: "retry deadline reached"}, nil
	}

	delay := b.Default
	reason := "default delay"
	switch {
	case in.Transient:
		delay, reason = b.Transient, "provider unavailable"
	case in.RetryDelay != nil:
		delay, reason = b.Clamp(*in.RetryDelay), "provider delay"
	}

	next := in.Now.Add(delay)
	// Never sleep past the deadline; the check at the deadline expires the
	// occurrence unless it reaches a terminal verdict first.
	if in.RetryUntil != nil && next.After(*in.RetryUntil) {
		next = *in.RetryUntil
		delay = next.Sub(in.Now)
	}
	return Decision{Kind: Retry, Delay: delay, NextCheckAt: next, Reason: reason}, nil
}
