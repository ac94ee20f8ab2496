// Package domain holds the scheduled-action entity, its closed enumerations and
// the error taxonomy shared by the store, the scheduler and the foreground API.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of one occurrence.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition may be applied.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusExpired }

// Pending reports whether the occurrence can still become due.
func (s Status) Pending() bool { return s == StatusScheduled || s == StatusActive }

func ParseStatus(raw string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(raw))); st {
	case StatusScheduled, StatusActive, StatusCompleted, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// CompletionMode decides whether one execution suffices or retries continue.
//
// The set is closed: every switch over it handles all three arms and treats
// anything else as an error.
type CompletionMode string

const (
	ModeOneShot                CompletionMode = "one_shot"
	ModeRetryUntilAcknowledged CompletionMode = "retry_until_acknowledged"
	ModeRetryWithCondition     CompletionMode = "retry_with_condition"
)

// Modes lists the known completion modes in declaration order.
func Modes() []CompletionMode {
	return []CompletionMode{ModeOneShot, ModeRetryUntilAcknowledged, ModeRetryWithCondition}
}

func (m CompletionMode) Valid() bool {
	switch m {
	case ModeOneShot, ModeRetryUntilAcknowledged, ModeRetryWithCondition:
		return true
	default:
		return false
	}
}

// Retrying reports whether the mode may schedule more than one attempt on a verdict.
func (m CompletionMode) Retrying() bool {
	return m == ModeRetryUntilAcknowledged || m == ModeRetryWithCondition
}

// ParseMode accepts the wire names plus a few short aliases used on the CLI.
func ParseMode(raw string) (CompletionMode, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "", "one_shot", "oneshot", "once":
		return ModeOneShot, nil
	case "retry_until_acknowledged", "until_ack", "ack":
		return ModeRetryUntilAcknowledged, nil
	case "retry_with_condition", "until_condition", "condition":
		return ModeRetryWithCondition, nil
	default:
		return "", fmt.Errorf("unknown completion mode %q", raw)
	}
}

// Payload is the opaque context forwarded to the judgment provider.
// The core stores and forwards it without looking inside.
type Payload map[string]any

// Clone returns a shallow copy; nested values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Recurrence turns one definition into a flat fan-out of occurrences.
type Recurrence struct {
	Interval time.Duration
	Until    *time.Time
	// ParentID is the root definition's id; zero on the root itself.
	ParentID int64
}

// Action is one scheduled occurrence.
//
// TriggerAt never changes after creation. Retries move NextCheckAt only.
type Action struct {
	ID             int64
	Command        string
	TriggerAt      time.Time
	Mode           CompletionMode
	RetryUntil     *time.Time
	Status         Status
	AttemptCount   int
	LastAttemptAt  *time.Time
	Context        Payload
	Recurrence     *Recurrence
	NextCheckAt    time.Time
	LastMessage    string
	Version        int64
	ClaimToken     string
	ClaimUntil     *time.Time
	SuccessorSpawn bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RootID returns the id of the recurrence definition this occurrence belongs to.
func (a Action) RootID() int64 {
	if a.Recurrence != nil && a.Recurrence.ParentID != 0 {
		return a.Recurrence.ParentID
	}
	return a.ID
}

// Recurring reports whether the occurrence belongs to a recurrence chain.
func (a Action) Recurring() bool { return a.Recurrence != nil && a.Recurrence.Interval > 0 }

// Spec is a validated request to create an action; it is what the
// request interpreter hands to the core.
type Spec struct {
	Command    string
	TriggerAt  time.Time
	Mode       CompletionMode
	RetryUntil *time.Time
	Context    Payload
	Recurrence *RecurrenceSpec
}

type RecurrenceSpec struct {
	Interval time.Duration
	Until    *time.Time
}

// Validate checks the creation constraints and reports the first violation.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return &ValidationError{Field: "command", Reason: "command is required"}
	}
	if s.TriggerAt.IsZero() {
		return &ValidationError{Field: "triggerTime", Reason: "triggerTime is required"}
	}
	if !s.Mode.Valid() {
		return &ValidationError{Field: "completionMode", Reason: fmt.Sprintf("unknown completion mode %q", s.Mode)}
	}
	if s.RetryUntil != nil && s.RetryUntil.Before(s.TriggerAt) {
		return &ValidationError{Field: "retryUntil", Reason: "retryUntil before triggerTime"}
	}
	if r := s.Recurrence; r != nil {
		if r.Interval < time.Second {
			return &ValidationError{Field: "recurrence.intervalSeconds", Reason: "intervalSeconds must be a positive integer"}
		}
		if r.Interval%time.Second != 0 {
			return &ValidationError{Field: "recurrence.intervalSeconds", Reason: "interval must be a whole number of seconds"}
		}
		if r.Until != nil && r.Until.Before(s.TriggerAt) {
			return &ValidationError{Field: "recurrence.until", Reason: "recurrence until before triggerTime"}
		}
	}
	return nil
}

// NewAction builds the initial Scheduled occurrence for a valid spec.
func NewAction(s Spec, now time.Time) (Action, error) {
	if err := s.Validate(); err != nil {
		return Action{}, err
	}
	a := Action{
		Command:      s.Command,
		TriggerAt:    s.TriggerAt,
		Mode:         s.Mode,
		RetryUntil:   copyTime(s.RetryUntil),
		Status:       StatusScheduled,
		AttemptCount: 0,
		Context:      s.Context.Clone(),
		NextCheckAt:  s.TriggerAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r := s.Recurrence; r != nil {
		a.Recurrence = &Recurrence{Interval: r.Interval, Until: copyTime(r.Until)}
	}
	return a, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
