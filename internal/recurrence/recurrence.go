// Package recurrence computes the next occurrence of a recurring action.
package recurrence

import (
	"time"

	"chronobot/internal/domain"
)

// Next returns the successor of a finished occurrence, or false when the
// occurrence is not recurring or the chain has reached its until bound.
//
// The next trigger is derived from the finished occurrence's own trigger time,
// not from the time it ran, so execution delay does not accumulate. The
// successor links to the root definition, keeping the fan-out flat.
func Next(done domain.Action, now time.Time) (domain.Action, bool) {
	r := done.Recurrence
	if r == nil || r.Interval <= 0 {
		return domain.Action{}, false
	}

	trigger := done.TriggerAt.Add(r.Interval)
	if r.Until != nil && trigger.After(*r.Until) {
		return domain.Action{}, false
	}

	next := domain.Action{
		Command:     done.Command,
		TriggerAt:   trigger,
		Mode:        done.Mode,
		Status:      domain.StatusScheduled,
		Context:     done.Context.Clone(),
		NextCheckAt: trigger,
		Recurrence: &domain.Recurrence{
			Interval: r.Interval,
			Until:    copyTime(r.Until),
			ParentID: done.RootID(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if done.RetryUntil != nil {
		window := done.RetryUntil.Sub(done.TriggerAt)
		ru := trigger.Add(window)
		next.RetryUntil = &ru
	}
	return next, true
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
