package policy

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"chronobot/internal/domain"
)

func TestDecideProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	modes := domain.Modes()
	bounds := DefaultBounds()

	// Property: a retry is never scheduled in the past or beyond the deadline,
	// and never sooner than Min unless the deadline is closer.
	properties.Property("retry delays stay within bounds", prop.ForAll(
		func(modeIdx int, delaySec int64, hasDelay, completed, acked, transient bool, deadlineSec int64) bool {
			deadline := t0.Add(time.Duration(deadlineSec) * time.Second)
			in := Input{
				Mode:         modes[modeIdx],
				Completed:    completed,
				Acknowledged: acked,
				Transient:    transient,
				Now:          t0,
				RetryUntil:   &deadline,
			}
			if hasDelay {
				d := time.Duration(delaySec) * time.Second
				in.RetryDelay = &d
			}
			got, err := Decide(in, bounds)
			if err != nil {
				return false
			}
			if got.Kind != Retry {
				return true
			}
			if got.NextCheckAt.After(deadline) || got.NextCheckAt.Before(t0) {
				return false
			}
			if got.Delay > bounds.Max {
				return false
			}
			untilDeadline := deadline.Sub(t0)
			return got.Delay >= bounds.Min || got.Delay == untilDeadline
		},
		gen.IntRange(0, len(modes)-1),
		gen.Int64Range(-3600, 10*86400),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Int64Range(0, 7200),
	))

	// Property: once the deadline has passed, nothing retries.
	properties.Property("past deadline never retries", prop.ForAll(
		func(modeIdx int, completed, acked, transient bool, lateSec int64) bool {
			deadline := t0
			got, err := Decide(Input{
				Mode:         modes[modeIdx],
				Completed:    completed,
				Acknowledged: acked,
				Transient:    transient,
				Now:          t0.Add(time.Duration(lateSec) * time.Second),
				RetryUntil:   &deadline,
			}, bounds)
			return err == nil && got.Kind != Retry
		},
		gen.IntRange(0, len(modes)-1),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Int64Range(0, 86400),
	))

	// Property: one-shot with a reachable provider always completes.
	properties.Property("one shot completes", prop.ForAll(
		func(completed, acked bool, delaySec int64) bool {
			d := time.Duration(delaySec) * time.Second
			got, err := Decide(Input{
				Mode: domain.ModeOneShot, Completed: completed, Acknowledged: acked,
				RetryDelay: &d, Now: t0,
			}, bounds)
			return err == nil && got.Kind == Complete
		},
		gen.Bool(),
		gen.Bool(),
		gen.Int64Range(-10, 10000),
	))

	properties.TestingRun(t)
}
