// Package effector holds the built-in delivery sinks for attempt outcomes.
package effector

import (
	"context"
	"errors"
	"fmt"

	"chronobot/internal/executor"
	logx "chronobot/pkg/logx"
)

// Log writes every delivery to the structured log. It is the fallback sink
// when no device or chat effector is configured.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "effector.log"))}
}

func (l *Log) Deliver(_ context.Context, d executor.Delivery) error {
	fields := []logx.Field{
		logx.Int64("action_id", d.ActionID),
		logx.String("mode", string(d.Mode)),
		logx.String("message", d.Message),
	}
	if len(d.EffectPlan) > 0 {
		fields = append(fields, logx.String("effect_plan", string(d.EffectPlan)))
	}
	l.log.Info("deliver", fields...)
	return nil
}

// Multi fans a delivery out to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi []executor.Effector

func (m Multi) Deliver(ctx context.Context, d executor.Delivery) error {
	var errs []error
	for i, e := range m {
		if e == nil {
			continue
		}
		if err := e.Deliver(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("effector %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Compact drops nil sinks and unwraps a single remaining one.
func Compact(sinks ...executor.Effector) executor.Effector {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
