// Package actions is the foreground entry point to the core: the request
// interpreter creates actions here and the administrative surface inspects
// and deletes them.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chronobot/internal/clock"
	"chronobot/internal/domain"
	"chronobot/internal/eventbus"
	"chronobot/internal/executor"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

type Service struct {
	store storage.Store
	acks  *executor.AckBook
	bus   eventbus.Bus
	clk   clock.Clock
	log   logx.Logger
}

// New builds the facade. acks and bus may be nil.
func New(store storage.Store, acks *executor.AckBook, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, acks: acks, bus: bus, clk: clk, log: log.With(logx.String("comp", "actions"))}
}

// CreateScheduledAction validates spec and persists it as a Scheduled action.
// Nothing is written when validation fails.
func (s *Service) CreateScheduledAction(ctx context.Context, spec domain.Spec) (int64, error) {
	now := s.clk.Now()
	a, err := domain.NewAction(spec, now)
	if err != nil {
		return 0, err
	}
	id, err := s.store.Create(ctx, a)
	if err != nil {
		return 0, err
	}
	s.log.Info("action created",
		logx.Int64("action_id", id),
		logx.String("mode", string(a.Mode)),
		logx.Time("trigger_at", a.TriggerAt),
	)
	s.publish(eventbus.Event{Type: eventbus.ActionCreated, ActionID: id, Time: now, Detail: a.TriggerAt.UTC().Format(time.RFC3339)})
	return id, nil
}

func (s *Service) Get(ctx context.Context, id int64) (domain.Action, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f storage.Filter) ([]domain.Action, error) {
	return s.store.List(ctx, f)
}

// Delete removes the action. An attempt already in flight finishes but its
// result is discarded.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.acks.Forget(id)
	s.log.Info("action deleted", logx.Int64("action_id", id))
	s.publish(eventbus.Event{Type: eventbus.ActionDeleted, ActionID: id, Time: s.clk.Now()})
	return nil
}

// ListByParent returns every occurrence spawned from the root definition.
func (s *Service) ListByParent(ctx context.Context, parentID int64) ([]domain.Action, error) {
	return s.store.ListByParent(ctx, parentID)
}

// History returns the recorded lifecycle events of one action, newest last.
func (s *Service) History(ctx context.Context, id int64, limit int) ([]storage.Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, limit)
}

// Acknowledge records an out-of-band acknowledgment; the next attempt of the
// action sees it. Only pending actions waiting for acknowledgment accept one.
func (s *Service) Acknowledge(ctx context.Context, id int64) error {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Mode != domain.ModeRetryUntilAcknowledged {
		return &domain.ValidationError{Field: "completionMode", Reason: fmt.Sprintf("action %d does not wait for acknowledgment", id)}
	}
	if !a.Status.Pending() {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("action %d is %s", id, a.Status)}
	}
	if s.acks == nil {
		return errors.New("acknowledgments are not enabled")
	}
	s.acks.Ack(id, s.clk.Now())
	return nil
}

func (s *Service) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
