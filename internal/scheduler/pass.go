package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chronobot/internal/domain"
	"chronobot/internal/eventbus"
	"chronobot/internal/policy"
	"chronobot/internal/recurrence"
	rtsup "chronobot/internal/runtime/supervisor"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

type result int

const (
	resSkipped result = iota
	resCompleted
	resExpired
	resRetried
	resDiscarded
	resFailed
)

type actionResult struct {
	res     result
	claimed bool
	spawned bool
}

// RunPass runs one scheduler pass. The error is non-nil only when the due
// list could not be read; per-action failures are logged and counted.
func (s *Service) RunPass(ctx context.Context) (PassResult, error) {
	cfg := s.config()
	start := s.clk.Now()
	s.stats.passes.Add(1)

	due, err := s.store.ListDue(ctx, start, cfg.BatchSize)
	if err != nil {
		s.log.Error("list due failed; skipping pass", logx.Err(err))
		s.noteError(err)
		return PassResult{}, err
	}

	results := make([]actionResult, len(due))
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			results[i] = s.process(ctx, cfg, due[i])
			return nil
		})
	}
	_ = g.Wait()

	pr := PassResult{Due: len(due)}
	for _, r := range results {
		if r.claimed {
			pr.Claimed++
		}
		if r.spawned {
			pr.Spawned++
		}
		switch r.res {
		case resSkipped:
			pr.Skipped++
		case resCompleted:
			pr.Completed++
		case resExpired:
			pr.Expired++
		case resRetried:
			pr.Retried++
		case resDiscarded:
			pr.Discarded++
		case resFailed:
			pr.Failed++
		}
	}

	took := s.clk.Now().Sub(start)
	s.stats.mu.Lock()
	s.stats.lastPassAt = start
	s.stats.lastPassTook = took
	s.stats.lastDue = len(due)
	s.stats.mu.Unlock()

	if pr.Due > 0 {
		s.log.Debug("pass finished",
			logx.Int("due", pr.Due),
			logx.Int("claimed", pr.Claimed),
			logx.Int("completed", pr.Completed),
			logx.Int("expired", pr.Expired),
			logx.Int("retried", pr.Retried),
			logx.Int("spawned", pr.Spawned),
			logx.Int("discarded", pr.Discarded),
			logx.Int("failed", pr.Failed),
		)
	}
	return pr, nil
}

// process handles one due action in isolation: a panic or error here never
// affects other actions in the pass.
func (s *Service) process(ctx context.Context, cfg Config, a domain.Action) (out actionResult) {
	log := s.log.With(logx.Int64("action_id", a.ID))
	err := rtsup.Safe(ctx, "scheduler.action", func(ctx context.Context) error {
		var err error
		out, err = s.processAction(ctx, cfg, a, log)
		return err
	})
	if err != nil {
		log.Error("action processing failed", logx.Err(err))
		s.noteError(err)
		s.stats.failed.Add(1)
		out.res = resFailed
	}
	return out
}

func (s *Service) processAction(ctx context.Context, cfg Config, a domain.Action, log logx.Logger) (actionResult, error) {
	token := uuid.NewString()
	now := s.clk.Now()
	claimed, err := s.store.Claim(ctx, storage.Claim{
		ID:              a.ID,
		ExpectedVersion: a.Version,
		Token:           token,
		Now:             now,
		LeaseUntil:      now.Add(cfg.ExecutionTimeout + leaseSlack),
	})
	switch {
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		log.Debug("claim lost", logx.Err(err))
		return actionResult{res: resSkipped}, nil
	case err != nil:
		return actionResult{}, fmt.Errorf("claim: %w", err)
	}
	s.stats.claimed.Add(1)
	s.stats.inFlight.Add(1)
	defer s.stats.inFlight.Add(-1)
	s.publish(eventbus.Event{Type: eventbus.ActionClaimed, ActionID: claimed.ID, Attempt: claimed.AttemptCount, Time: now})

	ectx, cancel := context.WithTimeout(ctx, cfg.ExecutionTimeout)
	outcome := s.exec.Execute(ectx, claimed)
	cancel()

	now = s.clk.Now()
	dec, err := policy.Decide(policy.Input{
		Mode:         claimed.Mode,
		Completed:    outcome.Completed,
		Acknowledged: outcome.Acknowledged,
		RetryDelay:   outcome.RetryDelay,
		Transient:    outcome.Transient(),
		Now:          now,
		RetryUntil:   claimed.RetryUntil,
	}, cfg.Bounds)
	if err != nil {
		// The claim lease runs out and the action is retried next lease.
		return actionResult{claimed: true}, err
	}

	patch := storage.Patch{ClaimToken: token, ReleaseClaim: true, Now: now}
	if !outcome.Transient() {
		msg := outcome.Message
		patch.LastMessage = &msg
	}

	res := actionResult{claimed: true}
	var status domain.Status
	switch dec.Kind {
	case policy.Retry:
		status = domain.StatusActive
		next := dec.NextCheckAt
		patch.NextCheckAt = &next
		res.res = resRetried
	case policy.Complete:
		status = domain.StatusCompleted
		res.res = resCompleted
	case policy.Expire:
		status = domain.StatusExpired
		res.res = resExpired
	}
	patch.Status = &status

	var (
		updated domain.Action
		succID  int64
	)
	spawn := dec.Kind == policy.Complete || (dec.Kind == policy.Expire && cfg.SpawnOnExpire)
	successor, ok := domain.Action{}, false
	if spawn && !claimed.SuccessorSpawn {
		successor, ok = recurrence.Next(claimed, now)
	}
	if ok {
		updated, succID, err = s.store.UpdateAndSpawn(ctx, claimed.ID, claimed.Version, patch, successor)
	} else {
		updated, err = s.store.Update(ctx, claimed.ID, claimed.Version, patch)
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		log.Info("result discarded; action changed or deleted during execution", logx.Err(err))
		s.stats.discarded.Add(1)
		s.publish(eventbus.Event{Type: eventbus.ActionDiscarded, ActionID: claimed.ID, Attempt: claimed.AttemptCount, Detail: err.Error(), Time: now})
		return actionResult{claimed: true, res: resDiscarded}, nil
	}
	if err != nil {
		s.releaseClaim(ctx, claimed, token, log)
		return res, fmt.Errorf("persist %s: %w", dec.Kind, err)
	}
	if st, ok := s.exec.(ackSettler); ok {
		st.SettleAck(claimed.ID, outcome)
	}

	switch dec.Kind {
	case policy.Retry:
		s.stats.retried.Add(1)
		log.Debug("retry scheduled", logx.Time("next_check_at", dec.NextCheckAt), logx.String("reason", dec.Reason))
		s.publish(eventbus.Event{Type: eventbus.ActionRetry, ActionID: updated.ID, Attempt: updated.AttemptCount, Detail: dec.NextCheckAt.UTC().Format(time.RFC3339), Time: now})
	case policy.Complete:
		s.stats.completed.Add(1)
		log.Info("action completed", logx.Int("attempts", updated.AttemptCount), logx.String("reason", dec.Reason))
		s.publish(eventbus.Event{Type: eventbus.ActionCompleted, ActionID: updated.ID, Attempt: updated.AttemptCount, Detail: dec.Reason, Time: now})
	case policy.Expire:
		s.stats.expired.Add(1)
		log.Info("action expired", logx.Int("attempts", updated.AttemptCount))
		s.publish(eventbus.Event{Type: eventbus.ActionExpired, ActionID: updated.ID, Attempt: updated.AttemptCount, Detail: dec.Reason, Time: now})
	}
	if succID != 0 {
		res.spawned = true
		s.stats.spawned.Add(1)
		log.Info("next occurrence spawned", logx.Int64("next_id", succID), logx.Time("trigger_at", successor.TriggerAt))
		s.publish(eventbus.Event{Type: eventbus.ActionSpawned, ActionID: succID, Detail: fmt.Sprintf("from %d", updated.ID), Time: now})
	}
	return res, nil
}

// releaseClaim drops the lease after a failed write so the action is due again
// on the next pass instead of after the lease runs out.
func (s *Service) releaseClaim(ctx context.Context, claimed domain.Action, token string, log logx.Logger) {
	_, err := s.store.Update(ctx, claimed.ID, claimed.Version, storage.Patch{
		ClaimToken:   token,
		ReleaseClaim: true,
		Now:          s.clk.Now(),
	})
	if err != nil {
		log.Warn("claim release failed; action waits for the lease", logx.Err(err))
		return
	}
	log.Info("claim released after failed write")
}
