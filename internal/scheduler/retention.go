package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "chronobot/pkg/logx"
)

// schedulePruneLocked (re)registers the retention job. Caller holds s.mu.
func (s *Service) schedulePruneLocked() {
	if s.cron == nil {
		return
	}
	if s.pruneID != 0 {
		s.cron.Remove(s.pruneID)
		s.pruneID = 0
	}
	cfg := s.cfg
	if cfg.Retention <= 0 {
		return
	}
	sched, err := s.parser.Parse(cfg.RetentionSchedule)
	if err != nil {
		s.log.Error("bad retention schedule; pruning disabled", logx.String("spec", cfg.RetentionSchedule), logx.Err(err))
		return
	}
	s.pruneID = s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Prune(ctx); err != nil {
			s.log.Warn("retention prune failed", logx.Err(err))
		}
	}))
	s.log.Debug("retention scheduled", logx.String("spec", cfg.RetentionSchedule), logx.Duration("retention", cfg.Retention))
}

// Prune deletes terminal actions last updated more than Retention ago.
// It is a no-op when Retention is zero.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	cfg := s.config()
	if cfg.Retention <= 0 {
		return 0, nil
	}
	return s.PruneBefore(ctx, s.clk.Now().Add(-cfg.Retention))
}

// PruneBefore deletes terminal actions last updated before cutoff.
func (s *Service) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.PruneTerminal(ctx, cutoff)
	if err != nil {
		s.noteError(err)
		return 0, err
	}
	s.stats.pruned.Add(n)
	if n > 0 {
		s.log.Info("pruned terminal actions", logx.Int64("count", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

// ValidateRetentionSchedule reports whether spec parses as a cron spec.
func ValidateRetentionSchedule(spec string) error {
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(spec)
	return err
}
