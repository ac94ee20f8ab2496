package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"chronobot/internal/clock"
	"chronobot/internal/eventbus"
	rtsup "chronobot/internal/runtime/supervisor"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

func New(cfg Config, store storage.Store, exec Executor, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		exec:  exec,
		clk:   clk,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		reset:  make(chan struct{}, 1),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool { return s.config().Enabled }

// Apply swaps the configuration. Cadence and retention changes take effect
// without a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	if running && (old.RetentionSchedule != cfg.RetentionSchedule || old.Retention != cfg.Retention) {
		s.schedulePruneLocked()
	}
	s.mu.Unlock()

	if running && old.Interval != cfg.Interval {
		select {
		case s.reset <- struct{}{}:
		default:
		}
	}
	if running && old.Enabled != cfg.Enabled {
		s.log.Info("scheduler toggled", logx.Bool("enabled", cfg.Enabled))
	}
}

// Start launches the cadence loop and the retention job. Passes only run
// while the config is enabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	cur := s.cfg

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	cl := cronLogger{log: s.log.With(logx.String("sub", "cron"))}
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.schedulePruneLocked()
	s.cron.Start()

	s.sup.GoRestart("scheduler.loop", s.loop,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("service started",
		logx.Bool("enabled", cur.Enabled),
		logx.Duration("interval", cur.Interval),
		logx.Int("workers", cur.Workers),
	)
}

// Stop cancels the loop and waits for in-flight passes, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	sup, c := s.sup, s.cron
	s.sup, s.cron, s.pruneID = nil, nil, 0
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Service) loop(ctx context.Context) error {
	interval := s.config().Interval
	t := time.NewTicker(interval)
	defer t.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reset:
			interval = s.config().Interval
			t.Reset(interval)
			s.log.Debug("cadence changed", logx.Duration("interval", interval))
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if !s.config().Enabled {
		return
	}
	// RunPass logs its own failures; a failed pass is a no-op and the loop keeps going.
	_, _ = s.RunPass(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	var next time.Time
	if s.cron != nil && s.pruneID != 0 {
		next = s.cron.Entry(s.pruneID).Next
	}
	s.mu.Unlock()

	st := &s.stats
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		Enabled:      cfg.Enabled,
		Running:      running,
		Interval:     cfg.Interval,
		Workers:      cfg.Workers,
		InFlight:     st.inFlight.Load(),
		Passes:       st.passes.Load(),
		Claimed:      st.claimed.Load(),
		Completed:    st.completed.Load(),
		Expired:      st.expired.Load(),
		Retried:      st.retried.Load(),
		Spawned:      st.spawned.Load(),
		Discarded:    st.discarded.Load(),
		Failed:       st.failed.Load(),
		Pruned:       st.pruned.Load(),
		LastPassAt:   st.lastPassAt,
		LastPassTook: st.lastPassTook,
		LastDue:      st.lastDue,
		LastError:    st.lastErr,
		LastErrorAt:  st.lastErrAt,
		NextPrune:    next,
	}
}

func (s *Service) publish(e eventbus.Event) {
	if s.bus == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = s.clk.Now()
	}
	s.bus.Publish(e)
}

func (s *Service) noteError(err error) {
	st := &s.stats
	st.mu.Lock()
	st.lastErr = err.Error()
	st.lastErrAt = s.clk.Now()
	st.mu.Unlock()
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
