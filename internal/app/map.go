package app

import (
	"strings"
	"time"

	"chronobot/internal/config"
	"chronobot/internal/effector/telegram"
	"chronobot/internal/executor"
	"chronobot/internal/policy"
	"chronobot/internal/provider/gemini"
	"chronobot/internal/scheduler"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

const defaultStorePath = "./chronobot.db"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStorePath
	}
	return storage.Config{Driver: strings.ToLower(strings.TrimSpace(sc.Driver)), Path: path, BusyTimeout: busy}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	var (
		out  = scheduler.Config{Enabled: s.Enabled, Workers: s.Workers, BatchSize: s.BatchSize, SpawnOnExpire: s.SpawnsOnExpire(), RetentionSchedule: strings.TrimSpace(s.RetentionSchedule)}
		def  = policy.DefaultBounds()
		errs error
	)
	parse := func(path, raw string, fallback time.Duration) time.Duration {
		d, err := config.Duration(path, raw, fallback)
		if err != nil && errs == nil {
			errs = err
		}
		return d
	}
	out.Interval = parse("scheduler.interval", s.Interval, 0)
	out.ExecutionTimeout = parse("scheduler.execution_timeout", s.ExecutionTimeout, 0)
	out.Retention = parse("scheduler.retention", s.Retention, 0)
	out.Bounds = policy.Bounds{
		Min:       parse("scheduler.min_retry_delay", s.MinRetryDelay, def.Min),
		Max:       parse("scheduler.max_retry_delay", s.MaxRetryDelay, def.Max),
		Default:   parse("scheduler.default_retry_delay", s.DefaultRetryDelay, def.Default),
		Transient: parse("scheduler.transient_retry_delay", s.TransientRetryDelay, def.Transient),
	}
	if errs != nil {
		return scheduler.Config{}, errs
	}
	if out.RetentionSchedule != "" {
		if err := scheduler.ValidateRetentionSchedule(out.RetentionSchedule); err != nil {
			return scheduler.Config{}, err
		}
	}
	return out, nil
}

func mapExecutor(cfg *config.Config) (executor.Config, error) {
	e := cfg.Executor
	out := executor.Config{CircuitTripFailures: e.CircuitTripFailures}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"executor.timeout", e.Timeout, &out.Timeout},
		{"executor.sense_timeout", e.SenseTimeout, &out.SenseTimeout},
		{"executor.deliver_timeout", e.DeliverTimeout, &out.DeliverTimeout},
		{"executor.circuit_base_delay", e.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"executor.circuit_max_delay", e.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"executor.circuit_reset_after", e.CircuitResetAfter, &out.CircuitResetAfter},
	} {
		if *f.dst, err = config.Duration(f.path, f.raw, 0); err != nil {
			return executor.Config{}, err
		}
	}
	return out, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, bool, error) {
	t := cfg.Telegram
	if t == nil {
		return telegram.Config{}, false, nil
	}
	poll, err := config.Duration("telegram.poll_timeout", t.PollTimeout, 0)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:       t.Token,
		ChatID:      t.ChatID,
		ThreadID:    t.ThreadID,
		ParseMode:   t.ParseMode,
		PollTimeout: poll,
		RatePerSec:  t.RatePerSec,
	}, true, nil
}

func mapGemini(cfg *config.Config) (gemini.Config, bool) {
	g := cfg.Gemini
	if g == nil {
		return gemini.Config{}, false
	}
	return gemini.Config{
		APIKey:          g.APIKey,
		Model:           g.Model,
		Temperature:     g.Temperature,
		InstructionFile: g.InstructionFile,
	}, true
}
