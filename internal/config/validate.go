package config

import (
	"errors"
	"fmt"
	"strings"

	logx "chronobot/pkg/logx"
)

// Validate checks the parts of the file that decoding alone cannot: known
// enums, parseable durations and required fields of enabled sections. All
// problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := Duration(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)

	s := cfg.Scheduler
	check("scheduler.interval", s.Interval)
	check("scheduler.execution_timeout", s.ExecutionTimeout)
	check("scheduler.min_retry_delay", s.MinRetryDelay)
	check("scheduler.max_retry_delay", s.MaxRetryDelay)
	check("scheduler.default_retry_delay", s.DefaultRetryDelay)
	check("scheduler.transient_retry_delay", s.TransientRetryDelay)
	check("scheduler.retention", s.Retention)
	if s.Workers < 0 {
		errs = append(errs, errors.New("scheduler.workers: must be >= 0"))
	}
	if s.BatchSize < 0 {
		errs = append(errs, errors.New("scheduler.batch_size: must be >= 0"))
	}

	e := cfg.Executor
	check("executor.timeout", e.Timeout)
	check("executor.sense_timeout", e.SenseTimeout)
	check("executor.deliver_timeout", e.DeliverTimeout)
	check("executor.circuit_base_delay", e.CircuitBaseDelay)
	check("executor.circuit_max_delay", e.CircuitMaxDelay)
	check("executor.circuit_reset_after", e.CircuitResetAfter)

	if g := cfg.Gemini; g != nil && (g.Temperature < 0 || g.Temperature > 2) {
		errs = append(errs, fmt.Errorf("gemini.temperature: %v out of range [0,2]", g.Temperature))
	}
	if t := cfg.Telegram; t != nil {
		if strings.TrimSpace(t.Token) == "" {
			errs = append(errs, errors.New("telegram.token: required"))
		}
		if t.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id: required"))
		}
		check("telegram.poll_timeout", t.PollTimeout)
	}
	return errors.Join(errs...)
}
