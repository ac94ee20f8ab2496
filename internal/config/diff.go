package config

import (
	"reflect"
	"strings"

	logx "chronobot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// log fields describing the new values. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.interval", s.Interval),
			logx.Int("scheduler.workers", s.Workers),
			logx.Bool("scheduler.spawn_on_expire", s.SpawnsOnExpire()),
			logx.String("scheduler.retention", s.Retention),
		)
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.timeout", newCfg.Executor.Timeout),
			logx.Int("executor.circuit_trip_failures", newCfg.Executor.CircuitTripFailures),
		)
	}
	if !reflect.DeepEqual(oldCfg.Gemini, newCfg.Gemini) {
		changed = append(changed, "gemini")
		if g := newCfg.Gemini; g != nil {
			attrs = append(attrs,
				logx.String("gemini.model", g.Model),
				logx.Bool("gemini.api_key_set", strings.TrimSpace(g.APIKey) != ""),
			)
		} else {
			attrs = append(attrs, logx.Bool("gemini.enabled", false))
		}
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		if t := newCfg.Telegram; t != nil {
			attrs = append(attrs,
				logx.Int64("telegram.chat_id", t.ChatID),
				logx.Int("telegram.rate_per_sec", t.RatePerSec),
			)
		} else {
			attrs = append(attrs, logx.Bool("telegram.enabled", false))
		}
	}
	return changed, attrs
}

// RestartRequired reports the changed sections that only take effect on the
// next start.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "gemini", "telegram":
			out = append(out, s)
		}
	}
	return out
}
