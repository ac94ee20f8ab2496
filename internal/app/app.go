// Package app wires the daemon: configuration, logging, the action store,
// the executor with its provider and effectors, the scheduler and the audit
// recorder, plus live config reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chronobot/internal/actions"
	"chronobot/internal/audit"
	"chronobot/internal/clock"
	"chronobot/internal/config"
	"chronobot/internal/effector"
	"chronobot/internal/effector/telegram"
	"chronobot/internal/eventbus"
	"chronobot/internal/executor"
	"chronobot/internal/provider/gemini"
	"chronobot/internal/provider/reminder"
	rtsup "chronobot/internal/runtime/supervisor"
	"chronobot/internal/scheduler"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clk   clock.Clock
	sd    sdNotifier

	exec    *executor.Adapter
	sched   *scheduler.Service
	audit   *audit.Recorder
	tg      *telegram.Bot
	actions *actions.Service
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)
	cfgm.SetValidator(validate)
	a, err := build(ctx, cfgm, logs, log, clock.Real())
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfgm *config.Manager, logs *logx.Service, log logx.Logger, clk clock.Clock) (_ *App, err error) {
	cfg := cfgm.Get()
	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New(), clk: clk}
	a.sd = newSDNotifier(a.log)
	defer func() {
		if err != nil && a.store != nil {
			_ = a.store.Close()
		}
	}()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return nil, err
	}

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	execCfg, err := mapExecutor(cfg)
	if err != nil {
		return nil, err
	}

	acks := executor.NewAckBook()
	a.actions = actions.New(a.store, acks, a.bus, clk, log)

	var provider executor.JudgmentProvider = reminder.New()
	if gc, ok := mapGemini(cfg); ok {
		gp, err := gemini.New(ctx, gc, log)
		if err != nil {
			return nil, err
		}
		provider = gp
		a.log.Info("judgment provider: gemini", logx.String("model", gp.Model()))
	} else {
		a.log.Info("judgment provider: reminder (no model configured)")
	}

	var sinks []executor.Effector
	if tc, ok, err := mapTelegram(cfg); err != nil {
		return nil, err
	} else if ok {
		if a.tg, err = telegram.New(tc, a.actions, log); err != nil {
			return nil, err
		}
		sinks = append(sinks, a.tg)
	} else {
		sinks = append(sinks, effector.NewLog(log))
	}

	a.exec = executor.New(execCfg, provider, executor.Options{
		Effector: effector.Compact(sinks...),
		Acks:     acks,
		Clock:    clk,
	}, log)
	a.sched = scheduler.New(schedCfg, a.store, a.exec, clk, log, a.bus)
	a.audit = audit.New(a.store, a.bus, log)
	return a, nil
}

// validate is the reload gate: a config that cannot be mapped onto the
// running components is rejected before it is committed.
func validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := mapStorage(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapScheduler(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapExecutor(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapTelegram(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Actions is the foreground entry point for creating and managing actions.
func (a *App) Actions() *actions.Service { return a.actions }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.audit.Start(c)
	a.sched.Start(c)
	if a.tg != nil {
		a.tg.Start(c)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.watchdog(c, a.healthy)
	})

	a.sd.ready()
	a.log.Info("app started", logx.Bool("scheduler_enabled", a.sched.Enabled()))
	return nil
}

// healthy reports whether the scheduler loop is making progress.
func (a *App) healthy() bool {
	snap := a.sched.Snapshot()
	if !snap.Running {
		return false
	}
	if !snap.Enabled || snap.LastPassAt.IsZero() {
		return true
	}
	return a.clk.Now().Sub(snap.LastPassAt) < 3*snap.Interval+time.Minute
}

// apply pushes a reloaded config onto the running components. Sections that
// need a restart are only reported.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(newCfg))

	if sc, err := mapScheduler(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if ec, err := mapExecutor(newCfg); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(ec)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot hold up the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step slow", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 5*time.Second, a.sched.Stop)
	if a.tg != nil {
		step("telegram", 3*time.Second, a.tg.Stop)
	}
	step("audit", 2*time.Second, a.audit.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
