package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chronobot/internal/clock"
	"chronobot/internal/domain"
	logx "chronobot/pkg/logx"
)

// ErrCircuitOpen is the cause of transient outcomes produced while the
// provider breaker is open.
var ErrCircuitOpen = errors.New("judgment provider circuit open")

type Config struct {
	Timeout        time.Duration // provider call; default 30s
	SenseTimeout   time.Duration // default 5s
	DeliverTimeout time.Duration // default 15s

	// CircuitTripFailures: 0 means default (5), negative disables the breaker.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SenseTimeout <= 0 {
		c.SenseTimeout = 5 * time.Second
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 15 * time.Second
	}
	return c
}

// Options carries the optional collaborators of an Adapter.
type Options struct {
	Effector Effector
	Sensor   Sensor
	Acks     *AckBook
	Clock    clock.Clock
}

// Adapter turns one due action into a provider call and a normalized Outcome.
// It is safe for concurrent use by the scheduler's workers.
type Adapter struct {
	mu  sync.RWMutex
	cfg Config

	provider JudgmentProvider
	effector Effector
	sensor   Sensor
	acks     *AckBook
	clk      clock.Clock
	log      logx.Logger

	br breaker
}

type Snapshot struct {
	ConsecutiveFailures int
	CircuitOpen         bool
	OpenUntil           time.Time
	PendingAcks         int
}

func New(cfg Config, provider JudgmentProvider, opts Options, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Acks == nil {
		opts.Acks = NewAckBook()
	}
	cfg = cfg.withDefaults()
	a := &Adapter{
		cfg:      cfg,
		provider: provider,
		effector: opts.Effector,
		sensor:   opts.Sensor,
		acks:     opts.Acks,
		clk:      opts.Clock,
		log:      log.With(logx.String("comp", "executor")),
	}
	a.br.setConfig(cfg)
	return a
}

func (a *Adapter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.br.setConfig(cfg)
}

func (a *Adapter) Acks() *AckBook { return a.acks }

func (a *Adapter) Snapshot() Snapshot {
	fails, open, until := a.br.snapshot(a.clk.Now())
	return Snapshot{ConsecutiveFailures: fails, CircuitOpen: open, OpenUntil: until, PendingAcks: a.acks.Len()}
}

// Execute runs one attempt for an action the scheduler has already claimed.
// It never returns an error: provider and sensor failures become a transient
// Outcome, malformed responses a negative one.
func (a *Adapter) Execute(ctx context.Context, act domain.Action) Outcome {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()

	log := a.log.With(logx.Int64("action_id", act.ID), logx.Int("attempt", act.AttemptCount))

	// Out-of-band acknowledgments count whether or not the provider answers.
	// They stay in the book until the caller has recorded the transition.
	ackedAt, acked := a.acks.Peek(act.ID)

	out := a.judge(ctx, cfg, act, log)
	if acked {
		out.Acknowledged = true
		out.AckedAt = ackedAt
	}
	if out.Transient() {
		log.Warn("attempt got no verdict", logx.Err(out.Err), logx.Bool("acknowledged", out.Acknowledged))
		return out
	}

	log.Debug("verdict",
		logx.Bool("completed", out.Completed),
		logx.Bool("acknowledged", out.Acknowledged),
		logx.String("reason", out.Reason),
	)
	a.deliver(ctx, cfg, act, out, log)
	return out
}

// SettleAck clears the acknowledgment an outcome used. Call it only after the
// resulting transition is stored.
func (a *Adapter) SettleAck(actionID int64, out Outcome) {
	if out.AckedAt.IsZero() {
		return
	}
	a.acks.Settle(actionID, out.AckedAt)
}

func (a *Adapter) judge(ctx context.Context, cfg Config, act domain.Action, log logx.Logger) Outcome {
	if a.provider == nil {
		return Outcome{Err: &domain.TransientProviderError{Op: "judge", Err: errors.New("no judgment provider configured")}}
	}
	if open, until := a.br.isOpen(a.clk.Now()); open {
		return Outcome{Err: &domain.TransientProviderError{
			Op:  "judge",
			Err: fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339)),
		}}
	}

	var sensed domain.Payload
	if a.sensor != nil {
		sctx, cancel := context.WithTimeout(ctx, cfg.SenseTimeout)
		s, err := a.sensor.Sense(sctx)
		cancel()
		if err != nil {
			return Outcome{Err: &domain.TransientProviderError{Op: "sense", Err: err}}
		}
		sensed = s
	}

	prior := act.AttemptCount - 1
	if prior < 0 {
		prior = 0
	}
	req := Request{
		ActionID:     act.ID,
		Command:      act.Command,
		Mode:         act.Mode,
		Context:      act.Context.Clone(),
		AttemptCount: prior,
		SensedState:  sensed,
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	raw, err := a.provider.Judge(pctx, req)
	cancel()
	a.br.record(a.clk.Now(), err)
	if err != nil {
		return Outcome{Err: &domain.TransientProviderError{Op: "judge", Err: err}}
	}

	out := Normalize(raw)
	if out.blank() && len(raw) > 0 {
		log.Debug("provider response carried no usable fields", logx.Int("bytes", len(raw)))
	}
	return out
}

func (a *Adapter) deliver(ctx context.Context, cfg Config, act domain.Action, out Outcome, log logx.Logger) {
	if a.effector == nil {
		return
	}
	d := Delivery{ActionID: act.ID, Command: act.Command, Mode: act.Mode, Message: out.Message, EffectPlan: out.EffectPlan}
	if d.Empty() {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DeliverTimeout)
	defer cancel()
	if err := a.effector.Deliver(dctx, d); err != nil {
		log.Warn("delivery failed", logx.Err(err))
	}
}
