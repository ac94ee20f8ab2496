package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"chronobot/internal/clock"
	"chronobot/internal/domain"
	"chronobot/internal/eventbus"
	"chronobot/internal/executor"
	"chronobot/internal/policy"
	rtsup "chronobot/internal/runtime/supervisor"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

// Config controls the scheduler loop.
type Config struct {
	Enabled  bool
	Interval time.Duration // cadence; default 10s
	Workers  int           // concurrent executions per pass; default 4
	// BatchSize caps how many due actions one pass picks up; default 100.
	BatchSize int
	// ExecutionTimeout bounds one attempt; the claim lease is this plus 30s.
	ExecutionTimeout time.Duration
	Bounds           policy.Bounds
	// SpawnOnExpire lets an expired recurring occurrence spawn its successor.
	SpawnOnExpire bool

	Retention         time.Duration // 0 disables pruning
	RetentionSchedule string        // cron spec; default "@every 1h"
}

const leaseSlack = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 2 * time.Minute
	}
	c.Bounds = c.Bounds.Normalize()
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = "@every 1h"
	}
	return c
}

// Executor runs one attempt for a claimed action.
type Executor interface {
	Execute(ctx context.Context, a domain.Action) executor.Outcome
}

// ackSettler is implemented by executors that hold out-of-band
// acknowledgments; the pass settles them once a transition is stored.
type ackSettler interface {
	SettleAck(actionID int64, out executor.Outcome)
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store storage.Store
	exec  Executor
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	parser  cron.Parser
	cron    *cron.Cron
	pruneID cron.EntryID
	sup     *rtsup.Supervisor
	reset   chan struct{}

	stats counters
}

type counters struct {
	passes    atomic.Uint64
	claimed   atomic.Uint64
	completed atomic.Uint64
	expired   atomic.Uint64
	retried   atomic.Uint64
	spawned   atomic.Uint64
	discarded atomic.Uint64
	failed    atomic.Uint64
	pruned    atomic.Int64
	inFlight  atomic.Int64

	mu           sync.Mutex
	lastPassAt   time.Time
	lastPassTook time.Duration
	lastDue      int
	lastErr      string
	lastErrAt    time.Time
}

// PassResult tallies one pass.
type PassResult struct {
	Due       int
	Claimed   int
	Skipped   int // lost the claim race or vanished before the claim
	Completed int
	Expired   int
	Retried   int
	Spawned   int
	Discarded int // result dropped because the row changed or was deleted
	Failed    int
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Interval  time.Duration
	Workers   int
	InFlight  int64
	Passes    uint64
	Claimed   uint64
	Completed uint64
	Expired   uint64
	Retried   uint64
	Spawned   uint64
	Discarded uint64
	Failed    uint64
	Pruned    int64

	LastPassAt   time.Time
	LastPassTook time.Duration
	LastDue      int
	LastError    string
	LastErrorAt  time.Time
	NextPrune    time.Time
}
