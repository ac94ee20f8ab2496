// Package audit persists lifecycle events from the bus into the store's
// per-action history.
package audit

import (
	"context"
	"sync"
	"time"

	"chronobot/internal/eventbus"
	rtsup "chronobot/internal/runtime/supervisor"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

const defaultBuffer = 256

// Recorder writes every event it sees to storage. A failed write is logged
// and the event dropped; history is best-effort and never blocks a pass.
type Recorder struct {
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger
	buffer int

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "audit")), buffer: defaultBuffer}
}

func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil || r.bus == nil {
		return
	}
	events, unsub := r.bus.Subscribe(r.buffer)
	r.unsub = unsub
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.sup.Go("audit.recorder", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				r.drain(events)
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				r.record(ctx, e)
			}
		}
	})
}

// drain flushes whatever is already buffered at shutdown.
func (r *Recorder) drain(events <-chan eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	if e.ActionID == 0 {
		return
	}
	err := r.store.AppendEvent(ctx, storage.Event{
		ActionID: e.ActionID,
		At:       e.Time,
		Kind:     e.Type,
		Attempt:  e.Attempt,
		Detail:   e.Detail,
	})
	if err != nil {
		r.log.Warn("history write failed", logx.Int64("action_id", e.ActionID), logx.String("kind", e.Type), logx.Err(err))
	}
}

func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup, unsub := r.sup, r.unsub
	r.sup, r.unsub = nil, nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := sup.Wait(ctx)
	unsub()
	return err
}
