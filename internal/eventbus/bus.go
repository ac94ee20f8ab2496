// Package eventbus fans out action lifecycle events to in-process
// subscribers (the audit recorder, tests).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types published by the scheduler.
const (
	ActionCreated   = "action.created"
	ActionClaimed   = "action.claimed"
	ActionRetry     = "action.retry"
	ActionCompleted = "action.completed"
	ActionExpired   = "action.expired"
	ActionSpawned   = "action.spawned"
	ActionDiscarded = "action.discarded"
	ActionDeleted   = "action.deleted"
)

// Event is one lifecycle signal.
//
// Publish never blocks: each subscriber has a bounded buffer and a slow
// subscriber drops events.
type Event struct {
	Type     string
	Time     time.Time
	ActionID int64
	Attempt  int
	Detail   string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped is the number of deliveries lost to full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send under the read lock so unsubscribe (write lock) cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
