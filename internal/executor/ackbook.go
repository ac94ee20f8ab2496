package executor

import (
	"sync"
	"time"
)

// AckBook records out-of-band acknowledgments (a button press, a reply)
// until the next attempt of the acknowledged action consumes them.
type AckBook struct {
	mu sync.Mutex
	m  map[int64]time.Time
}

func NewAckBook() *AckBook { return &AckBook{m: make(map[int64]time.Time)} }

// Ack records an acknowledgment for the action at the given time.
func (b *AckBook) Ack(actionID int64, at time.Time) {
	if b == nil || actionID <= 0 {
		return
	}
	b.mu.Lock()
	if b.m == nil {
		b.m = make(map[int64]time.Time)
	}
	b.m[actionID] = at
	b.mu.Unlock()
}

// Take reports and clears a pending acknowledgment.
func (b *AckBook) Take(actionID int64) (time.Time, bool) {
	if b == nil {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.m[actionID]
	if ok {
		delete(b.m, actionID)
	}
	return at, ok
}

// Peek reports a pending acknowledgment without clearing it.
func (b *AckBook) Peek(actionID int64) (time.Time, bool) {
	if b == nil {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.m[actionID]
	return at, ok
}

// Settle clears the acknowledgment seen at the given time once the attempt
// that used it has been recorded. A newer acknowledgment stays pending.
func (b *AckBook) Settle(actionID int64, seen time.Time) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if at, ok := b.m[actionID]; ok && !at.After(seen) {
		delete(b.m, actionID)
	}
	b.mu.Unlock()
}

// Forget drops any pending acknowledgment, e.g. after the action is deleted.
func (b *AckBook) Forget(actionID int64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.m, actionID)
	b.mu.Unlock()
}

func (b *AckBook) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}
