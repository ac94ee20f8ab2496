package eventbus

import (
	"sync"
	"testing"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: ActionClaimed, ActionID: 7, Attempt: 1})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != ActionClaimed || e.ActionID != 7 || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: ActionRetry})
	b.Publish(Event{Type: ActionRetry})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: ActionExpired})
}

func TestConcurrentPublishUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		_, unsub := b.Subscribe(2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: ActionCompleted})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}
