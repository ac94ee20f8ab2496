package executor

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with cooldown guarding
// the judgment provider:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type breaker struct {
	mu          sync.Mutex
	cfg         breakerCfg
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// breakerCfg holds effective settings after applying defaults.
type breakerCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveBreakerCfg(cfg Config) breakerCfg {
	trip := cfg.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return breakerCfg{enabled: false}
	}

	base := cfg.CircuitBaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxD := cfg.CircuitMaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	reset := cfg.CircuitResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}
	return breakerCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

func (b *breaker) setConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = effectiveBreakerCfg(cfg)
	b.mu.Unlock()
}

// isOpen reports whether calls should be skipped right now.
func (b *breaker) isOpen(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.enabled {
		return false, time.Time{}
	}
	b.maybeResetLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.enabled {
		return
	}
	b.maybeResetLocked(now)

	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.trip {
		return
	}

	// Exponential cooldown after tripping.
	pow := b.fails - b.cfg.trip
	d := b.cfg.baseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= b.cfg.maxDelay {
			d = b.cfg.maxDelay
			break
		}
	}
	if d > b.cfg.maxDelay {
		d = b.cfg.maxDelay
	}
	b.openUntil = now.Add(d)
}

// maybeResetLocked forgets failures when the last one was long ago.
func (b *breaker) maybeResetLocked(now time.Time) {
	if !b.lastFailure.IsZero() && b.cfg.resetAfter > 0 && now.Sub(b.lastFailure) > b.cfg.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

func (b *breaker) snapshot(now time.Time) (fails int, open bool, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	open = !b.openUntil.IsZero() && now.Before(b.openUntil)
	return b.fails, open, b.openUntil
}
