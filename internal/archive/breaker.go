package archive

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// errBreakerOpen is returned by [breaker.do] while writes are suspended.
var errBreakerOpen = errors.New("archive: writes suspended after repeated failures")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	// breakerProbing lets exactly one write through to test the database.
	breakerProbing
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerProbing:
		return "probing"
	default:
		return "closed"
	}
}

// breaker suspends archive writes after maxFailures consecutive failures so
// that an unreachable database does not stall the writer for writeTimeout on
// every batch. After cooldown one probe write is attempted; its outcome
// closes or re-opens the breaker.
type breaker struct {
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

func newBreaker(maxFailures int, cooldown time.Duration) *breaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{maxFailures: maxFailures, cooldown: cooldown, now: time.Now}
}

// do runs fn unless the breaker is open.
func (b *breaker) do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return errBreakerOpen
		}
		b.state = breakerProbing
		slog.Info("archive: probing database after cooldown")
	case breakerProbing:
		// A probe is already in flight.
		b.mu.Unlock()
		return errBreakerOpen
	}
	probing := b.state == breakerProbing
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		if probing {
			slog.Info("archive: database reachable again, resuming writes")
		}
		b.state = breakerClosed
		b.failures = 0
	case probing:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	}
	return err
}

// trip opens the breaker. Must be called with b.mu held.
func (b *breaker) trip() {
	b.state = breakerOpen
	b.openedAt = b.now()
	slog.Warn("archive: suspending writes", "consecutive_failures", b.failures, "cooldown", b.cooldown)
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
