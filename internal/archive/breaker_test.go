package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livetranslate/internal/session"
)

var errDB = errors.New("db down")

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(n int, cooldown time.Duration) (*breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newBreaker(n, cooldown)
	b.now = clk.now
	return b, clk
}

func TestBreaker_Defaults(t *testing.T) {
	b := newBreaker(0, 0)
	if b.maxFailures != 3 || b.cooldown != 30*time.Second {
		t.Errorf("defaults = %d, %v", b.maxFailures, b.cooldown)
	}
	if b.current() != breakerClosed {
		t.Errorf("initial state = %v", b.current())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	for range 3 {
		if err := b.do(func() error { return errDB }); !errors.Is(err, errDB) {
			t.Fatalf("err = %v, want errDB", err)
		}
	}
	if b.current() != breakerOpen {
		t.Fatalf("state = %v, want open", b.current())
	}

	called := false
	err := b.do(func() error { called = true; return nil })
	if !errors.Is(err, errBreakerOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	_ = b.do(func() error { return errDB })
	_ = b.do(func() error { return errDB })
	_ = b.do(func() error { return nil })
	_ = b.do(func() error { return errDB })
	_ = b.do(func() error { return errDB })
	if b.current() != breakerClosed {
		t.Errorf("state = %v, want closed", b.current())
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	_ = b.do(func() error { return errDB })

	clk.advance(59 * time.Second)
	if err := b.do(func() error { return nil }); !errors.Is(err, errBreakerOpen) {
		t.Fatalf("before cooldown: err = %v", err)
	}

	// A failed probe re-opens for another full cooldown.
	clk.advance(time.Second)
	if err := b.do(func() error { return errDB }); !errors.Is(err, errDB) {
		t.Fatalf("probe err = %v", err)
	}
	if b.current() != breakerOpen {
		t.Fatalf("state after failed probe = %v", b.current())
	}

	clk.advance(time.Minute)
	if err := b.do(func() error { return nil }); err != nil {
		t.Fatalf("second probe err = %v", err)
	}
	if b.current() != breakerClosed {
		t.Errorf("state after good probe = %v, want closed", b.current())
	}
}

func TestWriter_SuspendedWritesAreDropped(t *testing.T) {
	dst := &recordingWriter{err: errDB}
	w := NewWriter(dst, 16, WithSuspendAfter(1, time.Hour))

	w.write(context.Background(), []Record{{SessionID: "s", Entry: session.Entry{ID: 1}}})
	w.write(context.Background(), []Record{
		{SessionID: "s", Entry: session.Entry{ID: 2}},
		{SessionID: "s", Entry: session.Entry{ID: 3}},
	})

	if n := len(dst.records()); n != 1 {
		t.Errorf("attempted %d records, want 1", n)
	}
	if got := w.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}
