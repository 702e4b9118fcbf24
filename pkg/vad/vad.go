// Package vad implements a level-driven voice activity detector.
//
// The [Engine] is a deterministic state machine fed with one loudness value per
// audio frame together with the frame's timestamp. All timers are evaluated
// against those timestamps, never against a separate clock, so the engine is
// fully reproducible in tests.
//
// An Engine is not safe for concurrent use. It is owned by the single
// goroutine that consumes the capture stream.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the tuning parameters of an [Engine]. They are fixed for the
// lifetime of a session.
type Config struct {
	// SilenceThreshold is the level at or below which a frame counts as
	// silence. Range: [0.0, 1.0].
	SilenceThreshold float64

	// MinSpeechDuration is how long the level must stay above threshold
	// before a segment starts.
	MinSpeechDuration time.Duration

	// MinSilenceDuration is how long the level must stay at or below
	// threshold before an open segment ends.
	MinSilenceDuration time.Duration

	// CooldownPeriod is how long input is ignored after a segment ends.
	CooldownPeriod time.Duration

	// AutoStopTimeout is the maximum length of a single segment. A segment
	// running longer is force-ended.
	AutoStopTimeout time.Duration
}

// DefaultConfig returns the tuning used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold:   0.03,
		MinSpeechDuration:  200 * time.Millisecond,
		MinSilenceDuration: 1000 * time.Millisecond,
		CooldownPeriod:     500 * time.Millisecond,
		AutoStopTimeout:    15000 * time.Millisecond,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v out of range [0, 1]", c.SilenceThreshold))
	}
	if c.MinSpeechDuration <= 0 {
		errs = append(errs, errors.New("vad: min speech duration must be positive"))
	}
	if c.MinSilenceDuration <= 0 {
		errs = append(errs, errors.New("vad: min silence duration must be positive"))
	}
	if c.CooldownPeriod < 0 {
		errs = append(errs, errors.New("vad: cooldown period must not be negative"))
	}
	if c.AutoStopTimeout <= c.MinSpeechDuration {
		errs = append(errs, fmt.Errorf("vad: auto stop timeout %v must exceed min speech duration %v",
			c.AutoStopTimeout, c.MinSpeechDuration))
	}
	return errors.Join(errs...)
}

// Engine is the VAD state machine.
type Engine struct {
	cfg   Config
	state State

	candidateAt  time.Time // PendingSpeech entry
	segmentStart time.Time // SegmentStart emission
	silenceAt    time.Time // PendingSilence entry
	cooldownAt   time.Time // Cooldown entry
}

// New returns an Engine in the Idle state.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's tuning.
func (e *Engine) Config() Config { return e.cfg }

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Observe feeds one level sample taken at now and returns the boundary it
// produced, if any. At most one boundary is emitted per observation.
func (e *Engine) Observe(level float64, now time.Time) (Boundary, bool) {
	loud := level > e.cfg.SilenceThreshold

	switch e.state {
	case Idle:
		e.observeIdle(loud, now)

	case PendingSpeech:
		if !loud {
			e.state = Idle
			e.candidateAt = time.Time{}
			return Boundary{}, false
		}
		if now.Sub(e.candidateAt) >= e.cfg.MinSpeechDuration {
			e.state = Speaking
			e.segmentStart = now
			return Boundary{Kind: SegmentStart, At: now, SegmentStartedAt: now}, true
		}

	case Speaking, PendingSilence:
		if now.Sub(e.segmentStart) > e.cfg.AutoStopTimeout {
			b := e.end(now, ReasonMaxDuration)
			// Restart without cooldown; the current frame seeds the next candidate.
			e.state = Idle
			e.observeIdle(loud, now)
			return b, true
		}
		if e.state == Speaking {
			if !loud {
				e.state = PendingSilence
				e.silenceAt = now
			}
			return Boundary{}, false
		}
		if loud {
			e.state = Speaking
			e.silenceAt = time.Time{}
			return Boundary{}, false
		}
		if now.Sub(e.silenceAt) >= e.cfg.MinSilenceDuration {
			b := e.end(now, ReasonSilence)
			e.state = Cooldown
			e.cooldownAt = now
			return b, true
		}

	case Cooldown:
		if now.Sub(e.cooldownAt) >= e.cfg.CooldownPeriod {
			e.state = Idle
			e.cooldownAt = time.Time{}
			e.observeIdle(loud, now)
		}
	}
	return Boundary{}, false
}

func (e *Engine) observeIdle(loud bool, now time.Time) {
	if loud {
		e.state = PendingSpeech
		e.candidateAt = now
	}
}

func (e *Engine) end(now time.Time, reason EndReason) Boundary {
	b := Boundary{Kind: SegmentEnd, At: now, SegmentStartedAt: e.segmentStart, Reason: reason}
	e.segmentStart = time.Time{}
	e.silenceAt = time.Time{}
	return b
}

// Stop ends an open segment because the session is stopping and returns to
// Idle. It returns false when no segment was open.
func (e *Engine) Stop(now time.Time) (Boundary, bool) {
	open := e.state.SegmentOpen()
	var b Boundary
	if open {
		b = e.end(now, ReasonStopped)
	}
	e.Reset()
	return b, open
}

// Reset returns the engine to Idle and cancels every timer.
func (e *Engine) Reset() {
	e.state = Idle
	e.candidateAt = time.Time{}
	e.segmentStart = time.Time{}
	e.silenceAt = time.Time{}
	e.cooldownAt = time.Time{}
}
