package transport

import "time"

// Default reconnection parameters.
const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 2 * time.Second
	defaultMaxDelay    = 16 * time.Second
)

// ReconnectPolicy computes exponential backoff delays:
// min(2^Attempt * BaseDelay, MaxDelay), for at most MaxAttempts consecutive
// failures. A successful connection resets Attempt.
type ReconnectPolicy struct {
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconnectPolicy returns 2s, 4s, 8s, 16s, 16s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Next returns the delay before the next attempt and advances Attempt. It
// returns false once MaxAttempts delays have been handed out.
func (p *ReconnectPolicy) Next() (time.Duration, bool) {
	if p.Exhausted() {
		return 0, false
	}
	d := p.MaxDelay
	// Shifting past the cap would overflow; stop doubling once it is reached.
	if p.Attempt < 32 {
		if scaled := p.BaseDelay << p.Attempt; scaled > 0 && scaled < p.MaxDelay {
			d = scaled
		}
	}
	p.Attempt++
	return d, true
}

// Exhausted reports whether no attempts remain.
func (p ReconnectPolicy) Exhausted() bool {
	return p.Attempt >= p.MaxAttempts
}

// Reset clears the attempt counter.
func (p *ReconnectPolicy) Reset() {
	p.Attempt = 0
}
