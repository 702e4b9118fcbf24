package vad

import "time"

// State is the current phase of the VAD state machine.
type State int

const (
	// Idle means no speech is in progress and the level is below threshold.
	Idle State = iota

	// PendingSpeech means the level crossed the threshold but has not stayed
	// there for MinSpeechDuration yet.
	PendingSpeech

	// Speaking means a segment is open and the level is above threshold.
	Speaking

	// PendingSilence means a segment is open but the level dropped below
	// threshold less than MinSilenceDuration ago.
	PendingSilence

	// Cooldown means a segment just ended and input is ignored for
	// CooldownPeriod.
	Cooldown
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingSpeech:
		return "pending_speech"
	case Speaking:
		return "speaking"
	case PendingSilence:
		return "pending_silence"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// SegmentOpen reports whether s is a state in which a speech segment has
// started and not yet ended.
func (s State) SegmentOpen() bool {
	return s == Speaking || s == PendingSilence
}

// BoundaryKind distinguishes the two edges of a speech segment.
type BoundaryKind int

const (
	// SegmentStart is emitted when sustained speech is confirmed.
	SegmentStart BoundaryKind = iota

	// SegmentEnd is emitted when the segment closes.
	SegmentEnd
)

// String returns the human-readable name of the boundary kind.
func (k BoundaryKind) String() string {
	if k == SegmentStart {
		return "segment_start"
	}
	return "segment_end"
}

// EndReason explains why a segment ended. It is ReasonNone for SegmentStart.
type EndReason int

const (
	ReasonNone EndReason = iota
	// ReasonSilence: the level stayed below threshold for MinSilenceDuration.
	ReasonSilence
	// ReasonMaxDuration: the segment ran longer than AutoStopTimeout.
	ReasonMaxDuration
	// ReasonStopped: the session was stopped while the segment was open.
	ReasonStopped
)

// String returns the human-readable name of the reason.
func (r EndReason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonStopped:
		return "stopped"
	default:
		return "none"
	}
}

// Boundary is a speech segment edge emitted by [Engine.Observe] or [Engine.Stop].
type Boundary struct {
	Kind BoundaryKind

	// At is the observation time that produced the boundary.
	At time.Time

	// SegmentStartedAt is the time of the matching SegmentStart. For a
	// SegmentStart boundary it equals At.
	SegmentStartedAt time.Time

	Reason EndReason
}

// Duration returns how long the segment lasted. It is zero for SegmentStart.
func (b Boundary) Duration() time.Duration {
	if b.Kind != SegmentEnd {
		return 0
	}
	return b.At.Sub(b.SegmentStartedAt)
}
