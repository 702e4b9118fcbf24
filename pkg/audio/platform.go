// Package audio defines the capture-side abstractions of the streaming
// pipeline and the small DSP helpers that operate on captured samples.
//
// The two primary abstractions are:
//
//   - [Source] opens a microphone (or any other producer) and returns a [FrameStream].
//   - [FrameStream] is a running capture that delivers [SampleFrame] values in
//     arrival order until it is closed.
//
// Implementations live in adapter packages (audio/mic for real devices,
// audio/mock for tests). This package lives under pkg/ because external code
// is expected to implement [Source].
package audio

import (
	"context"
	"errors"
	"fmt"
)

// Constraints describes what the caller wants from a capture device. Zero
// values select the device defaults.
type Constraints struct {
	// SampleRate is the requested rate in Hz. The stream reports the rate it
	// actually delivers via [FrameStream.SampleRate].
	SampleRate int

	// DeviceRate opens the device at a different rate; captured audio is
	// resampled to SampleRate. Zero opens the device at SampleRate.
	DeviceRate int

	// FrameSize is the number of samples per delivered frame.
	FrameSize int

	// Channels is the number of channels to open the device with. Frames are
	// always downmixed to mono before delivery.
	Channels int

	// DeviceID selects a specific input device by name. Empty means the
	// system default.
	DeviceID string
}

// Source opens capture streams. Open may block while the platform asks the
// user for microphone permission; it honours ctx cancellation.
type Source interface {
	Open(ctx context.Context, c Constraints) (FrameStream, error)
}

// FrameStream is a running capture.
//
// Frames returns a channel that delivers frames in arrival order. The channel
// is closed after Close, or when the device fails. Close is idempotent.
type FrameStream interface {
	Frames() <-chan SampleFrame
	SampleRate() int
	Close() error
}

// CaptureReason classifies why a capture could not be opened or continued.
type CaptureReason int

const (
	// CaptureFailed is an unclassified device failure.
	CaptureFailed CaptureReason = iota

	// CaptureDenied means the user or the OS refused microphone access.
	CaptureDenied

	// CaptureUnavailable means no usable input device exists.
	CaptureUnavailable
)

// String returns the human-readable name of the reason.
func (r CaptureReason) String() string {
	switch r {
	case CaptureDenied:
		return "permission denied"
	case CaptureUnavailable:
		return "device unavailable"
	default:
		return "capture failed"
	}
}

// CaptureError is returned by [Source.Open] when the stream cannot be opened.
type CaptureError struct {
	Reason CaptureReason
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: %s", e.Reason)
	}
	return fmt.Sprintf("audio: %s: %v", e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// AsCaptureError reports whether err wraps a [CaptureError] and returns it.
func AsCaptureError(err error) (*CaptureError, bool) {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
