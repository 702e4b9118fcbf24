// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.FrameStream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16000, 0)
//	src := &mock.Source{OpenResult: stream}
//	got, err := src.Open(ctx, audio.Constraints{SampleRate: 16000})
//	stream.Push(audio.SampleFrame{Samples: samples, Timestamp: now})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livetranslate/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is returned by [Source.Open] when OpenErr is nil. If nil, a
	// fresh unbuffered [Stream] at 16 kHz is created per call.
	OpenResult *Stream

	// OpenErr is returned by [Source.Open].
	OpenErr error

	// Block, if non-nil, makes Open wait until the channel is closed or ctx is
	// done. Use it to simulate a pending permission prompt.
	Block chan struct{}

	// OpenCalls records the constraints passed to every Open call.
	OpenCalls []audio.Constraints

	// Opened records every stream handed out, in order.
	Opened []*Stream
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, c audio.Constraints) (audio.FrameStream, error) {
	s.mu.Lock()
	s.OpenCalls = append(s.OpenCalls, c)
	block := s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := s.OpenResult
	if st == nil {
		st = NewStream(16000, 0)
	}
	s.Opened = append(s.Opened, st)
	return st, nil
}

// LastStream returns the most recently opened stream, or nil.
func (s *Source) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Opened) == 0 {
		return nil
	}
	return s.Opened[len(s.Opened)-1]
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.FrameStream]. Frames are injected
// with [Stream.Push]; [Stream.End] simulates a device failure.
type Stream struct {
	frames chan audio.SampleFrame
	rate   int

	done      chan struct{}
	closeOnce sync.Once
	sendMu    sync.RWMutex

	mu sync.Mutex

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CloseErr is returned by Close.
	CloseErr error
}

// NewStream creates a stream delivering at sampleRate with the given frame
// channel capacity. A zero capacity makes every Push wait for the consumer.
func NewStream(sampleRate, capacity int) *Stream {
	return &Stream{
		frames: make(chan audio.SampleFrame, capacity),
		rate:   sampleRate,
		done:   make(chan struct{}),
	}
}

// Push delivers f to the consumer. It returns false if the stream has ended.
func (s *Stream) Push(f audio.SampleFrame) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// Frames implements [audio.FrameStream].
func (s *Stream) Frames() <-chan audio.SampleFrame { return s.frames }

// SampleRate implements [audio.FrameStream].
func (s *Stream) SampleRate() int { return s.rate }

// Close implements [audio.FrameStream]. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	err := s.CloseErr
	s.mu.Unlock()
	s.End()
	return err
}

// End closes the frame channel without counting as a Close call.
func (s *Stream) End() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.frames)
		s.sendMu.Unlock()
	})
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Closes returns the number of Close calls so far.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

var (
	_ audio.Source      = (*Source)(nil)
	_ audio.FrameStream = (*Stream)(nil)
)
