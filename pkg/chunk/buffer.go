// Package chunk accumulates captured frames of an open speech segment and
// hands them out as fixed-interval or boundary-triggered segments.
//
// A [Buffer] is not safe for concurrent use; it is owned by the goroutine that
// drives the VAD.
package chunk

import (
	"time"

	"github.com/MrWong99/livetranslate/pkg/audio"
)

// DefaultInterval is the steady-state flush period while speech continues.
const DefaultInterval = 3000 * time.Millisecond

// Segment is a contiguous run of frames handed out by a flush. The caller owns
// it; the buffer keeps no reference.
type Segment struct {
	Frames []audio.SampleFrame

	// Started is the timestamp of the first frame.
	Started time.Time

	// Flushed is the time the flush happened.
	Flushed time.Time
}

// Samples concatenates the samples of all frames in arrival order.
func (s Segment) Samples() []float32 {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	out := make([]float32, 0, n)
	for _, f := range s.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// Payload returns the little-endian float32 encoding of [Segment.Samples].
func (s Segment) Payload() []byte {
	return audio.EncodeFloat32LE(s.Samples())
}

// Buffer is the ChunkBuffer.
type Buffer struct {
	interval time.Duration
	frames   []audio.SampleFrame

	// since is when the current interval began. The zero value means the
	// interval starts with the next push.
	since time.Time
}

// NewBuffer creates a Buffer that becomes due every interval. A non-positive
// interval selects [DefaultInterval].
func NewBuffer(interval time.Duration) *Buffer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Buffer{interval: interval}
}

// Interval returns the flush period.
func (b *Buffer) Interval() time.Duration { return b.interval }

// Len returns the number of buffered frames.
func (b *Buffer) Len() int { return len(b.frames) }

// Push appends frame.
func (b *Buffer) Push(frame audio.SampleFrame) {
	if b.since.IsZero() {
		b.since = frame.Timestamp
	}
	b.frames = append(b.frames, frame)
}

// Due reports whether the interval has elapsed at now.
func (b *Buffer) Due(now time.Time) bool {
	return !b.since.IsZero() && now.Sub(b.since) >= b.interval
}

// FlushIfDue hands out the buffered frames when the interval has elapsed and
// the buffer is non-empty.
func (b *Buffer) FlushIfDue(now time.Time) (Segment, bool) {
	if !b.Due(now) {
		return Segment{}, false
	}
	return b.FlushNow(now)
}

// FlushNow hands out the buffered frames regardless of the interval. The
// interval restarts at now. An empty buffer yields nothing.
func (b *Buffer) FlushNow(now time.Time) (Segment, bool) {
	if len(b.frames) == 0 {
		b.since = now
		return Segment{}, false
	}
	seg := Segment{
		Frames:  b.frames,
		Started: b.frames[0].Timestamp,
		Flushed: now,
	}
	b.frames = nil
	b.since = now
	return seg, true
}

// Discard drops the buffered frames and restarts the interval at now.
func (b *Buffer) Discard(now time.Time) int {
	n := len(b.frames)
	b.frames = nil
	b.since = now
	return n
}

// Reset empties the buffer and clears the interval timer.
func (b *Buffer) Reset() {
	b.frames = nil
	b.since = time.Time{}
}
