package chunk_test

import (
	"testing"
	"time"

	"github.com/MrWong99/livetranslate/pkg/audio"
	"github.com/MrWong99/livetranslate/pkg/chunk"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func frameAt(ms int, samples ...float32) audio.SampleFrame {
	return audio.SampleFrame{Samples: samples, Timestamp: t0.Add(time.Duration(ms) * time.Millisecond)}
}

func TestBuffer_EmptyFlushYieldsNothing(t *testing.T) {
	b := chunk.NewBuffer(0)
	if b.Interval() != chunk.DefaultInterval {
		t.Errorf("Interval = %v, want default", b.Interval())
	}
	if _, ok := b.FlushNow(t0); ok {
		t.Error("FlushNow on empty buffer must not produce a segment")
	}
	if _, ok := b.FlushIfDue(t0.Add(time.Hour)); ok {
		t.Error("FlushIfDue on empty buffer must not produce a segment")
	}
}

func TestBuffer_FlushIfDue(t *testing.T) {
	b := chunk.NewBuffer(3 * time.Second)
	b.Push(frameAt(0, 0.1))
	b.Push(frameAt(1000, 0.2))

	if _, ok := b.FlushIfDue(t0.Add(2999 * time.Millisecond)); ok {
		t.Fatal("flushed before interval elapsed")
	}
	seg, ok := b.FlushIfDue(t0.Add(3000 * time.Millisecond))
	if !ok {
		t.Fatal("expected flush at interval")
	}
	if len(seg.Frames) != 2 || !seg.Started.Equal(t0) {
		t.Errorf("segment = %+v", seg)
	}
	if b.Len() != 0 {
		t.Errorf("buffer not emptied, len = %d", b.Len())
	}

	// The interval restarted at the flush.
	b.Push(frameAt(3100, 0.3))
	if _, ok := b.FlushIfDue(t0.Add(5999 * time.Millisecond)); ok {
		t.Error("flushed before restarted interval elapsed")
	}
	if _, ok := b.FlushIfDue(t0.Add(6000 * time.Millisecond)); !ok {
		t.Error("expected flush after restarted interval")
	}
}

func TestBuffer_DiscardRestartsInterval(t *testing.T) {
	b := chunk.NewBuffer(time.Second)
	b.Push(frameAt(0, 0.1))
	if n := b.Discard(t0.Add(900 * time.Millisecond)); n != 1 {
		t.Errorf("Discard dropped %d frames, want 1", n)
	}
	b.Push(frameAt(950, 0.2))
	if b.Due(t0.Add(1500 * time.Millisecond)) {
		t.Error("interval should have restarted at discard")
	}
	if !b.Due(t0.Add(1900 * time.Millisecond)) {
		t.Error("expected due one interval after discard")
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := chunk.NewBuffer(time.Second)
	b.Push(frameAt(0, 0.1))
	b.Reset()
	if b.Len() != 0 || b.Due(t0.Add(time.Hour)) {
		t.Error("Reset must empty the buffer and clear the timer")
	}
	// The first push after Reset starts the interval.
	b.Push(frameAt(5000, 0.1))
	if b.Due(t0.Add(5500 * time.Millisecond)) {
		t.Error("interval should start at first push")
	}
}

func TestSegment_SamplesAndPayload(t *testing.T) {
	seg := chunk.Segment{Frames: []audio.SampleFrame{
		frameAt(0, 0.5, -0.5),
		frameAt(8, 1),
	}}
	got := seg.Samples()
	want := []float32{0.5, -0.5, 1}
	if len(got) != len(want) {
		t.Fatalf("samples = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %f, want %f", i, got[i], want[i])
		}
	}
	if n := len(seg.Payload()); n != 12 {
		t.Errorf("payload length = %d, want 12", n)
	}
}
