package audio

import "time"

// SampleFrame is the atomic unit of captured audio: a short run of mono
// float32 samples in [-1, 1] plus the monotonic arrival time stamped by the
// source. Sources typically deliver 128 samples per frame.
type SampleFrame struct {
	// Samples holds mono PCM samples. The slice is owned by the receiver once
	// the frame has been delivered.
	Samples []float32

	// Timestamp marks when the frame arrived at the source. It carries a
	// monotonic clock reading so that elapsed-time comparisons in the VAD and
	// chunk buffer are immune to wall-clock jumps.
	Timestamp time.Time
}

// Duration returns the playback length of the frame at sampleRate.
func (f SampleFrame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(sampleRate)
}
