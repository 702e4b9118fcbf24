package audio

import "math"

// RMS returns the root-mean-square of samples clamped to [0, 1]. An empty
// slice has level 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Min(math.Sqrt(sum/float64(len(samples))), 1)
}

// LevelMeter computes a scalar loudness per frame for the VAD.
//
// With Smoothing == 0 the level is the plain RMS of the frame. A Smoothing
// value in (0, 1) applies an exponential moving average where Smoothing is the
// weight kept from the previous level.
type LevelMeter struct {
	Smoothing float64

	last float64
	seen bool
}

// Measure returns the level of frame in [0, 1].
func (m *LevelMeter) Measure(frame SampleFrame) float64 {
	level := RMS(frame.Samples)
	if m.Smoothing <= 0 || m.Smoothing >= 1 {
		return level
	}
	if !m.seen {
		m.seen = true
		m.last = level
		return level
	}
	m.last = m.Smoothing*m.last + (1-m.Smoothing)*level
	return m.last
}

// Reset forgets the smoothing history.
func (m *LevelMeter) Reset() {
	m.last = 0
	m.seen = false
}
