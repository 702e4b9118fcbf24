package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an interleaved stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// MonoConverter turns interleaved float32 device buffers into mono samples at
// a target rate. It logs a warning on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type MonoConverter struct {
	Source     Format
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert downmixes and resamples one interleaved buffer. If the source is
// already mono at the target rate, the input is returned unchanged.
func (c *MonoConverter) Convert(samples []float32) []float32 {
	channels := max(c.Source.Channels, 1)
	if len(samples)%channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: partial interleaved frame, truncating",
				"samples", len(samples),
				"format", c.Source.String(),
			)
		})
		samples = samples[:len(samples)-len(samples)%channels]
	}

	target := c.TargetRate
	if target <= 0 {
		target = c.Source.SampleRate
	}
	if channels == 1 && c.Source.SampleRate == target {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", c.Source.String(),
			"to", Format{SampleRate: target, Channels: 1}.String(),
		)
	})

	mono := DownmixToMono(samples, channels)
	return ResampleMono(mono, c.Source.SampleRate, target)
}

// DownmixToMono averages each interleaved frame of channels samples into one
// mono sample. The result is clamped to [-1, 1].
func DownmixToMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = clampUnit(sum / float32(channels))
	}
	return out
}

// ResampleMono resamples mono float32 samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

func clampUnit(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
