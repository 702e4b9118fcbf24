// Package mic implements [audio.Source] on top of miniaudio via
// github.com/gen2brain/malgo.
//
// Device buffers arrive on a miniaudio-owned thread as interleaved float32.
// The stream downmixes them to mono, re-chunks them into fixed-size frames and
// hands them to the consumer through a bounded channel. When the consumer falls
// behind, frames are dropped rather than blocking the audio thread.
package mic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livetranslate/pkg/audio"
)

const (
	defaultSampleRate = 16000
	defaultFrameSize  = 128
	defaultQueueSize  = 256
)

// Option configures a [Source].
type Option func(*Source)

// WithQueueSize sets the capacity of the frame channel of every opened stream.
func WithQueueSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithBackends restricts miniaudio to the given backends, in priority order.
func WithBackends(b ...malgo.Backend) Option {
	return func(s *Source) { s.backends = b }
}

// Source opens microphone capture streams.
type Source struct {
	queueSize int
	backends  []malgo.Backend
}

// New creates a microphone [Source].
func New(opts ...Option) *Source {
	s := &Source{queueSize: defaultQueueSize}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open initialises a miniaudio context and starts a capture device matching c.
func (s *Source) Open(ctx context.Context, c audio.Constraints) (audio.FrameStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rate := c.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	deviceRate := c.DeviceRate
	if deviceRate <= 0 {
		deviceRate = rate
	}
	frameSize := c.FrameSize
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}
	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}

	mctx, err := malgo.InitContext(s.backends, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, &audio.CaptureError{Reason: classify(err, audio.CaptureUnavailable), Err: err}
	}

	st := &stream{
		mctx:      mctx,
		frames:    make(chan audio.SampleFrame, s.queueSize),
		rate:      rate,
		frameSize: frameSize,
		conv: audio.MonoConverter{
			Source:     audio.Format{SampleRate: deviceRate, Channels: channels},
			TargetRate: rate,
		},
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(deviceRate)
	cfg.Alsa.NoMMap = 1

	if c.DeviceID != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			st.releaseContext()
			return nil, &audio.CaptureError{Reason: classify(err, audio.CaptureUnavailable), Err: err}
		}
		found := false
		for _, info := range infos {
			if info.Name() == c.DeviceID {
				cfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			st.releaseContext()
			return nil, &audio.CaptureError{
				Reason: audio.CaptureUnavailable,
				Err:    fmt.Errorf("no capture device named %q", c.DeviceID),
			}
		}
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: st.onData,
		Stop: st.onStop,
	})
	if err != nil {
		st.releaseContext()
		return nil, &audio.CaptureError{Reason: classify(err, audio.CaptureUnavailable), Err: err}
	}
	st.device = device

	if err := ctx.Err(); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := device.Start(); err != nil {
		_ = st.Close()
		return nil, &audio.CaptureError{Reason: classify(err, audio.CaptureFailed), Err: err}
	}

	slog.Info("microphone capture started",
		"sample_rate", rate,
		"device_rate", deviceRate,
		"frame_size", frameSize,
		"channels", channels,
		"device", c.DeviceID,
	)
	return st, nil
}

// classify maps a miniaudio error onto a capture reason. miniaudio surfaces
// OS permission refusals as "access denied" style results.
func classify(err error, fallback audio.CaptureReason) audio.CaptureReason {
	if errors.Is(err, context.Canceled) {
		return audio.CaptureFailed
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "denied"), strings.Contains(msg, "permission"):
		return audio.CaptureDenied
	case strings.Contains(msg, "no device"), strings.Contains(msg, "not found"),
		strings.Contains(msg, "no backend"), strings.Contains(msg, "unavailable"):
		return audio.CaptureUnavailable
	default:
		return fallback
	}
}

// stream is the [audio.FrameStream] returned by [Source.Open].
type stream struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	rate      int
	frameSize int
	conv      audio.MonoConverter

	// pending is only touched from the miniaudio data callback.
	pending []float32

	mu     sync.Mutex
	frames chan audio.SampleFrame
	ended  bool

	dropped   atomic.Uint64
	warnDrop  sync.Once
	closeOnce sync.Once
}

func (s *stream) Frames() <-chan audio.SampleFrame { return s.frames }

func (s *stream) SampleRate() int { return s.rate }

func (s *stream) onData(_, input []byte, frameCount uint32) {
	if frameCount == 0 {
		return
	}
	n := int(frameCount) * int(s.conv.Source.Channels) * audio.BytesPerSample
	if n > len(input) {
		n = len(input) - len(input)%audio.BytesPerSample
	}
	raw, err := audio.DecodeFloat32LE(input[:n])
	if err != nil {
		return
	}
	s.pending = append(s.pending, s.conv.Convert(raw)...)

	now := time.Now()
	for len(s.pending) >= s.frameSize {
		samples := make([]float32, s.frameSize)
		copy(samples, s.pending[:s.frameSize])
		s.pending = append(s.pending[:0], s.pending[s.frameSize:]...)
		s.deliver(audio.SampleFrame{Samples: samples, Timestamp: now})
	}
}

func (s *stream) deliver(f audio.SampleFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.frames <- f:
	default:
		total := s.dropped.Add(1)
		s.warnDrop.Do(func() {
			slog.Warn("microphone consumer is slow, dropping frames", "dropped", total)
		})
	}
}

// onStop runs when miniaudio stops the device, either because Close was called
// or because the device went away. Either way the consumer sees the channel close.
func (s *stream) onStop() {
	s.end()
}

func (s *stream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.frames)
}

// Close stops the device and releases miniaudio resources. It is idempotent.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		if s.device != nil {
			s.device.Uninit()
		}
		s.releaseContext()
		s.end()
		if d := s.dropped.Load(); d > 0 {
			slog.Info("microphone capture stopped", "dropped_frames", d)
		}
	})
	return nil
}

func (s *stream) releaseContext() {
	if s.mctx == nil {
		return
	}
	_ = s.mctx.Uninit()
	s.mctx.Free()
	s.mctx = nil
}

var (
	_ audio.Source      = (*Source)(nil)
	_ audio.FrameStream = (*stream)(nil)
)
