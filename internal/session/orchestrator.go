// Package session ties the capture pipeline to the transport.
//
// The [Orchestrator] owns one event loop ([Orchestrator.Run]) that is the only
// goroutine touching the VAD engine, the chunk buffer and the session state.
// Audio frames, transport events and user commands (start, stop) are all
// funnelled into that loop, so frames are processed strictly in arrival order
// and chunks are sent with non-decreasing sequence numbers without any
// further locking.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livetranslate/internal/observe"
	"github.com/MrWong99/livetranslate/pkg/audio"
	"github.com/MrWong99/livetranslate/pkg/chunk"
	"github.com/MrWong99/livetranslate/pkg/transport"
	"github.com/MrWong99/livetranslate/pkg/vad"
)

// Status lines rendered by a presentation layer.
const (
	StatusIdle            = "Ready"
	StatusNotConnected    = "Error: WebSocket not connected. Attempting to connect..."
	StatusListening       = "Listening for speech..."
	StatusSpeech          = "Speech detected, recording..."
	StatusPausedSilence   = "Paused (silence detected). Listening soon..."
	StatusPausedMaxLength = "Paused (max segment duration reached). Listening soon..."
	StatusProcessing      = "Processing full session..."
	StatusStopped         = "Recording stopped"
)

// Log entry texts.
const (
	textConnected          = "WebSocket connected"
	textReconnectExhausted = "Failed to reconnect to WebSocket after multiple attempts"
	textProcessing         = "Processing full session... Please wait."
	textSendRejected       = "Error sending audio: WebSocket not connected."
	textProcessRejected    = "Cannot process session: WebSocket is not connected."
	textCaptureEnded       = "Error: microphone stream ended unexpectedly"
)

const (
	defaultEventBuffer   = 256
	defaultInboundBuffer = 64
	shutdownStopTimeout  = 2 * time.Second
)

var (
	// ErrNotReady is returned by StartSession while the transport is not
	// connected. A connection attempt has been triggered.
	ErrNotReady = errors.New("session: transport not connected")

	// ErrSessionActive is returned by StartSession while a session is
	// recording or being opened.
	ErrSessionActive = errors.New("session: already recording")

	// ErrStartAborted is returned by StartSession when StopSession was called
	// while the capture device was still being opened.
	ErrStartAborted = errors.New("session: start aborted by stop")

	// ErrNotRunning is returned when the event loop has exited.
	ErrNotRunning = errors.New("session: orchestrator not running")

	errReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// Config holds the per-session pipeline parameters.
type Config struct {
	VAD           vad.Config
	ChunkInterval time.Duration
	Capture       audio.Constraints

	// LevelSmoothing is passed to [audio.LevelMeter].
	LevelSmoothing float64

	// EventBuffer is the capacity of the [Orchestrator.Events] channel.
	EventBuffer int
}

// DefaultConfig returns the defaults for every field.
func DefaultConfig() Config {
	return Config{
		VAD:           vad.DefaultConfig(),
		ChunkInterval: chunk.DefaultInterval,
		Capture:       audio.Constraints{SampleRate: 16000, FrameSize: 128, Channels: 1},
		EventBuffer:   defaultEventBuffer,
	}
}

// Archiver persists log entries outside the process. Archive is called from
// the event loop and must not block.
type Archiver interface {
	Archive(sessionID string, e Entry)
}

// EventKind classifies an [Event].
type EventKind int

const (
	EventState EventKind = iota
	EventStatus
	EventEntry
	EventBoundary
	EventChunkSent
)

// Event is published on [Orchestrator.Events] for a presentation layer.
type Event struct {
	Kind EventKind
	At   time.Time

	State    State
	Status   string
	Entry    Entry
	Boundary vad.Boundary

	// Sequence is the chunk number of an EventChunkSent.
	Sequence int
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithReporter sets the sink for terminal errors.
func WithReporter(r observe.Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithArchiver sets where log entries are persisted.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithClock overrides time.Now for stop timestamps and log entries.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type command struct {
	fn   func(ctx context.Context) error
	err  error
	done chan struct{}
}

// Orchestrator is the SessionOrchestrator.
type Orchestrator struct {
	src audio.Source
	tr  transport.Transport

	metrics  *observe.Metrics
	reporter observe.Reporter
	archiver Archiver
	now      func() time.Time

	cmds    chan *command
	inbound chan transport.Event
	events  chan Event
	done    chan struct{}
	runOnce sync.Once

	log *Log

	// Guarded by mu: read from any goroutine, written by the loop.
	mu        sync.RWMutex
	cfg       Config
	state     State
	status    string
	sessionID string

	// Owned by the loop.
	engine      *vad.Engine
	buf         *chunk.Buffer
	meter       audio.LevelMeter
	stream      audio.FrameStream
	frames      <-chan audio.SampleFrame
	sampleRate  int
	seq         int
	lastFrameAt time.Time
	opening     bool
	abortOpen   bool
	summaryAt   time.Time
}

// New creates an Orchestrator. Call Run to start its event loop.
func New(src audio.Source, tr transport.Transport, cfg Config, opts ...Option) (*Orchestrator, error) {
	if src == nil || tr == nil {
		return nil, errors.New("session: source and transport are required")
	}
	if err := cfg.VAD.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	o := &Orchestrator{
		src:      src,
		tr:       tr,
		reporter: observe.NopReporter{},
		now:      time.Now,
		cmds:     make(chan *command),
		inbound:  make(chan transport.Event, defaultInboundBuffer),
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		log:      NewLog(),
		cfg:      cfg,
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Events returns the channel of published events. Events are dropped when
// the consumer falls behind.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Log returns the session event log.
func (o *Orchestrator) Log() *Log { return o.log }

// State returns a snapshot of the composed session state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Status returns the current status line.
func (o *Orchestrator) Status() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// SessionID returns the ID of the current or most recent session.
func (o *Orchestrator) SessionID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessionID
}

// SetTuning replaces the VAD and chunking parameters. They take effect at the
// next StartSession; a running session keeps its parameters.
func (o *Orchestrator) SetTuning(v vad.Config, interval time.Duration) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.VAD = v
	o.cfg.ChunkInterval = interval
	slog.Info("session tuning updated, applies to next session",
		"silence_threshold", v.SilenceThreshold,
		"min_speech", v.MinSpeechDuration,
		"min_silence", v.MinSilenceDuration,
		"cooldown", v.CooldownPeriod,
		"auto_stop", v.AutoStopTimeout,
		"chunk_interval", interval,
	)
	return nil
}

// Run executes the event loop until ctx is cancelled. A session still
// recording at that point is stopped. Run may be called only once.
func (o *Orchestrator) Run(ctx context.Context) error {
	ran := false
	o.runOnce.Do(func() { ran = true })
	if !ran {
		return errors.New("session: Run called twice")
	}
	defer close(o.done)

	remove := o.tr.OnEvent(func(ev transport.Event) {
		select {
		case o.inbound <- ev:
		case <-o.done:
		}
	})
	defer remove()

	o.setConn(o.tr.State())

	for {
		select {
		case <-ctx.Done():
			o.shutdown(ctx)
			return nil
		case cmd := <-o.cmds:
			cmd.err = cmd.fn(ctx)
			close(cmd.done)
		case ev := <-o.inbound:
			o.handleTransport(ctx, ev)
		case f, ok := <-o.frames:
			if !ok {
				o.captureEnded(ctx)
				continue
			}
			o.handleFrame(ctx, f)
		}
	}
}

// exec runs fn on the loop and waits for it or for ctx to end. A command
// already handed to the loop runs to completion even if the caller gave up.
func (o *Orchestrator) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	return o.submit(ctx, ctx, fn)
}

// execSync is exec for commands whose side effects the caller reads once it
// returns: ctx only bounds the hand-off.
func (o *Orchestrator) execSync(ctx context.Context, fn func(ctx context.Context) error) error {
	return o.submit(ctx, context.WithoutCancel(ctx), fn)
}

func (o *Orchestrator) submit(ctx, wait context.Context, fn func(ctx context.Context) error) error {
	cmd := &command{fn: fn, done: make(chan struct{})}
	select {
	case o.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrNotRunning
	}
	select {
	case <-cmd.done:
		return cmd.err
	case <-wait.Done():
		return wait.Err()
	case <-o.done:
		return ErrNotRunning
	}
}

// StartSession opens the capture device and begins streaming. It fails with
// [ErrNotReady] when the transport is not connected, after triggering a
// connection attempt.
func (o *Orchestrator) StartSession(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "session.start")
	defer func() { observe.EndSpan(span, err) }()

	var constraints audio.Constraints
	err = o.execSync(ctx, func(context.Context) error {
		if o.opening || o.state.Rec == Recording {
			return ErrSessionActive
		}
		if o.tr.State() != transport.Connected {
			o.tr.Connect()
			o.setConn(o.tr.State())
			o.setStatus(StatusNotConnected)
			return ErrNotReady
		}
		o.opening = true
		o.abortOpen = false
		o.mu.RLock()
		constraints = o.cfg.Capture
		o.mu.RUnlock()
		return nil
	})
	if err != nil {
		return err
	}

	// Opening may wait for a permission prompt; keep the loop running meanwhile.
	stream, openErr := o.src.Open(ctx, constraints)

	err = o.exec(context.WithoutCancel(ctx), func(loopCtx context.Context) error {
		return o.begin(loopCtx, stream, openErr)
	})
	if errors.Is(err, ErrNotRunning) && stream != nil {
		_ = stream.Close()
	}
	if err == nil {
		id := o.SessionID()
		span.SetAttributes(observe.AttrSessionID.String(id))
		observe.Logger(observe.WithSession(ctx, id)).Info("session started")
	}
	return err
}

// begin runs on the loop once the capture device has been opened (or failed).
func (o *Orchestrator) begin(ctx context.Context, stream audio.FrameStream, openErr error) error {
	o.opening = false
	if openErr != nil {
		o.captureFailed(ctx, openErr)
		return openErr
	}
	if o.abortOpen {
		o.abortOpen = false
		_ = stream.Close()
		return ErrStartAborted
	}

	next, err := o.state.Transition(Recording)
	if err != nil {
		_ = stream.Close()
		return err
	}

	o.mu.RLock()
	cfg := o.cfg
	o.mu.RUnlock()

	engine, err := vad.New(cfg.VAD)
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("session: %w", err)
	}
	o.engine = engine
	o.buf = chunk.NewBuffer(cfg.ChunkInterval)
	o.meter = audio.LevelMeter{Smoothing: cfg.LevelSmoothing}
	o.stream = stream
	o.frames = stream.Frames()
	o.sampleRate = stream.SampleRate()
	if o.sampleRate <= 0 {
		o.sampleRate = cfg.Capture.SampleRate
	}
	o.seq = 0
	o.lastFrameAt = time.Time{}
	o.summaryAt = time.Time{}
	o.log.Clear()

	o.mu.Lock()
	o.sessionID = uuid.NewString()
	o.mu.Unlock()

	o.setState(next)
	o.setStatus(StatusListening)
	o.metrics.ActiveSessions.Add(ctx, 1)
	return nil
}

// StopSession ends the current session: it flushes an open segment, releases
// the capture device, cancels pending reconnects and asks the server for the
// full-session summary. It is idempotent.
func (o *Orchestrator) StopSession(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.stop")
	defer span.End()
	return o.exec(ctx, func(loopCtx context.Context) error {
		o.stop(loopCtx, trace.SpanFromContext(ctx))
		return nil
	})
}

func (o *Orchestrator) stop(ctx context.Context, span trace.Span) {
	if o.opening {
		o.abortOpen = true
		return
	}
	if o.state.Rec != Recording {
		return
	}

	at := o.lastFrameAt
	if at.IsZero() {
		at = o.now()
	}
	if b, ok := o.engine.Stop(at); ok {
		o.recordBoundary(ctx, b)
		o.flush(ctx, at)
	} else {
		o.buf.Discard(at)
	}
	o.closeStream()
	o.tr.CancelReconnect()
	o.setConn(o.tr.State())
	o.metrics.ActiveSessions.Add(ctx, -1)

	log := observe.Logger(observe.WithSession(ctx, o.sessionID))
	next, _ := o.state.Transition(Stopping)
	if err := o.tr.Send(ctx, transport.ProcessFullSession); err != nil {
		log.Warn("session: full-session request rejected", "err", err)
		o.metrics.RecordSendRejected(ctx, transport.EventProcessFullSession)
		o.appendEntry(Entry{Kind: EntryError, Text: textProcessRejected})
		next, _ = o.state.Transition(Stopped)
		o.setState(next)
		o.setStatus(StatusStopped)
	} else {
		o.summaryAt = o.now()
		o.appendEntry(Entry{Kind: EntryLoading, Text: textProcessing})
		o.setState(next)
		o.setStatus(StatusProcessing)
	}
	if span != nil {
		span.SetAttributes(
			observe.AttrSessionID.String(o.sessionID),
			attribute.Int("session.chunks", o.seq),
		)
	}
	log.Info("session stopped", "chunks_sent", o.seq)
}

func (o *Orchestrator) closeStream() {
	if o.stream == nil {
		return
	}
	if err := o.stream.Close(); err != nil {
		slog.Warn("session: closing capture stream", "err", err)
	}
	// Release a producer that may still be blocked on a send.
	if o.frames != nil {
		go audio.Drain(o.frames)
	}
	o.stream = nil
	o.frames = nil
}

func (o *Orchestrator) shutdown(ctx context.Context) {
	if o.state.Rec != Recording {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownStopTimeout)
	defer cancel()
	o.stop(stopCtx, nil)
}

// ─── Frames ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) handleFrame(ctx context.Context, f audio.SampleFrame) {
	o.lastFrameAt = f.Timestamp
	prev := o.engine.State()
	level := o.meter.Measure(f)
	b, ok := o.engine.Observe(level, f.Timestamp)

	if ok {
		o.recordBoundary(ctx, b)
		if b.Kind == vad.SegmentEnd {
			o.buf.Push(f)
			o.flush(ctx, f.Timestamp)
			if b.Reason == vad.ReasonMaxDuration {
				// No cooldown follows a forced split.
				o.setStatus(StatusPausedMaxLength)
				o.setStatus(StatusListening)
			} else {
				o.setStatus(StatusPausedSilence)
			}
			return
		}
		o.setStatus(StatusSpeech)
	}

	switch state := o.engine.State(); state {
	case vad.Idle, vad.Cooldown:
		o.buf.Discard(f.Timestamp)
		if prev == vad.Cooldown && state == vad.Idle {
			o.setStatus(StatusListening)
		}
	case vad.PendingSpeech:
		if prev == vad.Cooldown {
			o.setStatus(StatusListening)
		}
		o.buf.Push(f)
	case vad.Speaking, vad.PendingSilence:
		o.buf.Push(f)
		if seg, ok := o.buf.FlushIfDue(f.Timestamp); ok {
			o.send(ctx, seg)
		}
	}
}

func (o *Orchestrator) flush(ctx context.Context, now time.Time) {
	if seg, ok := o.buf.FlushNow(now); ok {
		o.send(ctx, seg)
	}
}

func (o *Orchestrator) send(ctx context.Context, seg chunk.Segment) {
	payload := seg.Payload()
	msg := transport.ChunkMessage{Sequence: o.seq, SampleRate: o.sampleRate, Payload: payload}
	if err := o.tr.Send(ctx, msg); err != nil {
		slog.Warn("session: dropping audio chunk", "session_id", o.sessionID, "sequence", o.seq, "err", err)
		o.metrics.RecordSendRejected(ctx, transport.EventAudioChunk)
		text := textSendRejected
		if !errors.Is(err, transport.ErrNotConnected) {
			text = "Error sending audio: " + err.Error()
		}
		o.appendEntry(Entry{Kind: EntryError, Text: text})
		return
	}
	slog.Debug("audio chunk sent",
		"session_id", o.sessionID,
		"sequence", o.seq,
		"frames", len(seg.Frames),
		"bytes", len(payload),
	)
	o.metrics.RecordChunkSent(ctx, len(payload))
	o.publish(Event{Kind: EventChunkSent, At: o.now(), Sequence: o.seq})
	o.seq++
}

func (o *Orchestrator) recordBoundary(ctx context.Context, b vad.Boundary) {
	o.metrics.RecordBoundary(ctx, b.Kind.String(), b.Reason.String(), b.Duration().Seconds())
	o.publish(Event{Kind: EventBoundary, At: b.At, Boundary: b})
}

func (o *Orchestrator) captureEnded(ctx context.Context) {
	o.frames = nil
	if o.state.Rec != Recording {
		return
	}
	err := &audio.CaptureError{Reason: audio.CaptureFailed, Err: errors.New("stream ended")}
	ctx = observe.WithSession(ctx, o.sessionID)
	observe.Logger(ctx).Error("session: capture stream ended unexpectedly")
	o.metrics.RecordCaptureError(ctx, err.Reason.String())
	o.reporter.Report(ctx, err, map[string]string{"component": "capture"})
	o.appendEntry(Entry{Kind: EntryError, Text: textCaptureEnded})
	o.stop(ctx, nil)
}

func (o *Orchestrator) captureFailed(ctx context.Context, err error) {
	reason := audio.CaptureFailed
	if ce, ok := audio.AsCaptureError(err); ok {
		reason = ce.Reason
	}
	slog.Error("session: could not open capture device", "reason", reason.String(), "err", err)
	o.metrics.RecordCaptureError(ctx, reason.String())
	if reason != audio.CaptureDenied {
		o.reporter.Report(ctx, err, map[string]string{"component": "capture"})
	}
	o.appendEntry(Entry{Kind: EntryError, Text: "Error accessing microphone: " + err.Error()})
	o.setStatus("Error accessing microphone: " + reason.String())
}

// ─── Transport events ────────────────────────────────────────────────────────

func (o *Orchestrator) handleTransport(ctx context.Context, ev transport.Event) {
	o.metrics.RecordServerEvent(ctx, ev.Kind.String())
	if ev.At.IsZero() {
		ev.At = o.now()
	}

	switch ev.Kind {
	case transport.KindConnected:
		o.setConn(transport.Connected)
		o.appendEntry(Entry{Kind: EntryInfo, Text: textConnected, At: ev.At})

	case transport.KindDisconnected:
		o.setConn(transport.Disconnected)

	case transport.KindReconnecting:
		o.metrics.Reconnects.Add(ctx, 1)
		o.setConn(o.tr.State())
		o.appendEntry(Entry{
			Kind: EntryError,
			Text: fmt.Sprintf("WebSocket disconnected, reconnecting in %gs...", ev.Delay.Seconds()),
			At:   ev.At,
		})

	case transport.KindReconnectExhausted:
		o.metrics.ReconnectExhausted.Add(ctx, 1)
		o.setConn(transport.Disconnected)
		o.reporter.Report(ctx, errReconnectExhausted, map[string]string{
			"component": "transport",
			"attempts":  fmt.Sprint(ev.Attempt),
		})
		o.appendEntry(Entry{Kind: EntryError, Text: textReconnectExhausted, At: ev.At})

	case transport.KindTranscription:
		o.log.ResolveLoading()
		o.appendEntry(Entry{
			Kind:         EntryTranscription,
			Text:         ev.Transcription.TranslatedText,
			OriginalText: ev.Transcription.OriginalText,
			IsEnglish:    ev.Transcription.IsEnglish,
			At:           ev.At,
		})

	case transport.KindSummary:
		o.log.ResolveLoading()
		o.appendEntry(Entry{
			Kind:         EntrySummary,
			Text:         ev.Summary.Summary,
			OriginalText: ev.Summary.OriginalText,
			IsEnglish:    ev.Summary.IsEnglish,
			At:           ev.At,
		})
		if !o.summaryAt.IsZero() {
			o.metrics.SummaryLatency.Record(ctx, ev.At.Sub(o.summaryAt).Seconds())
			o.summaryAt = time.Time{}
		}
		o.finishStopping()

	case transport.KindError:
		o.log.ResolveLoading()
		text := "Error: " + ev.Error.Message
		if ev.Error.Source == transport.KindSummary {
			text = "Session summary error: " + ev.Error.Message
		}
		o.appendEntry(Entry{Kind: EntryError, Text: text, At: ev.At})
		o.finishStopping()

	case transport.KindPing, transport.KindPong:
		slog.Debug("keep-alive received", "kind", ev.Kind.String(), "data", string(ev.Data))
	}
}

func (o *Orchestrator) finishStopping() {
	if o.state.Rec != Stopping {
		return
	}
	next, err := o.state.Transition(Stopped)
	if err != nil {
		return
	}
	o.setState(next)
	o.setStatus(StatusStopped)
}

// ─── State and publication ───────────────────────────────────────────────────

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	changed := o.state != s
	o.state = s
	o.mu.Unlock()
	if changed {
		o.publish(Event{Kind: EventState, At: o.now(), State: s})
	}
}

func (o *Orchestrator) setConn(c transport.ConnState) {
	o.setState(o.state.WithConn(c))
}

func (o *Orchestrator) setStatus(s string) {
	o.mu.Lock()
	changed := o.status != s
	o.status = s
	o.mu.Unlock()
	if changed {
		o.publish(Event{Kind: EventStatus, At: o.now(), Status: s})
	}
}

func (o *Orchestrator) appendEntry(e Entry) {
	if e.At.IsZero() {
		e.At = o.now()
	}
	e = o.log.Append(e)
	if o.archiver != nil && e.Kind != EntryLoading {
		o.archiver.Archive(o.sessionID, e)
	}
	o.publish(Event{Kind: EventEntry, At: e.At, Entry: e})
}

func (o *Orchestrator) publish(ev Event) {
	select {
	case o.events <- ev:
	default:
		slog.Warn("session: event consumer is slow, dropping event", "kind", int(ev.Kind))
	}
}
