package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coder/websocket"

	"github.com/MrWong99/livetranslate/internal/observe"
	"github.com/MrWong99/livetranslate/pkg/audio"
	amock "github.com/MrWong99/livetranslate/pkg/audio/mock"
	"github.com/MrWong99/livetranslate/pkg/transport"
	tmock "github.com/MrWong99/livetranslate/pkg/transport/mock"
	"github.com/MrWong99/livetranslate/pkg/vad"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

const frameMillis = 10

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// frame returns a 10ms frame at 16 kHz starting at the given offset.
func frame(atMillis int, amp float32) audio.SampleFrame {
	s := make([]float32, 160)
	for i := range s {
		s[i] = amp
	}
	return audio.SampleFrame{Samples: s, Timestamp: t0.Add(time.Duration(atMillis) * time.Millisecond)}
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *fakeReporter) Report(_ context.Context, err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type fakeArchiver struct {
	mu      sync.Mutex
	entries []Entry
	ids     []string
}

func (a *fakeArchiver) Archive(sessionID string, e Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, sessionID)
	a.entries = append(a.entries, e)
}

func (a *fakeArchiver) snapshot() ([]string, []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...), append([]Entry(nil), a.entries...)
}

type harness struct {
	t        *testing.T
	o        *Orchestrator
	src      *amock.Source
	stream   *amock.Stream
	tr       *tmock.Transport
	reporter *fakeReporter
	cancel   context.CancelFunc
	runErr   chan error
}

func newHarness(t *testing.T, state transport.ConnState, opts ...Option) *harness {
	t.Helper()
	stream := amock.NewStream(16000, 0)
	h := &harness{
		t:        t,
		src:      &amock.Source{OpenResult: stream},
		stream:   stream,
		tr:       tmock.New(state),
		reporter: &fakeReporter{},
		runErr:   make(chan error, 1),
	}
	opts = append([]Option{WithReporter(h.reporter)}, opts...)
	o, err := New(h.src, h.tr, DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

// sync waits until every frame pushed so far has been processed.
func (h *harness) sync() {
	h.t.Helper()
	if err := h.o.exec(context.Background(), func(context.Context) error { return nil }); err != nil {
		h.t.Fatalf("sync: %v", err)
	}
}

// feed pushes 10ms frames with amplitude amp covering [from, to) milliseconds.
func (h *harness) feed(amp float32, from, to int) {
	h.t.Helper()
	for at := from; at < to; at += frameMillis {
		if !h.stream.Push(frame(at, amp)) {
			h.t.Fatalf("stream closed at %dms", at)
		}
	}
	h.sync()
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.o.StartSession(context.Background()); err != nil {
		h.t.Fatalf("StartSession: %v", err)
	}
}

func (h *harness) stop() {
	h.t.Helper()
	if err := h.o.StopSession(context.Background()); err != nil {
		h.t.Fatalf("StopSession: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasEntry(l *Log, kind EntryKind, text string) bool {
	for _, e := range l.View() {
		if e.Kind == kind && e.Text == text {
			return true
		}
	}
	return false
}

// ─── Streaming ───────────────────────────────────────────────────────────────

func TestOrchestrator_ContinuousSpeechSendsTwoChunks(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()

	h.feed(0.5, 0, 4000)
	h.feed(0, 4000, 6000)

	chunks := h.tr.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("chunks sent = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Sequence != i {
			t.Errorf("chunk %d sequence = %d", i, c.Sequence)
		}
		if c.SampleRate != 16000 {
			t.Errorf("chunk %d sample rate = %d", i, c.SampleRate)
		}
		if len(c.Payload) == 0 || len(c.Payload)%(160*audio.BytesPerSample) != 0 {
			t.Errorf("chunk %d payload has %d bytes", i, len(c.Payload))
		}
	}
	// The interval runs from the first buffered frame, not from the segment
	// start at 200ms: the steady-state flush happens at 3000ms with frames
	// 0..3000 inclusive.
	if want := 301 * 160 * audio.BytesPerSample; len(chunks[0].Payload) != want {
		t.Errorf("first chunk = %d bytes, want %d", len(chunks[0].Payload), want)
	}
	if got := h.o.Status(); got != StatusPausedSilence {
		t.Errorf("status = %q, want %q", got, StatusPausedSilence)
	}
}

func TestOrchestrator_SilenceSendsNothing(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.feed(0.01, 0, 5000)

	if n := len(h.tr.Sent()); n != 0 {
		t.Fatalf("sent %d messages during silence", n)
	}
	if got := h.o.Status(); got != StatusListening {
		t.Errorf("status = %q, want %q", got, StatusListening)
	}
}

func TestOrchestrator_CooldownReturnsToListening(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.feed(0.5, 0, 300)
	h.feed(0, 300, 1400)
	if got := h.o.Status(); got != StatusPausedSilence {
		t.Fatalf("status after segment end = %q", got)
	}
	h.feed(0, 1400, 2000)
	if got := h.o.Status(); got != StatusListening {
		t.Errorf("status after cooldown = %q, want %q", got, StatusListening)
	}
}

func TestOrchestrator_MaxDurationSplitsSegment(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.feed(0.5, 0, 15400)

	// The split at 15200ms has no cooldown, so the status goes straight back
	// to listening while the next candidate segment builds up.
	if got := h.o.Status(); got != StatusListening {
		t.Errorf("status = %q, want %q", got, StatusListening)
	}
	chunks := h.tr.Chunks()
	if len(chunks) == 0 {
		t.Fatal("no chunks sent")
	}
	for i, c := range chunks {
		if c.Sequence != i {
			t.Errorf("chunk %d sequence = %d", i, c.Sequence)
		}
	}
}

func TestOrchestrator_SendRejectedDropsChunkWithoutConsumingSequence(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()

	h.tr.SetState(transport.Disconnected)
	h.feed(0.5, 0, 4000)
	h.feed(0, 4000, 6000)
	if n := len(h.tr.Chunks()); n != 0 {
		t.Fatalf("chunks sent while disconnected = %d", n)
	}
	if !hasEntry(h.o.Log(), EntryError, textSendRejected) {
		t.Error("missing send rejection entry")
	}

	h.tr.SetState(transport.Connected)
	h.feed(0.5, 6000, 6500)
	h.feed(0, 6500, 7600)
	chunks := h.tr.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("chunks after reconnect = %d, want 1", len(chunks))
	}
	if chunks[0].Sequence != 0 {
		t.Errorf("sequence = %d, want 0", chunks[0].Sequence)
	}
}

func TestOrchestrator_ChunkMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, transport.Connected, WithMetrics(m))
	h.start()
	h.feed(0.5, 0, 4000)
	h.feed(0, 4000, 6000)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "livetranslate.chunks.sent" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("chunks.sent = %d, want 2", total)
	}
}

// ─── Start ───────────────────────────────────────────────────────────────────

func TestOrchestrator_StartWhenDisconnectedTriggersConnect(t *testing.T) {
	h := newHarness(t, transport.Disconnected)

	err := h.o.StartSession(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if h.tr.CallCountConnect != 1 {
		t.Errorf("Connect calls = %d, want 1", h.tr.CallCountConnect)
	}
	if got := h.o.Status(); got != StatusNotConnected {
		t.Errorf("status = %q", got)
	}
	if n := len(h.src.OpenCalls); n != 0 {
		t.Errorf("source opened %d times", n)
	}
	if got := h.o.State().Rec; got != NotRecording {
		t.Errorf("rec state = %v", got)
	}
}

func TestOrchestrator_StartTwiceFails(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	if err := h.o.StartSession(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second start err = %v, want ErrSessionActive", err)
	}
}

func TestOrchestrator_StartUsesCaptureConstraints(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	if len(h.src.OpenCalls) != 1 {
		t.Fatalf("open calls = %d", len(h.src.OpenCalls))
	}
	if got := h.src.OpenCalls[0]; got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("constraints = %+v", got)
	}
	st := h.o.State()
	if st.Session() != StateRecording {
		t.Errorf("session state = %v, want recording", st.Session())
	}
	if h.o.SessionID() == "" {
		t.Error("session ID not assigned")
	}
}

func TestOrchestrator_CaptureDenied(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.src.OpenErr = &audio.CaptureError{Reason: audio.CaptureDenied, Err: errors.New("user declined")}

	err := h.o.StartSession(context.Background())
	ce, ok := audio.AsCaptureError(err)
	if !ok || ce.Reason != audio.CaptureDenied {
		t.Fatalf("err = %v, want denied CaptureError", err)
	}
	if got := h.o.State().Rec; got != NotRecording {
		t.Errorf("rec state = %v", got)
	}
	var found bool
	for _, e := range h.o.Log().View() {
		if e.IsError() && strings.HasPrefix(e.Text, "Error accessing microphone") {
			found = true
		}
	}
	if !found {
		t.Error("missing microphone error entry")
	}
	if n := h.reporter.count(); n != 0 {
		t.Errorf("denied capture reported %d times", n)
	}
}

func TestOrchestrator_CaptureUnavailableIsReported(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.src.OpenErr = &audio.CaptureError{Reason: audio.CaptureUnavailable, Err: errors.New("no device")}

	if err := h.o.StartSession(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if n := h.reporter.count(); n != 1 {
		t.Errorf("reports = %d, want 1", n)
	}
}

func TestOrchestrator_StopDuringOpenAborts(t *testing.T) {
	h := newHarness(t, transport.Connected)
	block := make(chan struct{})
	h.src.Block = block

	errc := make(chan error, 1)
	go func() { errc <- h.o.StartSession(context.Background()) }()

	waitFor(t, "open in progress", func() bool {
		var opening bool
		_ = h.o.exec(context.Background(), func(context.Context) error {
			opening = h.o.opening
			return nil
		})
		return opening
	})
	h.stop()
	close(block)

	if err := <-errc; !errors.Is(err, ErrStartAborted) {
		t.Fatalf("start err = %v, want ErrStartAborted", err)
	}
	if n := h.stream.Closes(); n != 1 {
		t.Errorf("stream closes = %d, want 1", n)
	}
	if got := h.o.State().Rec; got != NotRecording {
		t.Errorf("rec state = %v", got)
	}
	if n := len(h.tr.Sent()); n != 0 {
		t.Errorf("sent %d messages", n)
	}
}

func TestOrchestrator_ExecHonoursCallerContext(t *testing.T) {
	h := newHarness(t, transport.Connected)

	release := make(chan struct{})
	ran := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.o.exec(ctx, func(context.Context) error {
		defer close(ran)
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("exec = %v, want DeadlineExceeded", err)
	}

	// The loop finishes the abandoned command and keeps serving.
	close(release)
	<-ran
	h.sync()
}

// ─── Stop ────────────────────────────────────────────────────────────────────

func TestOrchestrator_StopFlushesOpenSegmentThenRequestsSummary(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.feed(0.5, 0, 1000)
	h.stop()

	sent := h.tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if c, ok := sent[0].(transport.ChunkMessage); !ok || c.Sequence != 0 {
		t.Errorf("first message = %#v, want chunk 0", sent[0])
	}
	if sent[1] != transport.ProcessFullSession {
		t.Errorf("second message = %#v, want process_full_session", sent[1])
	}
	if !h.stream.Closed() {
		t.Error("stream not closed")
	}
	if h.tr.CallCountCancelReconnect != 1 {
		t.Errorf("CancelReconnect calls = %d, want 1", h.tr.CallCountCancelReconnect)
	}
	if got := h.o.State().Rec; got != Stopping {
		t.Errorf("rec state = %v, want stopping", got)
	}
	if got := h.o.Status(); got != StatusProcessing {
		t.Errorf("status = %q", got)
	}
	if !h.o.Log().Pending() {
		t.Error("expected a loading placeholder")
	}

	h.tr.Emit(transport.Event{
		Kind:    transport.KindSummary,
		Summary: transport.SessionSummary{Summary: "all done", OriginalText: "fertig"},
	})
	waitFor(t, "stopped", func() bool { return h.o.State().Rec == Stopped })

	if h.o.Log().Pending() {
		t.Error("placeholder still pending after summary")
	}
	if !hasEntry(h.o.Log(), EntrySummary, "all done") {
		t.Error("missing summary entry")
	}
	for _, e := range h.o.Log().View() {
		if e.Kind == EntryLoading {
			t.Error("resolved placeholder still visible")
		}
	}
	if got := h.o.Status(); got != StatusStopped {
		t.Errorf("status = %q", got)
	}
}

func TestOrchestrator_StopWithoutSpeechSendsOnlySummaryRequest(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.feed(0, 0, 500)
	h.stop()

	sent := h.tr.Sent()
	if len(sent) != 1 || sent[0] != transport.ProcessFullSession {
		t.Fatalf("sent = %#v, want only process_full_session", sent)
	}
}

func TestOrchestrator_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.stop() // no session yet
	if n := len(h.tr.Sent()); n != 0 {
		t.Fatalf("stop without session sent %d messages", n)
	}

	h.start()
	h.stop()
	h.stop()
	if n := len(h.tr.Sent()); n != 1 {
		t.Errorf("sent %d messages, want 1", n)
	}
	if n := h.stream.Closes(); n != 1 {
		t.Errorf("stream closes = %d, want 1", n)
	}
}

func TestOrchestrator_StopWhileDisconnectedEndsImmediately(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.tr.SetState(transport.Disconnected)
	h.stop()

	if got := h.o.State().Rec; got != Stopped {
		t.Errorf("rec state = %v, want stopped", got)
	}
	if !hasEntry(h.o.Log(), EntryError, textProcessRejected) {
		t.Error("missing process rejection entry")
	}
	if h.o.Log().Pending() {
		t.Error("no placeholder expected when the request was rejected")
	}
}

func TestOrchestrator_SummaryErrorFinishesStopping(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.stop()

	h.tr.Emit(transport.Event{
		Kind:  transport.KindError,
		Error: transport.ServerError{Message: "boom", Source: transport.KindSummary},
	})
	waitFor(t, "stopped", func() bool { return h.o.State().Rec == Stopped })
	if !hasEntry(h.o.Log(), EntryError, "Session summary error: boom") {
		t.Errorf("entries = %+v", h.o.Log().View())
	}
}

func TestOrchestrator_RestartAfterStop(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.feed(0.5, 0, 1000)
	h.stop()
	first := h.o.SessionID()

	next := amock.NewStream(16000, 0)
	h.src.OpenResult = next
	h.stream = next
	h.start()
	if h.o.SessionID() == first {
		t.Error("session ID not renewed")
	}
	h.feed(0.5, 0, 1000)
	h.stop()

	chunks := h.tr.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[1].Sequence != 0 {
		t.Errorf("second session first sequence = %d, want 0", chunks[1].Sequence)
	}
}

func TestOrchestrator_CaptureStreamEndingStopsSession(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.stream.End()

	waitFor(t, "stopping", func() bool { return h.o.State().Rec == Stopping })
	if !hasEntry(h.o.Log(), EntryError, textCaptureEnded) {
		t.Error("missing capture error entry")
	}
	if n := h.reporter.count(); n != 1 {
		t.Errorf("reports = %d, want 1", n)
	}
}

func TestOrchestrator_ShutdownStopsRecording(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.cancel()
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		h.runErr <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	sent := h.tr.Sent()
	if len(sent) != 1 || sent[0] != transport.ProcessFullSession {
		t.Errorf("sent = %#v", sent)
	}
	if h.tr.Handlers() != 0 {
		t.Error("transport handler not removed")
	}
	if err := h.o.StartSession(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("start after shutdown = %v, want ErrNotRunning", err)
	}
}

// ─── Transport events ────────────────────────────────────────────────────────

func TestOrchestrator_TranscriptionResolvesPlaceholder(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.stop()

	h.tr.Emit(transport.Event{
		Kind: transport.KindTranscription,
		Transcription: transport.TranscriptionResult{
			OriginalText:   "hola",
			TranslatedText: "hello",
		},
	})
	waitFor(t, "transcription", func() bool { return hasEntry(h.o.Log(), EntryTranscription, "hello") })
	if h.o.Log().Pending() {
		t.Error("placeholder not resolved")
	}
	// A transcription does not end the stopping phase.
	if got := h.o.State().Rec; got != Stopping {
		t.Errorf("rec state = %v, want stopping", got)
	}
}

func TestOrchestrator_ConnectionEvents(t *testing.T) {
	h := newHarness(t, transport.Disconnected)

	h.tr.Emit(transport.Event{Kind: transport.KindConnected})
	waitFor(t, "connected", func() bool { return h.o.State().Session() == StateConnected })
	if !hasEntry(h.o.Log(), EntryInfo, textConnected) {
		t.Error("missing connected entry")
	}

	h.tr.Emit(transport.Event{Kind: transport.KindReconnecting, Attempt: 1, Delay: 2 * time.Second})
	waitFor(t, "reconnecting entry", func() bool {
		return hasEntry(h.o.Log(), EntryError, "WebSocket disconnected, reconnecting in 2s...")
	})

	h.tr.Emit(transport.Event{Kind: transport.KindReconnectExhausted, Attempt: 5})
	waitFor(t, "exhausted entry", func() bool {
		return hasEntry(h.o.Log(), EntryError, textReconnectExhausted)
	})
	if got := h.o.State().Session(); got != StateDisconnected {
		t.Errorf("session state = %v, want disconnected", got)
	}
	if n := h.reporter.count(); n != 1 {
		t.Errorf("reports = %d, want 1", n)
	}
}

func TestOrchestrator_PublishesEvents(t *testing.T) {
	h := newHarness(t, transport.Connected)
	h.start()
	h.feed(0.5, 0, 1000)
	h.stop()

	var sawChunk, sawStart, sawRecording bool
	for {
		select {
		case ev := <-h.o.Events():
			switch ev.Kind {
			case EventChunkSent:
				sawChunk = ev.Sequence == 0
			case EventBoundary:
				if ev.Boundary.Kind == vad.SegmentStart {
					sawStart = true
				}
			case EventState:
				if ev.State.Rec == Recording {
					sawRecording = true
				}
			}
			continue
		default:
		}
		break
	}
	if !sawChunk || !sawStart || !sawRecording {
		t.Errorf("chunk=%v start=%v recording=%v", sawChunk, sawStart, sawRecording)
	}
}

func TestOrchestrator_ArchivesEntries(t *testing.T) {
	arch := &fakeArchiver{}
	h := newHarness(t, transport.Connected, WithArchiver(arch))
	h.start()
	id := h.o.SessionID()
	h.stop()
	h.tr.Emit(transport.Event{Kind: transport.KindSummary, Summary: transport.SessionSummary{Summary: "done"}})
	waitFor(t, "stopped", func() bool { return h.o.State().Rec == Stopped })

	ids, entries := arch.snapshot()
	if len(entries) != 1 {
		t.Fatalf("archived %d entries, want 1 (placeholders are skipped)", len(entries))
	}
	if entries[0].Kind != EntrySummary || ids[0] != id {
		t.Errorf("archived %+v for %q", entries[0], ids[0])
	}
}

// ─── Tuning ──────────────────────────────────────────────────────────────────

func TestOrchestrator_SetTuningAppliesToNextSession(t *testing.T) {
	h := newHarness(t, transport.Connected)

	bad := vad.DefaultConfig()
	bad.SilenceThreshold = 2
	if err := h.o.SetTuning(bad, time.Second); err == nil {
		t.Fatal("expected validation error")
	}
	if err := h.o.SetTuning(vad.DefaultConfig(), time.Second); err != nil {
		t.Fatalf("SetTuning: %v", err)
	}

	h.start()
	h.feed(0.5, 0, 4000)
	h.feed(0, 4000, 6000)

	// Interval flushes at 1000, 2000, 3000 and, during the trailing silence,
	// 4000. The segment end at 5000 flushes the rest.
	if n := len(h.tr.Chunks()); n != 5 {
		t.Errorf("chunks = %d, want 5", n)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VAD.MinSpeechDuration = 0
	if _, err := New(&amock.Source{}, tmock.New(transport.Connected), cfg); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(nil, tmock.New(transport.Connected), DefaultConfig()); err == nil {
		t.Fatal("expected error for nil source")
	}
}

// ─── Stalled peer ────────────────────────────────────────────────────────────

// bigFrame returns a loud frame large enough to fill the socket buffers of a
// peer that does not read.
func bigFrame(atMillis int) audio.SampleFrame {
	s := make([]float32, 1<<22)
	for i := range s {
		s[i] = 0.5
	}
	return audio.SampleFrame{Samples: s, Timestamp: t0.Add(time.Duration(atMillis) * time.Millisecond)}
}

func TestOrchestrator_StopSessionWithStalledPeer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	tr, err := transport.NewClient("ws"+strings.TrimPrefix(srv.URL, "http"),
		transport.WithWriteTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	tr.Connect()
	waitFor(t, "connection", func() bool { return tr.State() == transport.Connected })

	stream := amock.NewStream(16000, 0)
	o, err := New(&amock.Source{OpenResult: stream}, tr, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	if err := o.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	// A segment opens at 300ms; stopping flushes it to the stalled peer.
	stream.Push(bigFrame(0))
	stream.Push(bigFrame(300))
	if err := o.exec(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("sync: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	start := time.Now()
	if err := o.StopSession(stopCtx); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("StopSession took %v", elapsed)
	}

	if !hasEntry(o.Log(), EntryError, textSendRejected) {
		t.Errorf("log = %+v, want rejected chunk", o.Log().View())
	}
	if !hasEntry(o.Log(), EntryError, textProcessRejected) {
		t.Errorf("log = %+v, want rejected summary request", o.Log().View())
	}
	if got := o.State().Rec; got != Stopped {
		t.Errorf("rec state = %v, want stopped", got)
	}
	if got := tr.State(); got == transport.Connected {
		t.Errorf("transport state = %v after stalled write", got)
	}
}
