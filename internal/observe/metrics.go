// Package observe wires livetranslate into OpenTelemetry and Sentry.
//
// [InitProvider] installs the global meter and tracer providers. Metrics are
// scraped from /metrics through a Prometheus collector.
//
// The session pipeline records into [Metrics]. Log lines get trace and
// session IDs from [Logger].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livetranslate metrics.
const meterName = "github.com/MrWong99/livetranslate"

// Metrics holds the instruments of the capture, VAD, transport and HTTP
// layers. Safe for concurrent use. Attribute keys are listed per field.
type Metrics struct {
	// VAD: boundaries by kind and reason, segment length by reason.
	Segments        metric.Int64Counter
	SegmentDuration metric.Float64Histogram

	// Chunks written to the transport and their PCM bytes.
	ChunksSent metric.Int64Counter
	ChunkBytes metric.Int64Counter

	// Transport: events by kind, refused sends by message.
	ServerEvents       metric.Int64Counter
	SendRejected       metric.Int64Counter
	Reconnects         metric.Int64Counter
	ReconnectExhausted metric.Int64Counter

	// CaptureErrors is keyed by reason.
	CaptureErrors metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter
	SummaryLatency metric.Float64Histogram

	// HTTPRequestDuration is keyed by method, route (the mux pattern) and
	// status (a class such as "2xx").
	HTTPRequestDuration metric.Float64Histogram
}

// segmentBuckets defines histogram bucket boundaries (in seconds) for speech
// segment lengths, which are capped by the auto-stop timeout.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 8, 12, 15, 20,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for server
// round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// instruments creates instruments on one meter and collects their errors.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, append(opts, metric.WithDescription(desc))...)
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

// seconds creates a histogram in seconds. Nil buckets keep the SDK defaults.
func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.err = errors.Join(b.err, err)
	return h
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		SegmentDuration: b.seconds("livetranslate.vad.segment.duration",
			"Length of closed speech segments.", segmentBuckets),
		SummaryLatency: b.seconds("livetranslate.session.summary.latency",
			"Time from full-session request to summary reply.", latencyBuckets),
		HTTPRequestDuration: b.seconds("livetranslate.http.request.duration",
			"Control API latency by method, route and status class.", nil),

		ChunksSent: b.counter("livetranslate.chunks.sent", "Audio chunks sent."),
		ChunkBytes: b.counter("livetranslate.chunks.bytes", "PCM payload bytes sent.", metric.WithUnit("By")),
		Segments:   b.counter("livetranslate.vad.boundaries", "VAD segment boundaries by kind and reason."),

		ServerEvents:       b.counter("livetranslate.transport.events", "Inbound server events by kind."),
		Reconnects:         b.counter("livetranslate.transport.reconnects", "Scheduled reconnect attempts."),
		ReconnectExhausted: b.counter("livetranslate.transport.reconnect_exhausted", "Times reconnection gave up."),
		SendRejected: b.counter("livetranslate.transport.send_rejected",
			"Messages refused because the transport was not connected."),

		CaptureErrors:  b.counter("livetranslate.capture.errors", "Microphone capture failures by reason."),
		ActiveSessions: b.upDown("livetranslate.active_sessions", "Recording sessions in progress."),
	}
	if b.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", b.err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a shared [Metrics] on the global meter provider.
// Call it after [InitProvider] so that the instruments are exported.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordChunkSent records one sent chunk of n payload bytes.
func (m *Metrics) RecordChunkSent(ctx context.Context, n int) {
	m.ChunksSent.Add(ctx, 1)
	m.ChunkBytes.Add(ctx, int64(n))
}

// RecordBoundary records a VAD boundary. For segment ends, seconds is the
// segment length; it is ignored for starts.
func (m *Metrics) RecordBoundary(ctx context.Context, kind, reason string, seconds float64) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
	if kind == "segment_end" {
		m.SegmentDuration.Record(ctx, seconds,
			metric.WithAttributes(attribute.String("reason", reason)),
		)
	}
}

// RecordServerEvent counts one inbound event of the given kind.
func (m *Metrics) RecordServerEvent(ctx context.Context, kind string) {
	m.ServerEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSendRejected counts a message the transport refused.
func (m *Metrics) RecordSendRejected(ctx context.Context, message string) {
	m.SendRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("message", message)),
	)
}

// RecordCaptureError counts a microphone failure.
func (m *Metrics) RecordCaptureError(ctx context.Context, reason string) {
	m.CaptureErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
