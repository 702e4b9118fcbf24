package observe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// sentryFlushTimeout bounds how long shutdown waits for queued reports.
const sentryFlushTimeout = 2 * time.Second

// SentryConfig configures error reporting. An empty DSN disables it.
type SentryConfig struct {
	DSN              string
	Environment      string
	Release          string
	TracesSampleRate float64
}

// InitSentry initialises the global Sentry client. It returns a flush
// function to defer from main(); with an empty DSN both the init and the
// flush are no-ops.
func InitSentry(cfg SentryConfig) (flush func(), err error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		EnableTracing:    cfg.TracesSampleRate > 0,
		TracesSampleRate: cfg.TracesSampleRate,
	}); err != nil {
		return nil, fmt.Errorf("observe: sentry init: %w", err)
	}
	slog.Info("sentry initialized", "environment", cfg.Environment)
	return func() { sentry.Flush(sentryFlushTimeout) }, nil
}

// Reporter forwards terminal errors to an external tracker.
type Reporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// NopReporter discards every report.
type NopReporter struct{}

// Report implements [Reporter].
func (NopReporter) Report(context.Context, error, map[string]string) {}

// SentryReporter implements [Reporter] on a Sentry hub.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter returns a reporter on hub. A nil hub selects the current
// global hub.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub}
}

// Report implements [Reporter]. The trace and session IDs of ctx, if any,
// are attached as tags so that the report can be matched with logs.
func (r *SentryReporter) Report(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		if id := TraceID(ctx); id != "" {
			scope.SetTag("trace_id", id)
		}
		if id := SessionID(ctx); id != "" {
			scope.SetTag("session_id", id)
		}
		r.hub.CaptureException(err)
	})
}

// SentryRecovery returns middleware that reports panics in downstream
// handlers and answers with 500.
func SentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), rec)
				hub.Flush(sentryFlushTimeout)
				Logger(req.Context()).Error("panic in http handler", "panic", rec, "path", req.URL.Path)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

var (
	_ Reporter = NopReporter{}
	_ Reporter = (*SentryReporter)(nil)
)
