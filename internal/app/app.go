// Package app wires all livetranslate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates all subsystems, Run
// executes the session event loop, the archive writer and the HTTP status
// server until the context is cancelled, and Shutdown tears everything down
// in order.
//
// For testing, inject mock implementations via functional options
// (WithSource, WithTransport, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livetranslate/internal/archive"
	"github.com/MrWong99/livetranslate/internal/config"
	"github.com/MrWong99/livetranslate/internal/health"
	"github.com/MrWong99/livetranslate/internal/observe"
	"github.com/MrWong99/livetranslate/internal/session"
	"github.com/MrWong99/livetranslate/pkg/audio"
	"github.com/MrWong99/livetranslate/pkg/audio/mic"
	"github.com/MrWong99/livetranslate/pkg/transport"
)

const (
	readHeaderTimeout = 10 * time.Second
	httpShutdownGrace = 5 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	src      audio.Source
	tr       transport.Transport
	orch     *session.Orchestrator
	store    *archive.Store
	sink     archive.EntryWriter
	writer   *archive.Writer
	metrics  *observe.Metrics
	reporter observe.Reporter
	logLevel *slog.LevelVar
	handler  http.Handler
	console  *Console
	out      io.Writer

	// listener, if set, is used instead of listening on cfg.Server.ListenAddr.
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects an audio source instead of opening the microphone.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.src = s }
}

// WithTransport injects a transport instead of dialing cfg.Transport.URL.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.tr = t }
}

// WithArchive injects an archive store instead of connecting to
// cfg.Archive.PostgresDSN.
func WithArchive(s *archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithArchiveSink persists session entries to dst instead of the archive
// store. Archive search stays disabled unless [WithArchive] is also given.
func WithArchiveSink(dst archive.EntryWriter) Option {
	return func(a *App) { a.sink = dst }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithReporter sets the error reporter. Defaults to Sentry when a DSN is
// configured and a no-op otherwise.
func WithReporter(r observe.Reporter) Option {
	return func(a *App) { a.reporter = r }
}

// WithLogLevel lets [App.ApplyConfig] change the log level of a running process.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConsole renders session events to w. Without it events are drained
// and discarded.
func WithConsole(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithListener serves HTTP on l instead of cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reporter == nil {
		if cfg.Sentry.DSN != "" {
			a.reporter = observe.NewSentryReporter(nil)
		} else {
			a.reporter = observe.NopReporter{}
		}
	}

	// ── 1. Transport ─────────────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 2. Capture source ────────────────────────────────────────────────
	if err := a.initSource(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 3. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. Session orchestrator ──────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 5. Presentation ──────────────────────────────────────────────────
	a.console = NewConsole(a.out, a.orch.Events())
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTransport() error {
	if a.tr != nil {
		return nil
	}
	t := a.cfg.Transport
	c, err := transport.NewClient(t.URL,
		transport.WithDialTimeout(t.DialTimeout),
		transport.WithWriteTimeout(t.WriteTimeout),
		transport.WithPingInterval(t.PingInterval),
		transport.WithReconnectPolicy(t.Policy()),
	)
	if err != nil {
		return err
	}
	a.tr = c
	a.closers = append(a.closers, c.Close)
	slog.Info("transport configured", "url", t.URL, "max_attempts", t.MaxAttempts)
	return nil
}

func (a *App) initSource() error {
	if a.src != nil {
		return nil
	}
	c := a.cfg.Capture
	opts := []mic.Option{mic.WithQueueSize(c.QueueSize)}
	if len(c.Backends) > 0 {
		backends, err := mic.ParseBackends(c.Backends)
		if err != nil {
			return err
		}
		opts = append(opts, mic.WithBackends(backends...))
	}
	a.src = mic.New(opts...)
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.sink != nil {
		a.writer = archive.NewWriter(a.sink, a.cfg.Archive.QueueSize)
		return nil
	}
	if a.store == nil {
		dsn := a.cfg.Archive.PostgresDSN
		if dsn == "" {
			slog.Info("session archive disabled")
			return nil
		}
		store, err := archive.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	a.writer = archive.NewWriter(a.store, a.cfg.Archive.QueueSize)
	slog.Info("session archive enabled")
	return nil
}

func (a *App) initSession() error {
	sc := session.Config{
		VAD:            a.cfg.VAD.Engine(),
		ChunkInterval:  a.cfg.Chunking.Interval,
		Capture:        a.cfg.Capture.Constraints(),
		LevelSmoothing: a.cfg.VAD.LevelSmoothing,
	}
	opts := []session.Option{
		session.WithMetrics(a.metrics),
		session.WithReporter(a.reporter),
	}
	if a.writer != nil {
		opts = append(opts, session.WithArchiver(a.writer))
	}
	orch, err := session.New(a.src, a.tr, sc, opts...)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// routes builds the HTTP handler: health probes, Prometheus metrics and the
// session control API.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checks := []health.Checker{health.TransportCheck(a.tr)}
	if a.store != nil {
		checks = append(checks, health.ArchiveCheck(a.store.Ping))
	}
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", metricsHandler())
	control := &api{orch: a.orch}
	if a.store != nil {
		control.archive = a.store
	}
	control.register(mux)

	return observe.SentryRecovery(observe.Middleware(a.metrics)(mux))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *session.Orchestrator { return a.orch }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the transport and blocks until ctx is cancelled, running the
// session event loop, the console, the archive writer and the HTTP server.
// A session still recording when ctx is cancelled is stopped gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The archive writer outlives the event loop so that entries appended
	// while the loop stops a session on shutdown still reach it.
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()

	g.Go(func() error {
		defer stopWriter()
		return a.orch.Run(gctx)
	})
	g.Go(func() error { return a.console.Run(gctx) })
	if a.writer != nil {
		g.Go(func() error { return a.writer.Run(writerCtx) })
	}
	g.Go(func() error { return a.serveHTTP(gctx) })

	a.tr.Connect()
	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		<-errc
		return nil
	}
}

// ApplyConfig applies the hot-reloadable parts of a changed configuration
// and logs the sections that need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TuningChanged {
		if err := a.orch.SetTuning(new.VAD.Engine(), new.Chunking.Interval); err != nil {
			slog.Warn("rejected VAD tuning from config reload", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel converts a config log level to a [slog.Level].
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
