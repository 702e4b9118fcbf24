// Command livetranslate captures microphone audio, streams voiced segments to
// a transcription server and prints the replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/livetranslate/internal/app"
	"github.com/MrWong99/livetranslate/internal/config"
	"github.com/MrWong99/livetranslate/internal/observe"
	"github.com/MrWong99/livetranslate/internal/session"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	shutdownTimeout   = 15 * time.Second
	autostartInterval = time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	autostart := flag.Bool("autostart", false, "start a recording session as soon as the server is connected")
	quiet := flag.Bool("quiet", false, "do not print session events to stdout")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livetranslate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livetranslate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("livetranslate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Environment:    cfg.Sentry.Environment,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	flushSentry, err := observe.InitSentry(observe.SentryConfig{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     version,
	})
	if err != nil {
		slog.Error("failed to initialise sentry", "err", err)
		return 1
	}
	defer flushSentry()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level)}
	if !*quiet {
		opts = append(opts, app.WithConsole(os.Stdout))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	if *autostart {
		go autostartSession(ctx, application.Orchestrator())
	}

	slog.Info("ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// autostartSession retries StartSession until it succeeds or fails for a
// reason other than a missing connection.
func autostartSession(ctx context.Context, orch *session.Orchestrator) {
	ticker := time.NewTicker(autostartInterval)
	defer ticker.Stop()
	for {
		err := orch.StartSession(ctx)
		switch {
		case err == nil:
			return
		case errors.Is(err, session.ErrNotReady):
			slog.Debug("autostart waiting for connection")
		default:
			slog.Error("autostart failed", "err", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     livetranslate, startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Server", cfg.Transport.URL)
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Capture.SampleRate))
	printRow("Threshold", fmt.Sprintf("%.3f", cfg.VAD.SilenceThreshold))
	printRow("Min speech", cfg.VAD.MinSpeechDuration.String())
	printRow("Min silence", cfg.VAD.MinSilenceDuration.String())
	printRow("Max segment", cfg.VAD.AutoStopTimeout.String())
	printRow("Chunk every", cfg.Chunking.Interval.String())
	if cfg.Archive.PostgresDSN != "" {
		printRow("Archive", "postgres")
	} else {
		printRow("Archive", "(disabled)")
	}
	if cfg.Sentry.DSN != "" {
		printRow("Sentry", "enabled")
	} else {
		printRow("Sentry", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
