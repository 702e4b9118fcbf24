package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the previous and the freshly loaded configuration.
type ReloadFunc func(old, new *Config)

// fingerprint identifies one version of the config file.
type fingerprint struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher polls a config file and hands every valid edit that changes the
// effective configuration to a [ReloadFunc]. Invalid edits are logged once
// and otherwise ignored until the file changes again. Edits that only touch
// comments or formatting update [Watcher.Current] without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is checked. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must succeed.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	go w.loop()
	return w, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight reload to finish. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.seen.modTime) && info.Size() == w.seen.size {
		return
	}

	data, fp, err := w.read()
	if err != nil {
		slog.Warn("config: reading watched file", "path", w.path, "err", err)
		return
	}
	sameContent := fp.sum == w.seen.sum
	w.seen = fp
	if sameContent {
		return
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		slog.Warn("config: ignoring invalid edit, keeping previous configuration", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	if !Diff(old, cfg).Changed() {
		slog.Debug("config: file edited without effective changes", "path", w.path)
		return
	}
	slog.Info("config: reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(old, cfg)
	}
}

func (w *Watcher) read() ([]byte, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	return data, fingerprint{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
