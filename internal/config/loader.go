package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livetranslate/pkg/chunk"
	"github.com/MrWong99/livetranslate/pkg/transport"
	"github.com/MrWong99/livetranslate/pkg/vad"
)

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 10 * time.Second
	DefaultSampleRate   = 16000
	DefaultFrameSize    = 128
	DefaultQueueSize    = 256
	DefaultArchiveQueue = 512
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	policy := transport.DefaultReconnectPolicy()
	t := &cfg.Transport
	if t.URL == "" {
		t.URL = transport.DefaultURL
	}
	if t.DialTimeout == 0 {
		t.DialTimeout = DefaultDialTimeout
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultWriteTimeout
	}
	if t.PingInterval == 0 {
		t.PingInterval = DefaultPingInterval
	}
	if t.BaseDelay == 0 {
		t.BaseDelay = policy.BaseDelay
	}
	if t.MaxDelay == 0 {
		t.MaxDelay = policy.MaxDelay
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = policy.MaxAttempts
	}

	c := &cfg.Capture
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}

	def := vad.DefaultConfig()
	v := &cfg.VAD
	if v.SilenceThreshold == 0 {
		v.SilenceThreshold = def.SilenceThreshold
	}
	if v.MinSpeechDuration == 0 {
		v.MinSpeechDuration = def.MinSpeechDuration
	}
	if v.MinSilenceDuration == 0 {
		v.MinSilenceDuration = def.MinSilenceDuration
	}
	if v.CooldownPeriod == 0 {
		v.CooldownPeriod = def.CooldownPeriod
	}
	if v.AutoStopTimeout == 0 {
		v.AutoStopTimeout = def.AutoStopTimeout
	}

	if cfg.Chunking.Interval == 0 {
		cfg.Chunking.Interval = chunk.DefaultInterval
	}
	if cfg.Archive.QueueSize == 0 {
		cfg.Archive.QueueSize = DefaultArchiveQueue
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	t := cfg.Transport
	if u, err := url.Parse(t.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url %q is invalid: %w", t.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.url %q must use the ws or wss scheme", t.URL))
	}
	if t.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_timeout %s must not be negative", t.DialTimeout))
	}
	if t.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.write_timeout %s must not be negative", t.WriteTimeout))
	}
	if t.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("transport.ping_interval %s must not be negative", t.PingInterval))
	}
	if t.BaseDelay < 0 || t.MaxDelay < 0 {
		errs = append(errs, errors.New("transport.base_delay and transport.max_delay must not be negative"))
	}
	if t.BaseDelay > 0 && t.MaxDelay > 0 && t.MaxDelay < t.BaseDelay {
		errs = append(errs, fmt.Errorf("transport.max_delay %s is shorter than base_delay %s", t.MaxDelay, t.BaseDelay))
	}
	if t.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_attempts %d must not be negative", t.MaxAttempts))
	}

	// Capture
	c := cfg.Capture
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [8000, 192000]", c.SampleRate))
	}
	if c.DeviceRate != 0 && (c.DeviceRate < 8000 || c.DeviceRate > 192000) {
		errs = append(errs, fmt.Errorf("capture.device_rate %d is out of range [8000, 192000]", c.DeviceRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must be positive", c.FrameSize))
	}
	if c.Channels < 1 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is invalid; valid values: 1, 2", c.Channels))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("capture.queue_size %d must not be negative", c.QueueSize))
	}

	// VAD
	if err := cfg.VAD.Engine().Validate(); err != nil {
		errs = append(errs, err)
	}
	if s := cfg.VAD.LevelSmoothing; s < 0 || s >= 1 {
		errs = append(errs, fmt.Errorf("vad.level_smoothing %.2f is out of range [0, 1)", s))
	}

	// Chunking
	if cfg.Chunking.Interval <= 0 {
		errs = append(errs, fmt.Errorf("chunking.interval %s must be positive", cfg.Chunking.Interval))
	} else if cfg.Chunking.Interval > cfg.VAD.AutoStopTimeout {
		slog.Warn("chunking.interval exceeds vad.auto_stop_timeout; segments will be sent in one piece",
			"interval", cfg.Chunking.Interval,
			"auto_stop_timeout", cfg.VAD.AutoStopTimeout,
		)
	}

	// Archive
	if cfg.Archive.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("archive.queue_size %d must not be negative", cfg.Archive.QueueSize))
	}
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; session logs will not be archived")
	}

	// Sentry
	if cfg.Sentry.DSN != "" {
		if _, err := url.Parse(cfg.Sentry.DSN); err != nil {
			errs = append(errs, fmt.Errorf("sentry.dsn is invalid: %w", err))
		}
	}

	return errors.Join(errs...)
}
