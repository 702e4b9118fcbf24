package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged is true if the VAD or chunking section changed. Tuning is
	// applied to the next recording session without a restart.
	TuningChanged bool

	// RestartRequired lists the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TuningChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD || old.Chunking != new.Chunking {
		d.TuningChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if !equalCapture(old.Capture, new.Capture) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Sentry != new.Sentry {
		d.RestartRequired = append(d.RestartRequired, "sentry")
	}
	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalCapture(a, b CaptureConfig) bool {
	if a.SampleRate != b.SampleRate || a.FrameSize != b.FrameSize || a.Channels != b.Channels ||
		a.DeviceID != b.DeviceID || a.QueueSize != b.QueueSize || len(a.Backends) != len(b.Backends) {
		return false
	}
	for i := range a.Backends {
		if a.Backends[i] != b.Backends[i] {
			return false
		}
	}
	return true
}
