package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are tracked individually; everything else only sets
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModeChanged is applied to live turns at their next re-evaluation.
	ModeChanged bool

	// NetworkChanged means the default network conditions changed; they are
	// merged into live turns.
	NetworkChanged bool

	ThresholdsChanged bool

	// BufferChanged applies to turns started after the reload.
	BufferChanged bool

	InterruptChanged bool

	// RestartRequired is set when a field that cannot be applied live changed
	// (listen address, TLS, audio format, sink, ingest).
	RestartRequired bool
}

// Any reports whether any hot-reloadable field changed.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ModeChanged || d.NetworkChanged ||
		d.ThresholdsChanged || d.BufferChanged || d.InterruptChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Policy.Mode != new.Policy.Mode {
		d.ModeChanged = true
	}
	if !reflect.DeepEqual(old.Policy.Network, new.Policy.Network) {
		d.NetworkChanged = true
	}
	if old.Policy.Thresholds != new.Policy.Thresholds {
		d.ThresholdsChanged = true
	}
	if !reflect.DeepEqual(old.Buffer, new.Buffer) {
		d.BufferChanged = true
	}
	if old.Policy.InterruptOnNewTurn != new.Policy.InterruptOnNewTurn {
		d.InterruptChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		old.Audio != new.Audio ||
		!reflect.DeepEqual(old.Sink, new.Sink) ||
		old.Ingest != new.Ingest ||
		old.Policy.FinishedTurnMemory != new.Policy.FinishedTurnMemory {
		d.RestartRequired = true
	}
	return d
}
