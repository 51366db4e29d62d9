// Package config provides the configuration schema, loader, and sink registry
// for the turnplay playback server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
	"github.com/MrWong99/turnplay/pkg/audio/adaptive"
	"github.com/MrWong99/turnplay/pkg/audio/jitter"
)

// LogLevel controls log verbosity for the turnplay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog converts l to a [slog.Level]. Unknown and empty values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for turnplay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
	Buffer BufferConfig `yaml:"buffer"`
	Policy PolicyConfig `yaml:"policy"`
	Sink   SinkEntry    `yaml:"sink"`
	Ingest IngestConfig `yaml:"ingest"`
}

// ServerConfig holds network and logging settings for the turnplay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the PCM stream delivered by producers.
type AudioConfig struct {
	// SampleRate in Hz. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the interleaved channel count. Default: 1.
	Channels int `yaml:"channels"`

	// Encoding is the default sample encoding for chunks that carry none.
	Encoding audio.Encoding `yaml:"encoding"`
}

// Format returns the configured PCM format with defaults applied.
func (a AudioConfig) Format() audio.Format {
	f := audio.DefaultFormat
	if a.SampleRate > 0 {
		f.SampleRate = a.SampleRate
	}
	if a.Channels > 0 {
		f.Channels = a.Channels
	}
	return f
}

// BufferConfig sizes the jitter buffer of every turn. Durations use Go
// syntax ("240ms"). Zero values take the package defaults.
type BufferConfig struct {
	Target        time.Duration `yaml:"target"`
	Min           time.Duration `yaml:"min"`
	Max           time.Duration `yaml:"max"`
	FrameInterval time.Duration `yaml:"frame_interval"`

	// FillWait bounds the wait for the initial fill. Nil means "equal to target".
	FillWait *time.Duration `yaml:"fill_wait"`

	// AdjustEvery is the number of ticks between adaptive adjustments.
	// Nil means the default of 50; zero disables the adaptive loop.
	AdjustEvery *int `yaml:"adjust_every"`
}

// Jitter returns the buffer sizing with defaults applied.
func (b BufferConfig) Jitter() jitter.BufferConfig {
	c := jitter.DefaultConfig()
	if b.Target > 0 {
		c.Target = b.Target
	}
	if b.Min > 0 {
		c.Min = b.Min
	}
	if b.Max > 0 {
		c.Max = b.Max
	}
	if b.FrameInterval > 0 {
		c.FrameInterval = b.FrameInterval
	}
	return c
}

// PolicyConfig controls when buffering is turned on.
type PolicyConfig struct {
	// Mode is one of conservative, balanced, aggressive, adaptive.
	// Default: balanced.
	Mode adaptive.Mode `yaml:"mode"`

	// Network seeds the conditions of every new turn.
	Network NetworkConfig `yaml:"network"`

	// Thresholds normalise signals in adaptive mode.
	Thresholds ThresholdsConfig `yaml:"thresholds"`

	// InterruptOnNewTurn stops the playing turn as soon as a new turn starts.
	InterruptOnNewTurn bool `yaml:"interrupt_on_new_turn"`

	// FinishedTurnMemory is how many finished turn ids are remembered so that
	// late chunks for them are dropped. Default: 256.
	FinishedTurnMemory int `yaml:"finished_turn_memory"`
}

// NetworkConfig are advisory transport conditions. Omitted fields are unknown.
type NetworkConfig struct {
	Latency           *time.Duration `yaml:"latency"`
	Jitter            *time.Duration `yaml:"jitter"`
	PacketLossPercent *float64       `yaml:"packet_loss_percent"`
}

// Conditions converts n into [adaptive.NetworkConditions].
func (n NetworkConfig) Conditions() adaptive.NetworkConditions {
	return adaptive.NetworkConditions{}.Merge(adaptive.NetworkConditions{
		Latency:           n.Latency,
		Jitter:            n.Jitter,
		PacketLossPercent: n.PacketLossPercent,
	})
}

// ThresholdsConfig mirrors [adaptive.Thresholds].
type ThresholdsConfig struct {
	Latency           time.Duration `yaml:"latency"`
	Jitter            time.Duration `yaml:"jitter"`
	PacketLossPercent float64       `yaml:"packet_loss_percent"`
}

// Thresholds converts t into [adaptive.Thresholds].
func (t ThresholdsConfig) Thresholds() adaptive.Thresholds {
	return adaptive.Thresholds{
		Latency:           t.Latency,
		Jitter:            t.Jitter,
		PacketLossPercent: t.PacketLossPercent,
	}
}

// SinkEntry selects the frame sink. The Name field is used to look up the
// constructor in the [Registry].
type SinkEntry struct {
	// Name selects the registered sink implementation (e.g., "opus", "discard").
	Name string `yaml:"name"`

	// Options holds sink-specific configuration values.
	Options map[string]any `yaml:"options"`

	// CircuitBreaker guards the sink against sustained failures.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker wrapped around the sink.
// Zero values take the breaker defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// IngestConfig configures the chunk ingestion endpoints.
type IngestConfig struct {
	// WebSocketPath is the HTTP path of the chunk stream. Default: "/ws".
	WebSocketPath string `yaml:"websocket_path"`

	// MaxMessageBytes caps a single WebSocket message. Default: 128 KiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}
