package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/turnplay/pkg/audio"
)

// ValidSinkNames lists the sink names registered by the turnplay binary.
// Used by [Validate] to warn about unrecognised sink names.
var ValidSinkNames = []string{"channel", "opus", "discard"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 8]", cfg.Audio.Channels))
	}
	if cfg.Audio.Encoding != "" && !cfg.Audio.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: %s, %s, %s",
			cfg.Audio.Encoding, audio.EncodingPCM16, audio.EncodingPCM8, audio.EncodingFloat32))
	}

	// Buffer
	b := cfg.Buffer
	for _, f := range []struct {
		name  string
		value int64
	}{
		{"target", int64(b.Target)},
		{"min", int64(b.Min)},
		{"max", int64(b.Max)},
		{"frame_interval", int64(b.FrameInterval)},
	} {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("buffer.%s must not be negative", f.name))
		}
	}
	if b.FillWait != nil && *b.FillWait < 0 {
		errs = append(errs, errors.New("buffer.fill_wait must not be negative"))
	}
	if b.AdjustEvery != nil && *b.AdjustEvery < 0 {
		errs = append(errs, errors.New("buffer.adjust_every must not be negative"))
	}
	if jc := b.Jitter(); jc.Min > jc.Max {
		errs = append(errs, fmt.Errorf("buffer.min %v exceeds buffer.max %v", jc.Min, jc.Max))
	} else if b.Target > 0 && (b.Target < jc.Min || b.Target > jc.Max) {
		slog.Warn("buffer.target is outside [min, max] and will be clamped",
			"target", b.Target,
			"min", jc.Min,
			"max", jc.Max,
		)
	}

	// Policy
	p := cfg.Policy
	if p.Mode != "" && !p.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("policy.mode %q is invalid; valid values: conservative, balanced, aggressive, adaptive", p.Mode))
	}
	if p.FinishedTurnMemory < 0 {
		errs = append(errs, fmt.Errorf("policy.finished_turn_memory %d must not be negative", p.FinishedTurnMemory))
	}
	if p.Thresholds.Latency < 0 || p.Thresholds.Jitter < 0 || p.Thresholds.PacketLossPercent < 0 {
		errs = append(errs, errors.New("policy.thresholds must not be negative"))
	}
	if l := p.Network.PacketLossPercent; l != nil && *l > 100 {
		errs = append(errs, fmt.Errorf("policy.network.packet_loss_percent %.2f is out of range [0, 100]", *l))
	}

	// Sink
	validateSinkName(cfg.Sink.Name)
	if cb := cfg.Sink.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("sink.circuit_breaker values must not be negative"))
	}

	// Ingest
	if path := cfg.Ingest.WebSocketPath; path != "" && !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Errorf("ingest.websocket_path %q must start with /", path))
	}
	if cfg.Ingest.MaxMessageBytes < 0 {
		errs = append(errs, errors.New("ingest.max_message_bytes must not be negative"))
	}

	return errors.Join(errs...)
}

// validateSinkName logs a warning if name is non-empty and not found in
// [ValidSinkNames].
func validateSinkName(name string) {
	if name == "" || slices.Contains(ValidSinkNames, name) {
		return
	}
	slog.Warn("unknown sink name; may be a typo or a third-party sink",
		"name", name,
		"known", ValidSinkNames,
	)
}
