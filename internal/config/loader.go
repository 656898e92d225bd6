package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"keyword": {"onnx"},
	"vad":     {"energy"},
	"audio":   {"mic", "synth"},
	"uplink":  {"websocket"},
}

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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
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
	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels < 1 || a.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 8]", a.Channels))
	}
	if a.ChunkMs <= 0 || a.ChunkMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.chunk_ms %d is out of range [1, 1000]", a.ChunkMs))
	}
	if a.BufferSeconds <= 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_seconds %v must be positive", a.BufferSeconds))
	}
	if a.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_depth %d must not be negative", a.QueueDepth))
	}

	// Wake word
	w := cfg.WakeWord
	if w.Sensitivity < 0 || w.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("wake_word.sensitivity %.2f is out of range [0, 1]", w.Sensitivity))
	}
	if w.ChannelMode != "" && !w.ChannelMode.IsValid() {
		errs = append(errs, fmt.Errorf("wake_word.channel_mode %q is invalid; valid values: mixed, separate", w.ChannelMode))
	}
	if w.Policy != "" && !w.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("wake_word.policy %q is invalid; valid values: any, all", w.Policy))
	}
	for i, ch := range w.Channels {
		if ch < 0 || (a.Channels > 0 && ch >= a.Channels) {
			errs = append(errs, fmt.Errorf("wake_word.channels[%d] = %d is not a device channel (audio.channels is %d)", i, ch, a.Channels))
		}
	}
	if w.ChannelMode == ChannelModeSeparate && len(w.Channels) == 0 && a.Channels < 2 {
		errs = append(errs, errors.New("wake_word.channel_mode separate needs wake_word.channels or a multi-channel device"))
	}
	if w.Policy == PolicyAll && w.ChannelMode != ChannelModeSeparate {
		slog.Warn("wake_word.policy all only applies to channel_mode separate", "channel_mode", w.ChannelMode)
	}
	for name, d := range map[string]time.Duration{
		"cooldown":           w.Cooldown,
		"coincidence_window": w.CoincidenceWindow,
		"error_window":       w.ErrorWindow,
		"recovery_after":     w.RecoveryAfter,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("wake_word.%s must not be negative", name))
		}
	}

	// Capture
	switch cfg.Capture.VADFrameMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("capture.vad_frame_ms %d is invalid; valid values: 10, 20, 30", cfg.Capture.VADFrameMs))
	}
	if cfg.Capture.PreRoll < 0 || cfg.Capture.MaxDuration < 0 {
		errs = append(errs, errors.New("capture.pre_roll and capture.max_duration must not be negative"))
	}
	if a.BufferSeconds > 0 && (cfg.Capture.MaxDuration+cfg.Capture.PreRoll).Seconds() > a.BufferSeconds {
		slog.Warn("capture window exceeds audio.buffer_seconds; long recordings will be truncated",
			"max_duration", cfg.Capture.MaxDuration,
			"pre_roll", cfg.Capture.PreRoll,
			"buffer_seconds", a.BufferSeconds,
		)
	}

	// Bus
	if cfg.Bus.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("bus.queue_size %d must not be negative", cfg.Bus.QueueSize))
	}

	// Providers
	if cfg.Providers.Keyword.Name == "" {
		errs = append(errs, errors.New("providers.keyword.name is required"))
	}
	if cfg.Providers.Audio.Name == "" {
		errs = append(errs, errors.New("providers.audio.name is required"))
	}
	validateProviderName("keyword", cfg.Providers.Keyword.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("uplink", cfg.Providers.Uplink.Name)

	if cfg.Providers.Uplink.Name == "" {
		slog.Warn("providers.uplink is empty; captured utterances will be discarded")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
