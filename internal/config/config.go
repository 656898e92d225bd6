// Package config provides the configuration schema, loader, and provider registry
// for the puertocho wake-word appliance.
package config

import "time"

// LogLevel controls log verbosity.
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

// ChannelMode selects how microphone channels are evaluated by the detector.
type ChannelMode string

const (
	// ChannelModeMixed downmixes every channel into one stream.
	ChannelModeMixed ChannelMode = "mixed"

	// ChannelModeSeparate evaluates each listed channel on its own.
	ChannelModeSeparate ChannelMode = "separate"
)

// IsValid reports whether m is a recognised channel mode.
func (m ChannelMode) IsValid() bool {
	return m == ChannelModeMixed || m == ChannelModeSeparate
}

// Policy decides which channel matches trigger a detection in separate mode.
type Policy string

const (
	PolicyAny Policy = "any"
	PolicyAll Policy = "all"
)

// IsValid reports whether p is a recognised policy.
func (p Policy) IsValid() bool {
	return p == PolicyAny || p == PolicyAll
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	WakeWord  WakeWordConfig  `yaml:"wake_word"`
	Capture   CaptureConfig   `yaml:"capture"`
	Assistant AssistantConfig `yaml:"assistant"`
	Bus       BusConfig       `yaml:"bus"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the status server.
type ServerConfig struct {
	// ListenAddr is the TCP address for health and metrics (e.g., ":8080").
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

// AudioConfig describes the capture device and the rolling history.
type AudioConfig struct {
	// SampleRate is the device's native rate in Hz. Default: 44100.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the device channel count. Default: 2.
	Channels int `yaml:"channels"`

	// ChunkMs is the callback period. Default: 10.
	ChunkMs int `yaml:"chunk_ms"`

	// BufferSeconds is the length of the rolling history. Default: 12.
	BufferSeconds float64 `yaml:"buffer_seconds"`

	// QueueDepth is how many chunks may wait for the detector before the
	// audio callback starts dropping them. Default: 64.
	QueueDepth int `yaml:"queue_depth"`
}

// WakeWordConfig tunes the keyword engine and detector.
type WakeWordConfig struct {
	// ModelPath points at the keyword model file.
	ModelPath string `yaml:"model_path"`

	// Keywords names the keywords in model order.
	Keywords []string `yaml:"keywords"`

	// Sensitivity in [0, 1]; higher triggers more readily. Default: 0.5.
	Sensitivity float64 `yaml:"sensitivity"`

	// Cooldown is the minimum time between detections. Default: 2s.
	Cooldown time.Duration `yaml:"cooldown"`

	// ChannelMode is mixed or separate. Default: mixed.
	ChannelMode ChannelMode `yaml:"channel_mode"`

	// Channels lists device channel indices for separate mode.
	Channels []int `yaml:"channels"`

	// Policy is any or all. Default: any.
	Policy Policy `yaml:"policy"`

	// CoincidenceWindow bounds how far apart channel matches may be under
	// the all policy. Default: 500ms.
	CoincidenceWindow time.Duration `yaml:"coincidence_window"`

	// MaxBufferedFrames bounds each channel accumulator. Default: 4.
	MaxBufferedFrames int `yaml:"max_buffered_frames"`

	// ErrorThreshold failures within ErrorWindow escalate to the error
	// state; RecoveryAfter later the detector probes again.
	ErrorThreshold int           `yaml:"error_threshold"`
	ErrorWindow    time.Duration `yaml:"error_window"`
	RecoveryAfter  time.Duration `yaml:"recovery_after"`
}

// CaptureConfig tunes utterance recording.
type CaptureConfig struct {
	// MaxDuration caps one recording. Default: 10s.
	MaxDuration time.Duration `yaml:"max_duration"`

	// PreRoll includes audio from before the wake word ended.
	PreRoll time.Duration `yaml:"pre_roll"`

	// VADFrameMs is 10, 20 or 30. Default: 30.
	VADFrameMs int `yaml:"vad_frame_ms"`

	// SpeechThreshold and SilenceThreshold are passed to the VAD engine.
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// AssistantConfig holds the state machine timeouts.
type AssistantConfig struct {
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	CaptureTimeout    time.Duration `yaml:"capture_timeout"`
	SpeakingTimeout   time.Duration `yaml:"speaking_timeout"`
	DeliverTimeout    time.Duration `yaml:"deliver_timeout"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

// ProvidersConfig declares which implementation backs each boundary. Each
// field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Keyword ProviderEntry `yaml:"keyword"`
	VAD     ProviderEntry `yaml:"vad"`
	Audio   ProviderEntry `yaml:"audio"`
	Uplink  ProviderEntry `yaml:"uplink"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "onnx", "websocket").
	Name string `yaml:"name"`

	// APIKey is the access key for engines or backends that need one.
	APIKey string `yaml:"api_key"`

	// BaseURL is the endpoint for network providers, e.g. the backend
	// WebSocket URL.
	BaseURL string `yaml:"base_url"`

	// Model selects a model file or variant within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultSampleRate    = 44100
	DefaultChannels      = 2
	DefaultChunkMs       = 10
	DefaultBufferSeconds = 12.0
	DefaultQueueDepth    = 64
	DefaultSensitivity   = 0.5
)

// ApplyDefaults fills unset fields with their defaults. Component-level
// defaults (timeouts, cooldown) are left zero and resolved by the component.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}
	if cfg.Audio.ChunkMs == 0 {
		cfg.Audio.ChunkMs = DefaultChunkMs
	}
	if cfg.Audio.BufferSeconds == 0 {
		cfg.Audio.BufferSeconds = DefaultBufferSeconds
	}
	if cfg.Audio.QueueDepth == 0 {
		cfg.Audio.QueueDepth = DefaultQueueDepth
	}
	if cfg.WakeWord.Sensitivity == 0 {
		cfg.WakeWord.Sensitivity = DefaultSensitivity
	}
	if cfg.WakeWord.ChannelMode == "" {
		cfg.WakeWord.ChannelMode = ChannelModeMixed
	}
	if cfg.WakeWord.Policy == "" {
		cfg.WakeWord.Policy = PolicyAny
	}
	if cfg.Capture.VADFrameMs == 0 {
		cfg.Capture.VADFrameMs = 30
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
}
