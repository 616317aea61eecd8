// Package config provides the configuration schema and loader for the
// Vocalink voice client.
package config

import "time"

// LogLevel controls log verbosity for the Vocalink client.
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

// Config is the root configuration structure for Vocalink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds connection and logging settings for the voice relay.
type ServerConfig struct {
	// URL is the WebSocket endpoint of the voice relay
	// (e.g., "ws://localhost:8000/ws").
	URL string `yaml:"url"`

	// APIKey is sent as a Bearer token on the WebSocket handshake when
	// non-empty. Relays without authentication ignore it.
	APIKey string `yaml:"api_key"`

	// ConnectTimeout bounds the WebSocket dial plus the wait for the
	// relay's ready acknowledgement.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig holds device selection and buffering thresholds.
//
// The wire rates are fixed by the relay protocol (16 kHz uplink, 24 kHz
// downlink); only the capture device rate and the playback buffering
// behaviour are tunable.
type AudioConfig struct {
	// CaptureRate is the sample rate the capture device is opened at, in Hz.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the sample rate of relay audio, in Hz. Must match
	// what the relay synthesises.
	PlaybackRate int `yaml:"playback_rate"`

	// InputDevice selects the capture device by name substring.
	// Empty means the system default.
	InputDevice string `yaml:"input_device"`

	// OutputDevice selects the playback device by name substring.
	// Empty means the system default.
	OutputDevice string `yaml:"output_device"`

	// InitialBufferMS is how much audio must accumulate before playback
	// starts.
	InitialBufferMS int `yaml:"initial_buffer_ms"`

	// RebufferMS is the occupancy below which playback pauses to
	// re-accumulate.
	RebufferMS int `yaml:"rebuffer_ms"`

	// RingCapacityMS is the total playback buffer capacity.
	RingCapacityMS int `yaml:"ring_capacity_ms"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP listener on.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the TCP address the metrics server listens on
	// (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`
}

// Default values applied by [ApplyDefaults] for fields left unset.
const (
	DefaultCaptureRate     = 48000
	DefaultPlaybackRate    = 24000
	DefaultInitialBufferMS = 300
	DefaultRebufferMS      = 150
	DefaultRingCapacityMS  = 5000
	DefaultConnectTimeout  = 10 * time.Second
	DefaultMetricsAddr     = ":9090"
)

// ApplyDefaults fills zero-valued fields with their defaults. Called by the
// loader after decoding, before validation.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ConnectTimeout == 0 {
		cfg.Server.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = DefaultCaptureRate
	}
	if cfg.Audio.PlaybackRate == 0 {
		cfg.Audio.PlaybackRate = DefaultPlaybackRate
	}
	if cfg.Audio.InitialBufferMS == 0 {
		cfg.Audio.InitialBufferMS = DefaultInitialBufferMS
	}
	if cfg.Audio.RebufferMS == 0 {
		cfg.Audio.RebufferMS = DefaultRebufferMS
	}
	if cfg.Audio.RingCapacityMS == 0 {
		cfg.Audio.RingCapacityMS = DefaultRingCapacityMS
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = DefaultMetricsAddr
	}
}
