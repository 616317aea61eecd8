package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
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
	if cfg.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(cfg.Server.URL); err != nil {
		errs = append(errs, fmt.Errorf("server.url %q is not a valid URL: %w", cfg.Server.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.connect_timeout %v must not be negative", cfg.Server.ConnectTimeout))
	}

	// Audio
	if cfg.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", cfg.Audio.PlaybackRate))
	} else if cfg.Audio.PlaybackRate != DefaultPlaybackRate {
		slog.Warn("audio.playback_rate differs from the relay's synthesis rate; audio will play at the wrong speed unless the relay matches",
			"configured", cfg.Audio.PlaybackRate,
			"expected", DefaultPlaybackRate,
		)
	}
	if cfg.Audio.InitialBufferMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.initial_buffer_ms %d must be positive", cfg.Audio.InitialBufferMS))
	}
	if cfg.Audio.RebufferMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.rebuffer_ms %d must be positive", cfg.Audio.RebufferMS))
	}
	if cfg.Audio.RingCapacityMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.ring_capacity_ms %d must be positive", cfg.Audio.RingCapacityMS))
	}
	if cfg.Audio.RebufferMS > 0 && cfg.Audio.InitialBufferMS > 0 && cfg.Audio.RebufferMS >= cfg.Audio.InitialBufferMS {
		errs = append(errs, fmt.Errorf("audio.rebuffer_ms %d must be below audio.initial_buffer_ms %d", cfg.Audio.RebufferMS, cfg.Audio.InitialBufferMS))
	}
	if cfg.Audio.InitialBufferMS > 0 && cfg.Audio.RingCapacityMS > 0 && cfg.Audio.InitialBufferMS > cfg.Audio.RingCapacityMS {
		errs = append(errs, fmt.Errorf("audio.initial_buffer_ms %d exceeds audio.ring_capacity_ms %d", cfg.Audio.InitialBufferMS, cfg.Audio.RingCapacityMS))
	}

	// Metrics
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		errs = append(errs, errors.New("metrics.listen_addr is required when metrics.enabled is true"))
	}

	return errors.Join(errs...)
}
