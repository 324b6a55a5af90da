package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultOutputDir          = "recordings"
	DefaultFilenamePrefix     = "recording"
	DefaultLiveFeedQueueSize  = 256
	DefaultBreakerMaxFailures = 5
	DefaultBreakerReset       = 2 * time.Second
	DefaultBreakerHalfOpenMax = 1
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
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

// LoadFromBytes is [LoadFromReader] over an in-memory document.
func LoadFromBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills unset fields of cfg. Mixer tuning values are left at
// zero; the engine substitutes its own defaults for those.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Recording.OutputDir == "" {
		cfg.Recording.OutputDir = DefaultOutputDir
	}
	if cfg.Recording.SampleFormat == "" {
		cfg.Recording.SampleFormat = SampleInt16
	}
	if cfg.Recording.IncludeMicrophone == nil {
		on := true
		cfg.Recording.IncludeMicrophone = &on
	}
	if cfg.Recording.FilenamePrefix == "" {
		cfg.Recording.FilenamePrefix = DefaultFilenamePrefix
	}
	if cfg.LiveFeed.QueueSize == 0 {
		cfg.LiveFeed.QueueSize = DefaultLiveFeedQueueSize
	}
	wb := &cfg.Resilience.WriteBreaker
	if wb.MaxFailures == 0 {
		wb.MaxFailures = DefaultBreakerMaxFailures
	}
	if wb.ResetTimeout == 0 {
		wb.ResetTimeout = DefaultBreakerReset
	}
	if wb.HalfOpenMax == 0 {
		wb.HalfOpenMax = DefaultBreakerHalfOpenMax
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

	// Recording
	rec := cfg.Recording
	if rec.SampleFormat != "" && !rec.SampleFormat.IsValid() {
		errs = append(errs, fmt.Errorf("recording.sample_format %q is invalid; valid values: int16, float32", rec.SampleFormat))
	}
	if info, err := os.Stat(rec.OutputDir); err == nil && !info.IsDir() {
		errs = append(errs, fmt.Errorf("recording.output_dir %q is not a directory", rec.OutputDir))
	}

	// Mixer
	mx := cfg.Mixer
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"lookahead", mx.Lookahead},
		{"stall_threshold", mx.StallThreshold},
		{"buffer_capacity", mx.BufferCapacity},
		{"discard_margin", mx.DiscardMargin},
		{"telemetry_interval", mx.TelemetryInterval},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("mixer.%s %s must not be negative", d.name, d.d))
		}
	}
	if mx.BufferCapacity > 0 && mx.BufferCapacity < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("mixer.buffer_capacity %s must hold at least 10ms", mx.BufferCapacity))
	}
	if mx.BufferCapacity > 0 && mx.Lookahead >= mx.BufferCapacity {
		errs = append(errs, fmt.Errorf("mixer.lookahead %s must be shorter than mixer.buffer_capacity %s", mx.Lookahead, mx.BufferCapacity))
	}
	if mx.Normalization < 0 || mx.Normalization > 1 {
		errs = append(errs, fmt.Errorf("mixer.normalization %.2f is out of range (0, 1]", mx.Normalization))
	}
	if mx.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("mixer.queue_size %d must not be negative", mx.QueueSize))
	}
	if mx.SilenceThreshold < 0 || mx.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("mixer.silence_threshold %.4f is out of range [0, 1)", mx.SilenceThreshold))
	}

	// Live feed
	if cfg.LiveFeed.URL != "" {
		u, err := url.Parse(cfg.LiveFeed.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("live_feed.url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("live_feed.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
		case u.Scheme == "ws" && cfg.LiveFeed.AuthToken != "":
			slog.Warn("live_feed.auth_token is sent over an unencrypted ws:// connection", "url", cfg.LiveFeed.URL)
		}
	}
	if cfg.LiveFeed.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("live_feed.queue_size %d must not be negative", cfg.LiveFeed.QueueSize))
	}

	// Resilience
	wb := cfg.Resilience.WriteBreaker
	if wb.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.write_breaker.max_failures %d must not be negative", wb.MaxFailures))
	}
	if wb.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.write_breaker.reset_timeout %s must not be negative", wb.ResetTimeout))
	}
	if wb.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.write_breaker.half_open_max %d must not be negative", wb.HalfOpenMax))
	}

	return errors.Join(errs...)
}
