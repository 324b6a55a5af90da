// Package config provides the configuration schema, loader and file watcher
// for the murmur recorder.
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

// SampleFormat selects the sample encoding of the recording file.
type SampleFormat string

const (
	SampleInt16   SampleFormat = "int16"
	SampleFloat32 SampleFormat = "float32"
)

// IsValid reports whether f is a supported file sample format.
func (f SampleFormat) IsValid() bool {
	return f == SampleInt16 || f == SampleFloat32
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], which also fill in defaults.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Recording  RecordingConfig  `yaml:"recording"`
	Mixer      MixerConfig      `yaml:"mixer"`
	LiveFeed   LiveFeedConfig   `yaml:"live_feed"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the status endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the health and metrics endpoint
	// (e.g., ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// RecordingConfig describes where recordings go and what they capture.
type RecordingConfig struct {
	// OutputDir receives one WAV file per recording. Default: "recordings".
	OutputDir string `yaml:"output_dir"`

	// SampleFormat is the on-disk encoding. Default: int16.
	SampleFormat SampleFormat `yaml:"sample_format"`

	// IncludeMicrophone mixes the microphone into the recording. Default:
	// true. The CLI can override it per recording.
	IncludeMicrophone *bool `yaml:"include_microphone"`

	// MicrophoneDevice selects a capture device by name or ID. Empty selects
	// the system default.
	MicrophoneDevice string `yaml:"microphone_device"`

	// SystemDevice selects the playback device whose output is recorded.
	// Empty selects the system default.
	SystemDevice string `yaml:"system_device"`

	// FilenamePrefix is prepended to the timestamped file name. Default:
	// "recording".
	FilenamePrefix string `yaml:"filename_prefix"`
}

// MicrophoneEnabled reports the effective IncludeMicrophone value.
func (r RecordingConfig) MicrophoneEnabled() bool {
	return r.IncludeMicrophone == nil || *r.IncludeMicrophone
}

// MixerConfig tunes the mixing engine. Zero values select the engine
// defaults.
type MixerConfig struct {
	Lookahead      time.Duration `yaml:"lookahead"`
	StallThreshold time.Duration `yaml:"stall_threshold"`
	BufferCapacity time.Duration `yaml:"buffer_capacity"`
	DiscardMargin  time.Duration `yaml:"discard_margin"`

	// Normalization is the gain applied to the summed sources, in (0, 1].
	Normalization float64 `yaml:"normalization"`

	QueueSize         int           `yaml:"queue_size"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`

	// SilenceWindow is how long a source must stay quiet before it is
	// reported. A negative value disables the notification.
	SilenceWindow    time.Duration `yaml:"silence_window"`
	SilenceThreshold float64       `yaml:"silence_threshold"`
}

// LiveFeedConfig configures the optional WebSocket stream of the mix.
type LiveFeedConfig struct {
	// URL is a ws:// or wss:// endpoint. Empty disables the live feed.
	URL string `yaml:"url"`

	AuthToken string `yaml:"auth_token"`

	// QueueSize bounds the chunks waiting for the network. Default: 256.
	QueueSize int `yaml:"queue_size"`
}

// Enabled reports whether a live feed endpoint is configured.
func (l LiveFeedConfig) Enabled() bool { return l.URL != "" }

// ResilienceConfig groups the fault-handling settings.
type ResilienceConfig struct {
	WriteBreaker BreakerConfig `yaml:"write_breaker"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 2s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 1.
	HalfOpenMax int `yaml:"half_open_max"`
}
