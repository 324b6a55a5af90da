package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

recording:
  output_dir: /var/lib/murmur
  sample_format: float32
  include_microphone: false
  microphone_device: "USB Audio"
  system_device: "Speakers"
  filename_prefix: standup

mixer:
  lookahead: 40ms
  stall_threshold: 2s
  buffer_capacity: 30s
  discard_margin: 200ms
  normalization: 0.5
  queue_size: 512
  telemetry_interval: 10s
  silence_window: 30s
  silence_threshold: 0.01

live_feed:
  url: wss://transcribe.example.com/stream
  auth_token: secret
  queue_size: 64

resilience:
  write_breaker:
    max_failures: 3
    reset_timeout: 5s
    half_open_max: 2
`

func mustLoad(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_AllSections(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}

	rec := cfg.Recording
	if rec.OutputDir != "/var/lib/murmur" {
		t.Errorf("output_dir = %q", rec.OutputDir)
	}
	if rec.SampleFormat != config.SampleFloat32 {
		t.Errorf("sample_format = %q, want float32", rec.SampleFormat)
	}
	if rec.MicrophoneEnabled() {
		t.Error("include_microphone: false was not honoured")
	}
	if rec.MicrophoneDevice != "USB Audio" || rec.SystemDevice != "Speakers" {
		t.Errorf("devices = %q / %q", rec.MicrophoneDevice, rec.SystemDevice)
	}
	if rec.FilenamePrefix != "standup" {
		t.Errorf("filename_prefix = %q", rec.FilenamePrefix)
	}

	want := config.MixerConfig{
		Lookahead:         40 * time.Millisecond,
		StallThreshold:    2 * time.Second,
		BufferCapacity:    30 * time.Second,
		DiscardMargin:     200 * time.Millisecond,
		Normalization:     0.5,
		QueueSize:         512,
		TelemetryInterval: 10 * time.Second,
		SilenceWindow:     30 * time.Second,
		SilenceThreshold:  0.01,
	}
	if cfg.Mixer != want {
		t.Errorf("mixer = %+v\nwant    %+v", cfg.Mixer, want)
	}

	if !cfg.LiveFeed.Enabled() || cfg.LiveFeed.AuthToken != "secret" || cfg.LiveFeed.QueueSize != 64 {
		t.Errorf("live_feed = %+v", cfg.LiveFeed)
	}

	wb := cfg.Resilience.WriteBreaker
	if wb.MaxFailures != 3 || wb.ResetTimeout != 5*time.Second || wb.HalfOpenMax != 2 {
		t.Errorf("write_breaker = %+v", wb)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "server: {}\n"} {
		cfg := mustLoad(t, doc)

		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
		}
		if cfg.Recording.OutputDir != config.DefaultOutputDir {
			t.Errorf("output_dir = %q, want %q", cfg.Recording.OutputDir, config.DefaultOutputDir)
		}
		if cfg.Recording.SampleFormat != config.SampleInt16 {
			t.Errorf("sample_format = %q, want int16", cfg.Recording.SampleFormat)
		}
		if !cfg.Recording.MicrophoneEnabled() {
			t.Error("microphone should be included by default")
		}
		if cfg.Recording.FilenamePrefix != config.DefaultFilenamePrefix {
			t.Errorf("filename_prefix = %q", cfg.Recording.FilenamePrefix)
		}
		if cfg.LiveFeed.Enabled() {
			t.Error("live feed should be disabled by default")
		}
		if cfg.LiveFeed.QueueSize != config.DefaultLiveFeedQueueSize {
			t.Errorf("live_feed.queue_size = %d", cfg.LiveFeed.QueueSize)
		}
		wb := cfg.Resilience.WriteBreaker
		if wb.MaxFailures != config.DefaultBreakerMaxFailures ||
			wb.ResetTimeout != config.DefaultBreakerReset ||
			wb.HalfOpenMax != config.DefaultBreakerHalfOpenMax {
			t.Errorf("write_breaker defaults = %+v", wb)
		}
		if cfg.Mixer != (config.MixerConfig{}) {
			t.Errorf("mixer should stay zero for engine defaults, got %+v", cfg.Mixer)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("recording:\n  output_directory: /tmp\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "murmur.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Recording.FilenamePrefix != "standup" {
		t.Errorf("filename_prefix = %q", cfg.Recording.FilenamePrefix)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestSampleFormat_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    config.SampleFormat
		want bool
	}{
		{config.SampleInt16, true},
		{config.SampleFloat32, true},
		{"int32", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.f.IsValid(); got != tt.want {
			t.Errorf("SampleFormat(%q).IsValid() = %v, want %v", tt.f, got, tt.want)
		}
	}
}
