package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/murmur/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "server.log_level",
		},
		{
			name:    "bad sample format",
			yaml:    "recording:\n  sample_format: int24\n",
			wantErr: "recording.sample_format",
		},
		{
			name:    "negative lookahead",
			yaml:    "mixer:\n  lookahead: -5ms\n",
			wantErr: "mixer.lookahead",
		},
		{
			name:    "tiny buffer",
			yaml:    "mixer:\n  buffer_capacity: 5ms\n",
			wantErr: "mixer.buffer_capacity",
		},
		{
			name:    "lookahead exceeds buffer",
			yaml:    "mixer:\n  buffer_capacity: 1s\n  lookahead: 2s\n",
			wantErr: "must be shorter",
		},
		{
			name:    "normalization out of range",
			yaml:    "mixer:\n  normalization: 1.5\n",
			wantErr: "mixer.normalization",
		},
		{
			name:    "negative queue size",
			yaml:    "mixer:\n  queue_size: -1\n",
			wantErr: "mixer.queue_size",
		},
		{
			name:    "silence threshold out of range",
			yaml:    "mixer:\n  silence_threshold: 2\n",
			wantErr: "mixer.silence_threshold",
		},
		{
			name:    "http live feed",
			yaml:    "live_feed:\n  url: http://example.com/stream\n",
			wantErr: "live_feed.url scheme",
		},
		{
			name:    "negative breaker failures",
			yaml:    "resilience:\n  write_breaker:\n    max_failures: -2\n",
			wantErr: "max_failures",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	doc := `
server:
  log_level: loud
recording:
  sample_format: mp3
mixer:
  normalization: -1
`
	_, err := config.LoadFromReader(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "recording.sample_format", "mixer.normalization"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_OutputDirIsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := config.LoadFromReader(strings.NewReader("recording:\n  output_dir: " + path + "\n"))
	if err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Fatalf("err = %v, want not a directory", err)
	}
}

func TestValidate_MissingOutputDirIsAllowed(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "created", "later")
	if _, err := config.LoadFromReader(strings.NewReader("recording:\n  output_dir: " + dir + "\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ValidLiveFeed(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"ws://localhost:8080/feed", "wss://example.com/feed"} {
		if _, err := config.LoadFromReader(strings.NewReader("live_feed:\n  url: " + u + "\n")); err != nil {
			t.Errorf("url %q: unexpected error: %v", u, err)
		}
	}
}
