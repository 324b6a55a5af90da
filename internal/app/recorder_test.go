package app_test

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/capture/mock"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/mixer"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type fixture struct {
	rec     *app.Recorder
	cfg     *config.Config
	devices *mock.Devices
	mic     *mock.Capturer
	sys     *mock.Capturer
	reader  *sdkmetric.ManualReader
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Recording.OutputDir = filepath.Join(t.TempDir(), "out")
	if mutate != nil {
		mutate(cfg)
	}
	config.ApplyDefaults(cfg)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mic, sys := &mock.Capturer{}, &mock.Capturer{}
	devices := &mock.Devices{MicrophoneResult: mic, SystemAudioResult: sys}
	rec := app.NewRecorder(app.RecorderConfig{
		Config:  app.StaticConfig(cfg),
		Devices: devices,
		Metrics: metrics,
		Now:     func() time.Time { return fixedNow },
	})
	return &fixture{rec: rec, cfg: cfg, devices: devices, mic: mic, sys: sys, reader: reader}
}

var pcmFormat = audio.Format{SampleRate: 16000, Channels: 1, Sample: audio.SampleInt16}

// emit delivers frames of a 440 Hz tone in 10ms buffers.
func emit(t *testing.T, c *mock.Capturer, frames int) {
	t.Helper()
	buf := make([]float32, 160)
	for sent := 0; sent < frames; sent += len(buf) {
		for i := range buf {
			buf[i] = 0.25 * float32(math.Sin(2*math.Pi*440*float64(sent+i)/16000))
		}
		if err := c.Emit(audio.AudioFrame{Data: audio.EncodePCM16(buf), Format: pcmFormat}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
}

func wavFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	return matches
}

func TestRecorder_StartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) {
		c.Recording.SystemDevice = "Monitor of Speakers"
	})
	ctx := context.Background()

	err := f.rec.Start(ctx, app.StartOptions{IncludeMicrophone: true, MicrophoneDevice: "USB"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !f.rec.Active() {
		t.Fatal("expected recorder to be active after Start")
	}
	if !f.mic.Running() || !f.sys.Running() {
		t.Fatal("expected both capturers to be running")
	}
	if got := f.devices.MicrophoneCalls; len(got) != 1 || got[0] != "USB" {
		t.Errorf("Microphone calls = %v, want [USB]", got)
	}
	if got := f.devices.SystemAudioCalls; len(got) != 1 || got[0] != "Monitor of Speakers" {
		t.Errorf("SystemAudio calls = %v, want [Monitor of Speakers]", got)
	}

	for range 10 {
		emit(t, f.sys, 160)
		emit(t, f.mic, 160)
	}

	rec, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if f.rec.Active() {
		t.Fatal("expected recorder to be idle after Stop")
	}
	if f.mic.Running() || f.sys.Running() {
		t.Error("expected capturers to be stopped")
	}

	wantPath := filepath.Join(f.cfg.Recording.OutputDir, "recording-20260314T092653.000Z.wav")
	if rec.Path != wantPath {
		t.Errorf("Path = %q, want %q", rec.Path, wantPath)
	}
	// The microphone starts where the system audio already placed its
	// first buffer, so it trails by at most one buffer.
	if rec.Frames < 1600 || rec.Frames > 1760 {
		t.Errorf("Frames = %d, want between 1600 and 1760", rec.Frames)
	}
	if rec.Frames != rec.Telemetry.MixedFrames {
		t.Errorf("Frames = %d, telemetry mixed = %d", rec.Frames, rec.Telemetry.MixedFrames)
	}
	if rec.Telemetry.Microphone.ReceivedFrames != 1600 || rec.Telemetry.System.ReceivedFrames != 1600 {
		t.Errorf("received = mic %d sys %d, want 1600 each",
			rec.Telemetry.Microphone.ReceivedFrames, rec.Telemetry.System.ReceivedFrames)
	}

	info, err := os.Stat(rec.Path)
	if err != nil {
		t.Fatalf("stat recording: %v", err)
	}
	if want := int64(44 + 2*rec.Frames); info.Size() != want {
		t.Errorf("file size = %d, want %d", info.Size(), want)
	}
}

func TestRecorder_SystemOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.rec.Start(ctx, app.StartOptions{IncludeMicrophone: false}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if len(f.devices.MicrophoneCalls) != 0 {
		t.Errorf("Microphone opened %d times, want 0", len(f.devices.MicrophoneCalls))
	}
	if f.mic.CallCountStart != 0 {
		t.Error("microphone should not be started")
	}

	emit(t, f.sys, 1600)

	rec, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if rec.Frames != 1600 {
		t.Errorf("Frames = %d, want 1600", rec.Frames)
	}
	if rec.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", rec.Duration)
	}
}

func TestRecorder_SamplesSurviveBufferReuse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.rec.Start(ctx, app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	// The mock zeroes every buffer after delivery, so a recording that kept
	// a reference instead of a copy would be silent.
	emit(t, f.sys, 1600)
	rec, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	samples := audio.DecodePCM16(data[44:])
	if len(samples) != 1600 {
		t.Fatalf("got %d samples, want 1600", len(samples))
	}
	var peak float32
	for _, s := range samples {
		peak = max(peak, s, -s)
	}
	// The tone peaks at 0.25 before the mix gain.
	if peak < 0.1 {
		t.Errorf("peak = %.3f, recording lost the captured tone", peak)
	}
}

func TestRecorder_StartTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.rec.Start(ctx, app.StartOptions{}); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	t.Cleanup(func() { _, _ = f.rec.Stop(ctx) })

	err := f.rec.Start(ctx, app.StartOptions{})
	if !errors.Is(err, app.ErrAlreadyRecording) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRecording", err)
	}
}

func TestRecorder_StopWhenIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if _, err := f.rec.Stop(context.Background()); !errors.Is(err, app.ErrNotRecording) {
		t.Fatalf("Stop() = %v, want ErrNotRecording", err)
	}
}

func TestRecorder_SetupFailures(t *testing.T) {
	t.Parallel()

	startErr := errors.New("device busy")
	tests := []struct {
		name   string
		setup  func(*fixture)
		wantIs error
	}{
		{
			name:   "system audio not found",
			setup:  func(f *fixture) { f.devices.SystemAudioError = capture.ErrDeviceNotFound },
			wantIs: capture.ErrDeviceNotFound,
		},
		{
			name:   "microphone not found",
			setup:  func(f *fixture) { f.devices.MicrophoneError = capture.ErrDeviceNotFound },
			wantIs: capture.ErrDeviceNotFound,
		},
		{
			name:   "microphone fails to start",
			setup:  func(f *fixture) { f.mic.StartError = startErr },
			wantIs: startErr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			tt.setup(f)

			err := f.rec.Start(context.Background(), app.StartOptions{IncludeMicrophone: true})
			var setupErr *mixer.SetupError
			if !errors.As(err, &setupErr) {
				t.Fatalf("Start() = %v, want *mixer.SetupError", err)
			}
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("Start() = %v, want wrapping %v", err, tt.wantIs)
			}
			if f.rec.Active() {
				t.Error("recorder should be idle after a failed Start")
			}
			if f.sys.Running() || f.mic.Running() {
				t.Error("capturers should be stopped after a failed Start")
			}
			if files := wavFiles(t, f.cfg.Recording.OutputDir); len(files) != 0 {
				t.Errorf("partial recordings left behind: %v", files)
			}
		})
	}
}

func TestRecorder_OutputDirNotCreatable(t *testing.T) {
	t.Parallel()
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(c *config.Config) {
		c.Recording.OutputDir = filepath.Join(blocker, "sub")
	})

	err := f.rec.Start(context.Background(), app.StartOptions{IncludeMicrophone: true})
	var setupErr *mixer.SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("Start() = %v, want *mixer.SetupError", err)
	}
	if len(f.devices.SystemAudioCalls) != 0 {
		t.Error("no device should be opened when the output cannot be created")
	}
}

func TestRecorder_FloatOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) {
		c.Recording.SampleFormat = config.SampleFloat32
		c.Recording.FilenamePrefix = "dictation"
	})
	ctx := context.Background()

	if err := f.rec.Start(ctx, app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	emit(t, f.sys, 320)
	rec, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(rec.Path), "dictation-") {
		t.Errorf("Path = %q, want dictation- prefix", rec.Path)
	}
	info, err := os.Stat(rec.Path)
	if err != nil {
		t.Fatal(err)
	}
	// Float WAV files carry a larger header; the payload is 4 bytes a frame.
	if info.Size() < 4*rec.Frames+44 {
		t.Errorf("file size = %d, too small for %d float frames", info.Size(), rec.Frames)
	}
}

func TestRecorder_Status(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if st := f.rec.Status(); st.Recording {
		t.Fatal("Status().Recording = true before Start")
	}
	if err := f.rec.Start(ctx, app.StartOptions{IncludeMicrophone: true}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	st := f.rec.Status()
	if !st.Recording || st.ID == "" || !st.IncludeMicrophone || st.LiveFeed {
		t.Errorf("Status() = %+v", st)
	}
	if !st.StartedAt.Equal(fixedNow) {
		t.Errorf("StartedAt = %v, want %v", st.StartedAt, fixedNow)
	}
	if _, err := f.rec.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if st := f.rec.Status(); st.Recording {
		t.Fatal("Status().Recording = true after Stop")
	}
}

func TestRecorder_Checker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	check := f.rec.Checker()

	if check.Name != "recorder" {
		t.Errorf("Name = %q, want recorder", check.Name)
	}
	if err := check.Check(ctx); err != nil {
		t.Errorf("idle check = %v, want nil", err)
	}
	if err := f.rec.Start(ctx, app.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	defer func() { _, _ = f.rec.Stop(ctx) }()
	if err := check.Check(ctx); err != nil {
		t.Errorf("recording check = %v, want nil", err)
	}
}

func TestRecorder_Metrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.rec.Start(ctx, app.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	emit(t, f.sys, 800)

	var during metricdata.ResourceMetrics
	if err := f.reader.Collect(ctx, &during); err != nil {
		t.Fatal(err)
	}
	if got := int64Sum(t, during, "murmur.recording.active"); got != 1 {
		t.Errorf("active during recording = %d, want 1", got)
	}

	if _, err := f.rec.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	var after metricdata.ResourceMetrics
	if err := f.reader.Collect(ctx, &after); err != nil {
		t.Fatal(err)
	}
	if got := int64Sum(t, after, "murmur.recording.active"); got != 0 {
		t.Errorf("active after recording = %d, want 0", got)
	}
	if got := int64Sum(t, after, "murmur.mixer.frames"); got != 800 {
		t.Errorf("mixed frames = %d, want 800", got)
	}
	met := findMetric(after, "murmur.recording.duration")
	if met == nil {
		t.Fatal("recording duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("duration data points = %+v, want one sample", hist.DataPoints)
	}
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func int64Sum(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

// feedServer accepts one WebSocket connection and counts binary messages.
type feedServer struct {
	*httptest.Server

	mu     sync.Mutex
	chunks int
	bytes  int
	closed chan struct{}
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{closed: make(chan struct{})}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		defer close(fs.closed)
		for {
			typ, msg, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				fs.mu.Lock()
				fs.chunks++
				fs.bytes += len(msg)
				fs.mu.Unlock()
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func TestRecorder_LiveFeed(t *testing.T) {
	t.Parallel()
	srv := newFeedServer(t)
	f := newFixture(t, func(c *config.Config) {
		c.LiveFeed.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	})
	ctx := context.Background()

	if err := f.rec.Start(ctx, app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !f.rec.Status().LiveFeed {
		t.Fatal("expected live feed to be connected")
	}
	emit(t, f.sys, 1600)
	if _, err := f.rec.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	select {
	case <-srv.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("live feed connection did not close")
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.chunks != 10 {
		t.Errorf("server received %d chunks, want 10", srv.chunks)
	}
	if srv.bytes != 2*1600 {
		t.Errorf("server received %d bytes, want %d", srv.bytes, 2*1600)
	}
}

func TestRecorder_LiveFeedUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	f := newFixture(t, func(c *config.Config) { c.LiveFeed.URL = url })
	ctx := context.Background()

	if err := f.rec.Start(ctx, app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v, want recording without live feed", err)
	}
	if f.rec.Status().LiveFeed {
		t.Error("live feed should be disabled after a failed dial")
	}
	emit(t, f.sys, 160)
	rec, err := f.rec.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if rec.Frames != 160 {
		t.Errorf("Frames = %d, want 160", rec.Frames)
	}
}
