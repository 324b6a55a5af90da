package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/livefeed"
	"github.com/MrWong99/murmur/pkg/audio/mixer"
	"github.com/MrWong99/murmur/pkg/audio/wavfile"
)

// liveFeedDialTimeout bounds the live feed handshake during Start.
const liveFeedDialTimeout = 5 * time.Second

var (
	// ErrAlreadyRecording is returned by [Recorder.Start] while a recording
	// is in progress.
	ErrAlreadyRecording = errors.New("app: a recording is already in progress")

	// ErrNotRecording is returned by [Recorder.Stop] when nothing is being
	// recorded.
	ErrNotRecording = errors.New("app: no recording in progress")
)

// ConfigSource provides the configuration in effect for the next recording.
// [*config.Watcher] implements it.
type ConfigSource interface {
	Current() *config.Config
}

// StaticConfig returns a [ConfigSource] that always yields cfg.
func StaticConfig(cfg *config.Config) ConfigSource { return staticConfig{cfg} }

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

// StartOptions selects what a recording captures.
type StartOptions struct {
	// IncludeMicrophone mixes the microphone with the system audio.
	IncludeMicrophone bool

	// MicrophoneDevice selects the microphone by name or ID. Empty selects
	// the default device.
	MicrophoneDevice string
}

// StartOptionsFromConfig returns the options configured in cfg.
func StartOptionsFromConfig(cfg *config.Config) StartOptions {
	return StartOptions{
		IncludeMicrophone: cfg.Recording.MicrophoneEnabled(),
		MicrophoneDevice:  cfg.Recording.MicrophoneDevice,
	}
}

// Recording describes a finished recording.
type Recording struct {
	ID        string
	Path      string
	StartedAt time.Time

	// Frames is the number of 16 kHz frames written to the file.
	Frames   int64
	Duration time.Duration

	Telemetry mixer.Telemetry
}

// Status is a snapshot of the recorder.
type Status struct {
	Recording         bool            `json:"recording"`
	ID                string          `json:"id,omitempty"`
	Path              string          `json:"path,omitempty"`
	StartedAt         time.Time       `json:"started_at,omitzero"`
	IncludeMicrophone bool            `json:"include_microphone"`
	LiveFeed          bool            `json:"live_feed"`
	Telemetry         mixer.Telemetry `json:"telemetry"`
}

// RecorderConfig holds the dependencies of a [Recorder].
type RecorderConfig struct {
	// Config is read at every Start. Required.
	Config ConfigSource

	// Devices opens the capture producers. Required.
	Devices capture.Devices

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Now replaces time.Now for file names and the mixer clock.
	Now func() time.Time

	// OnSourceSilent, if set, is called when a source stays silent for the
	// configured window.
	OnSourceSilent func(audio.Source)
}

// Recorder owns the recording lifecycle. Only one recording can be active at
// a time. All exported methods are safe for concurrent use.
type Recorder struct {
	cfg            ConfigSource
	devices        capture.Devices
	metrics        *observe.Metrics
	logger         *slog.Logger
	now            func() time.Time
	onSourceSilent func(audio.Source)

	mu      sync.Mutex
	session *session
}

// session is the state of one active recording.
type session struct {
	id         string
	path       string
	startedAt  time.Time
	includeMic bool
	logger     *slog.Logger

	ctx  context.Context
	span trace.Span

	wav       *wavfile.Writer
	breaker   *resilience.CircuitBreaker
	engine    *mixer.Engine
	feed      *livefeed.Feed
	capturers []capture.Capturer

	// closers are called in reverse order during Stop.
	closers []func() error
}

// NewRecorder creates a [Recorder].
func NewRecorder(cfg RecorderConfig) *Recorder {
	r := &Recorder{
		cfg:            cfg.Config,
		devices:        cfg.Devices,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		now:            cfg.Now,
		onSourceSilent: cfg.OnSourceSilent,
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Start begins a new recording and returns once the producers are running.
// Setup failures release everything opened so far; failures
// opening the output are reported as [*mixer.SetupError].
func (r *Recorder) Start(ctx context.Context, opts StartOptions) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		return fmt.Errorf("%w (id=%s)", ErrAlreadyRecording, r.session.id)
	}
	if r.cfg == nil || r.devices == nil {
		return &mixer.SetupError{Op: "recorder", Err: errors.New("missing config or devices")}
	}

	cfg := r.cfg.Current()
	startedAt := r.now()
	id := fmt.Sprintf("%s-%s", cfg.Recording.FilenamePrefix, startedAt.UTC().Format("20060102T150405.000Z"))
	path := filepath.Join(cfg.Recording.OutputDir, id+".wav")

	s := &session{
		id:         id,
		path:       path,
		startedAt:  startedAt,
		includeMic: opts.IncludeMicrophone,
		logger:     r.logger.With("session_id", id),
	}

	// The span covers the whole recording, not just this call.
	s.ctx, s.span = observe.StartRecordingSpan(context.WithoutCancel(ctx), id, path, opts.IncludeMicrophone)
	defer func() {
		if err == nil {
			return
		}
		s.unwind()
		if s.wav != nil {
			_ = os.Remove(path)
		}
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		s.span.End()
	}()

	if err := os.MkdirAll(cfg.Recording.OutputDir, 0o755); err != nil {
		return &mixer.SetupError{Op: "create output directory", Err: err}
	}

	format := audio.SampleInt16
	if cfg.Recording.SampleFormat == config.SampleFloat32 {
		format = audio.SampleFloat32
	}
	wav, err := wavfile.Create(path, mixer.SampleRate, format)
	if err != nil {
		return &mixer.SetupError{Op: "open output", Err: err}
	}
	s.wav = wav
	s.closers = append(s.closers, wav.Close)

	s.breaker = r.newBreaker(cfg.Resilience.WriteBreaker, s.logger)

	if cfg.LiveFeed.Enabled() {
		s.feed = r.dialFeed(ctx, cfg.LiveFeed, s.logger)
		if s.feed != nil {
			s.closers = append(s.closers, s.feed.Close)
		}
	}

	s.engine = mixer.New(&guardedSink{w: wav, cb: s.breaker}, r.handlers(s), r.mixerOptions(cfg.Mixer, s)...)
	if err := s.engine.Start(opts.IncludeMicrophone); err != nil {
		return err
	}
	s.closers = append(s.closers, func() error {
		s.engine.Stop()
		return nil
	})

	if err := r.openCapturers(s, cfg.Recording.SystemDevice, opts); err != nil {
		return err
	}

	r.session = s
	r.metrics.ActiveRecordings.Add(s.ctx, 1)
	s.logger.Info("recording started",
		"path", path,
		"include_microphone", opts.IncludeMicrophone,
		"live_feed", s.feed != nil,
		"sample_format", format.String(),
	)
	return nil
}

// openCapturers opens the producers and starts them concurrently, feeding the
// engine of s.
func (r *Recorder) openCapturers(s *session, systemDevice string, opts StartOptions) error {
	sys, err := r.devices.SystemAudio(systemDevice)
	if err != nil {
		return &mixer.SetupError{Op: "open system audio", Err: err}
	}
	s.capturers = append(s.capturers, sys)
	feeds := []func(audio.AudioFrame){s.engine.FeedSystemAudio}

	if opts.IncludeMicrophone {
		mic, err := r.devices.Microphone(opts.MicrophoneDevice)
		if err != nil {
			return &mixer.SetupError{Op: "open microphone", Err: err}
		}
		s.capturers = append(s.capturers, mic)
		feeds = append(feeds, s.engine.FeedMicrophone)
	}

	// Producers are stopped before the engine flushes.
	s.closers = append(s.closers, s.stopCapturers)

	var g errgroup.Group
	for i, c := range s.capturers {
		g.Go(func() error { return c.Start(feeds[i]) })
	}
	if err := g.Wait(); err != nil {
		return &mixer.SetupError{Op: "start capture", Err: err}
	}
	return nil
}

// Stop ends the recording: producers stop, the mixer flushes everything
// buffered, the live feed closes and the file is finalized. The returned
// error reports a file that could not be finalized; the Recording is valid
// either way.
func (r *Recorder) Stop(ctx context.Context) (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.session
	if s == nil {
		return Recording{}, ErrNotRecording
	}
	r.session = nil

	if err := s.stopCapturers(); err != nil {
		s.logger.Warn("recorder: stop capture", "err", err)
	}
	tel := s.engine.Stop()

	var finalizeErr error
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			s.logger.Warn("recorder: close live feed", "err", err)
		}
		s.logger.Info("live feed closed", "sent", s.feed.Sent(), "dropped", s.feed.Dropped())
	}
	if err := s.wav.Close(); err != nil {
		finalizeErr = fmt.Errorf("app: finalize %s: %w", s.path, err)
	}

	rec := Recording{
		ID:        s.id,
		Path:      s.path,
		StartedAt: s.startedAt,
		Frames:    s.wav.Frames(),
		Duration:  tel.Duration(),
		Telemetry: tel,
	}

	r.metrics.ActiveRecordings.Add(s.ctx, -1)
	r.metrics.RecordingDuration.Record(ctx, rec.Duration.Seconds())

	s.span.SetAttributes(
		attribute.Int64("recording.frames", rec.Frames),
		attribute.Int64("recording.write_errors", tel.WriteErrors),
		attribute.Int64("recording.max_drift_frames", tel.MaxDriftFrames),
	)
	if finalizeErr != nil {
		s.span.RecordError(finalizeErr)
		s.span.SetStatus(codes.Error, finalizeErr.Error())
	}
	s.span.End()

	s.logger.Info("recording stopped",
		append([]any{"path", rec.Path, "frames", rec.Frames}, tel.LogAttrs()...)...)
	return rec, finalizeErr
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Status returns a snapshot of the recorder and, while recording, the latest
// mixer telemetry.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session
	if s == nil {
		return Status{}
	}
	return Status{
		Recording:         true,
		ID:                s.id,
		Path:              s.path,
		StartedAt:         s.startedAt,
		IncludeMicrophone: s.includeMic,
		LiveFeed:          s.feed != nil,
		Telemetry:         s.engine.Telemetry(),
	}
}

// Checker returns a readiness check that fails while durable writes of the
// active recording are suspended by the circuit breaker.
func (r *Recorder) Checker() health.Checker {
	return health.Checker{
		Name: "recorder",
		Check: func(context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.session == nil {
				return nil
			}
			if st := r.session.breaker.State(); st == resilience.StateOpen {
				return fmt.Errorf("writes to %s suspended (breaker %s)", r.session.path, st)
			}
			return nil
		},
	}
}

func (r *Recorder) handlers(s *session) mixer.Handlers {
	h := mixer.Handlers{
		OnError: func(err error) {
			s.logger.Error("recorder: mixer error", "err", err)
		},
		OnSourceSilent: func(src audio.Source) {
			s.logger.Warn("recorder: source is silent", "source", src.String())
			if r.onSourceSilent != nil {
				r.onSourceSilent(src)
			}
		},
	}
	if s.feed != nil {
		feed := s.feed
		h.OnMixedAudio = func(pcm []byte) {
			_ = feed.Send(pcm)
		}
	}
	return h
}

func (r *Recorder) mixerOptions(mc config.MixerConfig, s *session) []mixer.Option {
	opts := []mixer.Option{
		mixer.WithLogger(s.logger),
		mixer.WithObserver(r.metrics.MixerObserver(s.ctx)),
		mixer.WithClock(r.now),
	}
	if mc.Lookahead > 0 {
		opts = append(opts, mixer.WithLookahead(mc.Lookahead))
	}
	if mc.StallThreshold > 0 {
		opts = append(opts, mixer.WithStallThreshold(mc.StallThreshold))
	}
	if mc.BufferCapacity > 0 {
		opts = append(opts, mixer.WithBufferCapacity(mc.BufferCapacity))
	}
	if mc.DiscardMargin > 0 {
		opts = append(opts, mixer.WithDiscardMargin(mc.DiscardMargin))
	}
	if mc.Normalization > 0 {
		opts = append(opts, mixer.WithNormalization(float32(mc.Normalization)))
	}
	if mc.QueueSize > 0 {
		opts = append(opts, mixer.WithQueueSize(mc.QueueSize))
	}
	if mc.TelemetryInterval > 0 {
		opts = append(opts, mixer.WithTelemetryInterval(mc.TelemetryInterval))
	}
	switch {
	case mc.SilenceWindow < 0:
		opts = append(opts, mixer.WithSilenceDetection(0, 0))
	case mc.SilenceWindow > 0 || mc.SilenceThreshold > 0:
		window := mc.SilenceWindow
		if window == 0 {
			window = mixer.DefaultSilenceWindow
		}
		opts = append(opts, mixer.WithSilenceDetection(window, float32(mc.SilenceThreshold)))
	}
	return opts
}

func (r *Recorder) newBreaker(bc config.BreakerConfig, logger *slog.Logger) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "wav-write",
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		HalfOpenMax:  bc.HalfOpenMax,
		Now:          r.now,
		Logger:       logger,
	})
}

// dialFeed connects the live feed. A failed dial only disables the feed.
func (r *Recorder) dialFeed(ctx context.Context, lc config.LiveFeedConfig, logger *slog.Logger) *livefeed.Feed {
	dctx, cancel := context.WithTimeout(ctx, liveFeedDialTimeout)
	defer cancel()

	opts := []livefeed.Option{
		livefeed.WithQueueSize(lc.QueueSize),
		livefeed.WithLogger(logger),
		livefeed.WithMessageHandler(func(msg []byte) {
			logger.Debug("live feed message", "msg", string(msg))
		}),
		livefeed.WithDropHandler(func() {
			r.metrics.LiveFeedDrops.Add(context.Background(), 1)
		}),
	}
	if lc.AuthToken != "" {
		opts = append(opts, livefeed.WithBearerToken(lc.AuthToken))
	}
	feed, err := livefeed.Dial(dctx, lc.URL, opts...)
	if err != nil {
		logger.Warn("recorder: live feed unavailable, recording without it", "err", err)
		return nil
	}
	return feed
}

func (s *session) stopCapturers() error {
	var errs []error
	for _, c := range s.capturers {
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// unwind runs the closers in reverse order.
func (s *session) unwind() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("recorder: closer error", "index", i, "err", err)
		}
	}
	s.closers = nil
}

var _ mixer.Sink = (*guardedSink)(nil)

// guardedSink routes durable writes through a circuit breaker. Writes the
// breaker rejects are reported as [mixer.ErrSinkUnavailable].
type guardedSink struct {
	w  mixer.Sink
	cb *resilience.CircuitBreaker
}

func (g *guardedSink) Write(samples []float32) error {
	err := g.cb.Execute(func() error { return g.w.Write(samples) })
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", mixer.ErrSinkUnavailable, err)
	}
	return err
}
