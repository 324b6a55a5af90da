// Package app wires the murmur subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the audio backend and
// builds the [Recorder], Record runs one recording until it is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDevices, WithMetrics, etc.). When an option is not provided, New
// creates real implementations.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     ConfigSource
	devices capture.Devices
	metrics *observe.Metrics
	logger  *slog.Logger
	now     func() time.Time

	recorder *Recorder
	health   *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices injects the capture devices instead of opening the system
// audio backend.
func WithDevices(d capture.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. cfg is consulted at every recording start, so a
// [*config.Watcher] makes configuration changes apply to the next recording.
func New(cfg ConfigSource, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.devices == nil {
		sys, err := capture.Open(capture.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("app: open audio backend: %w", err)
		}
		a.devices = sys
		a.closers = append(a.closers, sys.Close)
	}

	if dir := cfg.Current().Recording.OutputDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: create output directory: %w", err)
		}
	}

	a.recorder = NewRecorder(RecorderConfig{
		Config:  cfg,
		Devices: a.devices,
		Metrics: a.metrics,
		Logger:  a.logger,
		Now:     a.now,
		OnSourceSilent: func(src audio.Source) {
			if src == audio.SourceMicrophone {
				a.logger.Warn("no signal from the microphone; check that it is not muted")
			}
		},
	})
	checkers := []health.Checker{
		health.DirWritable("output_dir", func() string { return a.cfg.Current().Recording.OutputDir }),
		a.recorder.Checker(),
	}
	if src, ok := cfg.(interface{ Err() error }); ok {
		checkers = append(checkers, configChecker(src))
	}
	a.health = health.New(checkers...)
	return a, nil
}

// configChecker fails while the config file on disk is rejected and an
// older config is in use.
func configChecker(src interface{ Err() error }) health.Checker {
	return health.Checker{
		Name: "config",
		Check: func(context.Context) error {
			if err := src.Err(); err != nil {
				return fmt.Errorf("config file rejected: %w", err)
			}
			return nil
		},
	}
}

// Recorder returns the recorder.
func (a *App) Recorder() *Recorder { return a.recorder }

// Handler returns the HTTP handler for the status endpoint: health probes,
// Prometheus metrics and the recorder status.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", a.status)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.recorder.Status()); err != nil {
		a.logger.Warn("app: encode status", "err", err)
	}
}

// ─── Record ──────────────────────────────────────────────────────────────────

// Record runs one recording. It stops when ctx is cancelled or, if d is
// positive, after d elapsed, and returns the finished recording.
func (a *App) Record(ctx context.Context, opts StartOptions, d time.Duration) (Recording, error) {
	if err := a.recorder.Start(ctx, opts); err != nil {
		return Recording{}, err
	}

	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		a.logger.Info("recording interrupted")
	case <-timeout:
		a.logger.Info("recording duration reached", "duration", d)
	}

	// ctx may be done already; the flush must still run.
	return a.recorder.Stop(context.WithoutCancel(ctx))
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops an active recording and releases the audio backend. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if rec, err := a.recorder.Stop(ctx); err == nil {
			a.logger.Info("recording saved during shutdown", "path", rec.Path)
		} else if !errors.Is(err, ErrNotRecording) {
			a.logger.Warn("recording stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
