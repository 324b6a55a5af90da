package mixer

import (
	"log/slog"
	"time"
)

const (
	// SampleRate is the rate of the shared output timeline.
	SampleRate = 16000

	// QuantumFrames is the scheduling unit: 10 ms of output.
	QuantumFrames = 160

	DefaultLookahead         = 20 * time.Millisecond
	DefaultStallThreshold    = time.Second
	DefaultBufferCapacity    = 20 * time.Second
	DefaultDiscardMargin     = 100 * time.Millisecond
	DefaultNormalization     = 0.7
	DefaultQueueSize         = 256
	DefaultTelemetryInterval = 5 * time.Second
	DefaultSilenceWindow     = 10 * time.Second
	DefaultSilenceThreshold  = 0.001
)

type settings struct {
	lookahead         time.Duration
	stallThreshold    time.Duration
	bufferCapacity    time.Duration
	discardMargin     time.Duration
	normalization     float32
	queueSize         int
	telemetryInterval time.Duration
	silenceWindow     time.Duration
	silenceThreshold  float32
}

func defaultSettings() settings {
	return settings{
		lookahead:         DefaultLookahead,
		stallThreshold:    DefaultStallThreshold,
		bufferCapacity:    DefaultBufferCapacity,
		discardMargin:     DefaultDiscardMargin,
		normalization:     DefaultNormalization,
		queueSize:         DefaultQueueSize,
		telemetryInterval: DefaultTelemetryInterval,
		silenceWindow:     DefaultSilenceWindow,
		silenceThreshold:  DefaultSilenceThreshold,
	}
}

// framesOf converts a duration to output frames, truncating.
func framesOf(d time.Duration) int64 {
	return int64(d) * SampleRate / int64(time.Second)
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithLookahead sets how far the cursor trails the newest data of the live
// sources.
func WithLookahead(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.cfg.lookahead = d
		}
	}
}

// WithStallThreshold sets how long a source may enqueue nothing before the
// engine mixes without it.
func WithStallThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cfg.stallThreshold = d
		}
	}
}

// WithBufferCapacity bounds each source's ring buffer.
func WithBufferCapacity(d time.Duration) Option {
	return func(e *Engine) {
		if framesOf(d) >= QuantumFrames {
			e.cfg.bufferCapacity = d
		}
	}
}

// WithDiscardMargin sets how much already mixed history each ring buffer
// keeps behind the cursor.
func WithDiscardMargin(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.cfg.discardMargin = d
		}
	}
}

// WithNormalization sets the gain applied to the summed sources.
func WithNormalization(g float32) Option {
	return func(e *Engine) {
		if g > 0 {
			e.cfg.normalization = g
		}
	}
}

// WithQueueSize sets how many producer buffers may wait for the worker.
// Buffers arriving at a full queue are dropped and counted.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cfg.queueSize = n
		}
	}
}

// WithTelemetryInterval sets how often a telemetry snapshot is published and
// logged. Zero publishes only at stop.
func WithTelemetryInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.cfg.telemetryInterval = d
		}
	}
}

// WithSilenceDetection configures the silent-source notification: a source
// whose peak level stays below threshold for window is reported once through
// Handlers.OnSourceSilent. A zero window disables detection.
func WithSilenceDetection(window time.Duration, threshold float32) Option {
	return func(e *Engine) {
		e.cfg.silenceWindow = window
		if threshold > 0 {
			e.cfg.silenceThreshold = threshold
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers an [Observer] for telemetry events.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClock replaces time.Now. Every queued buffer is stamped with the clock
// when it is fed, and all stall and silence decisions use those stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}
