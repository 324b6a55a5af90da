package mixer

import (
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

// SourceTelemetry holds the counters kept for one source.
type SourceTelemetry struct {
	// ReceivedFrames counts converted frames appended to the ring buffer.
	ReceivedFrames int64

	// UnderflowFrames counts mixed frames this source had no data for.
	UnderflowFrames int64

	// OverflowFrames counts frames evicted because the ring buffer was full.
	OverflowFrames int64

	ConversionErrors int64

	// QueueDrops counts producer buffers rejected by a full work queue.
	QueueDrops int64
}

// Telemetry is a point-in-time snapshot of the engine counters.
type Telemetry struct {
	Microphone SourceTelemetry
	System     SourceTelemetry

	MixedFrames int64
	Quanta      int64
	WriteErrors int64

	// MaxDriftFrames is the largest distance seen between the two sources'
	// newest frames.
	MaxDriftFrames int64

	Cursor int64
}

// Source returns the counters for s.
func (t Telemetry) Source(s audio.Source) SourceTelemetry {
	if s == audio.SourceMicrophone {
		return t.Microphone
	}
	return t.System
}

// Duration returns the amount of audio mixed so far.
func (t Telemetry) Duration() time.Duration {
	return time.Duration(t.MixedFrames) * time.Second / SampleRate
}

// LogAttrs returns the snapshot as alternating slog key/value pairs.
func (t Telemetry) LogAttrs() []any {
	return []any{
		"mixed", t.Duration().Round(time.Millisecond),
		"quanta", t.Quanta,
		"write_errors", t.WriteErrors,
		"max_drift_frames", t.MaxDriftFrames,
		"mic_underflow", t.Microphone.UnderflowFrames,
		"mic_overflow", t.Microphone.OverflowFrames,
		"mic_queue_drops", t.Microphone.QueueDrops,
		"system_underflow", t.System.UnderflowFrames,
		"system_overflow", t.System.OverflowFrames,
		"system_queue_drops", t.System.QueueDrops,
	}
}

func (t *Telemetry) source(s audio.Source) *SourceTelemetry {
	if s == audio.SourceMicrophone {
		return &t.Microphone
	}
	return &t.System
}

// Observer receives telemetry events as they happen, typically to export
// them as metrics. QueueDropped is called from producer goroutines; all other
// methods are called from the engine worker.
type Observer interface {
	QuantumMixed(frames int)
	Underflow(src audio.Source, frames int)
	Overflow(src audio.Source, frames int)
	ConversionFailed(src audio.Source)
	QueueDropped(src audio.Source)
	WriteFailed()
	Drift(frames int64)
}

type noopObserver struct{}

func (noopObserver) QuantumMixed(int) {}
func (noopObserver) Underflow(audio.Source, int) {}
func (noopObserver) Overflow(audio.Source, int) {}
func (noopObserver) ConversionFailed(audio.Source) {}
func (noopObserver) QueueDropped(audio.Source) {}
func (noopObserver) WriteFailed() {}
func (noopObserver) Drift(int64) {}
