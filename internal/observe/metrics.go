// Package observe provides the observability primitives for murmur:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/mixer"
)

// meterName is the instrumentation scope name used for all murmur metrics.
const meterName = "github.com/MrWong99/murmur"

// Metrics holds the OpenTelemetry instruments of the application. The
// underlying OTel types are safe for concurrent use.
type Metrics struct {
	// --- Mixer ---

	// MixedFrames counts output frames written by the mixer.
	MixedFrames metric.Int64Counter

	// Quanta counts mixed quanta.
	Quanta metric.Int64Counter

	// UnderflowFrames counts frames a source had no data for. Use with
	//   attribute.String("source", ...)
	UnderflowFrames metric.Int64Counter

	// OverflowFrames counts frames evicted from a full ring buffer. Use with
	//   attribute.String("source", ...)
	OverflowFrames metric.Int64Counter

	// ConversionErrors counts rejected capture buffers. Use with
	//   attribute.String("source", ...)
	ConversionErrors metric.Int64Counter

	// QueueDrops counts capture buffers dropped by a full mixer queue. Use with
	//   attribute.String("source", ...)
	QueueDrops metric.Int64Counter

	// WriteErrors counts failed durable writes.
	WriteErrors metric.Int64Counter

	// DriftFrames records the distance between the sources' newest frames,
	// sampled on every telemetry publish.
	DriftFrames metric.Int64Histogram

	// --- Recordings ---

	// ActiveRecordings is the number of recordings in progress.
	ActiveRecordings metric.Int64UpDownCounter

	// RecordingDuration tracks the length of finished recordings.
	RecordingDuration metric.Float64Histogram

	// LiveFeedDrops counts chunks the live feed discarded.
	LiveFeedDrops metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status endpoint latency. Use with
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// recordingBuckets are the histogram bucket boundaries (in seconds) for
// recording lengths, from a short note to a long meeting.
var recordingBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200,
}

// driftBuckets are the bucket boundaries (in frames at 16 kHz) for source
// drift, from one quantum to ten seconds.
var driftBuckets = []float64{
	160, 320, 800, 1600, 3200, 8000, 16000, 32000, 80000, 160000,
}

// NewMetrics creates all metric instruments using the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.MixedFrames, err = m.Int64Counter("murmur.mixer.frames",
		metric.WithDescription("Output frames written by the mixer."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.Quanta, err = m.Int64Counter("murmur.mixer.quanta",
		metric.WithDescription("Mixed quanta."),
	); err != nil {
		return nil, err
	}
	if met.UnderflowFrames, err = m.Int64Counter("murmur.mixer.underflow",
		metric.WithDescription("Frames mixed as silence because a source had no data, by source."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.OverflowFrames, err = m.Int64Counter("murmur.mixer.overflow",
		metric.WithDescription("Frames evicted from a full ring buffer, by source."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.ConversionErrors, err = m.Int64Counter("murmur.mixer.conversion_errors",
		metric.WithDescription("Capture buffers rejected by format conversion, by source."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("murmur.mixer.queue_drops",
		metric.WithDescription("Capture buffers dropped because the mixer queue was full, by source."),
	); err != nil {
		return nil, err
	}
	if met.WriteErrors, err = m.Int64Counter("murmur.mixer.write_errors",
		metric.WithDescription("Failed writes to the recording file."),
	); err != nil {
		return nil, err
	}
	if met.DriftFrames, err = m.Int64Histogram("murmur.mixer.drift",
		metric.WithDescription("Distance between the newest frames of both sources."),
		metric.WithUnit("{frame}"),
		metric.WithExplicitBucketBoundaries(driftBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveRecordings, err = m.Int64UpDownCounter("murmur.recording.active",
		metric.WithDescription("Number of recordings in progress."),
	); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = m.Float64Histogram("murmur.recording.duration",
		metric.WithDescription("Length of finished recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LiveFeedDrops, err = m.Int64Counter("murmur.livefeed.dropped",
		metric.WithDescription("Live feed chunks dropped because the network fell behind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func sourceAttr(src audio.Source) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("source", src.String()))
}

// MixerObserver returns a [mixer.Observer] that records engine events on m.
// ctx is used for every measurement.
func (m *Metrics) MixerObserver(ctx context.Context) mixer.Observer {
	return &mixerObserver{ctx: ctx, m: m}
}

var _ mixer.Observer = (*mixerObserver)(nil)

type mixerObserver struct {
	ctx context.Context
	m   *Metrics
}

func (o *mixerObserver) QuantumMixed(frames int) {
	o.m.Quanta.Add(o.ctx, 1)
	o.m.MixedFrames.Add(o.ctx, int64(frames))
}

func (o *mixerObserver) Underflow(src audio.Source, frames int) {
	o.m.UnderflowFrames.Add(o.ctx, int64(frames), sourceAttr(src))
}

func (o *mixerObserver) Overflow(src audio.Source, frames int) {
	o.m.OverflowFrames.Add(o.ctx, int64(frames), sourceAttr(src))
}

func (o *mixerObserver) ConversionFailed(src audio.Source) {
	o.m.ConversionErrors.Add(o.ctx, 1, sourceAttr(src))
}

func (o *mixerObserver) QueueDropped(src audio.Source) {
	o.m.QueueDrops.Add(o.ctx, 1, sourceAttr(src))
}

func (o *mixerObserver) WriteFailed() {
	o.m.WriteErrors.Add(o.ctx, 1)
}

func (o *mixerObserver) Drift(frames int64) {
	o.m.DriftFrames.Record(o.ctx, frames)
}
