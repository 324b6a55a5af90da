// Package mixer fuses the microphone and system-audio streams of a recording
// onto one 16 kHz mono timeline.
//
// Producers hand raw capture buffers to an [Engine], which converts, places
// and buffers them on a single worker goroutine and advances a mix cursor in
// 10 ms quanta. Each mixed quantum is written to a durable [Sink] and then
// offered as 16-bit PCM to Handlers.OnMixedAudio. A source that stops
// delivering is declared stalled and mixed as silence, so a recording keeps
// going when one side drops out.
package mixer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

// State is the lifecycle phase of an [Engine].
type State int32

const (
	// StateIdle is an engine that was constructed but not started.
	StateIdle State = iota

	// StateUninitialized is a started engine whose cursor is not placed yet.
	StateUninitialized

	StateMixing
	StateFlushing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUninitialized:
		return "uninitialized"
	case StateMixing:
		return "mixing"
	case StateFlushing:
		return "flushing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Sink is the durable destination of the mixed stream. Write receives one
// quantum of mono samples at [SampleRate] and must not retain the slice.
type Sink interface {
	Write(samples []float32) error
}

// Handlers are the engine's outbound notifications. Every handler is called
// from the worker goroutine and must return quickly. Nil handlers are skipped.
type Handlers struct {
	// OnError receives steady-state failures, currently *WriteError.
	OnError func(error)

	// OnSourceSilent fires once when a source has carried no audible signal
	// for the silence window. It fires again only after the source was
	// audible in between.
	OnSourceSilent func(audio.Source)

	// OnMixedAudio receives every mixed quantum as little-endian 16-bit mono
	// PCM at [SampleRate]. The slice is owned by the callee.
	OnMixedAudio func(pcm []byte)
}

type job struct {
	source audio.Source
	frame  audio.AudioFrame
	at     time.Time
	flush  bool
}

// source is the worker-owned state of one producer.
type source struct {
	kind     audio.Source
	conv     *audio.FormatConverter
	timeline *Timeline
	ring     *RingBuffer
	scratch  []float32

	lastEnqueue time.Time
	lastAudible time.Time
	silent      bool
	warned      bool
}

func newSource(kind audio.Source, capacity int64) *source {
	return &source{
		kind:     kind,
		conv:     audio.NewFormatConverter(SampleRate),
		timeline: NewTimeline(SampleRate),
		ring:     NewRingBuffer(capacity),
		scratch:  make([]float32, QuantumFrames),
	}
}

// Engine mixes one recording session. Construct a new Engine per session;
// a stopped engine cannot be restarted.
//
// Feed methods and Stop are safe for concurrent use. All mixing state is
// owned by a single worker goroutine started by Start.
type Engine struct {
	sink     Sink
	handlers Handlers
	cfg      settings
	logger   *slog.Logger
	observer Observer
	clock    func() time.Time

	lifecycle sync.Mutex
	stopOnce  sync.Once
	state     atomic.Int32

	// gate is held shared by producers from the state check until their job
	// is queued, and exclusively by Stop while it leaves the feeding states.
	// Every accepted buffer is therefore queued ahead of the flush job.
	gate sync.RWMutex
	jobs      chan job
	done      chan struct{}

	queueDrops [2]atomic.Int64
	snapshot   atomic.Pointer[Telemetry]

	// Owned by the worker after Start.
	includeMic   bool
	sources      [2]*source
	cursor       int64
	cursorSet    bool
	sessionStart time.Time
	lastPublish  time.Time
	tel          Telemetry
	drift        int64
	mixed        []float32
	writeWarned  bool
}

// New creates an engine writing to sink. Call [Engine.Start] to begin.
func New(sink Sink, h Handlers, opts ...Option) *Engine {
	e := &Engine{
		sink:     sink,
		handlers: h,
		cfg:      defaultSettings(),
		logger:   slog.Default(),
		observer: noopObserver{},
		clock:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.snapshot.Store(&Telemetry{})
	return e
}

// Start resets all session state and launches the worker. When
// includeMicrophone is false, microphone buffers are ignored and the cursor
// follows the system audio alone.
func (e *Engine) Start(includeMicrophone bool) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.sink == nil {
		return &SetupError{Op: "start", Err: errors.New("no durable sink")}
	}
	if State(e.state.Load()) != StateIdle {
		return ErrAlreadyStarted
	}

	capacity := framesOf(e.cfg.bufferCapacity)
	e.includeMic = includeMicrophone
	e.sources = [2]*source{}
	e.sources[audio.SourceSystem] = newSource(audio.SourceSystem, capacity)
	if includeMicrophone {
		e.sources[audio.SourceMicrophone] = newSource(audio.SourceMicrophone, capacity)
	}
	e.cursor, e.cursorSet = 0, false
	e.tel = Telemetry{}
	e.drift = 0
	e.mixed = make([]float32, QuantumFrames)
	e.sessionStart = e.clock()
	e.lastPublish = e.sessionStart
	e.jobs = make(chan job, e.cfg.queueSize)
	e.done = make(chan struct{})

	e.state.Store(int32(StateUninitialized))
	go e.run()

	e.logger.Info("mixer started",
		"include_microphone", includeMicrophone,
		"lookahead", e.cfg.lookahead,
		"stall_threshold", e.cfg.stallThreshold,
	)
	return nil
}

// FeedMicrophone enqueues a microphone capture buffer. It never blocks; the
// buffer data is copied before returning.
func (e *Engine) FeedMicrophone(frame audio.AudioFrame) {
	_ = e.feed(audio.SourceMicrophone, frame)
}

// FeedSystemAudio enqueues a system-audio capture buffer. It never blocks;
// the buffer data is copied before returning.
func (e *Engine) FeedSystemAudio(frame audio.AudioFrame) {
	_ = e.feed(audio.SourceSystem, frame)
}

// feed reports whether the buffer was queued.
func (e *Engine) feed(src audio.Source, frame audio.AudioFrame) bool {
	e.gate.RLock()
	defer e.gate.RUnlock()

	switch State(e.state.Load()) {
	case StateUninitialized, StateMixing:
	default:
		return false
	}
	if src == audio.SourceMicrophone && !e.includeMic {
		return false
	}

	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)
	frame.Data = data

	select {
	case e.jobs <- job{source: src, frame: frame, at: e.clock()}:
		return true
	default:
		e.queueDrops[src].Add(1)
		e.observer.QueueDropped(src)
		return false
	}
}

// Stop flushes every queued and buffered frame to the sinks and stops the
// worker. It blocks until the flush completed. Only the first call has an
// effect; every call returns the final telemetry.
func (e *Engine) Stop() Telemetry {
	e.stopOnce.Do(func() {
		e.lifecycle.Lock()
		defer e.lifecycle.Unlock()

		e.gate.Lock()
		if State(e.state.Load()) == StateIdle {
			e.state.Store(int32(StateStopped))
			e.gate.Unlock()
			return
		}
		e.state.Store(int32(StateFlushing))
		e.gate.Unlock()

		e.jobs <- job{flush: true, at: e.clock()}
		<-e.done
	})
	return e.Telemetry()
}

// State returns the current lifecycle phase.
func (e *Engine) State() State { return State(e.state.Load()) }

// Telemetry returns the most recently published snapshot with live queue
// drop counts.
func (e *Engine) Telemetry() Telemetry {
	t := *e.snapshot.Load()
	t.Microphone.QueueDrops = e.queueDrops[audio.SourceMicrophone].Load()
	t.System.QueueDrops = e.queueDrops[audio.SourceSystem].Load()
	return t
}

func (e *Engine) run() {
	defer close(e.done)
	for j := range e.jobs {
		if j.flush {
			e.flush()
			e.state.Store(int32(StateStopped))
			e.publish(j.at)
			e.logger.Info("mixer stopped", e.Telemetry().LogAttrs()...)
			return
		}
		e.ingest(j)
		e.advance(j.at)
		e.detectSilence(j.at)
		if e.cfg.telemetryInterval > 0 && j.at.Sub(e.lastPublish) >= e.cfg.telemetryInterval {
			e.publish(j.at)
			e.logger.Info("mixer telemetry", e.Telemetry().LogAttrs()...)
		}
	}
}

// ingest converts one buffer, places it on the timeline and stores it.
func (e *Engine) ingest(j job) {
	src := e.sources[j.source]
	if src == nil {
		return
	}
	src.lastEnqueue = j.at
	st := e.tel.source(j.source)

	samples, err := src.conv.Convert(j.frame)
	if err != nil {
		st.ConversionErrors++
		e.observer.ConversionFailed(j.source)
		if !src.warned {
			src.warned = true
			e.logger.Warn("mixer: dropping unconvertible buffer", "source", j.source, "err", err)
		} else {
			e.logger.Debug("mixer: dropping unconvertible buffer", "source", j.source, "err", err)
		}
		return
	}

	start := src.timeline.Assign(j.frame.Timestamp, j.frame.HasTimestamp, len(samples), e.anchorFor(j.source))
	n := len(samples)
	peak := peakOf(samples)
	if dropped := src.ring.Append(start, samples); dropped > 0 {
		st.OverflowFrames += dropped
		e.observer.Overflow(j.source, int(dropped))
	}
	st.ReceivedFrames += int64(n)

	if peak >= e.cfg.silenceThreshold {
		src.lastAudible = j.at
		src.silent = false
	}
}

// anchorFor describes where a source that has not placed data yet may start:
// no earlier than the other source's frontier and the mix cursor, or on the
// other source's clock when both carry timestamps.
func (e *Engine) anchorFor(kind audio.Source) Anchor {
	var a Anchor
	if e.cursorSet {
		a.Floor = e.cursor
	}
	if other := e.sources[1-kind]; other != nil {
		if f, ok := other.timeline.Frontier(); ok {
			a.Frontier = f
		}
		a.Clock = other.timeline
	}
	return a
}

// stalled reports whether src has enqueued nothing for longer than the stall
// threshold, counting from session start if it never delivered.
func (e *Engine) stalled(src *source, now time.Time) bool {
	ref := src.lastEnqueue
	if ref.IsZero() {
		ref = e.sessionStart
	}
	return now.Sub(ref) > e.cfg.stallThreshold
}

// advance mixes every complete quantum that is safe to mix.
func (e *Engine) advance(now time.Time) {
	if !e.cursorSet && !e.initCursor(now) {
		return
	}
	target, ok := e.safeFrame(now)
	if !ok {
		return
	}
	for e.cursor+QuantumFrames <= target {
		e.mixQuantum(QuantumFrames)
	}
}

func (e *Engine) initCursor(now time.Time) bool {
	sys := e.sources[audio.SourceSystem]
	sysStart, sysOK := sys.ring.Earliest()

	var start int64
	if mic := e.sources[audio.SourceMicrophone]; mic == nil {
		if !sysOK {
			return false
		}
		start = sysStart
	} else {
		micStart, micOK := mic.ring.Earliest()
		switch {
		case sysOK && micOK:
			start = min(sysStart, micStart)
		case sysOK && e.stalled(mic, now):
			start = sysStart
		case micOK && e.stalled(sys, now):
			start = micStart
		default:
			return false
		}
	}

	e.cursor = start
	e.cursorSet = true
	e.state.CompareAndSwap(int32(StateUninitialized), int32(StateMixing))
	e.logger.Debug("mixer: cursor initialized", "frame", start)
	return true
}

// safeFrame returns the frame the cursor may advance to: the oldest frontier
// among sources that are not stalled, minus the lookahead. ok is false while
// a live source has not delivered anything yet or every source is stalled.
func (e *Engine) safeFrame(now time.Time) (frame int64, ok bool) {
	frame = math.MaxInt64
	for _, src := range e.sources {
		if src == nil || e.stalled(src, now) {
			continue
		}
		f, started := src.timeline.Frontier()
		if !started {
			return 0, false
		}
		frame = min(frame, f)
		ok = true
	}
	if !ok {
		return 0, false
	}
	return frame - framesOf(e.cfg.lookahead), true
}

// mixQuantum mixes n frames at the cursor, writes them to both sinks and
// advances the cursor.
func (e *Engine) mixQuantum(n int) {
	mixed := e.mixed[:n]
	sys := e.sources[audio.SourceSystem]
	mic := e.sources[audio.SourceMicrophone]

	sysBuf := sys.scratch[:n]
	e.underflow(sys, n-sys.ring.Fill(e.cursor, sysBuf))

	var micBuf []float32
	if mic != nil {
		micBuf = mic.scratch[:n]
		e.underflow(mic, n-mic.ring.Fill(e.cursor, micBuf))
	}

	gain := e.cfg.normalization
	for i := range mixed {
		var m float32
		if micBuf != nil {
			m = micBuf[i]
		}
		mixed[i] = audio.Clamp((m + sysBuf[i]) * gain)
	}

	if err := e.sink.Write(mixed); err != nil {
		e.writeFailed(n, err)
	}
	if e.handlers.OnMixedAudio != nil {
		e.handlers.OnMixedAudio(audio.EncodePCM16(mixed))
	}

	e.cursor += int64(n)
	keep := e.cursor - framesOf(e.cfg.discardMargin)
	sys.ring.Discard(keep)
	if mic != nil {
		mic.ring.Discard(keep)
	}

	e.tel.MixedFrames += int64(n)
	e.tel.Quanta++
	e.tel.Cursor = e.cursor
	if mic != nil {
		mf, micOK := mic.timeline.Frontier()
		sf, sysOK := sys.timeline.Frontier()
		if micOK && sysOK {
			e.drift = mf - sf
			if e.drift < 0 {
				e.drift = -e.drift
			}
			e.tel.MaxDriftFrames = max(e.tel.MaxDriftFrames, e.drift)
		}
	}
	e.observer.QuantumMixed(n)
}

func (e *Engine) underflow(src *source, frames int) {
	if frames <= 0 {
		return
	}
	e.tel.source(src.kind).UnderflowFrames += int64(frames)
	e.observer.Underflow(src.kind, frames)
}

func (e *Engine) writeFailed(n int, err error) {
	e.tel.WriteErrors++
	e.observer.WriteFailed()
	if errors.Is(err, ErrSinkUnavailable) {
		return
	}
	werr := &WriteError{Frame: e.cursor, Frames: n, Err: err}
	if !e.writeWarned {
		e.writeWarned = true
		e.logger.Warn("mixer: durable write failed, mixing continues", "err", werr)
	}
	if e.handlers.OnError != nil {
		e.handlers.OnError(werr)
	}
}

// flush mixes everything still buffered, including a trailing partial
// quantum, regardless of lookahead or stalls.
func (e *Engine) flush() {
	if !e.cursorSet {
		start, ok := int64(math.MaxInt64), false
		for _, src := range e.sources {
			if src == nil {
				continue
			}
			if f, has := src.ring.Earliest(); has {
				start, ok = min(start, f), true
			}
		}
		if !ok {
			return
		}
		e.cursor, e.cursorSet = start, true
	}

	end := e.cursor
	for _, src := range e.sources {
		if src == nil {
			continue
		}
		if f, ok := src.ring.Latest(); ok {
			end = max(end, f)
		}
	}
	for e.cursor < end {
		e.mixQuantum(int(min(QuantumFrames, end-e.cursor)))
	}
}

func (e *Engine) detectSilence(now time.Time) {
	if e.cfg.silenceWindow <= 0 {
		return
	}
	for _, src := range e.sources {
		if src == nil || src.silent {
			continue
		}
		ref := src.lastAudible
		if ref.IsZero() {
			ref = e.sessionStart
		}
		if now.Sub(ref) < e.cfg.silenceWindow {
			continue
		}
		src.silent = true
		e.logger.Info("mixer: source silent", "source", src.kind, "for", now.Sub(ref).Round(time.Millisecond))
		if e.handlers.OnSourceSilent != nil {
			e.handlers.OnSourceSilent(src.kind)
		}
	}
}

// publish stores a telemetry snapshot readable from any goroutine.
func (e *Engine) publish(now time.Time) {
	snap := e.tel
	e.snapshot.Store(&snap)
	e.lastPublish = now
	e.observer.Drift(e.drift)
}

func peakOf(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		peak = max(peak, s)
	}
	return peak
}
