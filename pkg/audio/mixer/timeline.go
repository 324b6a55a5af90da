package mixer

import (
	"math"
	"time"
)

// Anchor tells a [Timeline] where a source that has not placed any data yet
// may begin.
type Anchor struct {
	// Frontier is the other source's next expected frame, or 0.
	Frontier int64

	// Floor is the mix cursor; nothing is ever placed before it on the first
	// placement, nor on any placement without a timestamp. An untimestamped
	// source that fell behind it restarts at max(Frontier, Floor), the same
	// as a first placement.
	Floor int64

	// Clock is the other source's timeline when it already carries
	// timestamps on the shared host clock, or nil.
	Clock *Timeline
}

func (a Anchor) start() int64 { return max(a.Frontier, a.Floor) }

// Timeline maps one source's buffers onto the shared output frame timeline.
//
// Timestamped buffers are placed relative to the first timestamp seen (the
// epoch); untimestamped buffers follow each other sequentially. Either way the
// next expected frame never moves backwards, so jittery timestamps cannot
// make a source overlap its own history.
type Timeline struct {
	rate int

	epoch    float64
	hasEpoch bool
	offset   int64

	next    int64
	started bool
}

// NewTimeline returns a timeline for an output of rate frames per second.
func NewTimeline(rate int) *Timeline {
	return &Timeline{rate: rate}
}

// Assign returns the start frame for a buffer of samples frames captured at
// ts (when hasTS is set) and advances the frontier past it.
func (t *Timeline) Assign(ts time.Duration, hasTS bool, samples int, a Anchor) int64 {
	var start int64
	switch {
	case hasTS:
		sec := ts.Seconds()
		if !t.hasEpoch {
			switch {
			case t.started:
				t.offset = t.next
			case a.Clock != nil && a.Clock.hasEpoch:
				t.offset = max(a.Clock.frameAt(sec), a.Floor)
			default:
				t.offset = a.start()
			}
			t.epoch = sec
			t.hasEpoch = true
		}
		start = t.frameAt(sec)
		if t.started {
			start = max(start, t.next)
		}
	case t.started && t.next < a.Floor:
		// Resuming after a stall: the cursor passed this source, so it
		// rejoins like a newcomer, next to the other source.
		start = a.start()
	case t.started:
		start = t.next
	default:
		start = a.start()
	}

	t.started = true
	t.next = start + int64(samples)
	return start
}

// Frontier returns the frame one past the last assigned sample. ok is false
// until the first buffer was assigned.
func (t *Timeline) Frontier() (frame int64, ok bool) {
	return t.next, t.started
}

// FrameAt converts a host clock timestamp to an output frame. ok is false
// until a timestamped buffer established the epoch.
func (t *Timeline) FrameAt(ts time.Duration) (frame int64, ok bool) {
	if !t.hasEpoch {
		return 0, false
	}
	return t.frameAt(ts.Seconds()), true
}

func (t *Timeline) frameAt(sec float64) int64 {
	return t.offset + int64(math.Round((sec-t.epoch)*float64(t.rate)))
}
