package mixer

import (
	"slices"
	"sort"
)

// Chunk is a contiguous run of mono samples placed at an absolute frame on
// the shared output timeline.
type Chunk struct {
	Start   int64
	Samples []float32
}

// End returns the frame one past the last sample of the chunk.
func (c Chunk) End() int64 { return c.Start + int64(len(c.Samples)) }

// RingBuffer holds a bounded, frame-addressed history of one source.
//
// Chunks are kept in ascending, non-overlapping order: data overlapping the
// last stored chunk is trimmed on insert, and the oldest frames are evicted
// once more than the capacity is buffered. A RingBuffer is not safe for
// concurrent use; the engine touches it only from its worker.
type RingBuffer struct {
	chunks   []Chunk
	buffered int64
	capacity int64
}

// NewRingBuffer returns an empty buffer holding at most capacityFrames frames.
func NewRingBuffer(capacityFrames int64) *RingBuffer {
	return &RingBuffer{capacity: capacityFrames}
}

// Append stores samples starting at frame start and returns how many frames
// were evicted from the front to honour the capacity. The buffer takes
// ownership of samples.
func (r *RingBuffer) Append(start int64, samples []float32) (dropped int64) {
	if len(samples) == 0 {
		return 0
	}
	if n := len(r.chunks); n > 0 {
		if end := r.chunks[n-1].End(); start < end {
			trim := end - start
			if trim >= int64(len(samples)) {
				return 0
			}
			samples = samples[trim:]
			start = end
		}
	}

	r.chunks = append(r.chunks, Chunk{Start: start, Samples: samples})
	r.buffered += int64(len(samples))

	for r.buffered > r.capacity && len(r.chunks) > 0 {
		excess := r.buffered - r.capacity
		head := &r.chunks[0]
		if n := int64(len(head.Samples)); n <= excess {
			r.chunks = slices.Delete(r.chunks, 0, 1)
			r.buffered -= n
			dropped += n
			continue
		}
		head.Samples = head.Samples[excess:]
		head.Start += excess
		r.buffered -= excess
		dropped += excess
	}
	return dropped
}

// Fill copies every stored sample within [start, start+len(dst)) into dst at
// its offset and zeroes the remaining positions. It returns how many frames
// of dst were covered by stored data.
func (r *RingBuffer) Fill(start int64, dst []float32) (filled int) {
	clear(dst)
	end := start + int64(len(dst))

	i := sort.Search(len(r.chunks), func(i int) bool { return r.chunks[i].End() > start })
	for ; i < len(r.chunks); i++ {
		c := r.chunks[i]
		if c.Start >= end {
			break
		}
		from := max(c.Start, start)
		to := min(c.End(), end)
		copy(dst[from-start:to-start], c.Samples[from-c.Start:to-c.Start])
		filled += int(to - from)
	}
	return filled
}

// Discard drops all frames before upto.
func (r *RingBuffer) Discard(upto int64) {
	n := 0
	for n < len(r.chunks) && r.chunks[n].End() <= upto {
		r.buffered -= int64(len(r.chunks[n].Samples))
		n++
	}
	if n > 0 {
		r.chunks = slices.Delete(r.chunks, 0, n)
	}
	if len(r.chunks) > 0 && r.chunks[0].Start < upto {
		head := &r.chunks[0]
		cut := upto - head.Start
		head.Samples = head.Samples[cut:]
		head.Start = upto
		r.buffered -= cut
	}
}

// Earliest returns the first buffered frame. ok is false when empty.
func (r *RingBuffer) Earliest() (frame int64, ok bool) {
	if len(r.chunks) == 0 {
		return 0, false
	}
	return r.chunks[0].Start, true
}

// Latest returns the frame one past the last buffered sample. ok is false
// when empty.
func (r *RingBuffer) Latest() (frame int64, ok bool) {
	if len(r.chunks) == 0 {
		return 0, false
	}
	return r.chunks[len(r.chunks)-1].End(), true
}

// Buffered returns the number of frames currently held.
func (r *RingBuffer) Buffered() int64 { return r.buffered }

// Capacity returns the configured frame bound.
func (r *RingBuffer) Capacity() int64 { return r.capacity }
