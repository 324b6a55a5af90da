package mixer

import (
	"math/rand/v2"
	"testing"
)

func ramp(start, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(start + i)
	}
	return s
}

// checkInvariants fails the test if chunks overlap, are out of order or the
// buffer holds more than its capacity.
func checkInvariants(t *testing.T, r *RingBuffer) {
	t.Helper()
	var total int64
	for i, c := range r.chunks {
		if len(c.Samples) == 0 {
			t.Fatalf("chunk %d is empty", i)
		}
		if i > 0 && c.Start < r.chunks[i-1].End() {
			t.Fatalf("chunk %d [%d,%d) overlaps previous ending at %d", i, c.Start, c.End(), r.chunks[i-1].End())
		}
		total += int64(len(c.Samples))
	}
	if total != r.Buffered() {
		t.Fatalf("Buffered() = %d, chunks hold %d", r.Buffered(), total)
	}
	if total > r.Capacity() {
		t.Fatalf("buffered %d exceeds capacity %d", total, r.Capacity())
	}
}

func TestRingBuffer_AppendTrimsOverlap(t *testing.T) {
	t.Parallel()
	r := NewRingBuffer(1000)
	r.Append(0, ramp(0, 100))
	if dropped := r.Append(50, ramp(50, 100)); dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}
	checkInvariants(t, r)

	if got := r.Buffered(); got != 150 {
		t.Fatalf("Buffered() = %d, want 150", got)
	}
	if latest, _ := r.Latest(); latest != 150 {
		t.Errorf("Latest() = %d, want 150", latest)
	}

	// Entirely covered by existing data.
	r.Append(10, ramp(10, 20))
	checkInvariants(t, r)
	if got := r.Buffered(); got != 150 {
		t.Errorf("Buffered() after covered append = %d, want 150", got)
	}
}

func TestRingBuffer_AppendEmptyIsNoop(t *testing.T) {
	t.Parallel()
	r := NewRingBuffer(100)
	if dropped := r.Append(5, nil); dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}
	if _, ok := r.Earliest(); ok {
		t.Fatal("Earliest() reported data after empty append")
	}
}

func TestRingBuffer_Eviction(t *testing.T) {
	t.Parallel()
	r := NewRingBuffer(250)
	r.Append(0, ramp(0, 100))
	r.Append(100, ramp(100, 100))
	dropped := r.Append(200, ramp(200, 100))
	checkInvariants(t, r)

	if dropped != 50 {
		t.Fatalf("dropped = %d, want 50", dropped)
	}
	if earliest, _ := r.Earliest(); earliest != 50 {
		t.Errorf("Earliest() = %d, want 50", earliest)
	}

	// A single chunk larger than the capacity keeps its newest frames.
	dropped = r.Append(300, ramp(300, 400))
	checkInvariants(t, r)
	if dropped != 400 {
		t.Errorf("dropped = %d, want 400", dropped)
	}
	if earliest, _ := r.Earliest(); earliest != 450 {
		t.Errorf("Earliest() = %d, want 450", earliest)
	}
}

func TestRingBuffer_Fill(t *testing.T) {
	t.Parallel()
	r := NewRingBuffer(1000)
	r.Append(10, ramp(10, 10)) // [10,20)
	r.Append(30, ramp(30, 5))  // [30,35)

	tests := []struct {
		name   string
		start  int64
		size   int
		filled int
	}{
		{"before data", 0, 10, 0},
		{"straddles first chunk", 5, 10, 5},
		{"covers gap and both chunks", 10, 30, 15},
		{"inside first chunk", 12, 4, 4},
		{"after data", 35, 8, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]float32, tt.size)
			for i := range dst {
				dst[i] = -1
			}
			if got := r.Fill(tt.start, dst); got != tt.filled {
				t.Fatalf("Fill() = %d, want %d", got, tt.filled)
			}
			for i, v := range dst {
				frame := tt.start + int64(i)
				var want float32
				if (frame >= 10 && frame < 20) || (frame >= 30 && frame < 35) {
					want = float32(frame)
				}
				if v != want {
					t.Errorf("dst[%d] (frame %d) = %v, want %v", i, frame, v, want)
				}
			}
		})
	}
}

func TestRingBuffer_Discard(t *testing.T) {
	t.Parallel()
	r := NewRingBuffer(1000)
	r.Append(0, ramp(0, 100))
	r.Append(100, ramp(100, 100))

	r.Discard(150)
	checkInvariants(t, r)
	if earliest, _ := r.Earliest(); earliest != 150 {
		t.Fatalf("Earliest() = %d, want 150", earliest)
	}
	if got := r.Buffered(); got != 50 {
		t.Fatalf("Buffered() = %d, want 50", got)
	}

	dst := make([]float32, 1)
	r.Fill(150, dst)
	if dst[0] != 150 {
		t.Errorf("sample at 150 = %v, want 150", dst[0])
	}

	r.Discard(500)
	if _, ok := r.Latest(); ok {
		t.Error("Latest() reported data after discarding everything")
	}
}

// TestRingBuffer_RandomAppends drives the buffer with jittery, overlapping
// and out-of-order appends and checks the structural invariants after each.
func TestRingBuffer_RandomAppends(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	r := NewRingBuffer(4000)

	var cursor int64
	for range 5000 {
		start := cursor + int64(rng.IntN(400)) - 200
		n := rng.IntN(300)
		r.Append(start, ramp(int(start), n))
		checkInvariants(t, r)

		cursor += int64(rng.IntN(200))
		if rng.IntN(10) == 0 {
			r.Discard(cursor - 1000)
			checkInvariants(t, r)
		}

		dst := make([]float32, 160)
		if filled := r.Fill(cursor-500, dst); filled > len(dst) {
			t.Fatalf("Fill() = %d exceeds destination length", filled)
		}
	}
}
