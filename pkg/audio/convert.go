package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// resampleMargin is added to the computed output capacity so rounding in the
// rate ratio can never truncate a buffer.
const resampleMargin = 4

// FormatConverter turns raw producer buffers of any supported layout into
// mono float32 samples at TargetRate. Multi-channel input is downmixed by
// averaging every channel.
//
// A converter keeps one resampler per distinct input [Format] so consecutive
// buffers join without discontinuities. Create one per source and session;
// it is not safe for concurrent use.
type FormatConverter struct {
	TargetRate int

	resamplers    map[Format]*resampler
	warnedCorrupt sync.Once
}

// NewFormatConverter returns a converter producing mono samples at targetRate.
func NewFormatConverter(targetRate int) *FormatConverter {
	return &FormatConverter{
		TargetRate: targetRate,
		resamplers: make(map[Format]*resampler),
	}
}

// Convert decodes, downmixes and resamples one buffer. On failure it returns
// a *ConversionError and no samples; the caller should drop the buffer.
// The returned slice is freshly allocated and owned by the caller.
func (c *FormatConverter) Convert(frame AudioFrame) ([]float32, error) {
	f := frame.Format
	if err := f.Validate(); err != nil {
		return nil, &ConversionError{Format: f, Err: err}
	}
	if len(frame.Data)%f.FrameSize() != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: buffer is not frame aligned, dropping",
				"bytes", len(frame.Data),
				"format", f.String(),
			)
		})
		return nil, &ConversionError{Format: f, Err: ErrMisaligned}
	}
	if len(frame.Data) == 0 {
		return nil, &ConversionError{Format: f, Err: ErrEmptyOutput}
	}

	mono := downmix(frame.Data, f)

	rs, ok := c.resamplers[f]
	if !ok {
		if c.resamplers == nil {
			c.resamplers = make(map[Format]*resampler)
		}
		rs = newResampler(f.SampleRate, c.TargetRate)
		c.resamplers[f] = rs
		if f.SampleRate != c.TargetRate || f.Channels != 1 || f.Sample != SampleFloat32 {
			slog.Debug("audio format converter: new input format",
				"from", f.String(),
				"toRate", c.TargetRate,
			)
		}
	}

	out := rs.process(mono)
	if len(out) == 0 {
		return nil, &ConversionError{Format: f, Err: ErrEmptyOutput}
	}
	return out, nil
}

// Formats returns how many distinct input formats the converter has seen.
func (c *FormatConverter) Formats() int { return len(c.resamplers) }

// OutputCapacity returns the conservative number of output samples needed
// for frames input samples converted from inRate to outRate.
func OutputCapacity(frames, inRate, outRate int) int {
	if inRate <= 0 || outRate <= 0 {
		return 0
	}
	n := (int64(frames)*int64(outRate) + int64(inRate) - 1) / int64(inRate)
	return int(n) + resampleMargin
}

// downmix decodes raw PCM to mono float samples by averaging all channels.
func downmix(data []byte, f Format) []float32 {
	size := f.Sample.Size()
	frames := len(data) / f.FrameSize()
	out := make([]float32, frames)
	scale := 1 / float32(f.Channels)

	for i := range frames {
		var sum float32
		for ch := range f.Channels {
			var idx int
			if f.Planar {
				idx = (ch*frames + i) * size
			} else {
				idx = (i*f.Channels + ch) * size
			}
			sum += decodeSample(data[idx:idx+size], f.Sample)
		}
		if f.Channels == 1 {
			out[i] = sum
		} else {
			out[i] = sum * scale
		}
	}
	return out
}

func decodeSample(b []byte, s SampleFormat) float32 {
	switch s {
	case SampleInt16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case SampleInt32:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
	case SampleFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	default:
		return 0
	}
}

// resampler is a streaming linear interpolator. It remembers the last input
// sample and the fractional read position so a stream cut into arbitrary
// buffers resamples exactly like the concatenated stream. When downsampling,
// the input first passes a low-pass filter.
type resampler struct {
	inRate, outRate int
	step            float64
	lp              *lowpass

	// pos is the read position of the next output sample, in input samples
	// relative to the start of the next buffer. It lies in [-1, step-1).
	pos     float64
	prev    float32
	hasPrev bool
}

func newResampler(inRate, outRate int) *resampler {
	r := &resampler{
		inRate:  inRate,
		outRate: outRate,
		step:    float64(inRate) / float64(outRate),
	}
	if inRate > outRate {
		r.lp = newLowpass(inRate, outRate)
	}
	return r
}

func (r *resampler) process(in []float32) []float32 {
	if r.inRate == r.outRate {
		return in
	}
	n := len(in)
	if n == 0 {
		return nil
	}
	if r.lp != nil {
		r.lp.process(in)
	}

	out := make([]float32, 0, OutputCapacity(n, r.inRate, r.outRate))
	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}

	last := float64(n - 1)
	for r.pos <= last {
		i := int(math.Floor(r.pos))
		frac := float32(r.pos - float64(i))
		if i < 0 && !r.hasPrev {
			i, frac = 0, 0
		}
		s0 := at(i)
		if frac == 0 || i+1 > n-1 {
			out = append(out, s0)
		} else {
			out = append(out, s0+(at(i+1)-s0)*frac)
		}
		r.pos += r.step
	}

	r.pos -= float64(n)
	r.prev = in[n-1]
	r.hasPrev = true
	return out
}
