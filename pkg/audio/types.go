package audio

import (
	"errors"
	"fmt"
	"time"
)

// SampleFormat identifies how a single sample is packed in raw PCM data.
type SampleFormat int

const (
	// SampleInt16 is signed 16-bit little-endian PCM.
	SampleInt16 SampleFormat = iota + 1

	// SampleInt32 is signed 32-bit little-endian PCM.
	SampleInt32

	// SampleFloat32 is IEEE-754 32-bit little-endian float in [-1, 1].
	SampleFloat32
)

// Size returns the number of bytes one sample occupies, or 0 for an unknown
// format.
func (s SampleFormat) Size() int {
	switch s {
	case SampleInt16:
		return 2
	case SampleInt32, SampleFloat32:
		return 4
	default:
		return 0
	}
}

func (s SampleFormat) String() string {
	switch s {
	case SampleInt16:
		return "s16"
	case SampleInt32:
		return "s32"
	case SampleFloat32:
		return "f32"
	default:
		return fmt.Sprintf("SampleFormat(%d)", int(s))
	}
}

// Format describes the layout of raw PCM delivered by a producer. Format is
// comparable; two buffers with equal Format values share one converter.
type Format struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat

	// Planar is true when each channel is stored as one contiguous block
	// (non-interleaved). Interleaved is the default.
	Planar bool
}

// FrameSize returns the byte size of one frame (one sample for every channel).
func (f Format) FrameSize() int {
	return f.Sample.Size() * f.Channels
}

// Validate reports whether the format can be decoded.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", f.SampleRate))
	}
	if f.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count %d must be positive", f.Channels))
	}
	if f.Sample.Size() == 0 {
		errs = append(errs, fmt.Errorf("unknown sample format %d", int(f.Sample)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidFormat, errors.Join(errs...))
	}
	return nil
}

// String returns a human-readable fingerprint, e.g. "48000Hz stereo f32".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	s := fmt.Sprintf("%dHz %s %s", f.SampleRate, ch, f.Sample)
	if f.Planar {
		s += " planar"
	}
	return s
}

// Source names one of the two producers feeding a recording.
type Source int

const (
	SourceMicrophone Source = iota
	SourceSystem
)

func (s Source) String() string {
	switch s {
	case SourceMicrophone:
		return "microphone"
	case SourceSystem:
		return "system"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// AudioFrame is one raw buffer handed over by a capture callback.
type AudioFrame struct {
	// Data is raw PCM laid out according to Format.
	Data []byte

	Format Format

	// Timestamp is the capture time of the first sample on a host clock that
	// is shared by every producer of a session. Only meaningful when
	// HasTimestamp is set; some producers cannot supply one.
	Timestamp    time.Duration
	HasTimestamp bool
}

// Frames returns the number of whole frames in Data.
func (f AudioFrame) Frames() int {
	size := f.Format.FrameSize()
	if size == 0 {
		return 0
	}
	return len(f.Data) / size
}
