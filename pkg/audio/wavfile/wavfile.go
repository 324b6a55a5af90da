// Package wavfile writes the mixed stream of a recording to a linear-PCM WAV
// file, one quantum at a time.
package wavfile

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/mixer"
)

// Compile-time interface assertion.
var _ mixer.Sink = (*Writer)(nil)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("wavfile: writer closed")

// Writer is a mono WAV file encoder. The header is written on Create and
// finalized on Close, so a file is well formed after every successful Close
// even if no samples were written.
//
// Writer is safe for concurrent use.
type Writer struct {
	path       string
	sampleRate int
	format     audio.SampleFormat

	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	frames int64
	closed bool
}

// Create creates (or truncates) the file at path and writes a WAV header for
// mono audio at sampleRate. format selects the on-disk sample encoding:
// [audio.SampleInt16] for 16-bit PCM or [audio.SampleFloat32] for IEEE float.
func Create(path string, sampleRate int, format audio.SampleFormat) (*Writer, error) {
	var bitDepth, wavFormat int
	switch format {
	case audio.SampleInt16:
		bitDepth, wavFormat = 16, wavFormatPCM
	case audio.SampleFloat32:
		bitDepth, wavFormat = 32, wavFormatFloat
	default:
		return nil, fmt.Errorf("wavfile: unsupported sample format %s", format)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("wavfile: invalid sample rate %d", sampleRate)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %q: %w", path, err)
	}

	w := &Writer{
		path:       path,
		sampleRate: sampleRate,
		format:     format,
		f:          f,
		enc:        wav.NewEncoder(f, sampleRate, bitDepth, 1, wavFormat),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
	}

	// An empty write emits the RIFF, fmt and data headers up front so a
	// file that cannot be written fails here rather than mid-recording.
	if err := w.enc.Write(w.buf); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("wavfile: write header %q: %w", path, err)
	}
	return w, nil
}

// Write appends mono samples in [-1, 1], converted to the file's sample
// format. It does not retain samples.
func (w *Writer) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}

	data := w.buf.Data[:0]
	for _, s := range samples {
		switch w.format {
		case audio.SampleFloat32:
			data = append(data, int(int32(math.Float32bits(s))))
		default:
			data = append(data, int(audio.FloatToInt16(s)))
		}
	}
	w.buf.Data = data

	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("wavfile: write %q: %w", w.path, err)
	}
	w.frames += int64(len(samples))
	return nil
}

// Close finalizes the header sizes and closes the file. Subsequent calls
// return nil.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	encErr := w.enc.Close()
	fileErr := w.f.Close()
	if err := errors.Join(encErr, fileErr); err != nil {
		return fmt.Errorf("wavfile: finalize %q: %w", w.path, err)
	}
	return nil
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// SampleFormat returns the on-disk sample encoding.
func (w *Writer) SampleFormat() audio.SampleFormat { return w.format }
