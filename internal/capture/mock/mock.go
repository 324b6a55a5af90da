// Package mock provides in-memory implementations of [capture.Devices] and
// [capture.Capturer] for tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and expose fields that control the
// return values.
//
// Typical usage:
//
//	mic := &mock.Capturer{}
//	sys := &mock.Capturer{}
//	devices := &mock.Devices{MicrophoneResult: mic, SystemAudioResult: sys}
//	// ... start a recording with devices ...
//	sys.Emit(audio.AudioFrame{Data: pcm, Format: f})
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ capture.Devices  = (*Devices)(nil)
	_ capture.Capturer = (*Capturer)(nil)
)

// ErrNotStarted is returned by [Capturer.Emit] before Start or after Stop.
var ErrNotStarted = errors.New("mock: capturer not running")

// ─── Capturer ─────────────────────────────────────────────────────────────────

// Capturer is a mock [capture.Capturer]. Frames are delivered only through
// [Capturer.Emit].
type Capturer struct {
	mu sync.Mutex

	// StartError is returned by Start. When set, the capturer does not run.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	fn      func(audio.AudioFrame)
	running bool
}

// Start implements [capture.Capturer].
func (c *Capturer) Start(fn func(audio.AudioFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartError != nil {
		return c.StartError
	}
	c.fn = fn
	c.running = true
	return nil
}

// Stop implements [capture.Capturer].
func (c *Capturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.running = false
	c.fn = nil
	return c.StopError
}

// Running reports whether the capturer was started and not stopped.
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Emit delivers frame to the registered callback, as an audio thread would.
// Like a real device it reuses the buffer afterwards: frame.Data is zeroed
// once the callback returns.
func (c *Capturer) Emit(frame audio.AudioFrame) error {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return ErrNotStarted
	}
	fn(frame)
	clear(frame.Data)
	return nil
}

// ─── Devices ──────────────────────────────────────────────────────────────────

// Devices is a mock [capture.Devices].
type Devices struct {
	mu sync.Mutex

	// MicrophoneResult is returned by Microphone.
	MicrophoneResult capture.Capturer

	// MicrophoneError is returned by Microphone.
	MicrophoneError error

	// SystemAudioResult is returned by SystemAudio.
	SystemAudioResult capture.Capturer

	// SystemAudioError is returned by SystemAudio.
	SystemAudioError error

	// MicrophoneCalls records the selector of every Microphone call.
	MicrophoneCalls []string

	// SystemAudioCalls records the selector of every SystemAudio call.
	SystemAudioCalls []string
}

// Microphone implements [capture.Devices].
func (d *Devices) Microphone(selector string) (capture.Capturer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.MicrophoneCalls = append(d.MicrophoneCalls, selector)
	if d.MicrophoneError != nil {
		return nil, d.MicrophoneError
	}
	return d.MicrophoneResult, nil
}

// SystemAudio implements [capture.Devices].
func (d *Devices) SystemAudio(selector string) (capture.Capturer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SystemAudioCalls = append(d.SystemAudioCalls, selector)
	if d.SystemAudioError != nil {
		return nil, d.SystemAudioError
	}
	return d.SystemAudioResult, nil
}
