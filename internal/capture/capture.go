// Package capture connects the recorder to audio hardware.
//
// The two abstractions are:
//
//   - [Devices] opens the producers of a recording: a microphone and the
//     system audio (what the speakers play).
//   - [Capturer] is one open producer. Start delivers raw capture buffers to
//     a callback on the audio thread until Stop.
//
// [System] implements [Devices] on top of miniaudio (via malgo). The mock
// subpackage provides an in-memory implementation for tests.
package capture

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/murmur/pkg/audio"
)

// ErrDeviceNotFound is returned when a device selector matches nothing.
var ErrDeviceNotFound = errors.New("capture: device not found")

// Capturer is an open audio producer.
//
// The callback passed to Start runs on a real-time audio thread. It must
// return quickly and must not block. The frame's Data is only valid until
// the callback returns; the backend reuses it for the next buffer, so a
// callee that keeps samples must copy them. Implementations must be safe
// for concurrent use.
type Capturer interface {
	// Start begins delivering buffers to fn.
	Start(fn func(audio.AudioFrame)) error

	// Stop ends delivery and releases the device. When Stop returns, fn is
	// no longer called. Calling Stop more than once is safe.
	Stop() error
}

// Devices opens capturers for the two recording sources. An empty selector
// picks the system default device.
type Devices interface {
	Microphone(selector string) (Capturer, error)
	SystemAudio(selector string) (Capturer, error)
}

// Kind classifies a device by direction.
type Kind int

const (
	KindCapture Kind = iota
	KindPlayback
)

func (k Kind) String() string {
	switch k {
	case KindCapture:
		return "capture"
	case KindPlayback:
		return "playback"
	default:
		return "unknown"
	}
}

// DeviceInfo describes one audio device.
type DeviceInfo struct {
	// ID is stable for the lifetime of the process, e.g. "capture-0".
	ID      string
	Name    string
	Kind    Kind
	Default bool
}

func (d DeviceInfo) String() string {
	marker := ""
	if d.Default {
		marker = " [default]"
	}
	return fmt.Sprintf("%s: %s%s", d.ID, d.Name, marker)
}

// Select returns the index of the device matching selector. An empty
// selector picks the default device, or the first one if none is marked. A
// non-empty selector matches an ID exactly or a name case-insensitively,
// preferring exact name matches over substring matches.
func Select(devices []DeviceInfo, selector string) (int, error) {
	if len(devices) == 0 {
		return -1, ErrDeviceNotFound
	}
	if selector == "" {
		for i, d := range devices {
			if d.Default {
				return i, nil
			}
		}
		return 0, nil
	}

	want := strings.ToLower(selector)
	partial := -1
	for i, d := range devices {
		if d.ID == selector {
			return i, nil
		}
		name := strings.ToLower(d.Name)
		if name == want {
			return i, nil
		}
		if partial < 0 && strings.Contains(name, want) {
			partial = i
		}
	}
	if partial >= 0 {
		return partial, nil
	}
	return -1, fmt.Errorf("%w: %q", ErrDeviceNotFound, selector)
}
