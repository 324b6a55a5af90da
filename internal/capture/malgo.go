package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/murmur/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Devices  = (*System)(nil)
	_ Capturer = (*device)(nil)
)

// Option configures a [System].
type Option func(*System)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *System) {
		if l != nil {
			s.logger = l
		}
	}
}

// System is the miniaudio backend. One System is shared by all recordings of
// a process; each [Capturer] it opens owns its own device.
type System struct {
	logger *slog.Logger

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// Open initialises the audio backend.
func Open(opts ...Option) (*System, error) {
	s := &System{logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.logger.Debug("miniaudio", "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("capture: init audio context: %w", err)
	}
	s.ctx = ctx
	return s, nil
}

// Close releases the backend. Capturers must be stopped first.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	if err != nil {
		return fmt.Errorf("capture: uninit audio context: %w", err)
	}
	return nil
}

// ListDevices returns all capture devices followed by all playback devices.
func (s *System) ListDevices() ([]DeviceInfo, error) {
	capture, _, err := s.devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	playback, _, err := s.devices(malgo.Playback)
	if err != nil {
		return nil, err
	}
	return append(capture, playback...), nil
}

// Microphone opens a capture device.
func (s *System) Microphone(selector string) (Capturer, error) {
	return s.openCapture(audio.SourceMicrophone, selector)
}

// SystemAudio opens the system audio. Without a selector this is a loopback
// of the default playback device, which miniaudio supports on WASAPI. On
// other backends, select the monitor source of the playback device by name
// (PulseAudio and PipeWire expose it as a capture device).
func (s *System) SystemAudio(selector string) (Capturer, error) {
	if selector != "" {
		return s.openCapture(audio.SourceSystem, selector)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Loopback)
	cfg.Capture.Format = malgo.FormatF32
	// Zero channels and rate keep the device's native mix format.
	cfg.Capture.Channels = 0
	cfg.SampleRate = 0
	return s.newDevice(audio.SourceSystem, "loopback", cfg)
}

func (s *System) openCapture(src audio.Source, selector string) (Capturer, error) {
	infos, raw, err := s.devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	i, err := Select(infos, selector)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", src, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.DeviceID = raw[i].ID.Pointer()
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 0
	cfg.SampleRate = 0
	return s.newDevice(src, infos[i].Name, cfg)
}

// devices enumerates one direction. raw holds the backend records in the
// same order as infos; their IDs are what device configs point at.
func (s *System) devices(typ malgo.DeviceType) (infos []DeviceInfo, raw []malgo.DeviceInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil, nil, errors.New("capture: audio context closed")
	}

	raw, err = s.ctx.Devices(typ)
	if err != nil {
		return nil, nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}

	kind, prefix := KindCapture, "capture"
	if typ == malgo.Playback {
		kind, prefix = KindPlayback, "playback"
	}
	infos = make([]DeviceInfo, len(raw))
	for i := range raw {
		infos[i] = DeviceInfo{
			ID:      fmt.Sprintf("%s-%d", prefix, i),
			Name:    raw[i].Name(),
			Kind:    kind,
			Default: raw[i].IsDefault != 0,
		}
	}
	return infos, raw, nil
}

// device is an open miniaudio capture stream.
type device struct {
	source audio.Source
	name   string
	logger *slog.Logger
	cfg    malgo.DeviceConfig

	sys *System

	mu      sync.Mutex
	dev     *malgo.Device
	stopped bool
}

func (s *System) newDevice(src audio.Source, name string, cfg malgo.DeviceConfig) (Capturer, error) {
	s.mu.Lock()
	closed := s.ctx == nil
	s.mu.Unlock()
	if closed {
		return nil, errors.New("capture: audio context closed")
	}
	return &device{
		source: src,
		name:   name,
		logger: s.logger.With("source", src.String(), "device", name),
		cfg:    cfg,
		sys:    s,
	}, nil
}

// Start initialises the device and begins delivering buffers. The device's
// actual format is read back after initialisation, since the backend may
// override the requested one.
func (d *device) Start(fn func(audio.AudioFrame)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil || d.stopped {
		return fmt.Errorf("capture: %s already started", d.source)
	}

	// format is filled in after InitDevice and before the device starts, so
	// the callback never observes the zero value.
	var format audio.Format
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) == 0 {
				return
			}
			// in belongs to miniaudio and is reused after we return.
			fn(audio.AudioFrame{Data: in, Format: format})
		},
		Stop: func() {
			d.logger.Debug("capture device stopped by backend")
		},
	}

	d.sys.mu.Lock()
	ctx := d.sys.ctx
	d.sys.mu.Unlock()
	if ctx == nil {
		return errors.New("capture: audio context closed")
	}

	dev, err := malgo.InitDevice(ctx.Context, d.cfg, callbacks)
	if err != nil {
		return fmt.Errorf("capture: init %s device %q: %w", d.source, d.name, err)
	}

	sample, err := sampleFormat(dev.CaptureFormat())
	if err != nil {
		dev.Uninit()
		return fmt.Errorf("capture: %s device %q: %w", d.source, d.name, err)
	}
	format = audio.Format{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
		Sample:     sample,
	}
	if err := format.Validate(); err != nil {
		dev.Uninit()
		return fmt.Errorf("capture: %s device %q: %w", d.source, d.name, err)
	}

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("capture: start %s device %q: %w", d.source, d.name, err)
	}
	d.dev = dev
	d.logger.Info("capture started", "format", format.String())
	return nil
}

// Stop stops and releases the device.
func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.stopped = true
	if d.dev == nil {
		return nil
	}
	err := d.dev.Stop()
	d.dev.Uninit()
	d.dev = nil
	if err != nil {
		return fmt.Errorf("capture: stop %s device %q: %w", d.source, d.name, err)
	}
	return nil
}

// sampleFormat maps a miniaudio sample format to the mixer's.
func sampleFormat(f malgo.FormatType) (audio.SampleFormat, error) {
	switch f {
	case malgo.FormatS16:
		return audio.SampleInt16, nil
	case malgo.FormatS32:
		return audio.SampleInt32, nil
	case malgo.FormatF32:
		return audio.SampleFloat32, nil
	default:
		return 0, fmt.Errorf("unsupported device sample format %d", f)
	}
}
