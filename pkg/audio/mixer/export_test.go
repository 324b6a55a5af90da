package mixer

import "github.com/MrWong99/murmur/pkg/audio"

// TryFeed feeds a buffer and reports whether it was queued.
func (e *Engine) TryFeed(src audio.Source, frame audio.AudioFrame) bool {
	return e.feed(src, frame)
}
