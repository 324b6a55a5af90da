package mixer

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by [Engine.Start] on an engine that was
	// started before. Engines are not reused across sessions.
	ErrAlreadyStarted = errors.New("mixer: engine already started")

	// ErrSinkUnavailable may be wrapped by a [Sink] that is temporarily
	// refusing writes (for example behind an open circuit breaker). Such
	// failures are counted but not reported through Handlers.OnError.
	ErrSinkUnavailable = errors.New("mixer: sink temporarily unavailable")
)

// SetupError reports a failure that prevents a session from starting. It is
// the only kind of error returned synchronously to the caller.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("mixer: setup %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// WriteError reports a durable sink write that failed. Mixing continues; the
// quantum starting at Frame is missing from the recording.
type WriteError struct {
	Frame  int64
	Frames int
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("mixer: write %d frames at %d: %v", e.Frames, e.Frame, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
