// Package livefeed streams the mixed recording to a remote consumer over a
// WebSocket as it is produced, for example to a streaming transcription
// service.
//
// Audio is sent as binary messages of little-endian 16-bit mono PCM at the
// mixer output rate. Text messages received from the server are handed to an
// optional callback unparsed.
package livefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultQueueSize = 256
	closeTimeout     = 5 * time.Second
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("livefeed: feed is closed")

// Option configures a [Feed] during [Dial].
type Option func(*Feed)

// WithBearerToken sends an Authorization: Bearer header on connect.
func WithBearerToken(token string) Option {
	return func(f *Feed) {
		if token != "" {
			f.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeader sets an additional handshake header.
func WithHeader(key, value string) Option {
	return func(f *Feed) {
		f.header.Set(key, value)
	}
}

// WithQueueSize sets how many chunks may wait for the network. Chunks sent
// to a full queue are dropped.
func WithQueueSize(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.queueSize = n
		}
	}
}

// WithMessageHandler registers a callback for text messages from the server.
// It runs on the feed's read goroutine.
func WithMessageHandler(fn func([]byte)) Option {
	return func(f *Feed) {
		f.onMessage = fn
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithDropHandler registers a callback invoked once per chunk dropped because
// the queue was full. It runs on the caller of Send.
func WithDropHandler(fn func()) Option {
	return func(f *Feed) {
		f.onDrop = fn
	}
}

// Feed is an open live audio stream. Send is safe for concurrent use and
// never blocks on the network.
type Feed struct {
	header    http.Header
	queueSize int
	onMessage func([]byte)
	onDrop    func()
	logger    *slog.Logger

	conn  *websocket.Conn
	audio chan []byte

	cancel  context.CancelFunc
	done    chan struct{}
	written chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

// Dial connects to the WebSocket endpoint at url and starts streaming.
func Dial(ctx context.Context, url string, opts ...Option) (*Feed, error) {
	f := &Feed{
		header:    http.Header{},
		queueSize: defaultQueueSize,
		logger:    slog.Default(),
		done:      make(chan struct{}),
		written:   make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: f.header,
	})
	if err != nil {
		return nil, fmt.Errorf("livefeed: dial %s: %w", url, err)
	}
	f.conn = conn
	f.audio = make(chan []byte, f.queueSize)

	// The stream outlives the dial context; Close ends it.
	loopCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	f.wg.Add(2)
	go f.readLoop(loopCtx)
	go f.writeLoop(loopCtx)
	return f, nil
}

// Send queues one PCM chunk. A full queue drops the chunk and returns nil;
// only a closed feed is an error.
func (f *Feed) Send(chunk []byte) error {
	select {
	case <-f.done:
		return ErrClosed
	default:
	}
	select {
	case f.audio <- chunk:
		return nil
	default:
		f.dropped.Add(1)
		if f.onDrop != nil {
			f.onDrop()
		}
		return nil
	}
}

// Sent returns how many chunks were written to the connection.
func (f *Feed) Sent() int64 { return f.sent.Load() }

// Dropped returns how many chunks were discarded because the queue was full.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Close flushes queued chunks, closes the connection and waits for the
// background goroutines. It is safe to call more than once.
func (f *Feed) Close() error {
	f.once.Do(func() {
		close(f.done)

		// The write loop drains the queue once done is closed; the read loop
		// ends with the connection.
		select {
		case <-f.written:
		case <-time.After(closeTimeout):
		}
		_ = f.conn.Close(websocket.StatusNormalClosure, "recording stopped")
		f.cancel()
		f.wg.Wait()
	})
	return nil
}

func (f *Feed) writeLoop(ctx context.Context) {
	defer f.wg.Done()
	defer close(f.written)
	write := func(chunk []byte) bool {
		if err := f.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			f.logger.Warn("livefeed: write failed, stopping stream", "err", err)
			return false
		}
		f.sent.Add(1)
		return true
	}
	for {
		select {
		case chunk := <-f.audio:
			if !write(chunk) {
				return
			}
		case <-f.done:
			for {
				select {
				case chunk := <-f.audio:
					if !write(chunk) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (f *Feed) readLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		typ, msg, err := f.conn.Read(ctx)
		if err != nil {
			select {
			case <-f.done:
			default:
				f.logger.Debug("livefeed: read ended", "err", err)
			}
			return
		}
		if typ == websocket.MessageText && f.onMessage != nil {
			f.onMessage(msg)
		}
	}
}
