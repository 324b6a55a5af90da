package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps the last valid version of a config file. The file is polled
// for changes and can be re-read on demand with [Watcher.Reload] (murmur
// does this on SIGHUP). The recorder reads [Watcher.Current] at every start,
// so an edit applies to the next recording without a restart.
//
// An edit that fails to parse or validate is rejected: the previous config
// stays current and [Watcher.Err] reports the problem until the file is
// fixed.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(ConfigDiff, *Config)

	// reloadMu serialises reloads from the poll loop and Reload callers.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	file    fileState
	lastErr error

	done     chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the config file.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange, when non-nil, is
// called with the difference to the previous config and the new config
// after every accepted edit. It runs outside the watcher's lock and may call
// [Watcher.Current].
func NewWatcher(path string, onChange func(ConfigDiff, *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.file = st

	go w.poll()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns why the file on disk was last rejected, or nil when the
// current config matches the file.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Reload re-reads the file regardless of its modification time. It returns
// the load error, in which case the previous config stays current.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			_ = w.reload(false)
		}
	}
}

func (w *Watcher) reload(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
			return err
		}
		w.mu.Lock()
		unchanged := info.ModTime().Equal(w.file.mtime)
		w.mu.Unlock()
		if unchanged {
			return nil
		}
	}

	cfg, st, err := w.read()
	w.mu.Lock()
	if err != nil {
		// Remember the rejected version so polling warns once per edit.
		if !st.mtime.IsZero() {
			w.file.mtime = st.mtime
		}
		w.lastErr = err
		w.mu.Unlock()
		slog.Warn("config: edit rejected, keeping previous config", "path", w.path, "err", err)
		return err
	}
	w.lastErr = nil
	if st.sum == w.file.sum {
		w.file = st
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current = cfg
	w.file = st
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config: reloaded", "path", w.path, "sections", d.Sections())
	if w.onChange != nil {
		w.onChange(d, cfg)
	}
	return nil
}

// read loads and validates the file. The returned state is set whenever
// the file could be read, even if it is invalid.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	st := fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}
