package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] looks at the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls the config file of a running switchboard and hands every
// edit that changes the effective config to a callback, typically the
// application's reload. Calls already running keep the config they started
// with; the callback decides what applies to new calls.
//
// An edit that fails to parse or validate is logged and ignored, so a typo
// in the file never takes down the call path. An edit that decodes to the
// same effective config (comments, key order, restating a default) is
// absorbed without a callback.
//
// Polling instead of file notifications also catches editors and config
// management tools that replace the file by rename.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	file    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the config file.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger reload results are reported to.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
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

// Stop ends polling. Safe to call more than once.
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
			w.check()
		}
	}
}

// check reloads the file if it was modified and reports what the edit
// changed for the call path.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat config file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	seen := w.file
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mtime) {
		return
	}

	cfg, st, err := w.read()
	if err != nil {
		w.log.Warn("config: edit rejected, keeping current config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.hash == w.file.hash {
		w.file = st
		w.mu.Unlock()
		return
	}
	old := w.current
	d := Diff(old, cfg)
	w.file = st
	w.current = cfg
	w.mu.Unlock()

	if !d.Changed() {
		w.log.Debug("config: edit leaves effective config unchanged", "path", w.path)
		return
	}
	w.log.Info("config: edit detected",
		"path", w.path,
		"sections", d.Sections(),
		"restart_required", d.RestartRequired,
	)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file and returns it with its file state.
func (w *Watcher) read() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
