package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ReloadFunc receives the effective change of an accepted reload and the
// config now current. It runs on the watcher goroutine.
type ReloadFunc func(d ConfigDiff, next *Config)

// Watcher polls a config file and reports edits that change the effective
// configuration. A modification time change triggers a read; identical
// content, comment-only edits and other changes with an empty [ConfigDiff]
// are absorbed silently. A file that fails to load is logged once per
// distinct content and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileState
	bad     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the file on disk.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it in the background. A nil
// onReload still tracks [Watcher.Current].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onReload: onReload,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, st, err := readState(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, st

	go w.poll()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
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
			w.check()
		}
	}
}

// check reloads the file if it changed on disk and reports a non-empty diff.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	data, st, err := readState(w.path)
	if err != nil {
		w.log.Warn("config: watcher cannot read file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.hash == w.seen.hash {
		w.seen.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	repeatBad := st.hash == w.bad
	w.mu.Unlock()

	next, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		if !repeatBad {
			w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		}
		w.mu.Lock()
		w.bad = st.hash
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current, w.seen = next, st
	w.mu.Unlock()

	d := Diff(prev, next)
	if d.IsZero() {
		w.log.Debug("config: file changed without effect", "path", w.path)
		return
	}
	w.log.Info("config: reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"voice_changed", d.VoiceChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(d, next)
	}
}

// readState returns the file's content together with its modification time
// and SHA-256.
func readState(path string) ([]byte, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	return data, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
