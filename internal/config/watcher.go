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

// defaultPollInterval is how often the watcher re-examines the config file.
const defaultPollInterval = 5 * time.Second

// fingerprint identifies one observed file state. Mtime gates the cheap path;
// the content hash decides whether a reload actually changed anything.
type fingerprint struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher polls a config file and reports content changes through a callback.
// Polling, not fsnotify; a few seconds of reload delay is fine for a config
// edit. A file that fails to parse or validate is skipped with a warning and
// the last good config remains current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the default 5 s poll interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once synchronously, then polls it in the background
// until Stop. Whenever the file content changes to something valid, onChange
// runs outside the watcher lock with the previous and new config.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.snapshot()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg

	go w.poll(fp)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// poll owns the change-detection state; only this goroutine touches last.
func (w *Watcher) poll(last fingerprint) {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			last = w.examine(last)
		}
	}
}

// examine re-reads the file when its mtime moved and applies the new config
// when the content hash differs. It returns the fingerprint to compare
// against on the next tick.
func (w *Watcher) examine(last fingerprint) fingerprint {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return last
	}
	if info.ModTime().Equal(last.mtime) {
		return last
	}

	cfg, fp, err := w.snapshot()
	if err != nil {
		slog.Warn("config watcher: reload failed, keeping previous config", "path", w.path, "err", err)
		return last
	}
	if fp.hash == last.hash {
		// Touched, not changed.
		return fp
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return fp
}

// snapshot reads, parses, and validates the file, returning the config along
// with the file state it came from.
func (w *Watcher) snapshot() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
