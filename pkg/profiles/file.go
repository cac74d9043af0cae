package profiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/colony/pkg/log"
)

const defaultDebounce = 200 * time.Millisecond

// Parse decodes a YAML profile document. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse profiles: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads and parses a profile document
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

// Watcher reloads a profile file into a Store when it changes on disk.
// Writes are debounced; a document that fails to parse is logged and the
// previous one stays in effect.
type Watcher struct {
	path     string
	store    *Store
	debounce time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
	last  []byte
}

// NewWatcher creates a watcher for path feeding store
func NewWatcher(path string, store *Store) *Watcher {
	return &Watcher{
		path:     path,
		store:    store,
		debounce: defaultDebounce,
		logger:   log.WithComponent("profiles"),
	}
}

// WithDebounce sets the quiet period after a write before reloading
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are handled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("init file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	name := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.logger.Error().Err(err).Str("path", w.path).Msg("profile reload failed, keeping previous profiles")
		}
	})
}

// Reload reads the file and installs it if its content changed
func (w *Watcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}

	w.mu.Lock()
	unchanged := bytes.Equal(data, w.last)
	w.mu.Unlock()
	if unchanged {
		return nil
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	if err := w.store.Replace(cfg); err != nil {
		return err
	}

	w.mu.Lock()
	w.last = data
	w.mu.Unlock()

	w.logger.Info().Int("profiles", len(cfg.Profiles)).Msg("profiles reloaded")
	return nil
}
