// Package watcher provides file system watching utilities for detecting
// settings and rules file changes.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher monitors a set of files and calls onChange once per burst of writes,
// creates, renames or removals. It watches the parent directories since editors
// often replace files instead of writing them in place.
type Watcher struct {
	targets  map[string]struct{} // cleaned paths of watched files
	parents  map[string]struct{} // directories we actually watch
	onChange func(path string)
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	running  bool
	debounce time.Duration
}

// New creates a Watcher for the given files. onChange receives the path that changed.
func New(paths []string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		targets:  make(map[string]struct{}),
		parents:  make(map[string]struct{}),
		onChange: onChange,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		debounce: DefaultDebounce,
	}
	for _, p := range paths {
		clean := filepath.Clean(p)
		w.targets[clean] = struct{}{}
		w.parents[filepath.Dir(clean)] = struct{}{}
	}
	return w, nil
}

// SetDebounce changes the debounce interval. Must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for dir := range w.parents {
		if err := w.addWatch(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("Failed to add initial watch")
		}
	}

	go w.watchLoop()
	return nil
}

// Run starts the watcher and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) addWatch(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return err
	}
	return w.watcher.Add(dir)
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// watchLoop is the main event loop.
func (w *Watcher) watchLoop() {
	defer close(w.done)

	var (
		debounceTimer *time.Timer
		pendingPath   string
		pendingMu     sync.Mutex
	)

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			eventPath := filepath.Clean(event.Name)
			if _, watched := w.targets[eventPath]; !watched || event.Op&relevantOps == 0 {
				continue
			}

			log.Debug().Str("path", eventPath).Str("op", event.Op.String()).Msg("Watched file changed")
			pendingMu.Lock()
			pendingPath = eventPath
			pendingMu.Unlock()

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				if w.ctx.Err() != nil {
					return
				}
				pendingMu.Lock()
				path := pendingPath
				pendingMu.Unlock()
				log.Info().Str("path", path).Msg("Triggering change callback")
				if w.onChange != nil {
					w.onChange(path)
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}
