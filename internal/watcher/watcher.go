// Package watcher provides a debounced fsnotify file watcher. The worker uses
// it to pick up env-file changes and trigger a graceful restart.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceWindow = 500 * time.Millisecond

// Watcher watches one file and invokes a callback on change, debounced so
// editor write bursts fire once.
type Watcher struct {
	path     string
	dir      string
	onChange func()
	log      zerolog.Logger

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	started bool
}

// New creates a watcher for path. onChange runs on the watcher goroutine.
func New(path string, onChange func(), log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		dir:      filepath.Dir(path),
		onChange: onChange,
		log:      log.With().Str("component", "watcher").Str("path", path).Logger(),
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched so creates and
// renames of the target file are seen too.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	// Watching the file itself may fail when it does not exist yet; the
	// directory watch covers its creation.
	_ = w.fsw.Add(w.path)

	go w.loop()
	w.log.Debug().Msg("file watcher started")
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				_ = w.fsw.Add(w.path)
			}
			w.trigger()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		case <-w.stopCh:
			return
		}
	}
}

// trigger arms or re-arms the debounce timer.
func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		w.log.Info().Msg("file changed")
		w.onChange()
	})
}

// Stop halts the watcher and cancels any pending debounce.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return w.fsw.Close()
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	err := w.fsw.Close()
	<-w.doneCh
	return err
}
