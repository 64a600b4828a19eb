package scenario

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/log"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher calls onChange after the scenario file has been written. Bursts
// of events are collapsed into one call.
//
// The parent directory is watched rather than the file, so atomic saves
// (write temp + rename) keep being observed.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path. A zero debounce uses 500ms.
func NewWatcher(path string, debounce time.Duration, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve scenario path: %w", err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   log.WithComponent("scenario-watcher"),
	}, nil
}

// Start begins watching until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch scenario directory: %w", err)
	}
	w.watcher = watcher

	w.logger.Info().
		Str(log.FieldEvent, "scenario.watcher_started").
		Str(log.FieldPath, w.path).
		Msg("watching scenario file for changes")

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				w.stopTimer()
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug().
				Str(log.FieldEvent, "scenario.file_changed").
				Str("op", event.Op.String()).
				Msg("scenario file changed")
			w.arm()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.stopTimer()
				return
			}
			w.logger.Error().
				Err(err).
				Str(log.FieldEvent, "scenario.watcher_error").
				Msg("scenario watcher error")
		}
	}
}

func (w *Watcher) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Stop closes the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	w.wg.Wait()
}
