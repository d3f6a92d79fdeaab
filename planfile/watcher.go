package planfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval coalesces the burst of write events an editor or agent
// produces into one refresh.
const debounceInterval = 200 * time.Millisecond

// Watcher watches one plan file and invokes a callback with its latest
// content after every (debounced) change. The parent directory is watched
// rather than the file itself, so atomic rename-over-writes and the file
// first appearing are both observed.
type Watcher struct {
	path     string
	onChange func(markdown string)
	logger   *slog.Logger

	fsw    *fsnotify.Watcher
	cancel chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// Watch starts watching path. onChange fires from a background goroutine.
func Watch(path string, onChange func(markdown string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create plan directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		fsw:      fsw,
		cancel:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher. Safe to call once.
func (w *Watcher) Close() {
	close(w.cancel)
	w.fsw.Close()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.cancel:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plan watcher error", "path", w.path, "error", err)
		}
	}
}

// schedule debounces: each event resets the timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.emit)
}

func (w *Watcher) emit() {
	select {
	case <-w.cancel:
		return
	default:
	}
	markdown, ok, err := Read(w.path)
	if err != nil {
		w.logger.Warn("plan read failed", "path", w.path, "error", err)
		return
	}
	if !ok {
		return
	}
	w.onChange(markdown)
}
