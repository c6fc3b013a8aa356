package startup

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events a single install or
// removal produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls onChange after definition files in the watched
// directories are created, written, removed or renamed.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	debounce time.Duration
	log      *slog.Logger

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher watches every existing directory in dirs. Missing
// directories are skipped.
func NewWatcher(dirs []string, debounce time.Duration, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		onChange: onChange,
		debounce: debounce,
		log:      logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			logger.Debug("not watching missing directory", "dir", dir)
			continue
		}
		if err := fsw.Add(dir); err != nil {
			logger.Warn("watch failed", "dir", dir, "err", err)
			continue
		}
		logger.Debug("watching", "dir", dir)
	}

	go w.loop()
	return w, nil
}

// WatchList returns the directories currently watched.
func (w *Watcher) WatchList() []string {
	return w.fsw.WatchList()
}

// Close stops the watcher. A pending debounced change is dropped.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		<-w.done
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevantEvent(ev) {
				continue
			}
			w.log.Debug("definition changed", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "err", err)
		case <-fire:
			fire = nil
			w.onChange()
		case <-w.stopCh:
			return
		}
	}
}

func relevantEvent(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, ".plist") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
