package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for coalescing bursts of file events.
const DebounceDelay = 100 * time.Millisecond

// Watcher reloads a config file when it changes on disk. The parent
// directory is watched so that editors replacing the file atomically are
// noticed too. A reloaded file is validated before onChange sees it;
// failures go to onError and the running configuration is kept.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	onError  func(error)

	debounceMu    sync.Mutex
	debounceDelay time.Duration
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

func NewWatcher(path string, onChange func(Config), onError func(error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	if onError == nil {
		onError = func(error) {}
	}

	return &Watcher{
		path:          abs,
		watcher:       fw,
		onChange:      onChange,
		onError:       onError,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay must be called before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

func (w *Watcher) Path() string { return w.path }

func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher and cancels a pending reload.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}

func (w *Watcher) schedule() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := LoadConfig(w.path)
	if err == nil {
		err = ValidateConfig(cfg)
	}
	if err != nil {
		w.onError(fmt.Errorf("reload %s: %w", w.path, err))
		return
	}
	w.onChange(cfg)
}
