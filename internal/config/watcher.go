package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a static config file and reloads it on change, with a
// debounce window to absorb an editor's write-then-rename sequence.
type Watcher struct {
	path         string
	onReload     func(*Config)
	log          *slog.Logger
	debounceTime time.Duration

	fsw       *fsnotify.Watcher
	stopOnce  sync.Once
	stopChan  chan struct{}
	reloadReq chan struct{}
}

// NewWatcher builds a Watcher for the config file at path. onReload is
// called with the newly loaded, defaulted, and validated Config after
// each debounced file-system event; a reload that fails to load/validate
// is logged and the previous config stays in effect.
func NewWatcher(path string, onReload func(*Config), log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		path:         abs,
		onReload:     onReload,
		log:          log,
		debounceTime: 2 * time.Second,
		fsw:          fsw,
		stopChan:     make(chan struct{}),
		reloadReq:    make(chan struct{}, 1),
	}, nil
}

// Start watches the config file's directory (watching the directory
// survives editors that write-then-rename, unlike watching the file
// descriptor directly) and begins the debounced reload loop.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}
	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop tears down the underlying file-system watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.fsw.Close()
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.triggerReload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) triggerReload() {
	select {
	case w.reloadReq <- struct{}{}:
	default:
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.reloadReq:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounceTime, w.performReload)
		}
	}
}

func (w *Watcher) performReload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous config", "error", err)
		return
	}
	w.log.Info("config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
