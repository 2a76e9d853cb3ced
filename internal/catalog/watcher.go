package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mpataki/dayrun/internal/models"
)

// PlanEvent reports a reload of the watched plan file.
type PlanEvent struct {
	Path    string
	Catalog *Catalog
	Error   error
}

// Watcher reloads a plan file whenever it changes on disk. The directory is
// watched rather than the file so editors that replace files still trigger.
type Watcher struct {
	path        string
	interpreter string
	watcher     *fsnotify.Watcher
	events      chan PlanEvent
	debounce    time.Duration

	mu      sync.RWMutex
	current *Catalog
}

func NewWatcher(path, interpreter string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:        abs,
		interpreter: interpreter,
		watcher:     fsWatcher,
		events:      make(chan PlanEvent, 10),
		debounce:    200 * time.Millisecond,
	}, nil
}

func (w *Watcher) Events() <-chan PlanEvent {
	return w.events
}

// Start loads the plan once and begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	c, err := Load(w.path, w.interpreter)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.current = c
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// Current returns the last plan that loaded successfully.
func (w *Watcher) Current() *Catalog {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Produce plans a run against the current plan, so edits picked up between
// runs apply to the next one.
func (w *Watcher) Produce(start int) (*models.ExecutionPlan, error) {
	c := w.Current()
	if c == nil {
		return nil, fmt.Errorf("plan %s not loaded", w.path)
	}
	return c.Produce(start)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)

	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.emit(ctx, PlanEvent{Path: w.path, Error: err})

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.reload(ctx)
			}
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	c, err := Load(w.path, w.interpreter)
	if err != nil {
		w.emit(ctx, PlanEvent{Path: w.path, Error: fmt.Errorf("failed to reload plan: %w", err)})
		return
	}

	w.mu.Lock()
	w.current = c
	w.mu.Unlock()

	w.emit(ctx, PlanEvent{Path: w.path, Catalog: c})
}

func (w *Watcher) emit(ctx context.Context, ev PlanEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
