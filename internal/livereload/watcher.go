package livereload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 100 * time.Millisecond

// Change is one debounced batch of file system events.
type Change struct {
	Paths []string `json:"paths"`
}

type Subscriber interface {
	OnChange(change Change)
}

// Watcher watches a directory tree and reports batches of changed files.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	ignore   []string
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers []Subscriber
	pending     map[string]struct{}
	timer       *time.Timer
	stopped     bool
}

// NewWatcher creates a watcher for root. Paths matching any of the ignore
// globs, relative to root, are neither watched nor reported.
func NewWatcher(root string, debounce time.Duration, ignore []string, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		watcher:  w,
		root:     root,
		debounce: debounce,
		ignore:   ignore,
		logger:   logger.With(slog.String("dir", root)),
		pending:  make(map[string]struct{}),
	}, nil
}

func (w *Watcher) Subscribe(sub Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, sub)
}

// Start adds watches for the whole tree. Events are delivered until Run
// returns.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		w.watcher.Close()
		return err
	}
	return nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", slog.Any("err", err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.watcher.Close()
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && (ignored(d.Name()) || w.excluded(path)) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", slog.String("path", path), slog.Any("err", err))
		}
		return nil
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if ignored(filepath.Base(event.Name)) {
		return
	}
	if event.Op == fsnotify.Chmod {
		return
	}

	rel := w.relative(event.Name)
	if w.matchesIgnore(rel) {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.excluded(event.Name) {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", slog.String("path", event.Name), slog.Any("err", err))
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	w.pending[rel] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.stopped || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.pending = make(map[string]struct{})

	subs := make([]Subscriber, len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()

	change := Change{Paths: paths}
	w.logger.Debug("Files changed", slog.Any("paths", paths))
	for _, sub := range subs {
		sub.OnChange(change)
	}
}

func (w *Watcher) relative(name string) string {
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return filepath.ToSlash(name)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) excluded(path string) bool {
	rel := w.relative(path)
	// a directory is excluded when its contents would be
	return w.matchesIgnore(rel) || w.matchesIgnore(rel+"/x")
}

func (w *Watcher) matchesIgnore(rel string) bool {
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// ignored skips hidden entries and editor backup files.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}
