package watch

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a path must be quiet before its event is
// delivered.
const DefaultDebounce = 100 * time.Millisecond

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// Match selects the files whose events are delivered. Nil matches all.
	Match func(path string) bool
	// Skip excludes directories (by absolute path) from the watch set.
	Skip   func(dir string) bool
	Logger *slog.Logger
}

// Watcher monitors a directory tree using fsnotify and delivers debounced
// Events for matching files.
type Watcher struct {
	Root   string
	Events <-chan Event // Read-only external channel

	events  chan Event
	stop    chan struct{}
	done    chan struct{}
	watcher *fsnotify.Watcher
	opts    WatcherOptions
	log     *slog.Logger

	mu sync.Mutex
	// pending holds the last raw operation and time per path awaiting the
	// debounce window.
	pending map[string]pendingOp
	// dirs and files track the watched directories and the matching files
	// known under them, so removing a directory can remove its files.
	dirs  map[string]bool
	files map[string]bool
}

type pendingOp struct {
	kind EventKind
	at   time.Time
}

// NewWatcher creates a watcher for the tree rooted at root.
func NewWatcher(root string, opts WatcherOptions) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	ch := make(chan Event, 64)
	return &Watcher{
		Root:    root,
		Events:  ch,
		events:  ch,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		watcher: fw,
		opts:    opts,
		log:     opts.Logger.With("component", "watcher"),
		pending: make(map[string]pendingOp),
		dirs:    make(map[string]bool),
		files:   make(map[string]bool),
	}, nil
}

// Start adds every directory under Root to the watch set and begins
// delivering events.
func (w *Watcher) Start() error {
	if err := w.addTree(w.Root); err != nil {
		w.watcher.Close()
		return err
	}
	go w.loop()
	return nil
}

// Stop closes the watcher, waits for the loop to exit, and closes Events.
// Events still inside the debounce window are dropped.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
	<-w.done
	close(w.events)
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			if d.Type().IsRegular() && w.matches(p) {
				w.mu.Lock()
				w.files[p] = true
				w.mu.Unlock()
			}
			return nil
		}
		if p != w.Root && w.opts.Skip != nil && w.opts.Skip(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return err
		}
		w.mu.Lock()
		w.dirs[p] = true
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) matches(path string) bool {
	return w.opts.Match == nil || w.opts.Match(path)
}

// removeTree forgets dir and every directory below it and queues a remove
// for each known file underneath.
func (w *Watcher) removeTree(dir string) {
	prefix := dir + string(filepath.Separator)
	now := time.Now()

	w.mu.Lock()
	var gone []string
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
			gone = append(gone, d)
		}
	}
	for f := range w.files {
		if strings.HasPrefix(f, prefix) {
			w.pending[f] = pendingOp{kind: EventRemove, at: now}
		}
	}
	w.mu.Unlock()

	for _, d := range gone {
		// The kernel may already have dropped the watch.
		_ = w.watcher.Remove(d)
	}
}

func (w *Watcher) isDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirs[path]
}

func (w *Watcher) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case now := <-ticker.C:
			w.flush(now)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal; the next event resynchronizes.
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.opts.Skip != nil && w.opts.Skip(event.Name) {
				return
			}
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("watching new directory", "dir", event.Name, "error", err)
			}
			// Files may have landed before the watch was registered.
			w.queueTree(event.Name)
			return
		}
	}

	var kind EventKind
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if w.isDir(event.Name) {
			w.removeTree(event.Name)
			return
		}
		kind = EventRemove
	case event.Has(fsnotify.Create):
		kind = EventAdd
	case event.Has(fsnotify.Write):
		kind = EventChange
	default:
		return
	}
	w.queue(event.Name, kind)
}

func (w *Watcher) queue(path string, kind EventKind) {
	if !w.matches(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.pending[path]; ok && prev.kind == EventAdd && kind == EventChange {
		// A write right after creation is still an add.
		kind = EventAdd
	}
	w.pending[path] = pendingOp{kind: kind, at: time.Now()}
}

func (w *Watcher) queueTree(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			w.queue(p, EventAdd)
		}
		return nil
	})
}

// flush delivers every pending path that has been quiet for the debounce
// window.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []Event
	for path, op := range w.pending {
		if now.Sub(op.at) < w.opts.Debounce {
			continue
		}
		kind := w.settle(path, op.kind)
		if kind == EventRemove {
			delete(w.files, path)
		} else {
			w.files[path] = true
		}
		ready = append(ready, Event{Kind: kind, Path: path})
		delete(w.pending, path)
	}
	w.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].Path < ready[j].Path })
	for _, ev := range ready {
		select {
		case w.events <- ev:
		case <-w.stop:
			return
		}
	}
}

// settle reconciles the raw operation with what is on disk now: editors
// that save via rename produce a remove for a file that still exists.
func (w *Watcher) settle(path string, kind EventKind) EventKind {
	_, err := os.Stat(path)
	switch {
	case err != nil:
		return EventRemove
	case kind == EventRemove:
		return EventChange
	default:
		return kind
	}
}
