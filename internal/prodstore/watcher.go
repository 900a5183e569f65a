package prodstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	ActivityEntityAdded       = "entity_added"
	ActivityFolderAdded       = "folder_added"
	ActivityEntityRemoved     = "entity_removed"
	ActivityFolderRemoved     = "folder_removed"
	ActivityRecordUpdated     = "record_updated"
	ActivityMonitoringUpdated = "monitoring_updated"
	ActivityManifestUpdated   = "manifest_updated"
)

const fallbackEntityTitle = "(unknown product)"

type WatcherOptions struct {
	// SettleInterval is the poll interval while waiting for a freshly created
	// directory to finish populating. SettleMaxWait bounds the wait.
	SettleInterval time.Duration
	SettleMaxWait  time.Duration
	// SuppressWindow collapses the duplicate notifications the filesystem
	// emits for one logical save.
	SuppressWindow time.Duration
	Logger         *slog.Logger
}

func (o *WatcherOptions) defaults() {
	if o.SettleInterval <= 0 {
		o.SettleInterval = 50 * time.Millisecond
	}
	if o.SettleMaxWait <= 0 {
		o.SettleMaxWait = 2 * time.Second
	}
	if o.SuppressWindow <= 0 {
		o.SuppressWindow = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher observes filesystem mutations under the store root, one level deep,
// and synthesizes activity entries. It never mutates entity directories; it
// is a pure observer, and any failure to derive one entry is logged and
// swallowed so observation continues.
type Watcher struct {
	store    *Store
	activity *ActivityLog
	opts     WatcherOptions

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	lastEmit map[string]time.Time
	pending  map[string]bool
	// dirs holds the root-level paths known to be directories, so a removal
	// of a plain file at the root is not reported as a folder removal.
	dirs map[string]bool
}

func NewWatcher(store *Store, activity *ActivityLog, opts WatcherOptions) *Watcher {
	opts.defaults()
	return &Watcher{
		store:    store,
		activity: activity,
		opts:     opts,
		lastEmit: map[string]time.Time{},
		pending:  map[string]bool{},
		dirs:     map[string]bool{},
	}
}

// Start begins observing. Existing entity directories are added to the watch
// list so file changes inside them are visible immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("watcher already started")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.store.Root()); err != nil {
		_ = fsw.Close()
		return err
	}
	entries, err := os.ReadDir(w.store.Root())
	if err != nil {
		_ = fsw.Close()
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.store.Root(), entry.Name())
		if err := fsw.Add(dir); err != nil {
			w.opts.Logger.Warn("watch add failed", "dir", entry.Name(), "error", err)
		}
		w.dirs[dir] = true
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true

	go w.loop(runCtx)
	w.opts.Logger.Info("activity watcher started", "root", w.store.Root())
	return nil
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	fsw := w.fsw
	done := w.done
	w.started = false
	w.mu.Unlock()

	cancel()
	err := fsw.Close()
	<-done
	w.opts.Logger.Info("activity watcher stopped")
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	parent := filepath.Dir(event.Name)
	base := filepath.Base(event.Name)

	if parent == w.store.Root() {
		switch {
		case event.Op.Has(fsnotify.Create):
			info, err := os.Stat(event.Name)
			if err != nil || !info.IsDir() {
				return
			}
			if err := w.fsw.Add(event.Name); err != nil {
				w.opts.Logger.Warn("watch add failed", "dir", base, "error", err)
			}
			w.mu.Lock()
			w.pending[event.Name] = true
			w.dirs[event.Name] = true
			w.mu.Unlock()
			go w.announceNewDir(ctx, event.Name)
		case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
			// The content is already gone, so the gone path cannot be
			// stat'd; only paths known to have been directories count,
			// and the basename is the only identifying detail left.
			w.mu.Lock()
			wasDir := w.dirs[event.Name]
			delete(w.dirs, event.Name)
			w.mu.Unlock()
			if !wasDir {
				return
			}
			if ValidateEntityID(base) == nil {
				w.activity.Add(ActivityEntityRemoved, base, "entity directory removed")
			} else {
				w.activity.Add(ActivityFolderRemoved, base, "folder removed")
			}
		}
		return
	}

	if filepath.Dir(parent) != w.store.Root() {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}

	var entryType string
	switch base {
	case recordFileName:
		entryType = ActivityRecordUpdated
	case monitoringFileName:
		entryType = ActivityMonitoringUpdated
	case manifestFileName:
		entryType = ActivityManifestUpdated
	default:
		return
	}

	w.mu.Lock()
	if w.pending[parent] {
		// The directory is still settling after creation; the pending
		// announcement covers this burst of writes.
		w.mu.Unlock()
		return
	}
	key := event.Name + "|" + entryType
	now := time.Now()
	if last, ok := w.lastEmit[key]; ok && now.Sub(last) < w.opts.SuppressWindow {
		w.mu.Unlock()
		return
	}
	w.lastEmit[key] = now
	w.mu.Unlock()

	id := filepath.Base(parent)
	w.activity.Add(entryType, w.entityTitle(id), base+" changed")
}

// announceNewDir waits for the directory to settle (a multi-file write may
// still be in flight), then emits entity_added if a record document showed
// up, folder_added otherwise.
func (w *Watcher) announceNewDir(ctx context.Context, dir string) {
	defer func() {
		w.mu.Lock()
		delete(w.pending, dir)
		w.mu.Unlock()
	}()

	id := filepath.Base(dir)
	deadline := time.Now().Add(w.opts.SettleMaxWait)
	recordPath := filepath.Join(dir, recordFileName)
	for {
		if _, err := os.Stat(recordPath); err == nil {
			// One more settle tick so a mid-write record is complete.
			_ = waitWithContext(ctx, w.opts.SettleInterval)
			w.activity.Add(ActivityEntityAdded, w.entityTitle(id), "entity directory created")
			return
		}
		if time.Now().After(deadline) {
			w.activity.Add(ActivityFolderAdded, id, "folder created")
			return
		}
		if err := waitWithContext(ctx, w.opts.SettleInterval); err != nil {
			return
		}
	}
}

// entityTitle derives the best-available display title from the record,
// falling back to a placeholder when the record is absent or malformed.
func (w *Watcher) entityTitle(id string) string {
	rec, err := w.store.ReadRecord(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			w.opts.Logger.Warn("record unreadable for activity title", "entity", id, "error", err)
		}
		return fallbackEntityTitle
	}
	return displayTitle(rec)
}

func displayTitle(rec Record) string {
	if rec.Category != "" {
		return rec.Category
	}
	if rec.Title != "" {
		return rec.Title
	}
	if rec.SourceURL != "" {
		return rec.SourceURL
	}
	return fallbackEntityTitle
}
