package prodstore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultActivityCapacity = 100

// ActivityEntry is one derived, human-readable log line. IDs only need to be
// unique enough to avoid UI key collisions, not globally unique across
// restarts.
type ActivityEntry struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Details string `json:"details,omitempty"`
	Time    string `json:"time"`
}

// ActivityBackend persists activity snapshots. A nil backend keeps the log
// memory-only.
type ActivityBackend interface {
	Load() ([]ActivityEntry, error)
	Save(entries []ActivityEntry) error
}

type ActivityLogOptions struct {
	Capacity int
	Backend  ActivityBackend
	Clock    func() time.Time
	Logger   *slog.Logger
}

// ActivityLog is a process-wide, bounded, newest-first activity feed. Backend
// failures are logged and swallowed: a failing persistence store never blocks
// the observers that emit here.
type ActivityLog struct {
	mu          sync.Mutex
	entries     []ActivityEntry
	capacity    int
	backend     ActivityBackend
	clock       func() time.Time
	logger      *slog.Logger
	subscribers map[chan ActivityEntry]struct{}
}

func NewActivityLog() *ActivityLog {
	return NewActivityLogWithOptions(ActivityLogOptions{})
}

func NewActivityLogWithOptions(opts ActivityLogOptions) *ActivityLog {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultActivityCapacity
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &ActivityLog{
		capacity:    capacity,
		backend:     opts.Backend,
		clock:       clock,
		logger:      logger,
		subscribers: map[chan ActivityEntry]struct{}{},
	}
	if l.backend != nil {
		entries, err := l.backend.Load()
		if err != nil {
			logger.Warn("activity backend load failed", "error", err)
		} else if len(entries) > 0 {
			if len(entries) > capacity {
				entries = entries[:capacity]
			}
			l.entries = entries
		}
	}
	return l
}

// Add prepends a new entry, truncates to capacity, and notifies subscribers.
func (l *ActivityLog) Add(entryType, title, details string) ActivityEntry {
	entry := ActivityEntry{
		ID:      uuid.NewString(),
		Type:    entryType,
		Title:   title,
		Details: details,
		Time:    l.clock().Format(time.RFC3339),
	}

	l.mu.Lock()
	l.entries = append([]ActivityEntry{entry}, l.entries...)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
	if l.backend != nil {
		// Saved under the lock so concurrent Adds cannot persist their
		// snapshots out of order, leaving the backend behind the log.
		if err := l.backend.Save(append([]ActivityEntry(nil), l.entries...)); err != nil {
			l.logger.Warn("activity backend save failed", "error", err)
		}
	}
	subscribers := make([]chan ActivityEntry, 0, len(l.subscribers))
	for ch := range l.subscribers {
		subscribers = append(subscribers, ch)
	}
	l.mu.Unlock()
	for _, ch := range subscribers {
		select {
		case ch <- entry:
		default:
			// Slow consumer; drop rather than stall the watcher.
		}
	}
	return entry
}

// Recent returns up to limit entries, newest first.
func (l *ActivityLog) Recent(limit int) []ActivityEntry {
	if limit <= 0 {
		limit = 20
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit > len(l.entries) {
		limit = len(l.entries)
	}
	return append([]ActivityEntry(nil), l.entries[:limit]...)
}

// Page returns the requested 1-based page and the total entry count.
func (l *ActivityLog) Page(page, limit int) ([]ActivityEntry, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	total := len(l.entries)
	start := (page - 1) * limit
	if start >= total {
		return []ActivityEntry{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return append([]ActivityEntry(nil), l.entries[start:end]...), total
}

func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel of new entries and a cancel function. Entries
// are dropped for subscribers that fall behind.
func (l *ActivityLog) Subscribe() (<-chan ActivityEntry, func()) {
	ch := make(chan ActivityEntry, 16)
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		delete(l.subscribers, ch)
		l.mu.Unlock()
	}
	return ch, cancel
}

type InMemoryActivityBackend struct {
	mu      sync.Mutex
	entries []ActivityEntry
}

func NewInMemoryActivityBackend() *InMemoryActivityBackend {
	return &InMemoryActivityBackend{}
}

func (b *InMemoryActivityBackend) Load() ([]ActivityEntry, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ActivityEntry(nil), b.entries...), nil
}

func (b *InMemoryActivityBackend) Save(entries []ActivityEntry) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append([]ActivityEntry(nil), entries...)
	return nil
}

type JSONFileActivityBackend struct {
	Path string
}

func NewJSONFileActivityBackend(path string) *JSONFileActivityBackend {
	return &JSONFileActivityBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileActivityBackend) Load() ([]ActivityEntry, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var entries []ActivityEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &ParseError{Path: b.Path, Err: err}
	}
	return entries, nil
}

func (b *JSONFileActivityBackend) Save(entries []ActivityEntry) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o644)
}
