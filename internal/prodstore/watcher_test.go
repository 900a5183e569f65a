package prodstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watcherTestEntity = "690123456789"

func startTestWatcher(t *testing.T) (*Watcher, *Store, *ActivityLog) {
	t.Helper()
	store := newTestStore(t)
	activity := NewActivityLog()
	watcher := NewWatcher(store, activity, WatcherOptions{
		SettleInterval: 20 * time.Millisecond,
		SettleMaxWait:  400 * time.Millisecond,
		SuppressWindow: 100 * time.Millisecond,
	})
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("start watcher failed: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Stop() })
	return watcher, store, activity
}

// waitForActivity polls until an entry of the given type appears or the
// deadline passes. Filesystem notification latency varies across platforms,
// so the deadline is generous.
func waitForActivity(t *testing.T, activity *ActivityLog, entryType string) ActivityEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, entry := range activity.Recent(100) {
			if entry.Type == entryType {
				return entry
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s entry; have %+v", entryType, activity.Recent(100))
	return ActivityEntry{}
}

func TestWatcherAnnouncesNewEntityWithRecordTitle(t *testing.T) {
	_, store, activity := startTestWatcher(t)

	dir := filepath.Join(store.Root(), watcherTestEntity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	// Simulate a multi-file save landing shortly after the directory.
	time.Sleep(50 * time.Millisecond)
	if err := store.WriteRecord(watcherTestEntity, Record{Category: "Wireless Earbuds Pro"}); err != nil {
		t.Fatalf("write record failed: %v", err)
	}

	entry := waitForActivity(t, activity, ActivityEntityAdded)
	if entry.Title != "Wireless Earbuds Pro" {
		t.Fatalf("expected record-derived title, got %+v", entry)
	}
	// The settle window covers the initial record write; no separate
	// record_updated entry may be emitted for it.
	for _, got := range activity.Recent(100) {
		if got.Type == ActivityRecordUpdated {
			t.Fatalf("unexpected record_updated during settle: %+v", got)
		}
	}
}

func TestWatcherAnnouncesPlainFolder(t *testing.T) {
	_, store, activity := startTestWatcher(t)

	if err := os.MkdirAll(filepath.Join(store.Root(), "not-an-entity"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	entry := waitForActivity(t, activity, ActivityFolderAdded)
	if entry.Title != "not-an-entity" {
		t.Fatalf("expected folder name as title, got %+v", entry)
	}
}

func TestWatcherEmitsRecordUpdateForExistingEntity(t *testing.T) {
	store := newTestStore(t)
	if err := store.WriteRecord(watcherTestEntity, Record{Category: "Wireless Earbuds Pro"}); err != nil {
		t.Fatalf("seed record failed: %v", err)
	}

	activity := NewActivityLog()
	watcher := NewWatcher(store, activity, WatcherOptions{
		SettleInterval: 20 * time.Millisecond,
		SettleMaxWait:  400 * time.Millisecond,
		SuppressWindow: 100 * time.Millisecond,
	})
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("start watcher failed: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Stop() })

	if err := store.WriteRecord(watcherTestEntity, Record{Category: "Wireless Earbuds Pro v2"}); err != nil {
		t.Fatalf("update record failed: %v", err)
	}
	entry := waitForActivity(t, activity, ActivityRecordUpdated)
	if entry.Title != "Wireless Earbuds Pro v2" {
		t.Fatalf("expected updated title, got %+v", entry)
	}
}

func TestWatcherEmitsMonitoringAndManifestUpdates(t *testing.T) {
	store := newTestStore(t)
	if err := store.WriteRecord(watcherTestEntity, Record{Category: "Wireless Earbuds Pro"}); err != nil {
		t.Fatalf("seed record failed: %v", err)
	}

	activity := NewActivityLog()
	watcher := NewWatcher(store, activity, WatcherOptions{
		SettleInterval: 20 * time.Millisecond,
		SettleMaxWait:  400 * time.Millisecond,
		SuppressWindow: 100 * time.Millisecond,
	})
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("start watcher failed: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Stop() })

	log := NewMonitoringLog(store)
	if err := log.Append(watcherTestEntity, Observation{Timestamp: "2026-03-10T08:30:00", Metrics: map[string]float64{"price": 1}}); err != nil {
		t.Fatalf("append observation failed: %v", err)
	}
	waitForActivity(t, activity, ActivityMonitoringUpdated)

	reconciler := NewReconciler(store, nil)
	if err := reconciler.WriteProvisional(watcherTestEntity, Manifest{Media: []MediaItem{{URL: "https://img.example.com/a.jpg"}}}); err != nil {
		t.Fatalf("write provisional failed: %v", err)
	}
	if _, err := reconciler.Merge(watcherTestEntity, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	waitForActivity(t, activity, ActivityManifestUpdated)
}

func TestWatcherAnnouncesEntityRemoval(t *testing.T) {
	store := newTestStore(t)
	if err := store.WriteRecord(watcherTestEntity, Record{Category: "Wireless Earbuds Pro"}); err != nil {
		t.Fatalf("seed record failed: %v", err)
	}

	activity := NewActivityLog()
	watcher := NewWatcher(store, activity, WatcherOptions{})
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("start watcher failed: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Stop() })

	if err := os.RemoveAll(filepath.Join(store.Root(), watcherTestEntity)); err != nil {
		t.Fatalf("remove entity dir failed: %v", err)
	}
	entry := waitForActivity(t, activity, ActivityEntityRemoved)
	if entry.Title != watcherTestEntity {
		t.Fatalf("expected id as title after removal, got %+v", entry)
	}
}

func TestWatcherIgnoresPlainFileRemovalAtRoot(t *testing.T) {
	_, store, activity := startTestWatcher(t)

	path := filepath.Join(store.Root(), "notes.txt")
	if err := os.WriteFile(path, []byte("scratch"), 0o644); err != nil {
		t.Fatalf("write root file failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove root file failed: %v", err)
	}

	// A directory removed afterwards proves the earlier events were already
	// processed; only the directory may produce a removal entry.
	dir := filepath.Join(store.Root(), "scratch-folder")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	waitForActivity(t, activity, ActivityFolderAdded)
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove dir failed: %v", err)
	}
	entry := waitForActivity(t, activity, ActivityFolderRemoved)
	if entry.Title != "scratch-folder" {
		t.Fatalf("expected directory removal only, got %+v", entry)
	}
	for _, got := range activity.Recent(100) {
		if got.Title == "notes.txt" {
			t.Fatalf("plain file removal produced an activity entry: %+v", got)
		}
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	watcher, _, _ := startTestWatcher(t)
	if err := watcher.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}

func TestDisplayTitleFallbackOrder(t *testing.T) {
	cases := []struct {
		rec  Record
		want string
	}{
		{Record{Category: "Cat", Title: "Title", SourceURL: "https://x"}, "Cat"},
		{Record{Title: "Title", SourceURL: "https://x"}, "Title"},
		{Record{SourceURL: "https://x"}, "https://x"},
		{Record{}, fallbackEntityTitle},
	}
	for _, tc := range cases {
		if got := displayTitle(tc.rec); got != tc.want {
			t.Fatalf("displayTitle(%+v) = %q, want %q", tc.rec, got, tc.want)
		}
	}
}
