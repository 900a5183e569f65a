package prodstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaItem references one remote-or-local media asset. Identity is the URL:
// two items are the same iff their URLs match, regardless of filename.
type MediaItem struct {
	URL       string    `json:"url"`
	Kind      MediaKind `json:"kind,omitempty"`
	LocalPath string    `json:"localPath,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Size      int64     `json:"size,omitempty"`
}

type Manifest struct {
	Media []MediaItem `json:"media"`
}

type Delta struct {
	NewURLs  []string    `json:"newUrls"`
	NewItems []MediaItem `json:"newItems"`
}

type MergeResult struct {
	MergedCount int `json:"mergedCount"`
	TotalCount  int `json:"totalCount"`
}

type DownloadResult struct {
	URL       string `json:"url"`
	LocalPath string `json:"localPath"`
}

// Reconciler folds provisional manifests into the committed one. Per entity
// there is at most one provisional and one committed manifest; the
// provisional file is deleted once merged.
type Reconciler struct {
	store  *Store
	logger *slog.Logger
}

func NewReconciler(store *Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// WriteProvisional overwrites the provisional manifest wholesale.
func (r *Reconciler) WriteProvisional(id string, m Manifest) error {
	if _, err := r.store.EnsureDir(id); err != nil {
		return err
	}
	path, err := r.store.entityFile(id, provisionalFileName)
	if err != nil {
		return err
	}
	return r.store.writeJSON(path, m)
}

func (r *Reconciler) ReadProvisional(id string) (Manifest, error) {
	return r.readManifest(id, provisionalFileName)
}

func (r *Reconciler) ReadCommitted(id string) (Manifest, error) {
	return r.readManifest(id, manifestFileName)
}

func (r *Reconciler) readManifest(id, name string) (Manifest, error) {
	path, err := r.store.entityFile(id, name)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := r.store.readJSON(path, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Diff compares the provisional manifest against the committed one, keyed by
// URL. Read-only. An absent provisional yields an empty delta; an absent
// committed manifest means the entire provisional is new.
func (r *Reconciler) Diff(id string) (Delta, error) {
	delta := Delta{NewURLs: []string{}, NewItems: []MediaItem{}}
	provisional, err := r.ReadProvisional(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return delta, nil
		}
		return Delta{}, err
	}
	committed, err := r.ReadCommitted(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Delta{}, err
	}

	known := make(map[string]bool, len(committed.Media))
	for _, item := range committed.Media {
		known[item.URL] = true
	}
	for _, item := range provisional.Media {
		if item.URL == "" || known[item.URL] {
			continue
		}
		known[item.URL] = true
		delta.NewURLs = append(delta.NewURLs, item.URL)
		delta.NewItems = append(delta.NewItems, item)
	}
	return delta, nil
}

// Merge folds the provisional manifest into the committed one and deletes the
// provisional file. Freshly downloaded local paths are applied to matching
// provisional items first, since downloads happen between Diff and Merge.
//
// Idempotent by URL: items whose URL is already committed are skipped, so
// re-running a merge with identical provisional content changes nothing.
// Parse failures on either side abort before any write.
func (r *Reconciler) Merge(id string, downloads []DownloadResult) (MergeResult, error) {
	provisional, err := r.ReadProvisional(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return MergeResult{}, fmt.Errorf("%w: entity %s", ErrNoProvisional, id)
		}
		return MergeResult{}, err
	}

	localPaths := make(map[string]string, len(downloads))
	for _, download := range downloads {
		if download.URL == "" || download.LocalPath == "" {
			continue
		}
		localPaths[download.URL] = download.LocalPath
	}
	for i := range provisional.Media {
		if path, ok := localPaths[provisional.Media[i].URL]; ok {
			provisional.Media[i].LocalPath = path
		}
	}

	committed, err := r.ReadCommitted(id)
	if errors.Is(err, ErrNotFound) {
		// First merge for this entity: promote the provisional directly.
		if err := r.writeCommitted(id, provisional); err != nil {
			return MergeResult{}, err
		}
		if err := r.removeProvisional(id); err != nil {
			return MergeResult{}, err
		}
		total := len(provisional.Media)
		r.logger.Info("manifest promoted", "entity", id, "items", total)
		return MergeResult{MergedCount: total, TotalCount: total}, nil
	}
	if err != nil {
		return MergeResult{}, err
	}

	known := make(map[string]bool, len(committed.Media))
	for _, item := range committed.Media {
		known[item.URL] = true
	}
	merged := 0
	for _, item := range provisional.Media {
		if item.URL == "" || known[item.URL] {
			continue
		}
		known[item.URL] = true
		committed.Media = append(committed.Media, item)
		merged++
	}

	if err := r.writeCommitted(id, committed); err != nil {
		return MergeResult{}, err
	}
	if err := r.removeProvisional(id); err != nil {
		return MergeResult{}, err
	}
	r.logger.Info("manifest merged", "entity", id, "merged", merged, "total", len(committed.Media))
	return MergeResult{MergedCount: merged, TotalCount: len(committed.Media)}, nil
}

func (r *Reconciler) writeCommitted(id string, m Manifest) error {
	path, err := r.store.entityFile(id, manifestFileName)
	if err != nil {
		return err
	}
	return r.store.writeJSON(path, m)
}

func (r *Reconciler) removeProvisional(id string) error {
	path, err := r.store.entityFile(id, provisionalFileName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
