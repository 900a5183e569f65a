package prodstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidID     = errors.New("invalid entity id")
	ErrParse         = errors.New("parse error")
	ErrValidation    = errors.New("validation error")
	ErrNoProvisional = errors.New("no provisional manifest")
	ErrInvalidInput  = errors.New("invalid input")
)

const (
	recordFileName      = "record.json"
	monitoringFileName  = "monitoring-log.json"
	manifestFileName    = "media-manifest.json"
	provisionalFileName = "media-manifest-provisional.json"

	entityIDLength = 12
)

// ParseError reports malformed JSON in a persisted document. It satisfies
// errors.Is(err, ErrParse).
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SKU is one purchasable variant of a product.
type SKU struct {
	Name  string `json:"name"`
	Price string `json:"price,omitempty"`
	Stock int    `json:"stock,omitempty"`
}

// Record is the entity's canonical descriptive document. It is overwritten
// wholesale on every save; there is no field-level merge.
type Record struct {
	Category    string            `json:"category,omitempty"`
	Title       string            `json:"title,omitempty"`
	SKUs        []SKU             `json:"skus,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	CollectedAt string            `json:"collectedAt,omitempty"`
	SourceURL   string            `json:"sourceUrl,omitempty"`
}

// Attachment describes one auxiliary file in an entity directory.
type Attachment struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// MediaFile describes one image or video present on disk, with an access URL
// synthesized for the UI layer and metadata cross-referenced from the
// committed manifest when available.
type MediaFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".webm": true,
}

var attachmentExtensions = map[string]bool{
	".json": true,
	".pdf":  true,
	".csv":  true,
	".xlsx": true,
	".txt":  true,
}

type StoreOptions struct {
	Root         string
	MediaBaseURL string
	Logger       *slog.Logger
}

// Store maps a 12-digit entity identifier to a directory under Root and owns
// all reads and writes of the persisted JSON documents. Readers treat a
// missing entity as ErrNotFound and malformed JSON as *ParseError; neither is
// fatal to the caller's batch.
type Store struct {
	root         string
	mediaBaseURL string
	logger       *slog.Logger
}

func NewStore(root string) (*Store, error) {
	return NewStoreWithOptions(StoreOptions{Root: root})
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("%w: store root is required", ErrInvalidInput)
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	mediaBaseURL := strings.TrimRight(strings.TrimSpace(opts.MediaBaseURL), "/")
	if mediaBaseURL == "" {
		mediaBaseURL = "/media"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:         root,
		mediaBaseURL: mediaBaseURL,
		logger:       logger,
	}, nil
}

func (s *Store) Root() string { return s.root }

// ValidateEntityID accepts exactly 12 ASCII digits. The check doubles as
// path-traversal protection for every directory derived from an id.
func ValidateEntityID(id string) error {
	if len(id) != entityIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

func (s *Store) entityDir(id string) (string, error) {
	if err := ValidateEntityID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, id), nil
}

// EnsureDir creates the entity directory if absent. Idempotent.
func (s *Store) EnsureDir(id string) (string, error) {
	dir, err := s.entityDir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) entityFile(id, name string) (string, error) {
	dir, err := s.entityDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (s *Store) WriteRecord(id string, rec Record) error {
	if _, err := s.EnsureDir(id); err != nil {
		return err
	}
	path, err := s.entityFile(id, recordFileName)
	if err != nil {
		return err
	}
	return s.writeJSON(path, rec)
}

func (s *Store) ReadRecord(id string) (Record, error) {
	path, err := s.entityFile(id, recordFileName)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := s.readJSON(path, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// WriteRawSnapshot persists one raw-source payload per collection pass as
// rawdata_<id>_<collectTime>.json and returns the written path.
func (s *Store) WriteRawSnapshot(id string, payload []byte, collectedAt time.Time) (string, error) {
	if _, err := s.EnsureDir(id); err != nil {
		return "", err
	}
	name := fmt.Sprintf("rawdata_%s_%s.json", id, collectedAt.Format("20060102150405"))
	path, err := s.entityFile(id, name)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ListEntities returns the ids of all tracked entities, sorted ascending.
// Directories that do not look like entity ids are skipped.
func (s *Store) ListEntities() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ValidateEntityID(entry.Name()) != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// ListAttachments lists data/document files in the entity directory, newest
// first. Media files and the core JSON documents are excluded.
func (s *Store) ListAttachments(id string) ([]Attachment, error) {
	dir, err := s.entityDir(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	core := map[string]bool{
		recordFileName:      true,
		monitoringFileName:  true,
		manifestFileName:    true,
		provisionalFileName: true,
	}
	attachments := make([]Attachment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || core[entry.Name()] {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !attachmentExtensions[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		attachments = append(attachments, Attachment{
			Name:       entry.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(attachments, func(i, j int) bool {
		return attachments[i].ModifiedAt.After(attachments[j].ModifiedAt)
	})
	return attachments, nil
}

func (s *Store) ListImages(id string) ([]MediaFile, error) {
	return s.listMedia(id, imageExtensions)
}

func (s *Store) ListVideos(id string) ([]MediaFile, error) {
	return s.listMedia(id, videoExtensions)
}

func (s *Store) listMedia(id string, allowed map[string]bool) ([]MediaFile, error) {
	dir, err := s.entityDir(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// Metadata cross-reference comes from the committed manifest when one is
	// readable; a missing or malformed manifest never fails the listing.
	var manifest Manifest
	if manifestPath, pathErr := s.entityFile(id, manifestFileName); pathErr == nil {
		if readErr := s.readJSON(manifestPath, &manifest); readErr != nil {
			manifest = Manifest{}
		}
	}

	files := make([]MediaFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !allowed[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		file := MediaFile{
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
			URL:  s.mediaBaseURL + "/" + id + "/" + entry.Name(),
			Size: info.Size(),
		}
		if item, ok := manifestItemForFile(manifest, entry.Name()); ok {
			file.Width = item.Width
			file.Height = item.Height
		}
		files = append(files, file)
	}
	return files, nil
}

// manifestItemForFile matches a directory entry against the committed
// manifest by the filename suffix of the item URL, falling back to the
// basename of the recorded local path.
func manifestItemForFile(manifest Manifest, name string) (MediaItem, bool) {
	for _, item := range manifest.Media {
		if item.LocalPath != "" && filepath.Base(item.LocalPath) == name {
			return item, true
		}
		if item.URL != "" && strings.HasSuffix(item.URL, "/"+name) {
			return item, true
		}
	}
	return MediaItem{}, false
}

func (s *Store) readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
