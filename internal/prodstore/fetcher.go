package prodstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DelayPolicy is the inter-item throttle for bulk downloads: a uniformly
// random wait in [Min, Max] between items, applied sequentially so bulk
// collection never hammers the remote host.
type DelayPolicy struct {
	Min time.Duration
	Max time.Duration
}

func DefaultDelayPolicy() DelayPolicy {
	return DelayPolicy{Min: 2 * time.Second, Max: 6 * time.Second}
}

func (p DelayPolicy) next(r *rand.Rand) time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + time.Duration(r.Int63n(int64(p.Max-p.Min)))
}

// SleepFunc waits for the given duration or until ctx is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

type FetcherOptions struct {
	Client *http.Client
	Delay  DelayPolicy
	Sleep  SleepFunc
	Seed   int64
	Logger *slog.Logger
}

// Fetcher downloads remote media into entity directories, one item at a time.
// Per-item failures are logged and skipped; FetchAll always completes and
// returns whatever succeeded.
type Fetcher struct {
	store  *Store
	client *http.Client
	policy DelayPolicy
	sleep  SleepFunc
	logger *slog.Logger

	// rand is shared by concurrent FetchAll calls for different entities.
	randMu sync.Mutex
	rand   *rand.Rand
}

func NewFetcher(store *Store) *Fetcher {
	return NewFetcherWithOptions(store, FetcherOptions{})
}

func NewFetcherWithOptions(store *Store, opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	policy := opts.Delay
	if policy.Min <= 0 && policy.Max <= 0 {
		policy = DefaultDelayPolicy()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = waitWithContext
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:  store,
		client: client,
		policy: policy,
		sleep:  sleep,
		rand:   rand.New(rand.NewSource(seed)),
		logger: logger,
	}
}

// FetchAll downloads the given items sequentially into the entity directory,
// sleeping a random delay between items (not after the last). It returns the
// successful downloads; a ctx cancellation ends the batch early with whatever
// already succeeded.
func (f *Fetcher) FetchAll(ctx context.Context, id string, items []MediaItem) ([]DownloadResult, error) {
	dir, err := f.store.EnsureDir(id)
	if err != nil {
		return nil, err
	}
	results := make([]DownloadResult, 0, len(items))
	for i, item := range items {
		if i > 0 {
			if err := f.sleep(ctx, f.nextDelay()); err != nil {
				f.logger.Warn("media fetch batch cancelled", "entity", id, "fetched", len(results))
				return results, nil
			}
		}
		localPath, err := f.fetchOne(ctx, dir, item)
		if err != nil {
			f.logger.Warn("media fetch failed", "entity", id, "url", item.URL, "error", err)
			if ctx.Err() != nil {
				return results, nil
			}
			continue
		}
		results = append(results, DownloadResult{URL: item.URL, LocalPath: localPath})
	}
	return results, nil
}

func (f *Fetcher) nextDelay() time.Duration {
	f.randMu.Lock()
	defer f.randMu.Unlock()
	return f.policy.next(f.rand)
}

func (f *Fetcher) fetchOne(ctx context.Context, dir string, item MediaItem) (string, error) {
	if strings.TrimSpace(item.URL) == "" {
		return "", fmt.Errorf("%w: empty media url", ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("http %d fetching %s", resp.StatusCode, item.URL)
	}

	name := mediaFileName(item)
	localPath := filepath.Join(dir, name)
	tmpFile, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmpFile.Name()
	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return localPath, nil
}

// mediaFileName generates <epoch-millis>_<random><ext>, with the extension
// taken from the URL path when recognizable and defaulted by kind otherwise.
func mediaFileName(item MediaItem) string {
	ext := extFromURL(item.URL)
	if ext == "" {
		if item.Kind == MediaVideo {
			ext = ".mp4"
		} else {
			ext = ".jpg"
		}
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d_%s%s", time.Now().UnixMilli(), suffix, ext)
}

func extFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	if imageExtensions[ext] || videoExtensions[ext] {
		return ext
	}
	return ""
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
