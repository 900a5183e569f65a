package prodstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type ActivityBackendFactory func(dsn string) (ActivityBackend, error)

var activityBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ActivityBackendFactory
}{
	factories: map[string]ActivityBackendFactory{},
}

// RegisterActivityBackendFactory lets embedders add backend schemes beyond
// the built-in file/memory/postgres set.
func RegisterActivityBackendFactory(scheme string, factory ActivityBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	activityBackendRegistry.mu.Lock()
	defer activityBackendRegistry.mu.Unlock()
	activityBackendRegistry.factories[scheme] = factory
}

func lookupActivityBackendFactory(scheme string) (ActivityBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	activityBackendRegistry.mu.RLock()
	defer activityBackendRegistry.mu.RUnlock()
	factory, ok := activityBackendRegistry.factories[scheme]
	return factory, ok
}

// BuildActivityBackendFromDSN selects a backend by DSN scheme. An empty DSN
// returns nil (memory-only log, no persistence).
func BuildActivityBackendFromDSN(dsn string) (ActivityBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupActivityBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileActivityBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryActivityBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresActivityBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported activity backend scheme: %s", scheme)
	}
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func dsnPath(parsed *url.URL, dsn string) (string, error) {
	if parsed.Scheme == "" {
		return dsn, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: file DSN has no path: %s", ErrInvalidInput, dsn)
	}
	return path, nil
}
