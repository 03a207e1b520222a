package receiptflow

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (*Store, error)
type RetryPersisterFactory func(dsn string) (RetryPersister, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	storeFactories map[string]StoreFactory
	retryFactories map[string]RetryPersisterFactory
}{
	storeFactories: map[string]StoreFactory{},
	retryFactories: map[string]RetryPersisterFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func RegisterRetryPersisterFactory(scheme string, factory RetryPersisterFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.retryFactories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func lookupRetryPersisterFactory(scheme string) (RetryPersisterFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.retryFactories[scheme]
	return factory, ok
}

// BuildStoreFromDSN opens the shared state store. A bare path is a SQLite file.
func BuildStoreFromDSN(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLiteStore(path)
	case "memory", "mem", "inmem":
		return OpenMemoryStore()
	case "postgres", "postgresql":
		return OpenPostgresStore(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: state store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state store scheme: %s", scheme)
	}
}

// BuildRetryPersisterFromDSN selects where the retry queue is written through.
// An empty DSN or "table" keeps it in the shared store.
func BuildRetryPersisterFromDSN(dsn string, store *Store) (RetryPersister, error) {
	dsn = strings.TrimSpace(dsn)
	switch strings.ToLower(dsn) {
	case "", "table", "sql", "store":
		if store == nil {
			return nil, ErrInvalidInput
		}
		return store.RetryTable(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupRetryPersisterFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRetryPersister(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryRetryPersister(), nil
	case "redis", "rediss":
		return nil, fmt.Errorf("%w: retry queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported retry queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	if host != "" && path != "" {
		// sqlite://./data/x.db parses "." as the host.
		return host + path, nil
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = host
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
