package roomsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// RecordStoreFactory builds a store from a full DSN. Host applications
// register factories for their own schemes; built-in schemes are consulted
// only when no registered factory matches.
type RecordStoreFactory func(dsn string) (RecordStore, error)

var recordStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RecordStoreFactory
}{
	factories: map[string]RecordStoreFactory{},
}

func RegisterRecordStoreFactory(scheme string, factory RecordStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	recordStoreRegistry.mu.Lock()
	defer recordStoreRegistry.mu.Unlock()
	recordStoreRegistry.factories[scheme] = factory
}

func lookupRecordStoreFactory(scheme string) (RecordStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	recordStoreRegistry.mu.RLock()
	defer recordStoreRegistry.mu.RUnlock()
	factory, ok := recordStoreRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildRecordStoreFromDSN selects a record store implementation by DSN
// scheme. A bare path and file:// select the JSON file store, bolt:// the
// embedded bbolt store, postgres:// the SQL store, memory:// the in-process
// store. An empty DSN yields no store.
func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupRecordStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := storeDSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRecordStore(path)
	case "bolt", "bbolt":
		path, pathErr := storeDSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltRecordStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryRecordStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: record store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

func storeDSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
