package roomsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncFailed   SyncStatus = "failed"
)

const OfflineRecordSchemaVersion = 1

// OfflineRecord is one locally captured mutation awaiting reconciliation with
// the server. Payload is opaque to the queue; EntityType tells the conflict
// policy how to merge it.
type OfflineRecord struct {
	SchemaVersion int             `json:"schemaVersion"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Payload       json.RawMessage `json:"payload"`
	LastModified  time.Time       `json:"lastModified"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	SyncStatus    SyncStatus      `json:"syncStatus"`
	Attempts      int             `json:"attempts"`
	NextRetryAt   time.Time       `json:"nextRetryAt,omitempty"`
}

// Key is the storage key for the live record of this entity.
func (r OfflineRecord) Key() string {
	return r.EntityType + "/" + r.EntityID
}

type StoredRecord struct {
	Key    string        `json:"key"`
	Record OfflineRecord `json:"record"`
}

// RecordStore persists offline records across process restarts. Put is an
// upsert; Get and Delete return ErrNotFound for unknown keys. List returns
// records ordered by enqueue time so replay stays first-in first-out.
type RecordStore interface {
	Put(key string, rec OfflineRecord) error
	Get(key string) (OfflineRecord, error)
	Delete(key string) error
	List() ([]StoredRecord, error)
	Close() error
}

func sortStored(records []StoredRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Record.EnqueuedAt.Equal(b.Record.EnqueuedAt) {
			return a.Record.EnqueuedAt.Before(b.Record.EnqueuedAt)
		}
		return a.Key < b.Key
	})
}

// MemoryRecordStore keeps records in process memory. Useful for tests and for
// hosts that accept losing the queue on restart.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]OfflineRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: map[string]OfflineRecord{}}
}

func (s *MemoryRecordStore) Put(key string, rec OfflineRecord) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
	return nil
}

func (s *MemoryRecordStore) Get(key string) (OfflineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return OfflineRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryRecordStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return ErrNotFound
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryRecordStore) List() ([]StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredRecord, 0, len(s.records))
	for key, rec := range s.records {
		out = append(out, StoredRecord{Key: key, Record: rec})
	}
	sortStored(out)
	return out, nil
}

func (s *MemoryRecordStore) Close() error { return nil }

// FileRecordStore persists the full record set as one JSON document. Every
// mutation rewrites the file through a temp file and rename so a crash never
// leaves a torn snapshot. A missing file reads as an empty store.
type FileRecordStore struct {
	path string

	mu      sync.Mutex
	records map[string]OfflineRecord
	loaded  bool
}

func NewFileRecordStore(path string) (*FileRecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	s := &FileRecordStore{path: path, records: map[string]OfflineRecord{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type fileStoreSnapshot struct {
	SchemaVersion int            `json:"schemaVersion"`
	Records       []StoredRecord `json:"records"`
}

func (s *FileRecordStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read record store: %w", err)
	}
	var snapshot fileStoreSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parse record store %s: %w", s.path, err)
	}
	if snapshot.SchemaVersion != OfflineRecordSchemaVersion {
		return ErrSchemaMismatch
	}
	for _, stored := range snapshot.Records {
		s.records[stored.Key] = stored.Record
	}
	s.loaded = true
	return nil
}

func (s *FileRecordStore) persistLocked() error {
	snapshot := fileStoreSnapshot{SchemaVersion: OfflineRecordSchemaVersion}
	for key, rec := range s.records {
		snapshot.Records = append(snapshot.Records, StoredRecord{Key: key, Record: rec})
	}
	sortStored(snapshot.Records)
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileRecordStore) Put(key string, rec OfflineRecord) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.records[key]
	s.records[key] = rec
	if err := s.persistLocked(); err != nil {
		if existed {
			s.records[key] = prev
		} else {
			delete(s.records, key)
		}
		return err
	}
	return nil
}

func (s *FileRecordStore) Get(key string) (OfflineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return OfflineRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileRecordStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	delete(s.records, key)
	if err := s.persistLocked(); err != nil {
		s.records[key] = rec
		return err
	}
	return nil
}

func (s *FileRecordStore) List() ([]StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredRecord, 0, len(s.records))
	for key, rec := range s.records {
		out = append(out, StoredRecord{Key: key, Record: rec})
	}
	sortStored(out)
	return out, nil
}

func (s *FileRecordStore) Close() error { return nil }
