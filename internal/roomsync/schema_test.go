package roomsync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestValidator(t *testing.T) *RecordValidator {
	t.Helper()
	validator, err := NewRecordValidator()
	if err != nil {
		t.Fatalf("validator construction failed: %v", err)
	}
	return validator
}

func TestValidateAcceptsWellFormedRecord(t *testing.T) {
	validator := newTestValidator(t)
	rec := OfflineRecord{
		SchemaVersion: OfflineRecordSchemaVersion,
		EntityType:    "task",
		EntityID:      "t1",
		Payload:       json.RawMessage(`{"title":"buy milk"}`),
		LastModified:  time.Now().UTC(),
		EnqueuedAt:    time.Now().UTC(),
		SyncStatus:    SyncPending,
	}
	if err := validator.Validate(rec); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
}

func TestValidateAcceptsAnyPayloadShape(t *testing.T) {
	validator := newTestValidator(t)
	payloads := []json.RawMessage{
		json.RawMessage(`{"title":"buy milk"}`),
		json.RawMessage(`["a","b"]`),
		json.RawMessage(`"plain text"`),
		json.RawMessage(`42`),
		json.RawMessage(`null`),
	}
	for _, payload := range payloads {
		rec := OfflineRecord{
			SchemaVersion: OfflineRecordSchemaVersion,
			EntityType:    "message",
			EntityID:      "m1",
			Payload:       payload,
			LastModified:  time.Now().UTC(),
			EnqueuedAt:    time.Now().UTC(),
			SyncStatus:    SyncPending,
		}
		if err := validator.Validate(rec); err != nil {
			t.Fatalf("payload %s: expected opaque payload accepted, got %v", payload, err)
		}
	}
}

func TestValidateRawRejectsSchemaViolations(t *testing.T) {
	validator := newTestValidator(t)
	cases := map[string]string{
		"wrong version":    `{"schemaVersion":2,"entityType":"task","entityId":"t1","payload":{},"lastModified":"2025-06-01T12:00:00Z","enqueuedAt":"2025-06-01T12:00:00Z","syncStatus":"pending","nextRetryAt":"0001-01-01T00:00:00Z"}`,
		"missing entityId": `{"schemaVersion":1,"entityType":"task","payload":{},"lastModified":"2025-06-01T12:00:00Z","enqueuedAt":"2025-06-01T12:00:00Z","syncStatus":"pending","nextRetryAt":"0001-01-01T00:00:00Z"}`,
		"bad status":       `{"schemaVersion":1,"entityType":"task","entityId":"t1","payload":{},"lastModified":"2025-06-01T12:00:00Z","enqueuedAt":"2025-06-01T12:00:00Z","syncStatus":"done","nextRetryAt":"0001-01-01T00:00:00Z"}`,
		"unknown field":    `{"schemaVersion":1,"entityType":"task","entityId":"t1","payload":{},"lastModified":"2025-06-01T12:00:00Z","enqueuedAt":"2025-06-01T12:00:00Z","syncStatus":"pending","nextRetryAt":"0001-01-01T00:00:00Z","extra":true}`,
		"not json":         `{broken`,
	}
	for name, payload := range cases {
		if err := validator.ValidateRaw([]byte(payload)); !errors.Is(err, ErrSchemaMismatch) {
			t.Fatalf("%s: expected ErrSchemaMismatch, got %v", name, err)
		}
	}
}

func TestValidateRoundTripsStoreRecords(t *testing.T) {
	validator := newTestValidator(t)
	store := NewMemoryRecordStore()
	rec := testRecord("t1", time.Now().UTC())
	if err := store.Put(rec.Key(), rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	stored, err := store.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, s := range stored {
		if err := validator.Validate(s.Record); err != nil {
			t.Fatalf("stored record failed validation: %v", err)
		}
	}
}
