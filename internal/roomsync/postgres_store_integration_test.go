package roomsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ROOMSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set ROOMSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("drop table %s: open failed: %v", tableName, err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(tableName)); err != nil {
		t.Logf("drop table %s failed: %v", tableName, err)
	}
}

func TestPostgresIntegrationRecordStoreRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresRecordStore(dsn)
	if err != nil {
		t.Fatalf("new postgres record store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("roomsync_records_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	if _, err := store.Get("task/t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty table, got %v", err)
	}

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"t1", "t2"} {
		rec := testRecord(id, base.Add(time.Duration(i)*time.Second))
		if err := store.Put(rec.Key(), rec); err != nil {
			t.Fatalf("put %s failed: %v", id, err)
		}
	}

	got, err := store.Get("task/t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.EntityID != "t1" || got.SyncStatus != SyncPending {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Put is an upsert.
	got.SyncStatus = SyncFailed
	if err := store.Put(got.Key(), got); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	got, err = store.Get("task/t1")
	if err != nil {
		t.Fatalf("get after upsert failed: %v", err)
	}
	if got.SyncStatus != SyncFailed {
		t.Fatalf("expected upserted status, got %s", got.SyncStatus)
	}

	stored, err := store.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(stored) != 2 || stored[0].Record.EntityID != "t1" || stored[1].Record.EntityID != "t2" {
		t.Fatalf("unexpected listing: %+v", stored)
	}

	if err := store.Delete("task/t1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete("task/t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
}
