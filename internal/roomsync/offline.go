package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxSyncAttempts = 5
	DefaultMaxQueued       = 1000
)

// RemoteConflictError is returned by a PushFunc when the server rejects a
// record because the entity changed since the client last saw it. It carries
// the current server-side version so the queue can resolve the conflict.
type RemoteConflictError struct {
	EntityType     string
	EntityID       string
	RemotePayload  json.RawMessage
	RemoteModified time.Time
}

func (e *RemoteConflictError) Error() string {
	return fmt.Sprintf("remote conflict for %s/%s", e.EntityType, e.EntityID)
}

// PushFunc uploads one record to the server. force asks the server to accept
// the payload even if its version is newer; it is only set after the conflict
// policy has decided the local side wins or a merged payload was produced.
type PushFunc func(ctx context.Context, rec OfflineRecord, force bool) error

// MergeFunc combines a queued local payload with the current remote payload
// into one that preserves both sides. Returning false means the payloads
// cannot be merged and the last-write-wins policy applies instead.
type MergeFunc func(local, remote json.RawMessage) (json.RawMessage, bool)

type OfflineQueueOptions struct {
	Store RecordStore
	Push  PushFunc

	// Merge maps an entity type to its payload merger. Content edits register
	// an operation-transform backed merger here; unlisted types fall back to
	// last-write-wins with a conflict copy.
	Merge map[string]MergeFunc

	MaxAttempts int
	MaxQueued   int

	// NewBackoff builds the retry schedule for one record. Defaults to
	// exponential 1s..30s with jitter.
	NewBackoff func() backoff.BackOff

	OnRecordUpdate func(stored StoredRecord)
	Logger         Logger
}

// OfflineQueue captures local mutations while the link is down and replays
// them on reconnect. A record is durable in the store before Enqueue returns
// and is removed only once the server acknowledged it.
type OfflineQueue struct {
	store       RecordStore
	push        PushFunc
	merge       map[string]MergeFunc
	validator   *RecordValidator
	maxAttempts int
	maxQueued   int
	newBackoff  func() backoff.BackOff
	onUpdate    func(StoredRecord)
	logger      Logger
	now         func() time.Time

	flushMu sync.Mutex

	mu       sync.Mutex
	backoffs map[string]backoff.BackOff
}

func NewOfflineQueue(opts OfflineQueueOptions) (*OfflineQueue, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxSyncAttempts
	}
	maxQueued := opts.MaxQueued
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}
	newBackoff := opts.NewBackoff
	if newBackoff == nil {
		newBackoff = defaultRetryBackoff
	}
	validator, err := NewRecordValidator()
	if err != nil {
		return nil, err
	}
	return &OfflineQueue{
		store:       opts.Store,
		push:        opts.Push,
		merge:       opts.Merge,
		validator:   validator,
		maxAttempts: maxAttempts,
		maxQueued:   maxQueued,
		newBackoff:  newBackoff,
		onUpdate:    opts.OnRecordUpdate,
		logger:      opts.Logger,
		now:         time.Now,
		backoffs:    map[string]backoff.BackOff{},
	}, nil
}

func defaultRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	return b
}

// Enqueue persists a local mutation for later replay. A pending record for
// the same entity is coalesced: the newer payload replaces the queued one and
// the retry budget resets. The caller may treat the mutation as saved only
// when Enqueue returns nil.
func (q *OfflineQueue) Enqueue(rec OfflineRecord) error {
	if strings.TrimSpace(rec.EntityType) == "" || strings.TrimSpace(rec.EntityID) == "" || len(rec.Payload) == 0 {
		return ErrInvalidInput
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = OfflineRecordSchemaVersion
	}
	if rec.SchemaVersion != OfflineRecordSchemaVersion {
		return ErrSchemaMismatch
	}
	now := q.now()
	if rec.LastModified.IsZero() {
		rec.LastModified = now
	}
	key := rec.Key()

	existing, err := q.store.Get(key)
	switch {
	case err == nil:
		rec.EnqueuedAt = existing.EnqueuedAt
	case errors.Is(err, ErrNotFound):
		pending, countErr := q.pendingCount()
		if countErr != nil {
			return countErr
		}
		if pending >= q.maxQueued {
			return ErrQueueFull
		}
		rec.EnqueuedAt = now
	default:
		return err
	}

	rec.SyncStatus = SyncPending
	rec.Attempts = 0
	rec.NextRetryAt = time.Time{}
	if err := q.validator.Validate(rec); err != nil {
		return err
	}
	if err := q.store.Put(key, rec); err != nil {
		return err
	}
	q.resetBackoff(key)
	q.notify(StoredRecord{Key: key, Record: rec})
	return nil
}

func (q *OfflineQueue) pendingCount() (int, error) {
	stored, err := q.store.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range stored {
		if s.Record.SyncStatus == SyncPending {
			n++
		}
	}
	return n, nil
}

// Pending returns queued records in replay order.
func (q *OfflineQueue) Pending() ([]StoredRecord, error) {
	return q.listByStatus(SyncPending)
}

// Conflicts returns retained conflict copies, oldest first.
func (q *OfflineQueue) Conflicts() ([]StoredRecord, error) {
	return q.listByStatus(SyncConflict)
}

// Failed returns records that exhausted their retry budget.
func (q *OfflineQueue) Failed() ([]StoredRecord, error) {
	return q.listByStatus(SyncFailed)
}

func (q *OfflineQueue) listByStatus(status SyncStatus) ([]StoredRecord, error) {
	stored, err := q.store.List()
	if err != nil {
		return nil, err
	}
	out := stored[:0]
	for _, s := range stored {
		if s.Record.SyncStatus == status {
			out = append(out, s)
		}
	}
	return out, nil
}

// Flush replays every due pending record against the server, first-in
// first-out. It returns the number of records acknowledged and removed.
// Records whose retry window has not elapsed are left for the next flush.
func (q *OfflineQueue) Flush(ctx context.Context) (int, error) {
	if q.push == nil {
		return 0, ErrInvalidState
	}
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	stored, err := q.store.List()
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, s := range stored {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if s.Record.SyncStatus != SyncPending {
			continue
		}
		if !s.Record.NextRetryAt.IsZero() && q.now().Before(s.Record.NextRetryAt) {
			continue
		}
		ok, err := q.replay(ctx, s)
		if err != nil {
			return synced, err
		}
		if ok {
			synced++
		}
	}
	return synced, nil
}

// replay pushes one record. It reports whether the record was acknowledged
// and removed; a false return with nil error means the record stays queued
// (either rescheduled or parked as conflict/failed).
func (q *OfflineQueue) replay(ctx context.Context, s StoredRecord) (bool, error) {
	rec := s.Record
	rec.Attempts++

	err := q.push(ctx, rec, false)
	var conflict *RemoteConflictError
	switch {
	case err == nil:
		return true, q.ack(s.Key)
	case errors.As(err, &conflict):
		return q.resolveConflict(ctx, s.Key, rec, conflict)
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, q.reschedule(s.Key, rec, err)
	}
}

func (q *OfflineQueue) resolveConflict(ctx context.Context, key string, rec OfflineRecord, conflict *RemoteConflictError) (bool, error) {
	if mergeFn, ok := q.merge[rec.EntityType]; ok {
		if merged, ok := mergeFn(rec.Payload, conflict.RemotePayload); ok {
			rec.Payload = merged
			rec.LastModified = q.now()
			if err := q.push(ctx, rec, true); err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				return false, q.reschedule(key, rec, err)
			}
			q.logf("merged conflicting update for %s", key)
			return true, q.ack(key)
		}
	}

	if rec.LastModified.After(conflict.RemoteModified) {
		// Local side wins; the overwritten server version is retained.
		if err := q.push(ctx, rec, true); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, q.reschedule(key, rec, err)
		}
		q.retainConflictCopy(rec.EntityType, rec.EntityID, conflict.RemotePayload, conflict.RemoteModified)
		return true, q.ack(key)
	}

	// Remote side wins; the queued local payload becomes the conflict copy.
	conflictKey := q.retainConflictCopy(rec.EntityType, rec.EntityID, rec.Payload, rec.LastModified)
	if err := q.store.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	q.resetBackoff(key)
	q.logf("update for %s lost to newer server state, kept as %s", key, conflictKey)
	return false, nil
}

func (q *OfflineQueue) retainConflictCopy(entityType, entityID string, payload json.RawMessage, modified time.Time) string {
	now := q.now()
	key := "conflict/" + entityType + "/" + entityID + "/" + strconv.FormatInt(now.UnixNano(), 10)
	copyRec := OfflineRecord{
		SchemaVersion: OfflineRecordSchemaVersion,
		EntityType:    entityType,
		EntityID:      entityID,
		Payload:       payload,
		LastModified:  modified,
		EnqueuedAt:    now,
		SyncStatus:    SyncConflict,
	}
	if err := q.store.Put(key, copyRec); err != nil {
		q.logf("failed to retain conflict copy %s: %v", key, err)
		return key
	}
	q.notify(StoredRecord{Key: key, Record: copyRec})
	return key
}

func (q *OfflineQueue) ack(key string) error {
	if err := q.store.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	q.resetBackoff(key)
	return nil
}

func (q *OfflineQueue) reschedule(key string, rec OfflineRecord, cause error) error {
	if rec.Attempts >= q.maxAttempts {
		rec.SyncStatus = SyncFailed
		rec.NextRetryAt = time.Time{}
		if err := q.store.Put(key, rec); err != nil {
			return err
		}
		q.resetBackoff(key)
		q.logf("giving up on %s after %d attempts: %v", key, rec.Attempts, cause)
		q.notify(StoredRecord{Key: key, Record: rec})
		return nil
	}
	rec.NextRetryAt = q.now().Add(q.backoffFor(key).NextBackOff())
	if err := q.store.Put(key, rec); err != nil {
		return err
	}
	q.logf("replay of %s failed (attempt %d): %v", key, rec.Attempts, cause)
	q.notify(StoredRecord{Key: key, Record: rec})
	return nil
}

// RetryFailed moves a failed record back to pending with a fresh retry
// budget. The next Flush picks it up.
func (q *OfflineQueue) RetryFailed(key string) error {
	rec, err := q.store.Get(key)
	if err != nil {
		return err
	}
	if rec.SyncStatus != SyncFailed {
		return ErrInvalidState
	}
	rec.SyncStatus = SyncPending
	rec.Attempts = 0
	rec.NextRetryAt = time.Time{}
	if err := q.store.Put(key, rec); err != nil {
		return err
	}
	q.resetBackoff(key)
	q.notify(StoredRecord{Key: key, Record: rec})
	return nil
}

// DiscardConflict drops a retained conflict copy once the user resolved it.
func (q *OfflineQueue) DiscardConflict(key string) error {
	rec, err := q.store.Get(key)
	if err != nil {
		return err
	}
	if rec.SyncStatus != SyncConflict {
		return ErrInvalidState
	}
	return q.store.Delete(key)
}

func (q *OfflineQueue) backoffFor(key string) backoff.BackOff {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.backoffs[key]
	if !ok {
		b = q.newBackoff()
		q.backoffs[key] = b
	}
	return b
}

func (q *OfflineQueue) resetBackoff(key string) {
	q.mu.Lock()
	delete(q.backoffs, key)
	q.mu.Unlock()
}

func (q *OfflineQueue) notify(stored StoredRecord) {
	if q.onUpdate != nil {
		q.onUpdate(stored)
	}
}

func (q *OfflineQueue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf(format, args...)
}
