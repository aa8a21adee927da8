package roomsync

import (
	"testing"
	"time"
)

var mergeTestEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func insertOp(id, author string, pos int, text string, parent string, ts time.Duration) Operation {
	return Operation{
		OpID:      id,
		AuthorID:  author,
		Kind:      OpInsert,
		Position:  pos,
		Text:      text,
		Parent:    parent,
		Timestamp: mergeTestEpoch.Add(ts),
	}
}

func deleteOp(id, author string, pos, length int, parent string, ts time.Duration) Operation {
	return Operation{
		OpID:      id,
		AuthorID:  author,
		Kind:      OpDelete,
		Position:  pos,
		Length:    length,
		Parent:    parent,
		Timestamp: mergeTestEpoch.Add(ts),
	}
}

func seedDocument(t *testing.T, text string, engines ...*MergeEngine) Operation {
	t.Helper()
	seed, _, err := engines[0].ApplyLocal(insertOp("op_seed", "seed", 0, text, "", 0))
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	for _, engine := range engines[1:] {
		if _, err := engine.ApplyRemote(seed); err != nil {
			t.Fatalf("seed replicate failed: %v", err)
		}
	}
	return seed
}

func TestConcurrentSamePositionInsertsConverge(t *testing.T) {
	site1 := NewMergeEngine(nil)
	site2 := NewMergeEngine(nil)
	seed := seedDocument(t, "Hello", site1, site2)

	opA, _, err := site1.ApplyLocal(insertOp("op_a", "alice", 5, " World", "", time.Millisecond))
	if err != nil {
		t.Fatalf("site1 local apply failed: %v", err)
	}
	opB, _, err := site2.ApplyLocal(insertOp("op_b", "bob", 5, "!", "", 2*time.Millisecond))
	if err != nil {
		t.Fatalf("site2 local apply failed: %v", err)
	}
	if opA.Parent != seed.OpID || opB.Parent != seed.OpID {
		t.Fatalf("expected both ops parented on the seed, got %q and %q", opA.Parent, opB.Parent)
	}

	if _, err := site1.ApplyRemote(opB); err != nil {
		t.Fatalf("site1 remote apply failed: %v", err)
	}
	if _, err := site2.ApplyRemote(opA); err != nil {
		t.Fatalf("site2 remote apply failed: %v", err)
	}

	if site1.Document() != site2.Document() {
		t.Fatalf("sites diverged: %q vs %q", site1.Document(), site2.Document())
	}
	if site1.Document() != "Hello World!" {
		t.Fatalf("expected earlier timestamp to order first, got %q", site1.Document())
	}
}

func TestSamePositionSameTimestampTieBreaksByAuthor(t *testing.T) {
	site1 := NewMergeEngine(nil)
	site2 := NewMergeEngine(nil)
	seedDocument(t, "xy", site1, site2)

	opA, _, _ := site1.ApplyLocal(insertOp("op_a", "alice", 1, "A", "", time.Millisecond))
	opB, _, _ := site2.ApplyLocal(insertOp("op_b", "bob", 1, "B", "", time.Millisecond))

	site1.ApplyRemote(opB)
	site2.ApplyRemote(opA)

	if site1.Document() != site2.Document() {
		t.Fatalf("sites diverged: %q vs %q", site1.Document(), site2.Document())
	}
	if site1.Document() != "xABy" {
		t.Fatalf("expected author tie-break alice before bob, got %q", site1.Document())
	}
}

func TestInsertAfterConcurrentDeleteShiftsLeft(t *testing.T) {
	site1 := NewMergeEngine(nil)
	site2 := NewMergeEngine(nil)
	seedDocument(t, "0123456789", site1, site2)

	del, _, _ := site1.ApplyLocal(deleteOp("op_del", "alice", 2, 5, "", time.Millisecond))
	ins, _, _ := site2.ApplyLocal(insertOp("op_ins", "bob", 9, "X", "", 2*time.Millisecond))

	site1.ApplyRemote(ins)
	site2.ApplyRemote(del)

	if site1.Document() != site2.Document() {
		t.Fatalf("sites diverged: %q vs %q", site1.Document(), site2.Document())
	}
	if site1.Document() != "01789X" {
		t.Fatalf("expected insert shifted left across the delete, got %q", site1.Document())
	}
}

func TestDeleteStraddlingConcurrentInsertNeverRemovesInsertedText(t *testing.T) {
	site1 := NewMergeEngine(nil)
	site2 := NewMergeEngine(nil)
	seedDocument(t, "abcdefg", site1, site2)

	del, _, _ := site1.ApplyLocal(deleteOp("op_del", "alice", 1, 5, "", time.Millisecond))
	ins, _, _ := site2.ApplyLocal(insertOp("op_ins", "bob", 3, "XY", "", 2*time.Millisecond))

	site1.ApplyRemote(ins)
	site2.ApplyRemote(del)

	if site1.Document() != site2.Document() {
		t.Fatalf("sites diverged: %q vs %q", site1.Document(), site2.Document())
	}
	if site1.Document() != "aXYg" {
		t.Fatalf("expected delete to spare the concurrent insert, got %q", site1.Document())
	}
}

func TestConcurrentOverlappingDeletesConverge(t *testing.T) {
	site1 := NewMergeEngine(nil)
	site2 := NewMergeEngine(nil)
	seedDocument(t, "0123456789", site1, site2)

	delA, _, _ := site1.ApplyLocal(deleteOp("op_a", "alice", 2, 4, "", time.Millisecond))
	delB, _, _ := site2.ApplyLocal(deleteOp("op_b", "bob", 4, 4, "", 2*time.Millisecond))

	site1.ApplyRemote(delB)
	site2.ApplyRemote(delA)

	if site1.Document() != site2.Document() {
		t.Fatalf("sites diverged: %q vs %q", site1.Document(), site2.Document())
	}
	if site1.Document() != "0189" {
		t.Fatalf("expected union of deletions, got %q", site1.Document())
	}
}

func TestDuplicateRemoteOpIsIgnored(t *testing.T) {
	site1 := NewMergeEngine(nil)
	site2 := NewMergeEngine(nil)
	seedDocument(t, "base", site1, site2)

	op, _, _ := site1.ApplyLocal(insertOp("op_x", "alice", 4, "!", "", time.Millisecond))
	first, err := site2.ApplyRemote(op)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	second, err := site2.ApplyRemote(op)
	if err != nil {
		t.Fatalf("duplicate apply errored: %v", err)
	}
	if first != second || second != "base!" {
		t.Fatalf("expected idempotent duplicate delivery, got %q then %q", first, second)
	}
}

func TestOutOfOrderRemoteOpsAreBufferedUntilPredecessorArrives(t *testing.T) {
	site1 := NewMergeEngine(nil)
	site2 := NewMergeEngine(nil)
	seedDocument(t, "a", site1, site2)

	first, _, _ := site1.ApplyLocal(insertOp("op_1", "alice", 1, "b", "", time.Millisecond))
	second, _, _ := site1.ApplyLocal(insertOp("op_2", "alice", 2, "c", "", 2*time.Millisecond))

	doc, err := site2.ApplyRemote(second)
	if err != nil {
		t.Fatalf("apply out-of-order op errored: %v", err)
	}
	if doc != "a" {
		t.Fatalf("expected buffered op to leave document untouched, got %q", doc)
	}
	if site2.PendingCount() != 1 {
		t.Fatalf("expected 1 buffered op, got %d", site2.PendingCount())
	}

	doc, err = site2.ApplyRemote(first)
	if err != nil {
		t.Fatalf("apply predecessor errored: %v", err)
	}
	if doc != "abc" {
		t.Fatalf("expected buffered op flushed after predecessor, got %q", doc)
	}
	if site2.PendingCount() != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", site2.PendingCount())
	}
}

func TestApplyLocalRejectsInvalidOps(t *testing.T) {
	engine := NewMergeEngine(nil)
	cases := []Operation{
		{OpID: "", AuthorID: "a", Kind: OpInsert, Text: "x"},
		{OpID: "op", AuthorID: "", Kind: OpInsert, Text: "x"},
		{OpID: "op", AuthorID: "a", Kind: OpInsert},
		{OpID: "op", AuthorID: "a", Kind: OpDelete, Length: 0},
		{OpID: "op", AuthorID: "a", Kind: "replace", Text: "x"},
		{OpID: "op", AuthorID: "a", Kind: OpInsert, Text: "x", Position: -1},
	}
	for _, op := range cases {
		if _, _, err := engine.ApplyLocal(op); err != ErrInvalidInput {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", op, err)
		}
	}
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	site1 := NewMergeEngine(nil)
	seedDocument(t, "hello", site1)
	op, _, _ := site1.ApplyLocal(insertOp("op_1", "alice", 5, "!", "", time.Millisecond))

	data, err := site1.Serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	restored := NewMergeEngine(nil)
	if err := restored.Restore(data); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.Document() != "hello!" {
		t.Fatalf("expected restored document, got %q", restored.Document())
	}
	// Replayed duplicates stay idempotent after restore.
	doc, err := restored.ApplyRemote(op)
	if err != nil || doc != "hello!" {
		t.Fatalf("expected duplicate ignored after restore, got %q (%v)", doc, err)
	}
}

func TestRestoreRejectsUnknownSchemaVersion(t *testing.T) {
	engine := NewMergeEngine(nil)
	if err := engine.Restore([]byte(`{"schemaVersion":99,"document":"x"}`)); err != ErrSchemaMismatch {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestReconcileSnapshotReleasesBufferedOp(t *testing.T) {
	siteA := NewMergeEngine(nil)
	siteC := NewMergeEngine(nil)
	seedDocument(t, "Hello", siteA, siteC)

	op1, _, _ := siteA.ApplyLocal(insertOp("op_1", "alice", 5, "!", "", time.Millisecond))
	if _, err := siteC.ApplyRemote(op1); err != nil {
		t.Fatalf("siteC apply failed: %v", err)
	}
	op2, _, _ := siteC.ApplyLocal(insertOp("op_2", "carol", 6, "?", "", 2*time.Millisecond))

	// siteB missed op1, so op2 can only buffer.
	siteB := NewMergeEngine(nil)
	if _, err := siteB.ApplyRemote(op2); err != nil {
		t.Fatalf("siteB apply failed: %v", err)
	}
	if siteB.Document() != "" || siteB.PendingCount() != 1 {
		t.Fatalf("expected op buffered on empty document, got %q with %d pending", siteB.Document(), siteB.PendingCount())
	}

	snapshot, err := siteA.Serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if err := siteB.ReconcileSnapshot(snapshot); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if siteB.Document() != "Hello!?" {
		t.Fatalf("expected snapshot to release the buffered op, got %q", siteB.Document())
	}
	if siteB.PendingCount() != 0 {
		t.Fatalf("expected empty buffer after reconcile, got %d", siteB.PendingCount())
	}
}

func TestReconcileSnapshotKeepsLocalUnsyncedOps(t *testing.T) {
	siteA := NewMergeEngine(nil)
	siteB := NewMergeEngine(nil)
	seedDocument(t, "base", siteA, siteB)

	// siteB edits while disconnected; siteA moves on without it.
	local, _, err := siteB.ApplyLocal(insertOp("op_local", "bob", 4, ":offline", "", time.Millisecond))
	if err != nil {
		t.Fatalf("siteB local apply failed: %v", err)
	}
	if _, _, err := siteA.ApplyLocal(insertOp("op_remote", "alice", 0, ">", "", 2*time.Millisecond)); err != nil {
		t.Fatalf("siteA local apply failed: %v", err)
	}

	snapshot, err := siteA.Serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if err := siteB.ReconcileSnapshot(snapshot); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if siteB.Document() != ">base:offline" {
		t.Fatalf("expected local edit to survive reconcile, got %q", siteB.Document())
	}

	// The retained edit replays to the relay side and both views converge.
	if _, err := siteA.ApplyRemote(local); err != nil {
		t.Fatalf("siteA apply of retained op failed: %v", err)
	}
	if siteA.Document() != siteB.Document() {
		t.Fatalf("sites diverged after reconcile: %q vs %q", siteA.Document(), siteB.Document())
	}
}

func TestReconcileSnapshotIsIdempotentForSyncedState(t *testing.T) {
	siteA := NewMergeEngine(nil)
	siteB := NewMergeEngine(nil)
	seedDocument(t, "steady", siteA, siteB)
	op, _, _ := siteA.ApplyLocal(insertOp("op_1", "alice", 6, ".", "", time.Millisecond))
	if _, err := siteB.ApplyRemote(op); err != nil {
		t.Fatalf("siteB apply failed: %v", err)
	}

	snapshot, err := siteA.Serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if err := siteB.ReconcileSnapshot(snapshot); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if siteB.Document() != "steady." {
		t.Fatalf("expected unchanged document, got %q", siteB.Document())
	}
	if siteB.PendingCount() != 0 {
		t.Fatalf("expected no buffered ops, got %d", siteB.PendingCount())
	}
}

func TestReconcileSnapshotRejectsUnknownSchemaVersion(t *testing.T) {
	engine := NewMergeEngine(nil)
	if err := engine.ReconcileSnapshot([]byte(`{"schemaVersion":99,"document":"x"}`)); err != ErrSchemaMismatch {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestThreeSitesConvergeRegardlessOfArrivalOrder(t *testing.T) {
	sites := []*MergeEngine{NewMergeEngine(nil), NewMergeEngine(nil), NewMergeEngine(nil)}
	seedDocument(t, "shared", sites...)

	opA, _, _ := sites[0].ApplyLocal(insertOp("op_a", "alice", 0, "A", "", time.Millisecond))
	opB, _, _ := sites[1].ApplyLocal(insertOp("op_b", "bob", 6, "B", "", 2*time.Millisecond))
	opC, _, _ := sites[2].ApplyLocal(deleteOp("op_c", "carol", 1, 2, "", 3*time.Millisecond))

	orders := [][]Operation{
		{opB, opC},
		{opC, opA},
		{opA, opB},
	}
	for i, site := range sites {
		for _, op := range orders[i] {
			if _, err := site.ApplyRemote(op); err != nil {
				t.Fatalf("site %d apply failed: %v", i, err)
			}
		}
	}

	want := sites[0].Document()
	for i, site := range sites[1:] {
		if site.Document() != want {
			t.Fatalf("site %d diverged: %q vs %q", i+1, site.Document(), want)
		}
	}
}
