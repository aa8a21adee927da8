package roomsync

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Operation is an immutable content mutation with causal metadata. Parent is
// the opId of the last operation the authoring site had applied when this one
// was created; an empty Parent means the op was authored against the initial
// document.
type Operation struct {
	OpID      string    `json:"opId"`
	AuthorID  string    `json:"authorId"`
	Kind      OpKind    `json:"kind"`
	Position  int       `json:"position"`
	Text      string    `json:"text,omitempty"`
	Length    int       `json:"length,omitempty"`
	Parent    string    `json:"parent,omitempty"`
	LocalSeq  int       `json:"localSeq"`
	Timestamp time.Time `json:"timestamp"`
}

const mergeSnapshotSchemaVersion = 1

type mergeSnapshot struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Document      string                 `json:"document"`
	Log           []Operation            `json:"log"`
	Pending       map[string][]Operation `json:"pending,omitempty"`
}

// MergeEngine merges concurrent insert/delete operations from multiple
// authors into one consistent document. Given the same operation set, the
// resulting text converges regardless of arrival order (subject to causal
// buffering on missing predecessors).
type MergeEngine struct {
	logger Logger

	mu       sync.Mutex
	doc      []rune
	log      []Operation
	logIndex map[string]int
	applied  map[string]bool
	pending  map[string][]Operation
	localSeq int
}

func NewMergeEngine(logger Logger) *MergeEngine {
	return &MergeEngine{
		logger:   logger,
		logIndex: map[string]int{},
		applied:  map[string]bool{},
		pending:  map[string][]Operation{},
	}
}

func (e *MergeEngine) Document() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.doc)
}

// PendingCount reports how many remote operations are buffered awaiting a
// causal predecessor.
func (e *MergeEngine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ops := range e.pending {
		n += len(ops)
	}
	return n
}

// ApplyLocal applies an operation authored at this site against the current
// document. The returned operation carries the causal metadata (parent,
// localSeq) peers need and is the one to broadcast.
func (e *MergeEngine) ApplyLocal(op Operation) (Operation, string, error) {
	if err := validateOp(op); err != nil {
		return Operation{}, "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applied[op.OpID] {
		return op, string(e.doc), ErrDuplicate
	}
	if len(e.log) > 0 {
		op.Parent = e.log[len(e.log)-1].OpID
	} else {
		op.Parent = ""
	}
	e.localSeq++
	op.LocalSeq = e.localSeq
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	e.applyLocked(op)
	return op, string(e.doc), nil
}

// ApplyRemote merges an operation authored elsewhere. Duplicate opIds are
// ignored; operations whose parent has not arrived yet are buffered and
// flushed once it does.
func (e *MergeEngine) ApplyRemote(op Operation) (string, error) {
	if err := validateOp(op); err != nil {
		return e.Document(), err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applied[op.OpID] {
		return string(e.doc), nil
	}
	if op.Parent != "" && !e.applied[op.Parent] {
		e.pending[op.Parent] = append(e.pending[op.Parent], op)
		e.logf("buffered op %s awaiting predecessor %s", op.OpID, op.Parent)
		return string(e.doc), nil
	}
	e.applyRemoteLocked(op)
	return string(e.doc), nil
}

func (e *MergeEngine) applyRemoteLocked(op Operation) {
	// Everything applied after op's parent is concurrent with it and must be
	// transformed in. A transform can split a delete into segments.
	segments := []Operation{op}
	start := 0
	if op.Parent != "" {
		start = e.logIndex[op.Parent] + 1
	}
	for i := start; i < len(e.log); i++ {
		next := make([]Operation, 0, len(segments))
		for _, seg := range segments {
			next = append(next, transformAgainst(seg, e.log[i])...)
		}
		segments = next
	}
	// Segments share one coordinate space; applying from the highest
	// position down keeps the lower ones valid.
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Position > segments[j].Position
	})
	for i, seg := range segments {
		if i > 0 {
			seg.OpID = op.OpID + "#" + strconv.Itoa(i+1)
		}
		e.applyLocked(seg)
	}
	e.applied[op.OpID] = true
	if len(e.log) > 0 {
		// Successors declaring op as parent observed its full effect, so
		// their concurrency window starts after the last segment.
		e.logIndex[op.OpID] = len(e.log) - 1
	}

	queue := e.pending[op.OpID]
	delete(e.pending, op.OpID)
	for _, next := range queue {
		if e.applied[next.OpID] {
			continue
		}
		e.applyRemoteLocked(next)
	}
}

func (e *MergeEngine) applyLocked(op Operation) {
	switch op.Kind {
	case OpInsert:
		pos := clamp(op.Position, 0, len(e.doc))
		text := []rune(op.Text)
		next := make([]rune, 0, len(e.doc)+len(text))
		next = append(next, e.doc[:pos]...)
		next = append(next, text...)
		next = append(next, e.doc[pos:]...)
		e.doc = next
		op.Position = pos
	case OpDelete:
		pos := clamp(op.Position, 0, len(e.doc))
		end := clamp(pos+op.Length, pos, len(e.doc))
		e.doc = append(e.doc[:pos], e.doc[end:]...)
		op.Position = pos
		op.Length = end - pos
	}
	e.logIndex[op.OpID] = len(e.log)
	e.log = append(e.log, op)
	e.applied[op.OpID] = true
}

// Serialize captures the engine state as a versioned JSON snapshot.
func (e *MergeEngine) Serialize() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := mergeSnapshot{
		SchemaVersion: mergeSnapshotSchemaVersion,
		Document:      string(e.doc),
		Log:           append([]Operation(nil), e.log...),
	}
	if len(e.pending) > 0 {
		snapshot.Pending = map[string][]Operation{}
		for parent, ops := range e.pending {
			snapshot.Pending[parent] = append([]Operation(nil), ops...)
		}
	}
	return json.Marshal(snapshot)
}

// Restore replaces the engine state with a snapshot produced by Serialize.
func (e *MergeEngine) Restore(data []byte) error {
	var snapshot mergeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.SchemaVersion != mergeSnapshotSchemaVersion {
		return ErrSchemaMismatch
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restoreLocked(snapshot)
	return nil
}

func (e *MergeEngine) restoreLocked(snapshot mergeSnapshot) {
	e.doc = []rune(snapshot.Document)
	e.log = append([]Operation(nil), snapshot.Log...)
	e.logIndex = map[string]int{}
	e.applied = map[string]bool{}
	e.localSeq = 0
	for i, op := range e.log {
		e.logIndex[op.OpID] = i
		e.applied[op.OpID] = true
		if base := baseOpID(op.OpID); base != op.OpID {
			e.logIndex[base] = i
			e.applied[base] = true
		}
		if op.LocalSeq > e.localSeq {
			e.localSeq = op.LocalSeq
		}
	}
	e.pending = map[string][]Operation{}
	for parent, ops := range snapshot.Pending {
		e.pending[parent] = append([]Operation(nil), ops...)
	}
}

// ReconcileSnapshot adopts an authoritative snapshot, typically received on
// (re)join, while keeping work the snapshot does not know about: operations
// authored here but not yet synced are transformed back in, and buffered
// remote operations are re-applied so anything waiting on a predecessor
// inside the snapshot is released.
func (e *MergeEngine) ReconcileSnapshot(data []byte) error {
	var snapshot mergeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.SchemaVersion != mergeSnapshotSchemaVersion {
		return ErrSchemaMismatch
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	inSnapshot := make(map[string]bool, len(snapshot.Log))
	for _, op := range snapshot.Log {
		inSnapshot[baseOpID(op.OpID)] = true
	}
	var retained []Operation
	for _, op := range e.log {
		// Derived delete segments travel with their base operation.
		if baseOpID(op.OpID) != op.OpID {
			continue
		}
		if inSnapshot[op.OpID] {
			continue
		}
		retained = append(retained, op)
	}
	var buffered []Operation
	for _, ops := range e.pending {
		buffered = append(buffered, ops...)
	}

	e.restoreLocked(snapshot)
	for _, op := range retained {
		e.integrateLocked(op)
	}
	for _, op := range buffered {
		e.integrateLocked(op)
	}
	for _, op := range e.log {
		if op.LocalSeq > e.localSeq {
			e.localSeq = op.LocalSeq
		}
	}
	return nil
}

// integrateLocked routes an operation through the same dedup, causal
// buffering and transform steps as ApplyRemote.
func (e *MergeEngine) integrateLocked(op Operation) {
	if e.applied[op.OpID] {
		return
	}
	if op.Parent != "" && !e.applied[op.Parent] {
		// A parent that was a derived segment locally maps back to its base
		// operation in the authoritative log.
		if base := baseOpID(op.Parent); base != op.Parent && e.applied[base] {
			op.Parent = base
		} else {
			e.pending[op.Parent] = append(e.pending[op.Parent], op)
			return
		}
	}
	e.applyRemoteLocked(op)
}

func baseOpID(id string) string {
	if cut := strings.IndexByte(id, '#'); cut > 0 {
		return id[:cut]
	}
	return id
}

func (e *MergeEngine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func validateOp(op Operation) error {
	if strings.TrimSpace(op.OpID) == "" || strings.TrimSpace(op.AuthorID) == "" {
		return ErrInvalidInput
	}
	if op.Position < 0 {
		return ErrInvalidInput
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return ErrInvalidInput
		}
	case OpDelete:
		if op.Length <= 0 {
			return ErrInvalidInput
		}
	default:
		return ErrInvalidInput
	}
	return nil
}

// transformAgainst adjusts op so it applies correctly after `against`, an
// operation op's author had not observed. The result is usually one op; a
// delete straddling a concurrent insert splits into two segments so it never
// removes text the insert introduced.
func transformAgainst(op, against Operation) []Operation {
	switch against.Kind {
	case OpInsert:
		return transformAgainstInsert(op, against)
	case OpDelete:
		return []Operation{transformAgainstDelete(op, against)}
	}
	return []Operation{op}
}

func transformAgainstInsert(op, against Operation) []Operation {
	insLen := len([]rune(against.Text))
	switch op.Kind {
	case OpInsert:
		if against.Position < op.Position ||
			(against.Position == op.Position && ordersBefore(against, op)) {
			op.Position += insLen
		}
		return []Operation{op}
	case OpDelete:
		oStart := op.Position
		oEnd := op.Position + op.Length
		switch {
		case against.Position <= oStart:
			op.Position += insLen
			return []Operation{op}
		case against.Position >= oEnd:
			return []Operation{op}
		default:
			first := op
			first.Length = against.Position - oStart
			second := op
			second.Position = against.Position + insLen
			second.Length = oEnd - against.Position
			return []Operation{first, second}
		}
	}
	return []Operation{op}
}

func transformAgainstDelete(op, against Operation) Operation {
	aStart := against.Position
	aEnd := against.Position + against.Length
	switch op.Kind {
	case OpInsert:
		switch {
		case op.Position >= aEnd:
			op.Position -= against.Length
		case op.Position > aStart:
			op.Position = aStart
		}
	case OpDelete:
		oStart := op.Position
		oEnd := op.Position + op.Length
		switch {
		case aEnd <= oStart:
			op.Position -= against.Length
		case aStart >= oEnd:
			// Disjoint, after; untouched.
		default:
			before := max(0, aStart-oStart)
			after := max(0, oEnd-aEnd)
			op.Position = min(oStart, aStart)
			op.Length = before + after
		}
	}
	return op
}

// ordersBefore reports whether a deterministically precedes b when both
// insert at the same position: earlier timestamp first, ties broken by
// authorId then opId so every site agrees.
func ordersBefore(a, b Operation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.AuthorID != b.AuthorID {
		return a.AuthorID < b.AuthorID
	}
	return a.OpID < b.OpID
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
