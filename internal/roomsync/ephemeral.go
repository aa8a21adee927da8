package roomsync

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultEmitInterval = 75 * time.Millisecond
	DefaultCursorTTL    = 10 * time.Second
	DefaultSelectionTTL = 30 * time.Second
)

type CursorUpdate struct {
	UserID     string    `json:"userId"`
	ElementRef string    `json:"elementRef"`
	Offset     int       `json:"offset"`
	Timestamp  time.Time `json:"timestamp"`
}

type SelectionRange struct {
	UserID     string    `json:"userId"`
	ElementRef string    `json:"elementRef"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Timestamp  time.Time `json:"timestamp"`
}

// EphemeralUpdate carries exactly one remote cursor or selection update.
type EphemeralUpdate struct {
	Cursor    *CursorUpdate
	Selection *SelectionRange
}

type EphemeralSubscriber func(update EphemeralUpdate)

type BroadcasterOptions struct {
	EmitInterval time.Duration
	CursorTTL    time.Duration
	SelectionTTL time.Duration

	// Outbound sinks, wired to the transport by the session. Both optional.
	EmitCursor    func(update CursorUpdate)
	EmitSelection func(sel SelectionRange)
}

// Broadcaster throttles outbound cursor/selection traffic and keeps a
// last-write-wins view of remote ephemeral state. Content correctness never
// depends on this channel; anything here is safe to lose.
type Broadcaster struct {
	cursorTTL    time.Duration
	selectionTTL time.Duration
	now          func() time.Time

	cursorSampler    *sampler[CursorUpdate]
	selectionSampler *sampler[SelectionRange]

	mu          sync.Mutex
	cursors     map[string]CursorUpdate
	selections  map[string]SelectionRange
	subscribers map[int]EphemeralSubscriber
	nextSubID   int
}

func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	interval := opts.EmitInterval
	if interval <= 0 {
		interval = DefaultEmitInterval
	}
	cursorTTL := opts.CursorTTL
	if cursorTTL <= 0 {
		cursorTTL = DefaultCursorTTL
	}
	selectionTTL := opts.SelectionTTL
	if selectionTTL <= 0 {
		selectionTTL = DefaultSelectionTTL
	}
	return &Broadcaster{
		cursorTTL:        cursorTTL,
		selectionTTL:     selectionTTL,
		now:              time.Now,
		cursorSampler:    newSampler(interval, opts.EmitCursor),
		selectionSampler: newSampler(interval, opts.EmitSelection),
		cursors:          map[string]CursorUpdate{},
		selections:       map[string]SelectionRange{},
		subscribers:      map[int]EphemeralSubscriber{},
	}
}

func (b *Broadcaster) Close() {
	b.cursorSampler.stop()
	b.selectionSampler.stop()
}

// SendCursor samples an outbound cursor move. At most one update per emit
// interval reaches the sink; intermediate positions are dropped in favor of
// the latest one.
func (b *Broadcaster) SendCursor(update CursorUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = b.now()
	}
	b.cursorSampler.offer(update)
}

func (b *Broadcaster) SendSelection(sel SelectionRange) {
	if sel.Timestamp.IsZero() {
		sel.Timestamp = b.now()
	}
	b.selectionSampler.offer(sel)
}

// ApplyRemoteCursor merges an inbound cursor update. Updates older than the
// retained one for that user are discarded. Returns whether it was applied.
func (b *Broadcaster) ApplyRemoteCursor(update CursorUpdate) bool {
	if update.UserID == "" {
		return false
	}
	b.mu.Lock()
	prev, ok := b.cursors[update.UserID]
	if ok && update.Timestamp.Before(prev.Timestamp) {
		b.mu.Unlock()
		return false
	}
	b.cursors[update.UserID] = update
	b.mu.Unlock()
	b.notify(EphemeralUpdate{Cursor: &update})
	return true
}

func (b *Broadcaster) ApplyRemoteSelection(sel SelectionRange) bool {
	if sel.UserID == "" {
		return false
	}
	b.mu.Lock()
	prev, ok := b.selections[sel.UserID]
	if ok && sel.Timestamp.Before(prev.Timestamp) {
		b.mu.Unlock()
		return false
	}
	b.selections[sel.UserID] = sel
	b.mu.Unlock()
	b.notify(EphemeralUpdate{Selection: &sel})
	return true
}

// Forget drops all ephemeral state for a user, typically on leave.
func (b *Broadcaster) Forget(userID string) {
	b.mu.Lock()
	delete(b.cursors, userID)
	delete(b.selections, userID)
	b.mu.Unlock()
}

// Cursors returns the render-ready cursor set, dropping entries past the
// display TTL.
func (b *Broadcaster) Cursors() []CursorUpdate {
	cutoff := b.now().Add(-b.cursorTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CursorUpdate, 0, len(b.cursors))
	for userID, update := range b.cursors {
		if update.Timestamp.Before(cutoff) {
			delete(b.cursors, userID)
			continue
		}
		out = append(out, update)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (b *Broadcaster) Selections() []SelectionRange {
	cutoff := b.now().Add(-b.selectionTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SelectionRange, 0, len(b.selections))
	for userID, sel := range b.selections {
		if sel.Timestamp.Before(cutoff) {
			delete(b.selections, userID)
			continue
		}
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (b *Broadcaster) Subscribe(fn EphemeralSubscriber) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) notify(update EphemeralUpdate) {
	b.mu.Lock()
	subs := make([]EphemeralSubscriber, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(update)
	}
}

// sampler is a bounded-rate, keep-latest emitter. The first offer in a quiet
// window goes out immediately; later offers within the window overwrite each
// other and the newest one is flushed when the window elapses.
type sampler[T any] struct {
	interval time.Duration
	emit     func(T)

	mu       sync.Mutex
	lastEmit time.Time
	pending  *T
	timer    *time.Timer
	stopped  bool
}

func newSampler[T any](interval time.Duration, emit func(T)) *sampler[T] {
	return &sampler[T]{interval: interval, emit: emit}
}

func (s *sampler[T]) offer(value T) {
	if s.emit == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if s.pending == nil && now.Sub(s.lastEmit) >= s.interval {
		s.lastEmit = now
		s.mu.Unlock()
		s.emit(value)
		return
	}
	s.pending = &value
	if s.timer == nil {
		wait := s.interval - now.Sub(s.lastEmit)
		if wait <= 0 {
			wait = s.interval
		}
		s.timer = time.AfterFunc(wait, s.flush)
	}
	s.mu.Unlock()
}

func (s *sampler[T]) flush() {
	s.mu.Lock()
	s.timer = nil
	value := s.pending
	s.pending = nil
	if value == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.lastEmit = time.Now()
	s.mu.Unlock()
	s.emit(*value)
}

func (s *sampler[T]) stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.mu.Unlock()
}
