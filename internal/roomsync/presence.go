package roomsync

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultLivenessTTL   = 10 * time.Second
	DefaultTypingTTL     = 3 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// presencePalette is the fixed color palette participants are mapped into.
// Assignment is a pure function of userId so a user keeps the same color
// across reconnects and across every peer's view of the room.
var presencePalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#aaffc3",
}

type Session struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"assignedColor"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type PresenceEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Typing      bool      `json:"isTyping"`
	LastSeenAt  time.Time `json:"lastSeenAt"`

	typingAt time.Time
}

type PresenceEventType string

const (
	PresenceJoined  PresenceEventType = "presence_joined"
	PresenceLeft    PresenceEventType = "presence_left"
	PresenceExpired PresenceEventType = "presence_expired"
	PresenceTyping  PresenceEventType = "presence_typing"
)

type PresenceEvent struct {
	Type  PresenceEventType
	Room  string
	Entry PresenceEntry
}

type PresenceSubscriber func(event PresenceEvent)

type PresenceTrackerOptions struct {
	Room          string
	LivenessTTL   time.Duration
	TypingTTL     time.Duration
	SweepInterval time.Duration
	DisableSweep  bool
	Logger        Logger
}

// PresenceTracker owns the authoritative local view of who is in one room.
// All mutation goes through its methods; Snapshot returns copies.
type PresenceTracker struct {
	room        string
	livenessTTL time.Duration
	typingTTL   time.Duration
	logger      Logger
	now         func() time.Time

	mu          sync.Mutex
	entries     map[string]*PresenceEntry
	subscribers map[int]PresenceSubscriber
	nextSubID   int

	sweepStop chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPresenceTracker(opts PresenceTrackerOptions) *PresenceTracker {
	livenessTTL := opts.LivenessTTL
	if livenessTTL <= 0 {
		livenessTTL = DefaultLivenessTTL
	}
	typingTTL := opts.TypingTTL
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	t := &PresenceTracker{
		room:        strings.TrimSpace(opts.Room),
		livenessTTL: livenessTTL,
		typingTTL:   typingTTL,
		logger:      opts.Logger,
		now:         time.Now,
		entries:     map[string]*PresenceEntry{},
		subscribers: map[int]PresenceSubscriber{},
		sweepStop:   make(chan struct{}),
	}
	if !opts.DisableSweep {
		t.wg.Add(1)
		go t.sweepLoop(sweepInterval)
	}
	return t
}

func (t *PresenceTracker) Close() {
	t.closeOnce.Do(func() {
		close(t.sweepStop)
	})
	t.wg.Wait()
}

// Join registers a session in the room. Re-joining an existing userId updates
// the entry in place rather than creating a duplicate.
func (t *PresenceTracker) Join(session Session) (PresenceEntry, error) {
	userID := strings.TrimSpace(session.UserID)
	if userID == "" {
		return PresenceEntry{}, ErrInvalidInput
	}
	now := t.now()
	t.mu.Lock()
	entry, rejoined := t.entries[userID]
	if !rejoined {
		entry = &PresenceEntry{UserID: userID}
		t.entries[userID] = entry
	}
	entry.DisplayName = session.DisplayName
	entry.Color = AssignColor(userID)
	entry.LastSeenAt = now
	snapshot := *entry
	t.mu.Unlock()

	if !rejoined {
		t.notify(PresenceEvent{Type: PresenceJoined, Room: t.room, Entry: snapshot})
	}
	return snapshot, nil
}

func (t *PresenceTracker) Leave(userID string) error {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	snapshot := *entry
	delete(t.entries, userID)
	t.mu.Unlock()

	t.notify(PresenceEvent{Type: PresenceLeft, Room: t.room, Entry: snapshot})
	return nil
}

func (t *PresenceTracker) Heartbeat(userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[userID]
	if !ok {
		return ErrNotFound
	}
	entry.LastSeenAt = t.now()
	return nil
}

func (t *PresenceTracker) SetTyping(userID string, typing bool) error {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	now := t.now()
	entry.LastSeenAt = now
	entry.Typing = typing
	if typing {
		entry.typingAt = now
	}
	snapshot := *entry
	t.mu.Unlock()

	t.notify(PresenceEvent{Type: PresenceTyping, Room: t.room, Entry: snapshot})
	return nil
}

// Snapshot returns the current presence set ordered by userId.
func (t *PresenceTracker) Snapshot() []PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PresenceEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *PresenceTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Subscribe registers a callback for presence events and returns an
// unsubscribe func. Callbacks run outside the tracker lock.
func (t *PresenceTracker) Subscribe(fn PresenceSubscriber) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

func (t *PresenceTracker) sweepLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.sweepStop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep evicts entries past the liveness TTL and clears stale typing flags
// for users that are still present. Both changes are published so remote
// views stay in step with the authoritative one.
func (t *PresenceTracker) sweep() {
	now := t.now()
	var expired, typingCleared []PresenceEntry
	t.mu.Lock()
	for userID, entry := range t.entries {
		if now.Sub(entry.LastSeenAt) > t.livenessTTL {
			expired = append(expired, *entry)
			delete(t.entries, userID)
			continue
		}
		if entry.Typing && now.Sub(entry.typingAt) > t.typingTTL {
			entry.Typing = false
			typingCleared = append(typingCleared, *entry)
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		t.logf("presence expired for %s in room %s", entry.UserID, t.room)
		t.notify(PresenceEvent{Type: PresenceExpired, Room: t.room, Entry: entry})
	}
	for _, entry := range typingCleared {
		t.notify(PresenceEvent{Type: PresenceTyping, Room: t.room, Entry: entry})
	}
}

func (t *PresenceTracker) notify(event PresenceEvent) {
	t.mu.Lock()
	subs := make([]PresenceSubscriber, 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(event)
	}
}

func (t *PresenceTracker) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}

// AssignColor maps a userId into the fixed palette deterministically.
func AssignColor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return presencePalette[int(h.Sum32())%len(presencePalette)]
}
