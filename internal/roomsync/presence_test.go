package roomsync

import (
	"testing"
	"time"
)

func newTestTracker(t *testing.T) (*PresenceTracker, *time.Time) {
	t.Helper()
	tracker := NewPresenceTracker(PresenceTrackerOptions{
		Room:         "room_1",
		DisableSweep: true,
	})
	t.Cleanup(tracker.Close)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestJoinAssignsStableColor(t *testing.T) {
	tracker, _ := newTestTracker(t)
	first, err := tracker.Join(Session{SessionID: "s1", UserID: "user_a", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if first.Color == "" {
		t.Fatalf("expected assigned color")
	}
	if err := tracker.Leave("user_a"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	second, err := tracker.Join(Session{SessionID: "s2", UserID: "user_a", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if second.Color != first.Color {
		t.Fatalf("expected stable color across reconnects, got %s then %s", first.Color, second.Color)
	}
}

func TestRejoinReplacesInsteadOfDuplicating(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if _, err := tracker.Join(Session{UserID: "user_a", DisplayName: "Ada"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := tracker.Join(Session{UserID: "user_a", DisplayName: "Ada L."}); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	snapshot := tracker.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected exactly one entry after rejoin, got %d", len(snapshot))
	}
	if snapshot[0].DisplayName != "Ada L." {
		t.Fatalf("expected rejoin to update metadata in place, got %q", snapshot[0].DisplayName)
	}
}

func TestJoinRejectsEmptyUser(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if _, err := tracker.Join(Session{UserID: "  "}); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	tracker, now := newTestTracker(t)
	if _, err := tracker.Join(Session{UserID: "user_a"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := tracker.Join(Session{UserID: "user_b"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	*now = now.Add(6 * time.Second)
	if err := tracker.Heartbeat("user_b"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	*now = now.Add(5 * time.Second)
	tracker.sweep()

	snapshot := tracker.Snapshot()
	if len(snapshot) != 1 || snapshot[0].UserID != "user_b" {
		t.Fatalf("expected only user_b to survive sweep, got %+v", snapshot)
	}
}

func TestSweepClearsStaleTypingFlag(t *testing.T) {
	tracker, now := newTestTracker(t)
	if _, err := tracker.Join(Session{UserID: "user_a"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := tracker.SetTyping("user_a", true); err != nil {
		t.Fatalf("set typing failed: %v", err)
	}
	*now = now.Add(4 * time.Second)
	if err := tracker.Heartbeat("user_a"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	tracker.sweep()

	snapshot := tracker.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected user_a to remain present, got %+v", snapshot)
	}
	if snapshot[0].Typing {
		t.Fatalf("expected typing flag to auto-clear after typing TTL")
	}
}

func TestSweepPublishesExpiryAndTypingClear(t *testing.T) {
	tracker, now := newTestTracker(t)
	if _, err := tracker.Join(Session{UserID: "user_a"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := tracker.Join(Session{UserID: "user_b"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := tracker.SetTyping("user_b", true); err != nil {
		t.Fatalf("set typing failed: %v", err)
	}

	var events []PresenceEvent
	tracker.Subscribe(func(event PresenceEvent) {
		events = append(events, event)
	})

	// user_a goes silent past the liveness TTL; user_b heartbeats but lets
	// its typing flag go stale.
	*now = now.Add(6 * time.Second)
	if err := tracker.Heartbeat("user_b"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	*now = now.Add(5 * time.Second)
	tracker.sweep()

	if len(events) != 2 {
		t.Fatalf("expected expiry and typing-clear events, got %+v", events)
	}
	if events[0].Type != PresenceExpired || events[0].Entry.UserID != "user_a" {
		t.Fatalf("expected user_a expiry published, got %+v", events[0])
	}
	if events[1].Type != PresenceTyping || events[1].Entry.UserID != "user_b" || events[1].Entry.Typing {
		t.Fatalf("expected user_b typing-clear published, got %+v", events[1])
	}
}

func TestSubscribeDeliversJoinLeaveEvents(t *testing.T) {
	tracker, _ := newTestTracker(t)
	var events []PresenceEvent
	unsubscribe := tracker.Subscribe(func(event PresenceEvent) {
		events = append(events, event)
	})
	if _, err := tracker.Join(Session{UserID: "user_a"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := tracker.Leave("user_a"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	unsubscribe()
	if _, err := tracker.Join(Session{UserID: "user_b"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events before unsubscribe, got %d", len(events))
	}
	if events[0].Type != PresenceJoined || events[1].Type != PresenceLeft {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
}

func TestHeartbeatUnknownUser(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if err := tracker.Heartbeat("ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
