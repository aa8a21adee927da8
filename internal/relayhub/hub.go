package relayhub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabworks/roomsync/internal/roomsync"
)

type HubOptions struct {
	// TokenSecret enables join authentication. An empty secret accepts every
	// join, which is only suitable for tests and local development.
	TokenSecret string

	// Presence timing knobs, zero for the tracker defaults.
	PresenceLivenessTTL   time.Duration
	PresenceTypingTTL     time.Duration
	PresenceSweepInterval time.Duration

	Logger roomsync.Logger
}

// Hub is the relay's room fabric: it authenticates joins, fans presence and
// ephemeral traffic out to room members, keeps the authoritative operation
// log per room, and acknowledges messages as sent and delivered.
type Hub struct {
	secret        string
	livenessTTL   time.Duration
	typingTTL     time.Duration
	sweepInterval time.Duration
	logger        roomsync.Logger
	now           func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	id       string
	presence *roomsync.PresenceTracker
	merge    *roomsync.MergeEngine
	clients  map[string]*Client

	// msgIDs maps a client tempId to its assigned server id so redelivered
	// messages re-ack instead of fanning out twice.
	msgIDs map[string]string
}

// Client is one connected room member. sendFn must be safe for concurrent
// use; the websocket server serializes writes with a mutex.
type Client struct {
	roomID      string
	userID      string
	displayName string
	sendFn      func(data []byte) error
}

func (c *Client) UserID() string { return c.userID }
func (c *Client) RoomID() string { return c.roomID }

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		secret:        opts.TokenSecret,
		livenessTTL:   opts.PresenceLivenessTTL,
		typingTTL:     opts.PresenceTypingTTL,
		sweepInterval: opts.PresenceSweepInterval,
		logger:        opts.Logger,
		now:           time.Now,
		rooms:         map[string]*room{},
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		r.presence.Close()
	}
	h.rooms = map[string]*room{}
}

func (h *Hub) getOrCreateRoom(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{
			id: roomID,
			presence: roomsync.NewPresenceTracker(roomsync.PresenceTrackerOptions{
				Room:          roomID,
				LivenessTTL:   h.livenessTTL,
				TypingTTL:     h.typingTTL,
				SweepInterval: h.sweepInterval,
				Logger:        h.logger,
			}),
			merge:   roomsync.NewMergeEngine(h.logger),
			clients: map[string]*Client{},
			msgIDs:  map[string]string{},
		}
		h.rooms[roomID] = r
		// The tracker is the single source of presence truth; every change it
		// publishes, including sweep expiries and typing clears, fans out.
		r.presence.Subscribe(func(event roomsync.PresenceEvent) {
			h.broadcast(r, event.Entry.UserID, roomsync.EventPresence, roomsync.PresenceEventPayload{
				Event: event.Type,
				Entry: event.Entry,
			})
		})
	}
	return r
}

// Join admits a connection into a room from its join frame. On success the
// joiner gets the current presence snapshot and everyone else a joined
// event. A bad token returns roomsync.ErrAuthFailed; the transport layer
// turns that into a fatal close.
func (h *Hub) Join(frame []byte, sendFn func(data []byte) error) (*Client, error) {
	env, err := roomsync.DecodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	if env.Type != roomsync.EventJoin {
		return nil, fmt.Errorf("%w: expected join frame, got %s", roomsync.ErrInvalidInput, env.Type)
	}
	var join roomsync.JoinPayload
	if err := env.DecodePayload(&join); err != nil {
		return nil, err
	}
	if join.UserID == "" {
		return nil, roomsync.ErrInvalidInput
	}
	if h.secret != "" {
		claims, err := verifyToken(join.Token, h.secret, env.RoomID, h.now())
		if err != nil {
			return nil, err
		}
		if claims.UserID != join.UserID {
			return nil, fmt.Errorf("%w: token user mismatch", roomsync.ErrAuthFailed)
		}
	}

	r := h.getOrCreateRoom(env.RoomID)
	c := &Client{roomID: env.RoomID, userID: join.UserID, displayName: join.DisplayName, sendFn: sendFn}

	h.mu.Lock()
	if prev, ok := r.clients[join.UserID]; ok && prev != c {
		h.logf("replacing connection for %s in room %s", join.UserID, env.RoomID)
	}
	r.clients[join.UserID] = c
	h.mu.Unlock()

	// The tracker subscription tells the other members about the join.
	if _, err := r.presence.Join(roomsync.Session{UserID: join.UserID, DisplayName: join.DisplayName}); err != nil {
		return nil, err
	}

	if err := h.send(c, roomsync.EventPresenceState, env.RoomID, roomsync.PresenceStatePayload{
		Entries: r.presence.Snapshot(),
	}); err != nil {
		return nil, err
	}
	// The joiner catches up on every operation it missed from the snapshot.
	snapshot, err := r.merge.Serialize()
	if err != nil {
		return nil, err
	}
	if err := h.send(c, roomsync.EventDocumentState, env.RoomID, roomsync.DocumentStatePayload{
		Snapshot: snapshot,
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Disconnect removes a client, typically when its socket closes.
func (h *Hub) Disconnect(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	r, ok := h.rooms[c.roomID]
	if ok {
		if current, found := r.clients[c.userID]; found && current == c {
			delete(r.clients, c.userID)
		} else {
			ok = false
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	// The tracker subscription broadcasts the leave to the remaining members.
	_ = r.presence.Leave(c.userID)
}

// HandleFrame routes one post-join frame from a client.
func (h *Hub) HandleFrame(c *Client, frame []byte) error {
	env, err := roomsync.DecodeEnvelope(frame)
	if err != nil {
		return err
	}
	if env.RoomID != c.roomID {
		return fmt.Errorf("%w: frame for foreign room %s", roomsync.ErrInvalidInput, env.RoomID)
	}
	r := h.getOrCreateRoom(c.roomID)

	// Any frame proves the member is alive. A member the sweep already
	// evicted while its socket stayed up re-registers here.
	if err := r.presence.Heartbeat(c.userID); errors.Is(err, roomsync.ErrNotFound) {
		if _, err := r.presence.Join(roomsync.Session{UserID: c.userID, DisplayName: c.displayName}); err != nil {
			return err
		}
	}

	switch env.Type {
	case roomsync.EventHeartbeat:
		// Relayed so the other members refresh their local liveness view.
		h.relay(r, c, env, frame)
		return nil
	case roomsync.EventLeave:
		h.Disconnect(c)
		return nil
	case roomsync.EventTyping:
		var payload roomsync.TypingPayload
		if err := env.DecodePayload(&payload); err != nil {
			return err
		}
		// The tracker subscription fans the typing change out as a presence
		// event; relaying the raw frame too would double-report it.
		return r.presence.SetTyping(c.userID, payload.Typing)
	case roomsync.EventCursor, roomsync.EventSelection:
		h.relay(r, c, env, frame)
		return nil
	case roomsync.EventOperation:
		return h.handleOperation(r, c, env, frame)
	case roomsync.EventMessage:
		return h.handleMessage(r, c, env)
	default:
		return fmt.Errorf("%w: client frame %s", roomsync.ErrInvalidInput, env.Type)
	}
}

func (h *Hub) handleOperation(r *room, c *Client, env roomsync.Envelope, frame []byte) error {
	var op roomsync.Operation
	if err := env.DecodePayload(&op); err != nil {
		return err
	}
	// Redelivered ops are absorbed by the engine without effect; relaying
	// them again is harmless because every client deduplicates by op id.
	if _, err := r.merge.ApplyRemote(op); err != nil {
		return err
	}
	h.relay(r, c, env, frame)
	return nil
}

func (h *Hub) handleMessage(r *room, c *Client, env roomsync.Envelope) error {
	var payload roomsync.MessagePayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = h.now().UTC()
	}

	// A tempId seen before (a retry racing an offline replay) keeps its
	// server id and is re-acked without a second fan-out.
	h.mu.Lock()
	serverID, redelivered := r.msgIDs[payload.TempID]
	if !redelivered {
		serverID = "srv_" + uuid.NewString()
		r.msgIDs[payload.TempID] = serverID
	}
	h.mu.Unlock()

	// Receipt ack first, so the author sees Sent before any fan-out work.
	if err := h.send(c, roomsync.EventAckSent, r.id, roomsync.AckPayload{
		TempID:   payload.TempID,
		ServerID: serverID,
		Status:   roomsync.StatusSent,
	}); err != nil {
		return err
	}

	if !redelivered {
		fanout := payload
		fanout.TempID = serverID
		h.broadcast(r, c.userID, roomsync.EventMessage, fanout)
	}

	return h.send(c, roomsync.EventAckDelivered, r.id, roomsync.AckPayload{
		TempID:   payload.TempID,
		ServerID: serverID,
		Status:   roomsync.StatusDelivered,
	})
}

// RoomDocument exposes a room's authoritative document text.
func (h *Hub) RoomDocument(roomID string) string {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return ""
	}
	return r.merge.Document()
}

// relay forwards a client frame verbatim to every other room member.
func (h *Hub) relay(r *room, from *Client, env roomsync.Envelope, frame []byte) {
	for _, peer := range h.peers(r, from.userID) {
		if err := peer.sendFn(frame); err != nil {
			h.logf("relay %s to %s failed: %v", env.Type, peer.userID, err)
		}
	}
}

func (h *Hub) broadcast(r *room, excludeUserID string, eventType roomsync.EventType, payload any) {
	env, err := roomsync.NewEnvelope(eventType, r.id, "", payload)
	if err != nil {
		h.logf("broadcast %s failed: %v", eventType, err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		h.logf("broadcast %s failed: %v", eventType, err)
		return
	}
	for _, peer := range h.peers(r, excludeUserID) {
		if err := peer.sendFn(data); err != nil {
			h.logf("broadcast %s to %s failed: %v", eventType, peer.userID, err)
		}
	}
}

func (h *Hub) peers(r *room, excludeUserID string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for userID, peer := range r.clients {
		if userID == excludeUserID {
			continue
		}
		out = append(out, peer)
	}
	return out
}

func (h *Hub) send(c *Client, eventType roomsync.EventType, roomID string, payload any) error {
	env, err := roomsync.NewEnvelope(eventType, roomID, "", payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.sendFn(data)
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
