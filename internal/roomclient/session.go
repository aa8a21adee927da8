package roomclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/collabworks/roomsync/internal/roomsync"
)

const (
	entityTypeMessage  = "message"
	entityTypeDocument = "document"
)

// defaultHeartbeatInterval stays well under the presence liveness TTL so an
// idle but connected member is never swept out of the room.
const defaultHeartbeatInterval = 3 * time.Second

type RoomSessionOptions struct {
	RoomID      string
	UserID      string
	DisplayName string
	Token       string
	URL         string

	// Dial defaults to DialWebSocket.
	Dial DialFunc

	// Store holds the offline queue. Defaults to an in-memory store, which
	// loses queued mutations on restart.
	Store roomsync.RecordStore

	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	NewBackoff        func() backoff.BackOff
	OnMessageUpdate   func(msg roomsync.Message)
	OnStateChange     func(state LinkState)

	Logger roomsync.Logger
}

// RoomSession is one user's live view of a room. It owns the connection
// manager, presence tracker, ephemeral broadcaster, merge engine, delivery
// tracker and offline queue, and routes relay frames between them.
type RoomSession struct {
	roomID            string
	userID            string
	displayName       string
	token             string
	heartbeatInterval time.Duration
	logger            roomsync.Logger
	onStateChange     func(state LinkState)

	conn        *ConnManager
	presence    *roomsync.PresenceTracker
	broadcaster *roomsync.Broadcaster
	merge       *roomsync.MergeEngine
	delivery    *roomsync.DeliveryTracker
	queue       *roomsync.OfflineQueue

	mu            sync.Mutex
	inbox         []roomsync.Message
	runCtx        context.Context
	heartbeatStop chan struct{}

	closeOnce sync.Once
}

func NewRoomSession(opts RoomSessionOptions) (*RoomSession, error) {
	if strings.TrimSpace(opts.RoomID) == "" || strings.TrimSpace(opts.UserID) == "" {
		return nil, roomsync.ErrInvalidInput
	}
	store := opts.Store
	if store == nil {
		store = roomsync.NewMemoryRecordStore()
	}
	dial := opts.Dial
	if dial == nil {
		dial = DialWebSocket
	}

	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	s := &RoomSession{
		roomID:            opts.RoomID,
		userID:            opts.UserID,
		displayName:       opts.DisplayName,
		token:             opts.Token,
		heartbeatInterval: heartbeatInterval,
		logger:            opts.Logger,
		onStateChange:     opts.OnStateChange,
		runCtx:            context.Background(),
	}

	s.merge = roomsync.NewMergeEngine(opts.Logger)
	s.presence = roomsync.NewPresenceTracker(roomsync.PresenceTrackerOptions{
		Room:   opts.RoomID,
		Logger: opts.Logger,
	})
	s.broadcaster = roomsync.NewBroadcaster(roomsync.BroadcasterOptions{
		EmitCursor: func(update roomsync.CursorUpdate) {
			s.sendEvent(roomsync.EventCursor, update)
		},
		EmitSelection: func(sel roomsync.SelectionRange) {
			s.sendEvent(roomsync.EventSelection, sel)
		},
	})
	s.delivery = roomsync.NewDeliveryTracker(roomsync.DeliveryTrackerOptions{
		AckTimeout:     opts.AckTimeout,
		Send:           s.sendMessageFrame,
		OnStatusChange: opts.OnMessageUpdate,
		Logger:         opts.Logger,
	})

	queue, err := roomsync.NewOfflineQueue(roomsync.OfflineQueueOptions{
		Store: store,
		Push:  s.pushRecord,
		Merge: map[string]roomsync.MergeFunc{
			entityTypeDocument: s.mergeDocumentPayloads,
		},
		NewBackoff: opts.NewBackoff,
		OnRecordUpdate: func(rec roomsync.StoredRecord) {
			// A message the queue gave up on surfaces as failed so the user
			// can retry it explicitly.
			if rec.Record.EntityType == entityTypeMessage && rec.Record.SyncStatus == roomsync.SyncFailed {
				if err := s.delivery.MarkFailed(rec.Record.EntityID); err != nil && !errors.Is(err, roomsync.ErrNotFound) {
					s.logf("mark %s failed: %v", rec.Record.EntityID, err)
				}
			}
		},
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.queue = queue

	conn, err := NewConnManager(ConnManagerOptions{
		URL:           opts.URL,
		Dial:          dial,
		OnConnect:     s.handshake,
		OnFrame:       s.handleFrame,
		OnStateChange: s.handleStateChange,
		NewBackoff:    opts.NewBackoff,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// Run drives the session until ctx is canceled or the relay rejects the
// token.
func (s *RoomSession) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	defer s.close()
	return s.conn.Run(ctx)
}

// handleStateChange starts the offline flush and the heartbeat loop once the
// link is usable, and stops heartbeating the moment it is not.
func (s *RoomSession) handleStateChange(state LinkState) {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	ctx := s.runCtx
	if state == StateConnected {
		stop := make(chan struct{})
		s.heartbeatStop = stop
		s.mu.Unlock()
		go s.flushOffline(ctx)
		go s.heartbeatLoop(ctx, stop)
	} else {
		s.mu.Unlock()
	}
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}

// heartbeatLoop keeps this member alive in the room's presence view while the
// link is up.
func (s *RoomSession) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.sendEvent(roomsync.EventHeartbeat, roomsync.HeartbeatPayload{UserID: s.userID})
		}
	}
}

func (s *RoomSession) close() {
	s.closeOnce.Do(func() {
		s.broadcaster.Close()
		s.delivery.Close()
		s.presence.Close()
	})
}

// handshake rejoins the room on every (re)connect and consumes the catch-up
// frames, ending with the document snapshot, so the local state is current
// before the manager reports Connected and the offline flush starts.
func (s *RoomSession) handshake(ctx context.Context, t Transport) error {
	env, err := roomsync.NewEnvelope(roomsync.EventJoin, s.roomID, s.userID, roomsync.JoinPayload{
		UserID:      s.userID,
		DisplayName: s.displayName,
		Token:       s.token,
	})
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := t.Send(ctx, data); err != nil {
		return err
	}

	for {
		reply, err := t.Receive(ctx)
		if err != nil {
			return err
		}
		replyEnv, err := roomsync.DecodeEnvelope(reply)
		if err != nil {
			return err
		}
		if replyEnv.Type == roomsync.EventError {
			var payload roomsync.ErrorPayload
			if err := replyEnv.DecodePayload(&payload); err != nil {
				return err
			}
			if payload.Code == "auth_failed" {
				return fmt.Errorf("%w: %s", roomsync.ErrAuthFailed, payload.Message)
			}
			return fmt.Errorf("join rejected: %s", payload.Message)
		}
		s.handleFrame(reply)
		if replyEnv.Type == roomsync.EventDocumentState {
			return nil
		}
	}
}

func (s *RoomSession) flushOffline(ctx context.Context) {
	synced, err := s.queue.Flush(ctx)
	if err != nil {
		s.logf("offline flush aborted: %v", err)
		return
	}
	if synced > 0 {
		s.logf("offline flush reconciled %d records", synced)
	}
}

func (s *RoomSession) handleFrame(data []byte) {
	env, err := roomsync.DecodeEnvelope(data)
	if err != nil {
		s.logf("dropping malformed frame: %v", err)
		return
	}
	switch env.Type {
	case roomsync.EventPresenceState:
		s.applyPresenceState(env)
	case roomsync.EventDocumentState:
		var payload roomsync.DocumentStatePayload
		if err := env.DecodePayload(&payload); err != nil {
			s.logf("bad document state payload: %v", err)
			return
		}
		if err := s.merge.ReconcileSnapshot(payload.Snapshot); err != nil {
			s.logf("document state rejected: %v", err)
		}
	case roomsync.EventHeartbeat:
		var payload roomsync.HeartbeatPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		if payload.UserID == s.userID {
			return
		}
		if err := s.presence.Heartbeat(payload.UserID); errors.Is(err, roomsync.ErrNotFound) {
			_, _ = s.presence.Join(roomsync.Session{UserID: payload.UserID})
		}
	case roomsync.EventPresence:
		var payload roomsync.PresenceEventPayload
		if err := env.DecodePayload(&payload); err != nil {
			s.logf("bad presence payload: %v", err)
			return
		}
		s.applyPresenceEvent(payload)
	case roomsync.EventCursor:
		var update roomsync.CursorUpdate
		if err := env.DecodePayload(&update); err != nil {
			return
		}
		if update.UserID != s.userID {
			s.broadcaster.ApplyRemoteCursor(update)
		}
	case roomsync.EventSelection:
		var sel roomsync.SelectionRange
		if err := env.DecodePayload(&sel); err != nil {
			return
		}
		if sel.UserID != s.userID {
			s.broadcaster.ApplyRemoteSelection(sel)
		}
	case roomsync.EventOperation:
		var op roomsync.Operation
		if err := env.DecodePayload(&op); err != nil {
			s.logf("bad operation payload: %v", err)
			return
		}
		if _, err := s.merge.ApplyRemote(op); err != nil {
			s.logf("remote op %s rejected: %v", op.OpID, err)
		}
	case roomsync.EventMessage:
		var payload roomsync.MessagePayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		if payload.AuthorID == s.userID {
			return
		}
		s.mu.Lock()
		s.inbox = append(s.inbox, roomsync.Message{
			ID:        payload.TempID,
			AuthorID:  payload.AuthorID,
			Content:   payload.Content,
			CreatedAt: payload.CreatedAt,
			Status:    roomsync.StatusDelivered,
		})
		s.mu.Unlock()
	case roomsync.EventAckSent:
		var ack roomsync.AckPayload
		if err := env.DecodePayload(&ack); err != nil {
			return
		}
		id := ack.TempID
		if ack.ServerID != "" {
			if err := s.delivery.Reconcile(ack.TempID, ack.ServerID); err != nil && !errors.Is(err, roomsync.ErrNotFound) {
				s.logf("reconcile %s -> %s failed: %v", ack.TempID, ack.ServerID, err)
			}
			id = ack.ServerID
		}
		if err := s.delivery.MarkSent(id); err != nil && !errors.Is(err, roomsync.ErrNotFound) {
			s.logf("sent ack for %s rejected: %v", id, err)
		}
	case roomsync.EventAckDelivered:
		var ack roomsync.AckPayload
		if err := env.DecodePayload(&ack); err != nil {
			return
		}
		id := ack.ServerID
		if id == "" {
			id = ack.TempID
		}
		if err := s.delivery.MarkDelivered(id); err != nil && !errors.Is(err, roomsync.ErrNotFound) {
			s.logf("delivered ack for %s rejected: %v", id, err)
		}
	}
}

func (s *RoomSession) applyPresenceState(env roomsync.Envelope) {
	var payload roomsync.PresenceStatePayload
	if err := env.DecodePayload(&payload); err != nil {
		s.logf("bad presence state payload: %v", err)
		return
	}
	for _, entry := range payload.Entries {
		_, _ = s.presence.Join(roomsync.Session{
			UserID:      entry.UserID,
			DisplayName: entry.DisplayName,
		})
	}
}

func (s *RoomSession) applyPresenceEvent(payload roomsync.PresenceEventPayload) {
	entry := payload.Entry
	switch payload.Event {
	case roomsync.PresenceJoined:
		_, _ = s.presence.Join(roomsync.Session{UserID: entry.UserID, DisplayName: entry.DisplayName})
	case roomsync.PresenceLeft, roomsync.PresenceExpired:
		_ = s.presence.Leave(entry.UserID)
		s.broadcaster.Forget(entry.UserID)
	case roomsync.PresenceTyping:
		if err := s.presence.SetTyping(entry.UserID, entry.Typing); errors.Is(err, roomsync.ErrNotFound) {
			_, _ = s.presence.Join(roomsync.Session{UserID: entry.UserID, DisplayName: entry.DisplayName})
			_ = s.presence.SetTyping(entry.UserID, entry.Typing)
		}
	}
}

// SendMessage tracks a new outbound chat message under a temporary id. While
// the link is down the message is captured in the offline queue and replayed
// on reconnect.
func (s *RoomSession) SendMessage(content string) (roomsync.Message, error) {
	return s.delivery.Track(roomsync.Message{
		ID:       "tmp_" + uuid.NewString(),
		AuthorID: s.userID,
		Content:  content,
	})
}

// RetryMessage re-dispatches a failed message.
func (s *RoomSession) RetryMessage(id string) error {
	return s.delivery.Retry(id)
}

func (s *RoomSession) sendMessageFrame(msg roomsync.Message) error {
	payload := roomsync.MessagePayload{
		TempID:    msg.ID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	err := s.sendEventErr(roomsync.EventMessage, payload)
	if errors.Is(err, ErrLinkDown) {
		data, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return marshalErr
		}
		if err := s.queue.Enqueue(roomsync.OfflineRecord{
			EntityType:   entityTypeMessage,
			EntityID:     msg.ID,
			Payload:      data,
			LastModified: msg.CreatedAt,
		}); err != nil {
			return err
		}
		// The tracker parks the message instead of arming an ack timer; the
		// offline flush re-dispatches it on reconnect.
		return roomsync.ErrQueuedOffline
	}
	return err
}

// Edit applies a local document operation and broadcasts it. Offline edits
// are queued durably and replayed through the merge engine on reconnect.
func (s *RoomSession) Edit(op roomsync.Operation) (string, error) {
	if op.OpID == "" {
		op.OpID = "op_" + uuid.NewString()
	}
	op.AuthorID = s.userID
	enriched, doc, err := s.merge.ApplyLocal(op)
	if err != nil {
		return doc, err
	}
	sendErr := s.sendEventErr(roomsync.EventOperation, enriched)
	if errors.Is(sendErr, ErrLinkDown) {
		data, marshalErr := json.Marshal(enriched)
		if marshalErr != nil {
			return doc, marshalErr
		}
		return doc, s.queue.Enqueue(roomsync.OfflineRecord{
			EntityType:   entityTypeDocument,
			EntityID:     enriched.OpID,
			Payload:      data,
			LastModified: enriched.Timestamp,
		})
	}
	return doc, sendErr
}

// MoveCursor samples a local cursor move into the throttled broadcast
// channel.
func (s *RoomSession) MoveCursor(elementRef string, offset int) {
	s.broadcaster.SendCursor(roomsync.CursorUpdate{
		UserID:     s.userID,
		ElementRef: elementRef,
		Offset:     offset,
	})
}

func (s *RoomSession) Select(elementRef string, start, end int) {
	s.broadcaster.SendSelection(roomsync.SelectionRange{
		UserID:     s.userID,
		ElementRef: elementRef,
		Start:      start,
		End:        end,
	})
}

func (s *RoomSession) SetTyping(typing bool) {
	_ = s.presence.SetTyping(s.userID, typing)
	s.sendEvent(roomsync.EventTyping, roomsync.TypingPayload{UserID: s.userID, Typing: typing})
}

func (s *RoomSession) sendEvent(eventType roomsync.EventType, payload any) {
	if err := s.sendEventErr(eventType, payload); err != nil && !errors.Is(err, ErrLinkDown) {
		s.logf("send %s failed: %v", eventType, err)
	}
}

func (s *RoomSession) sendEventErr(eventType roomsync.EventType, payload any) error {
	env, err := roomsync.NewEnvelope(eventType, s.roomID, s.userID, payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.conn.Send(context.Background(), data)
}

// pushRecord replays one offline record against the relay.
func (s *RoomSession) pushRecord(ctx context.Context, rec roomsync.OfflineRecord, force bool) error {
	var eventType roomsync.EventType
	switch rec.EntityType {
	case entityTypeMessage:
		eventType = roomsync.EventMessage
	case entityTypeDocument:
		eventType = roomsync.EventOperation
	default:
		return fmt.Errorf("%w: offline entity type %s", roomsync.ErrNotImplemented, rec.EntityType)
	}
	env, err := roomsync.NewEnvelope(eventType, s.roomID, s.userID, json.RawMessage(rec.Payload))
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := s.conn.Send(ctx, data); err != nil {
		return err
	}

	switch rec.EntityType {
	case entityTypeMessage:
		// The replayed message is back on the wire, so its ack timer starts.
		if err := s.delivery.MarkDispatched(rec.EntityID); err != nil && !errors.Is(err, roomsync.ErrNotFound) {
			s.logf("redispatch of %s not tracked: %v", rec.EntityID, err)
		}
	case entityTypeDocument:
		// A replayed op from a previous process run may be unknown to this
		// engine; applying it locally is a dedup no-op otherwise.
		var op roomsync.Operation
		if err := json.Unmarshal(rec.Payload, &op); err == nil {
			if _, err := s.merge.ApplyRemote(op); err != nil {
				s.logf("replayed op %s rejected locally: %v", op.OpID, err)
			}
		}
	}
	return nil
}

// mergeDocumentPayloads folds a conflicting remote operation into the local
// engine so the queued local operation transforms against it instead of
// overwriting it.
func (s *RoomSession) mergeDocumentPayloads(local, remote json.RawMessage) (json.RawMessage, bool) {
	var localOp, remoteOp roomsync.Operation
	if err := json.Unmarshal(local, &localOp); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(remote, &remoteOp); err != nil {
		return nil, false
	}
	if _, err := s.merge.ApplyRemote(remoteOp); err != nil {
		return nil, false
	}
	if _, err := s.merge.ApplyRemote(localOp); err != nil {
		return nil, false
	}
	return local, true
}

func (s *RoomSession) Document() string {
	return s.merge.Document()
}

func (s *RoomSession) Peers() []roomsync.PresenceEntry {
	return s.presence.Snapshot()
}

func (s *RoomSession) Cursors() []roomsync.CursorUpdate {
	return s.broadcaster.Cursors()
}

func (s *RoomSession) Selections() []roomsync.SelectionRange {
	return s.broadcaster.Selections()
}

// Outbox lists this user's tracked messages with their delivery status.
func (s *RoomSession) Outbox() []roomsync.Message {
	return s.delivery.Messages()
}

// Inbox lists messages received from other room members.
func (s *RoomSession) Inbox() []roomsync.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]roomsync.Message, len(s.inbox))
	copy(out, s.inbox)
	return out
}

func (s *RoomSession) PendingOffline() ([]roomsync.StoredRecord, error) {
	return s.queue.Pending()
}

func (s *RoomSession) Conflicts() ([]roomsync.StoredRecord, error) {
	return s.queue.Conflicts()
}

func (s *RoomSession) LinkState() LinkState {
	return s.conn.State()
}

func (s *RoomSession) SubscribePresence(fn roomsync.PresenceSubscriber) func() {
	return s.presence.Subscribe(fn)
}

func (s *RoomSession) SubscribeEphemeral(fn roomsync.EphemeralSubscriber) func() {
	return s.broadcaster.Subscribe(fn)
}

func (s *RoomSession) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
