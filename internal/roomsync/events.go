package roomsync

import (
	"encoding/json"
	"strings"
	"time"
)

type EventType string

const (
	EventJoin          EventType = "join"
	EventLeave         EventType = "leave"
	EventHeartbeat     EventType = "heartbeat"
	EventTyping        EventType = "typing"
	EventPresence      EventType = "presence"
	EventPresenceState EventType = "presence_state"
	EventDocumentState EventType = "document_state"
	EventCursor        EventType = "cursor"
	EventSelection     EventType = "selection"
	EventOperation     EventType = "operation"
	EventMessage       EventType = "message"
	EventAckSent       EventType = "ack_sent"
	EventAckDelivered  EventType = "ack_delivered"
	EventError         EventType = "error"
)

var knownEventTypes = map[EventType]bool{
	EventJoin:          true,
	EventLeave:         true,
	EventHeartbeat:     true,
	EventTyping:        true,
	EventPresence:      true,
	EventPresenceState: true,
	EventDocumentState: true,
	EventCursor:        true,
	EventSelection:     true,
	EventOperation:     true,
	EventMessage:       true,
	EventAckSent:       true,
	EventAckDelivered:  true,
	EventError:         true,
}

// Envelope is the one frame format on the wire. Payload is typed by Type and
// decoded on demand so relays can route frames without understanding them.
type Envelope struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId"`
	SenderID  string          `json:"senderId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type JoinPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Token       string `json:"token,omitempty"`
}

type TypingPayload struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type HeartbeatPayload struct {
	UserID string `json:"userId"`
}

// DocumentStatePayload carries the authoritative merge-engine snapshot a
// joiner needs to catch up on operations broadcast while it was away.
type DocumentStatePayload struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type MessagePayload struct {
	TempID    string    `json:"tempId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// AckPayload confirms a message stage back to its author. ServerID is set on
// the first ack so the client can retire its temporary id.
type AckPayload struct {
	TempID   string         `json:"tempId"`
	ServerID string         `json:"serverId,omitempty"`
	Status   DeliveryStatus `json:"status"`
}

type PresenceEventPayload struct {
	Event PresenceEventType `json:"event"`
	Entry PresenceEntry     `json:"entry"`
}

type PresenceStatePayload struct {
	Entries []PresenceEntry `json:"entries"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope builds and serializes one frame.
func NewEnvelope(eventType EventType, roomID, senderID string, payload any) (Envelope, error) {
	if !knownEventTypes[eventType] || strings.TrimSpace(roomID) == "" {
		return Envelope{}, ErrInvalidInput
	}
	env := Envelope{
		Type:      eventType,
		RoomID:    roomID,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a frame and rejects unknown event types so malformed
// or future traffic fails at the boundary instead of deep in a handler.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if !knownEventTypes[env.Type] || strings.TrimSpace(env.RoomID) == "" {
		return Envelope{}, ErrInvalidInput
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into the type implied by
// Type.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrInvalidInput
	}
	return json.Unmarshal(e.Payload, v)
}
