package roomsync

import (
	"errors"
	"strings"
	"sync"
	"time"
)

type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

const (
	DefaultAckTimeout     = 10 * time.Second
	DefaultMaxAutoRetries = 2
)

// Message is a chat message as tracked by the sender. ID starts out as a
// client-generated temporary id and is swapped for the server id on ack.
type Message struct {
	ID        string         `json:"id"`
	AuthorID  string         `json:"authorId"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
}

type DeliveryTrackerOptions struct {
	AckTimeout     time.Duration
	MaxAutoRetries int

	// Send pushes the message to the transport. Called once per attempt,
	// outside the tracker lock.
	Send func(msg Message) error

	// OnStatusChange observes every status transition. Optional.
	OnStatusChange func(msg Message)

	Logger Logger
}

type trackedMessage struct {
	msg   Message
	timer *time.Timer
}

// DeliveryTracker drives each outbound message through
// sending -> sent -> delivered, failing it when no server ack arrives in
// time. A message captured by the offline queue parks in queued, with no ack
// timer, until the queue replays it. Status otherwise only moves forward; the
// single exception is failed -> sending on retry.
type DeliveryTracker struct {
	ackTimeout     time.Duration
	maxAutoRetries int
	send           func(Message) error
	onStatusChange func(Message)
	logger         Logger

	mu    sync.Mutex
	order []string
	byID  map[string]*trackedMessage
}

func NewDeliveryTracker(opts DeliveryTrackerOptions) *DeliveryTracker {
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	maxAutoRetries := opts.MaxAutoRetries
	if maxAutoRetries < 0 {
		maxAutoRetries = 0
	}
	return &DeliveryTracker{
		ackTimeout:     ackTimeout,
		maxAutoRetries: maxAutoRetries,
		send:           opts.Send,
		onStatusChange: opts.OnStatusChange,
		logger:         opts.Logger,
		byID:           map[string]*trackedMessage{},
	}
}

func (d *DeliveryTracker) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tm := range d.byID {
		if tm.timer != nil {
			tm.timer.Stop()
			tm.timer = nil
		}
	}
}

// Track registers a new outbound message under its temporary id and
// dispatches the first send attempt. The message is visible in Messages()
// immediately, before any ack arrives.
func (d *DeliveryTracker) Track(msg Message) (Message, error) {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.AuthorID) == "" || msg.Content == "" {
		return Message{}, ErrInvalidInput
	}
	d.mu.Lock()
	if _, ok := d.byID[msg.ID]; ok {
		d.mu.Unlock()
		return Message{}, ErrDuplicate
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Status = StatusSending
	msg.Attempts = 1
	tm := &trackedMessage{msg: msg}
	d.byID[msg.ID] = tm
	d.order = append(d.order, msg.ID)
	d.armTimerLocked(tm)
	snapshot := tm.msg
	d.mu.Unlock()

	d.notify(snapshot)
	d.dispatch(snapshot)
	return snapshot, nil
}

func (d *DeliveryTracker) dispatch(msg Message) {
	if d.send == nil {
		return
	}
	if err := d.send(msg); err != nil {
		if errors.Is(err, ErrQueuedOffline) {
			d.markQueued(msg.ID)
			return
		}
		d.logf("send attempt %d for message %s failed: %v", msg.Attempts, msg.ID, err)
		d.handleAttemptFailure(msg.ID)
	}
}

// markQueued parks a message that was captured offline. The ack timer stops;
// the offline queue owns the message until MarkDispatched puts it back in
// flight.
func (d *DeliveryTracker) markQueued(id string) {
	d.mu.Lock()
	tm, ok := d.byID[id]
	if !ok || tm.msg.Status != StatusSending {
		d.mu.Unlock()
		return
	}
	if tm.timer != nil {
		tm.timer.Stop()
		tm.timer = nil
	}
	tm.msg.Status = StatusQueued
	snapshot := tm.msg
	d.mu.Unlock()
	d.notify(snapshot)
}

// MarkDispatched records that the offline queue replayed a queued message to
// the transport. The message moves back through sending with a fresh ack
// timer. Messages no longer queued are left alone.
func (d *DeliveryTracker) MarkDispatched(id string) error {
	d.mu.Lock()
	tm, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return ErrNotFound
	}
	if tm.msg.Status != StatusQueued {
		d.mu.Unlock()
		return nil
	}
	tm.msg.Status = StatusSending
	tm.msg.Attempts = 1
	d.armTimerLocked(tm)
	snapshot := tm.msg
	d.mu.Unlock()
	d.notify(snapshot)
	return nil
}

// MarkFailed parks a message whose offline replay exhausted its retry budget.
func (d *DeliveryTracker) MarkFailed(id string) error {
	return d.transition(id, StatusFailed)
}

func (d *DeliveryTracker) armTimerLocked(tm *trackedMessage) {
	if tm.timer != nil {
		tm.timer.Stop()
	}
	id := tm.msg.ID
	tm.timer = time.AfterFunc(d.ackTimeout, func() { d.handleAttemptFailure(id) })
}

// handleAttemptFailure covers both an ack timeout and a synchronous transport
// error. While automatic retries remain the message stays in sending and is
// redispatched; afterwards it moves to failed.
func (d *DeliveryTracker) handleAttemptFailure(id string) {
	d.mu.Lock()
	tm, ok := d.byID[id]
	if !ok || tm.msg.Status != StatusSending {
		d.mu.Unlock()
		return
	}
	if tm.msg.Attempts <= d.maxAutoRetries {
		tm.msg.Attempts++
		d.armTimerLocked(tm)
		snapshot := tm.msg
		d.mu.Unlock()
		d.dispatch(snapshot)
		return
	}
	if tm.timer != nil {
		tm.timer.Stop()
		tm.timer = nil
	}
	tm.msg.Status = StatusFailed
	snapshot := tm.msg
	d.mu.Unlock()
	d.notify(snapshot)
}

// MarkSent records the server receipt ack for a message.
func (d *DeliveryTracker) MarkSent(id string) error {
	return d.transition(id, StatusSent)
}

// MarkDelivered records the server broadcast ack. Delivered is terminal.
func (d *DeliveryTracker) MarkDelivered(id string) error {
	return d.transition(id, StatusDelivered)
}

func (d *DeliveryTracker) transition(id string, to DeliveryStatus) error {
	d.mu.Lock()
	tm, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return ErrNotFound
	}
	from := tm.msg.Status
	if from == to {
		d.mu.Unlock()
		return nil
	}
	if !transitionAllowed(from, to) {
		d.mu.Unlock()
		return &TransitionError{MessageID: id, From: from, To: to}
	}
	if tm.timer != nil {
		tm.timer.Stop()
		tm.timer = nil
	}
	tm.msg.Status = to
	snapshot := tm.msg
	d.mu.Unlock()
	d.notify(snapshot)
	return nil
}

func transitionAllowed(from, to DeliveryStatus) bool {
	switch from {
	case StatusSending:
		return to == StatusQueued || to == StatusSent || to == StatusDelivered || to == StatusFailed
	case StatusQueued:
		return to == StatusSending || to == StatusSent || to == StatusDelivered || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered || to == StatusFailed
	case StatusFailed:
		return to == StatusSending
	}
	return false
}

// Reconcile swaps a temporary client id for the server-assigned id while
// keeping the message at its original position in the list.
func (d *DeliveryTracker) Reconcile(tempID, serverID string) error {
	if strings.TrimSpace(serverID) == "" {
		return ErrInvalidInput
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tm, ok := d.byID[tempID]
	if !ok {
		return ErrNotFound
	}
	if tempID == serverID {
		return nil
	}
	if _, taken := d.byID[serverID]; taken {
		return ErrDuplicate
	}
	delete(d.byID, tempID)
	tm.msg.ID = serverID
	d.byID[serverID] = tm
	for i, id := range d.order {
		if id == tempID {
			d.order[i] = serverID
			break
		}
	}
	if tm.timer != nil {
		tm.timer.Stop()
		d.armTimerLocked(tm)
	}
	return nil
}

// Retry re-dispatches a failed message. Manual retry is always allowed and
// resets the automatic retry budget.
func (d *DeliveryTracker) Retry(id string) error {
	d.mu.Lock()
	tm, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return ErrNotFound
	}
	if tm.msg.Status != StatusFailed {
		d.mu.Unlock()
		return ErrInvalidState
	}
	tm.msg.Status = StatusSending
	tm.msg.Attempts = 1
	d.armTimerLocked(tm)
	snapshot := tm.msg
	d.mu.Unlock()

	d.notify(snapshot)
	d.dispatch(snapshot)
	return nil
}

// Message returns the tracked message by its current id.
func (d *DeliveryTracker) Message(id string) (Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tm, ok := d.byID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return tm.msg, nil
}

// Messages returns the tracked messages in the order they were first sent.
func (d *DeliveryTracker) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, 0, len(d.order))
	for _, id := range d.order {
		if tm, ok := d.byID[id]; ok {
			out = append(out, tm.msg)
		}
	}
	return out
}

func (d *DeliveryTracker) notify(msg Message) {
	if d.onStatusChange != nil {
		d.onStatusChange(msg)
	}
}

func (d *DeliveryTracker) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
