package roomsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state")
	ErrDuplicate       = errors.New("duplicate")
	ErrQueueFull       = errors.New("queue full")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrNotImplemented  = errors.New("not implemented")
	ErrSchemaMismatch  = errors.New("record schema mismatch")
	ErrStatusRegressed = errors.New("delivery status cannot regress")

	// ErrQueuedOffline is returned by a delivery send func that captured the
	// message in the offline queue instead of putting it on the wire.
	ErrQueuedOffline = errors.New("queued offline")
)

// TransitionError reports an attempted backwards delivery-status move.
type TransitionError struct {
	MessageID string
	From      DeliveryStatus
	To        DeliveryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("message %s: illegal transition %s -> %s", e.MessageID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrStatusRegressed
}
