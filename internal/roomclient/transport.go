package roomclient

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLinkDown is returned by Send while no transport is established.
	ErrLinkDown = errors.New("link down")
	// ErrTransportClosed is returned once a transport has been closed.
	ErrTransportClosed = errors.New("transport closed")
)

// Transport is one established connection to the relay. Implementations are
// safe for one concurrent reader and one concurrent writer.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc establishes a transport to the given URL.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// MemoryTransport is one end of an in-process transport pair. Tests and
// embedded relays use it in place of a websocket.
type MemoryTransport struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
	peerDone  chan struct{}
}

// NewMemoryTransportPair returns two connected transports; frames sent on one
// side are received on the other.
func NewMemoryTransportPair() (*MemoryTransport, *MemoryTransport) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &MemoryTransport{in: b2a, out: a2b, done: aDone, peerDone: bDone}
	b := &MemoryTransport{in: a2b, out: b2a, done: bDone, peerDone: aDone}
	return a, b
}

func (t *MemoryTransport) Send(ctx context.Context, data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case <-t.done:
		return ErrTransportClosed
	case <-t.peerDone:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case t.out <- frame:
		return nil
	}
}

func (t *MemoryTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-t.in:
		if !ok {
			return nil, ErrTransportClosed
		}
		return frame, nil
	case <-t.peerDone:
		// Drain frames the peer sent before closing.
		select {
		case frame := <-t.in:
			return frame, nil
		default:
			return nil, ErrTransportClosed
		}
	}
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
