package roomclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/collabworks/roomsync/internal/roomsync"
)

type LinkState string

const (
	StateConnecting   LinkState = "connecting"
	StateConnected    LinkState = "connected"
	StateDisconnected LinkState = "disconnected"
	StateReconnecting LinkState = "reconnecting"
)

type ConnManagerOptions struct {
	URL  string
	Dial DialFunc

	// OnConnect runs on every established transport before the manager
	// reports Connected. The session uses it to rejoin the room and kick off
	// the offline flush. Returning roomsync.ErrAuthFailed aborts the manager;
	// any other error tears the transport down and schedules a redial.
	OnConnect func(ctx context.Context, t Transport) error

	// OnFrame receives every inbound frame.
	OnFrame func(data []byte)

	OnStateChange func(state LinkState)

	// NewBackoff builds the redial schedule. Defaults to exponential 1s..30s
	// with 20% jitter and no attempt cap.
	NewBackoff func() backoff.BackOff

	Logger roomsync.Logger
}

// ConnManager owns the link to the relay: it dials, hands the transport to
// the session, pumps inbound frames, and redials with backoff when the link
// drops. Transient failures retry forever; a rejected credential stops the
// manager immediately.
type ConnManager struct {
	url           string
	dial          DialFunc
	onConnect     func(ctx context.Context, t Transport) error
	onFrame       func(data []byte)
	onStateChange func(state LinkState)
	newBackoff    func() backoff.BackOff
	logger        roomsync.Logger

	mu        sync.Mutex
	state     LinkState
	transport Transport
}

func NewConnManager(opts ConnManagerOptions) (*ConnManager, error) {
	if opts.Dial == nil {
		return nil, roomsync.ErrInvalidInput
	}
	newBackoff := opts.NewBackoff
	if newBackoff == nil {
		newBackoff = defaultDialBackoff
	}
	return &ConnManager{
		url:           opts.URL,
		dial:          opts.Dial,
		onConnect:     opts.OnConnect,
		onFrame:       opts.OnFrame,
		onStateChange: opts.OnStateChange,
		newBackoff:    newBackoff,
		logger:        opts.Logger,
		state:         StateDisconnected,
	}, nil
}

func defaultDialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	return b
}

func (m *ConnManager) State() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnManager) setState(state LinkState) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if changed && m.onStateChange != nil {
		m.onStateChange(state)
	}
}

// Send writes one frame on the current transport. While the link is down it
// fails fast with ErrLinkDown so the caller can capture the mutation offline.
func (m *ConnManager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrLinkDown
	}
	return t.Send(ctx, data)
}

// Run drives the connect/read/redial loop until ctx is canceled or the
// relay rejects the credential.
func (m *ConnManager) Run(ctx context.Context) error {
	defer m.setState(StateDisconnected)

	b := m.newBackoff()
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if first {
			m.setState(StateConnecting)
		} else {
			m.setState(StateReconnecting)
		}

		t, err := m.dial(ctx, m.url)
		if err != nil {
			if errors.Is(err, roomsync.ErrAuthFailed) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			m.logf("dial failed: %v", err)
			first = false
			if !m.sleep(ctx, b.NextBackOff()) {
				return nil
			}
			continue
		}

		if m.onConnect != nil {
			if err := m.onConnect(ctx, t); err != nil {
				_ = t.Close()
				if errors.Is(err, roomsync.ErrAuthFailed) {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				m.logf("connect handshake failed: %v", err)
				first = false
				if !m.sleep(ctx, b.NextBackOff()) {
					return nil
				}
				continue
			}
		}

		m.mu.Lock()
		m.transport = t
		m.mu.Unlock()
		m.setState(StateConnected)
		b.Reset()

		err = m.readLoop(ctx, t)
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
		_ = t.Close()

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, roomsync.ErrAuthFailed) {
			m.setState(StateDisconnected)
			return err
		}
		m.logf("link dropped: %v", err)
		m.setState(StateDisconnected)
		first = false
		if !m.sleep(ctx, b.NextBackOff()) {
			return nil
		}
	}
}

func (m *ConnManager) readLoop(ctx context.Context, t Transport) error {
	for {
		data, err := t.Receive(ctx)
		if err != nil {
			return err
		}
		if m.onFrame != nil {
			m.onFrame(data)
		}
	}
}

func (m *ConnManager) sleep(ctx context.Context, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *ConnManager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
