package roomclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/collabworks/roomsync/internal/roomsync"
)

func immediateBackoff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunConnectsAndDeliversFrames(t *testing.T) {
	client, server := NewMemoryTransportPair()
	var mu sync.Mutex
	var frames []string
	var states []LinkState

	manager, err := NewConnManager(ConnManagerOptions{
		URL:  "mem://relay",
		Dial: func(context.Context, string) (Transport, error) { return client, nil },
		OnFrame: func(data []byte) {
			mu.Lock()
			frames = append(frames, string(data))
			mu.Unlock()
		},
		OnStateChange: func(state LinkState) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
		NewBackoff: immediateBackoff,
	})
	if err != nil {
		t.Fatalf("manager construction failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	waitFor(t, "connected state", func() bool { return manager.State() == StateConnected })
	if err := server.Send(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	waitFor(t, "frame delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1 && frames[0] == "hello"
	})

	if err := manager.Send(context.Background(), []byte("up")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	upstream, err := server.Receive(context.Background())
	if err != nil || string(upstream) != "up" {
		t.Fatalf("expected upstream frame, got %q (%v)", upstream, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if states[0] != StateConnecting || states[1] != StateConnected {
		t.Fatalf("unexpected state sequence: %v", states)
	}
}

func TestRunRetriesTransientDialFailures(t *testing.T) {
	var dials atomic.Int32
	client, _ := NewMemoryTransportPair()
	manager, err := NewConnManager(ConnManagerOptions{
		Dial: func(context.Context, string) (Transport, error) {
			if dials.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}
			return client, nil
		},
		NewBackoff: immediateBackoff,
	})
	if err != nil {
		t.Fatalf("manager construction failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	waitFor(t, "connection after retries", func() bool { return manager.State() == StateConnected })
	if got := dials.Load(); got != 3 {
		t.Fatalf("expected 3 dials, got %d", got)
	}
}

func TestRunStopsOnAuthFailure(t *testing.T) {
	var dials atomic.Int32
	manager, err := NewConnManager(ConnManagerOptions{
		Dial: func(context.Context, string) (Transport, error) {
			dials.Add(1)
			return nil, fmt.Errorf("%w: token rejected", roomsync.ErrAuthFailed)
		},
		NewBackoff: immediateBackoff,
	})
	if err != nil {
		t.Fatalf("manager construction failed: %v", err)
	}

	runErr := manager.Run(context.Background())
	if !errors.Is(runErr, roomsync.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", runErr)
	}
	if dials.Load() != 1 {
		t.Fatalf("expected no retry after auth failure, got %d dials", dials.Load())
	}
}

func TestRunReconnectsAndRerunsHandshake(t *testing.T) {
	var mu sync.Mutex
	var servers []*MemoryTransport
	var handshakes atomic.Int32

	manager, err := NewConnManager(ConnManagerOptions{
		Dial: func(context.Context, string) (Transport, error) {
			client, server := NewMemoryTransportPair()
			mu.Lock()
			servers = append(servers, server)
			mu.Unlock()
			return client, nil
		},
		OnConnect: func(context.Context, Transport) error {
			handshakes.Add(1)
			return nil
		},
		NewBackoff: immediateBackoff,
	})
	if err != nil {
		t.Fatalf("manager construction failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	waitFor(t, "first connection", func() bool { return manager.State() == StateConnected })

	// Drop the link from the server side.
	mu.Lock()
	servers[0].Close()
	mu.Unlock()

	waitFor(t, "reconnect handshake", func() bool { return handshakes.Load() == 2 })
	waitFor(t, "reconnected state", func() bool { return manager.State() == StateConnected })
}

func TestSendWhileDisconnectedFailsFast(t *testing.T) {
	manager, err := NewConnManager(ConnManagerOptions{
		Dial:       func(context.Context, string) (Transport, error) { return nil, errors.New("down") },
		NewBackoff: immediateBackoff,
	})
	if err != nil {
		t.Fatalf("manager construction failed: %v", err)
	}
	if err := manager.Send(context.Background(), []byte("x")); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("expected ErrLinkDown, got %v", err)
	}
}
