package roomclient

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"

	"github.com/collabworks/roomsync/internal/roomsync"
)

const websocketReadLimit = 1 << 20

// DialWebSocket connects a websocket transport to the relay. A policy
// violation close from the server maps to roomsync.ErrAuthFailed so callers
// can tell a rejected credential from a flaky link.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(websocketReadLimit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	return mapWebSocketError(t.conn.Write(ctx, websocket.MessageText, data))
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, mapWebSocketError(err)
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

func mapWebSocketError(err error) error {
	if err == nil {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return fmt.Errorf("%w: %v", roomsync.ErrAuthFailed, err)
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return err
}
