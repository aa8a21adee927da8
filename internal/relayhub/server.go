package relayhub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/collabworks/roomsync/internal/roomsync"
)

const (
	serverReadLimit   = 1 << 20
	joinTimeout       = 10 * time.Second
	writeTimeout      = 5 * time.Second
	closeAuthReason   = "authentication failed"
	closeJoinRequired = "join required"
)

type ServerOptions struct {
	Hub    *Hub
	Logger roomsync.Logger
}

// Server terminates websocket connections and bridges them into the hub. The
// first frame on every socket must be a join; a rejected token closes the
// socket with a policy violation so clients know not to retry.
type Server struct {
	hub    *Hub
	logger roomsync.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Hub == nil {
		return nil, roomsync.ErrInvalidInput
	}
	return &Server{hub: opts.Hub, logger: opts.Logger}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(serverReadLimit)
	s.serveConn(r.Context(), conn)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusInternalError, "")

	var writeMu sync.Mutex
	sendFn := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageText, data)
	}

	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	_, frame, err := conn.Read(joinCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusProtocolError, closeJoinRequired)
		return
	}

	client, err := s.hub.Join(frame, sendFn)
	if err != nil {
		if errors.Is(err, roomsync.ErrAuthFailed) {
			s.sendError(sendFn, frame, "auth_failed", err.Error())
			conn.Close(websocket.StatusPolicyViolation, closeAuthReason)
			return
		}
		s.logf("join rejected: %v", err)
		s.sendError(sendFn, frame, "join_rejected", err.Error())
		conn.Close(websocket.StatusProtocolError, "invalid join")
		return
	}
	defer s.hub.Disconnect(client)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		}
		if err := s.hub.HandleFrame(client, frame); err != nil {
			s.logf("frame from %s rejected: %v", client.UserID(), err)
		}
	}
}

// sendError ships a structured error before the close frame so clients can
// distinguish rejection causes.
func (s *Server) sendError(sendFn func([]byte) error, joinFrame []byte, code, message string) {
	roomID := "unknown"
	if env, err := roomsync.DecodeEnvelope(joinFrame); err == nil {
		roomID = env.RoomID
	}
	env, err := roomsync.NewEnvelope(roomsync.EventError, roomID, "", roomsync.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := sendFn(data); err != nil {
		s.logf("error frame send failed: %v", err)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
