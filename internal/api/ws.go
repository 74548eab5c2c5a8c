package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ShayFeldboy1010/lustchatbot/internal/conversation"
)

const (
	wsMaxMessageSize = 16 << 10
	wsReadTimeout    = 10 * time.Minute
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
)

// Frame types exchanged over /ws/chat.
const (
	FrameMessage = "message"
	FrameReply   = "reply"
	FrameError   = "error"
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type            string `json:"type"`
	Message         string `json:"message,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	Response        string `json:"response,omitempty"`
	NeedsEscalation bool   `json:"needs_escalation,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ChatSocket serves the chat widget over a WebSocket. A connection sticks
// to the first session it is given or minted, and its turns run in order.
type ChatSocket struct {
	conv     Conversation
	upgrader websocket.Upgrader
}

// NewChatSocket creates a ChatSocket. Origins follow the CORS list; an
// empty list only accepts same-host requests.
func NewChatSocket(conv Conversation, allowedOrigins []string) *ChatSocket {
	cs := &ChatSocket{
		conv: conv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		cs.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(allowedOrigins, origin)
		}
	}
	return cs
}

type socketConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex // one writer at a time
	sessionID string
}

func (c *socketConn) write(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteMessage(msgType, data)
}

func (c *socketConn) writeFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, b)
}

func (s *ChatSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("api: websocket upgrade failed", "error", err)
		return
	}
	conn := &socketConn{ws: ws, sessionID: r.URL.Query().Get("session_id")}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go s.pingLoop(ctx, conn)

	ws.SetReadLimit(wsMaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("api: websocket closed", "session_id", conn.sessionID, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if err := s.handleFrame(ctx, conn, data); err != nil {
			return
		}
	}
}

// handleFrame runs one turn. A non-nil error means the connection is broken.
func (s *ChatSocket) handleFrame(ctx context.Context, conn *socketConn, data []byte) error {
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		return conn.writeFrame(Frame{Type: FrameError, Error: "invalid JSON frame"})
	}
	if in.Type != "" && in.Type != FrameMessage {
		return conn.writeFrame(Frame{Type: FrameError, Error: "unknown frame type: " + in.Type})
	}
	if conn.sessionID == "" {
		conn.sessionID = in.SessionID
	}

	res, err := s.conv.HandleTurn(ctx, conn.sessionID, in.Message)
	if err != nil {
		msg := "internal error"
		switch {
		case errors.Is(err, conversation.ErrInvalidInput):
			msg = "message is empty"
		case errors.Is(err, conversation.ErrStorageUnavailable):
			msg = "service temporarily unavailable"
		}
		return conn.writeFrame(Frame{Type: FrameError, SessionID: conn.sessionID, Error: msg})
	}
	conn.sessionID = res.SessionID
	return conn.writeFrame(Frame{
		Type:            FrameReply,
		SessionID:       res.SessionID,
		Response:        res.Reply,
		NeedsEscalation: res.Escalated,
	})
}

func (s *ChatSocket) pingLoop(ctx context.Context, conn *socketConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
