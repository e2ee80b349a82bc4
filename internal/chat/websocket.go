package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hawkins-trichology/concierge/internal/identity"
	"github.com/hawkins-trichology/concierge/internal/stream"
)

const wsWriteTimeout = 10 * time.Second

// wsFrame is a client frame. A frame without a type is a send request.
type wsFrame struct {
	Type string `json:"type,omitempty"`
	SendRequest
}

// wsConn serializes writes to a WebSocket connection.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) writeEvent(ev stream.Event) error {
	return c.writeJSON(ev)
}

// HandleWebSocket serves chat turns over a WebSocket. Each text frame is a
// send request and each event is written as a text frame. A new request, or a
// {"type":"cancel"} frame, cancels the turn in flight.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	visitorID := visitorKey(r)
	sessionID := identity.SessionIDFromContext(r.Context())
	requestID := chiMiddleware.GetReqID(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("failed to accept chat websocket", "visitor_id", visitorID, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("failed to close chat websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)
	h.logger.Info("chat websocket connected", "visitor_id", visitorID, "session_id", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := &wsConn{ws: ws}

	var (
		endTurn  func(cause error)
		turnDone chan struct{}
	)
	stopTurn := func(cause error) {
		if endTurn == nil {
			return
		}
		endTurn(cause)
		<-turnDone
		endTurn = nil
	}
	defer stopTurn(nil)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("chat websocket closed", "visitor_id", visitorID)
			} else {
				h.logger.Warn("chat websocket read error", "visitor_id", visitorID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.writeWS(conn, stream.Error("", "expected a text frame"))
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.writeWS(conn, stream.Error("", "invalid request body"))
			continue
		}
		switch frame.Type {
		case "ping":
			if err := conn.writeJSON(map[string]string{"type": "pong"}); err != nil {
				h.logger.Debug("failed to send pong", "error", err)
			}
			continue
		case "cancel":
			stopTurn(nil)
			continue
		case "", "send":
		default:
			h.writeWS(conn, stream.Error("", "unknown frame type"))
			continue
		}

		stopTurn(ErrTurnSuperseded)
		req := frame.SendRequest
		if req.SessionID == "" {
			req.SessionID = sessionID
		}
		if err := req.Validate(); err != nil {
			h.writeWS(conn, stream.Error(req.ConversationID, err.Error()))
			continue
		}
		if ok, msg := h.checkLimit(ctx, visitorID); !ok {
			h.writeWS(conn, stream.Error(req.ConversationID, msg))
			continue
		}

		turnCtx, end := h.turns.Begin(ctx, visitorID, req.SessionID)
		done := make(chan struct{})
		endTurn, turnDone = end, done
		go func() {
			defer close(done)
			defer end(nil)
			h.streamTurn(turnCtx, req, turnMeta{
				visitorID: visitorID,
				channel:   channelWebSocket,
				requestID: requestID,
			}, conn.writeEvent)
		}()
	}
}

func (h *Handler) writeWS(conn *wsConn, ev stream.Event) {
	if err := conn.writeEvent(ev); err != nil {
		h.logger.Debug("failed to write chat websocket event", "error", err)
	}
}
