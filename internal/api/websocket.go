package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/power-topology/backend/internal/diagram"
	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/session"
)

// WebSocket message types for the viewer protocol
const (
	// Client -> Server messages
	MsgTypeDrag    = "drag"
	MsgTypeDragEnd = "drag:end"
	MsgTypeClick   = "click"
	MsgTypeSelect  = "select"
	MsgTypePing    = "ping"

	// Server -> Client messages; controller events keep their own type names
	MsgTypeConnected = "connected"
	MsgTypeAck       = "ack"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
	wsEventBuffer  = 256
	wsCallTimeout  = 5 * time.Second
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WSConnectedPayload greets a new viewer with its session and the current diagram
type WSConnectedPayload struct {
	SessionID string           `json:"sessionId"`
	Diagram   diagram.Snapshot `json:"diagram"`
}

// WebSocket error response
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WSSelectPayload is sent by clients with a select message
type WSSelectPayload struct {
	Selected bool `json:"selected"`
}

// WebSocketHandler pushes controller events to viewers and applies their
// gestures. A drag belongs to the viewer that started it until drag:end or
// disconnect.
type WebSocketHandler struct {
	diagram  Diagram
	sessions *session.Manager
	upgrader websocket.Upgrader
	maxSize  int64
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. maxMessageSize is in bytes.
func NewWebSocketHandler(d Diagram, sessions *session.Manager, maxMessageSize int64, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = 1 << 20
	}
	return &WebSocketHandler{
		diagram:  d,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		maxSize: maxMessageSize,
		logger:  logger.With("component", "websocket"),
	}
}

// wsConn serializes writes: gorilla allows one concurrent writer.
type wsConn struct {
	ws   *websocket.Conn
	send chan WSMessage
	done chan struct{}
}

func (wc *wsConn) enqueue(msg WSMessage) {
	select {
	case wc.send <- msg:
	case <-wc.done:
	}
}

// HandleWebSocket upgrades the connection and runs the viewer protocol
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	sess, err := wsh.sessions.Open(c.RealIP(), func() { ws.Close() })
	if err != nil {
		ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		ws.WriteJSON(errorMessage("", err))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many viewers"))
		return nil
	}
	log := wsh.logger.With("session", sess.ID[:8])

	// Subscribe before the snapshot so no change falls between the two.
	events, unsubscribe := wsh.diagram.Subscribe(wsEventBuffer)
	defer func() {
		unsubscribe()
		wsh.releaseGestures(sess.ID, log)
	}()

	ctx := c.Request().Context()
	snap, err := wsh.diagram.Snapshot(ctx)
	if err != nil {
		ws.WriteJSON(errorMessage("", err))
		return nil
	}
	// The greeting is written before the writer starts, so it is always first.
	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(WSMessage{
		Type:      MsgTypeConnected,
		Payload:   mustJSON(WSConnectedPayload{SessionID: sess.ID, Diagram: snap}),
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return nil
	}

	wc := &wsConn{ws: ws, send: make(chan WSMessage, 16), done: make(chan struct{})}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		wsh.writeLoop(wc, events, log)
	}()
	defer func() {
		close(wc.done)
		<-writerDone
	}()

	ws.SetReadLimit(wsh.maxSize)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		wsh.sessions.Touch(sess.ID)
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Main message loop
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("connection error", "error", err)
			}
			return nil
		}
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		wsh.sessions.Touch(sess.ID)

		if reply := wsh.dispatch(ctx, sess.ID, msg); reply != nil {
			wc.enqueue(*reply)
		}
	}
}

// dispatch handles one client message and returns the direct reply, if any.
// State changes reach the client through the event stream.
func (wsh *WebSocketHandler) dispatch(ctx context.Context, sessionID string, msg WSMessage) *WSMessage {
	ctx, cancel := context.WithTimeout(ctx, wsCallTimeout)
	defer cancel()

	id := models.AssetID(msg.ID)
	var err error

	switch msg.Type {
	case MsgTypePing:
		return &WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()}
	case MsgTypeDrag:
		var req dragRequest
		if err = json.Unmarshal(msg.Payload, &req); err != nil {
			return errorMessage(msg.ID, NewBadRequestError("invalid drag payload", err))
		}
		delta, verr := req.delta()
		if verr != nil {
			return errorMessage(msg.ID, verr)
		}
		if err = wsh.sessions.Claim(sessionID, id); err != nil {
			break
		}
		if err = wsh.diagram.Drag(ctx, id, delta); err != nil {
			wsh.sessions.Release(sessionID, id)
			break
		}
		// Deltas are frequent; only failures are answered.
		return nil
	case MsgTypeDragEnd:
		if holder, held := wsh.sessions.Holder(id); held && holder != sessionID {
			err = session.ErrGestureHeld
			break
		}
		err = wsh.diagram.EndDrag(ctx, id)
		wsh.sessions.Release(sessionID, id)
	case MsgTypeClick:
		err = wsh.diagram.Click(ctx, id)
	case MsgTypeSelect:
		var req WSSelectPayload
		if err = json.Unmarshal(msg.Payload, &req); err != nil {
			return errorMessage(msg.ID, NewBadRequestError("invalid select payload", err))
		}
		err = wsh.diagram.Select(ctx, id, req.Selected)
	default:
		return errorMessage(msg.ID, &APIError{Status: http.StatusBadRequest, Code: "INVALID_TYPE", Message: "Unknown message type: " + msg.Type})
	}

	if err != nil {
		return errorMessage(msg.ID, err)
	}
	return &WSMessage{Type: MsgTypeAck, ID: msg.ID, Timestamp: time.Now().UnixMilli()}
}

// writeLoop owns every write on the connection.
func (wsh *WebSocketHandler) writeLoop(wc *wsConn, events <-chan diagram.Event, log *slog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	write := func(msg WSMessage) bool {
		wc.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := wc.ws.WriteJSON(msg); err != nil {
			log.Debug("write failed", "error", err)
			wc.ws.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-wc.done:
			return
		case msg := <-wc.send:
			if !write(msg) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// Controller stopped.
				wc.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				wc.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "diagram stopped"))
				wc.ws.Close()
				return
			}
			if !write(eventMessage(ev)) {
				return
			}
		case <-ticker.C:
			wc.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := wc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				wc.ws.Close()
				return
			}
		}
	}
}

// releaseGestures closes the session and ends every drag it left open, so
// the last position is still persisted.
func (wsh *WebSocketHandler) releaseGestures(sessionID string, log *slog.Logger) {
	orphaned := wsh.sessions.Close(sessionID)
	if len(orphaned) == 0 {
		return
	}
	EndOrphanedDrags(wsh.diagram, orphaned, log)
}

// EndOrphanedDrags finishes gestures whose viewer went away.
func EndOrphanedDrags(d Diagram, ids []models.AssetID, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), wsCallTimeout)
	defer cancel()
	for _, id := range ids {
		if err := d.EndDrag(ctx, id); err != nil && !errors.Is(err, diagram.ErrNotFound) && !errors.Is(err, diagram.ErrStopped) {
			log.Warn("ending orphaned drag", "asset", id, "error", err)
		}
	}
}

func eventMessage(ev diagram.Event) WSMessage {
	msg := WSMessage{
		Type:      string(ev.Type),
		ID:        string(ev.ID),
		Timestamp: ev.Timestamp.UnixMilli(),
	}
	if ev.Payload != nil {
		msg.Payload = mustJSON(ev.Payload)
	}
	return msg
}

func errorMessage(id string, err error) *WSMessage {
	apiErr := FromError(err)
	return &WSMessage{
		Type:      MsgTypeError,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSErrorResponse{
			Message: apiErr.Message,
			Code:    apiErr.Code,
		}),
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
