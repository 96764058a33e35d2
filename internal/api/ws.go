package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/hub"
	"github.com/relaydev/relay/internal/session"
	"github.com/relaydev/relay/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay fronts local tooling; origin policy is the deployment's job.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RegisterWS mounts the session event socket outside the /api group.
func (h *SessionHandler) RegisterWS(router *gin.Engine) {
	router.GET("/ws/sessions/:id", h.attach)
}

// attach upgrades the connection and splices it onto the session's hub.
// Refusals that can be decided before the upgrade (missing or archived
// session, bad lastSeq) come back as plain HTTP errors.
func (h *SessionHandler) attach(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.Status == session.StatusArchived {
		respondError(c, apperrors.NewConflict("session is archived"))
		return
	}

	lastSeq, err := queryInt64(c, "lastSeq", 0)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("session_id", id),
			zap.Error(err))
		return
	}

	sessionHub := h.hubs.Get(id)
	if err := sessionHub.EnsureAttached(ctx); err != nil {
		closeWithError(conn, err)
		return
	}

	client, err := sessionHub.Connect(ctx, uuid.New().String(), lastSeq)
	if err != nil {
		closeWithError(conn, err)
		return
	}

	ws := &wsConn{
		conn:   conn,
		client: client,
		hub:    sessionHub,
		local:  make(chan []byte, 16),
		logger: h.logger.WithFields(
			zap.String("session_id", id),
			zap.String("client_id", client.ID())),
	}
	go ws.writePump()
	ws.readPump()
}

// closeWithError reports a post-upgrade failure on the socket itself.
func closeWithError(conn *websocket.Conn, err error) {
	frame, marshalErr := json.Marshal(map[string]string{
		"type":    protocol.FrameError,
		"code":    apperrors.GetCode(err),
		"message": err.Error(),
	})
	if marshalErr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.Close()
}

// wsConn adapts one websocket peer to a hub client: reads become commands,
// the client's outbound stream becomes frames.
type wsConn struct {
	conn   *websocket.Conn
	client *hub.Client
	hub    *hub.Hub

	// local carries frames addressed to this peer only, such as command
	// rejections, without going through the hub.
	local chan []byte

	logger *logger.Logger
}

func (w *wsConn) readPump() {
	defer func() {
		w.client.Close()
		_ = w.conn.Close()
	}()

	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if err := w.hub.SendCommand(w.client.ID(), data); err != nil {
			w.rejectCommand(err)
		}
	}
}

// rejectCommand answers a refused command on this socket only.
func (w *wsConn) rejectCommand(err error) {
	frame, marshalErr := json.Marshal(map[string]string{
		"type":    protocol.FrameError,
		"code":    apperrors.GetCode(err),
		"message": err.Error(),
	})
	if marshalErr != nil {
		return
	}
	select {
	case w.local <- frame:
	default:
		// The peer is not draining its own rejections either; the write
		// side will notice on the next deadline.
	}
}

func (w *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case data, ok := <-w.client.Outbound():
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			// Drain whatever else is queued before the next select; one
			// syscall per frame, but no ticker starvation under load.
			for i := 0; i < len(w.client.Outbound()); i++ {
				select {
				case more := <-w.client.Outbound():
					if err := w.conn.WriteMessage(websocket.TextMessage, more); err != nil {
						return
					}
				default:
				}
			}

		case frame := <-w.local:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-w.client.Done():
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return

		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
