package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/evenlight/tandem/backend/internal/reading"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamEventSnapshot = "snapshot"

	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamPingInterval = 30 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamEnvelope is the wire frame pushed to stream subscribers. Every frame
// carries the full session snapshot; clients replace local state wholesale.
type streamEnvelope struct {
	Event       string                  `json:"event"`
	Source      string                  `json:"source"`
	TimestampMs int64                   `json:"ts_ms"`
	Session     reading.SessionSnapshot `json:"session"`
}

// handleSessionStream upgrades the request to a WebSocket and relays session
// mutations. The token travels in a query parameter because browser WebSocket
// clients cannot set an Authorization header.
func (h *httpHandler) handleSessionStream(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("stream token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	caller, err := reading.NewUserID(subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}

	// Membership gate doubles as the partner-join path, so opening the
	// stream is enough for the partner to appear in the session.
	outcome, err := h.sessions.GetSnapshot(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	stream, cancel := h.dispatcher.Subscribe(c.Request.Context(), sessionID.String())
	defer cancel()

	go h.streamReadPump(conn)
	h.streamWritePump(conn, outcome.Snapshot, stream)
}

// streamReadPump drains the connection so close and pong frames are
// processed; inbound payloads are ignored.
func (h *httpHandler) streamReadPump(conn *websocket.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *httpHandler) streamWritePump(conn *websocket.Conn, initial reading.SessionSnapshot, stream <-chan RealtimeMessage) {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	if err := h.writeStreamFrame(conn, streamEnvelope{
		Event:       streamEventSnapshot,
		Source:      realtimeSourceBackend,
		TimestampMs: time.Now().UnixMilli(),
		Session:     initial,
	}); err != nil {
		return
	}

	for {
		select {
		case message, open := <-stream:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(streamWriteTimeout))
				return
			}
			if err := h.writeStreamFrame(conn, streamEnvelope{
				Event:       string(message.EventType),
				Source:      realtimeSourceBackend,
				TimestampMs: message.Timestamp.UnixMilli(),
				Session:     message.Snapshot,
			}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) writeStreamFrame(conn *websocket.Conn, frame streamEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(frame)
}
