package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"parley/internal/middleware"
	"parley/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	// Outbound buffer per session.
	sendBufferSize = 256
)

// Session is one authenticated WebSocket connection. A user may hold several
// sessions at once; each gets its own pumps and outbound buffer.
type Session struct {
	hub  *Hub
	conn *websocket.Conn

	// UserID owning this session.
	UserID string

	// Buffered channel of outbound frames.
	Send chan []byte

	// Unix nanos of the last inbound activity, for the idle scavenger.
	lastActivity atomic.Int64

	// Callback for handling incoming frames.
	IncomingHandler func(*Session, []byte)
}

func newSession(hub *Hub, conn *websocket.Conn, userID string) *Session {
	s := &Session{
		hub:    hub,
		conn:   conn,
		UserID: userID,
		Send:   make(chan []byte, sendBufferSize),
	}
	s.touch()
	return s
}

// touch records activity so the idle scavenger keeps the session alive.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince returns the time of the session's last inbound activity.
func (s *Session) IdleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// ReadPump pumps frames from the websocket connection into the handler.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.Unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		// Pongs arrive every pingPeriod, well inside the mirror TTL, so a
		// live connection never ages out of the cross-instance view.
		s.hub.TouchPresence(context.Background(), s.UserID)
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				middleware.Logger.Warn("session read failed",
					slog.String("user_id", s.UserID),
					slog.String("error", err.Error()),
				)
			}
			break
		}

		s.touch()
		if s.IncomingHandler != nil {
			s.IncomingHandler(s, message)
		}
	}
}

// WritePump pumps frames from the Send buffer to the websocket connection.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a frame without blocking. A full buffer drops the frame and
// queues a best-effort gap notice so the client can re-fetch.
func (s *Session) TrySend(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.GatewayBackpressureDrops.WithLabelValues("closed").Inc()
		}
	}()

	select {
	case s.Send <- message:
	default:
		observability.GatewayBackpressureDrops.WithLabelValues("full").Inc()
		middleware.Logger.Warn("session buffer full, dropped frame",
			slog.String("user_id", s.UserID),
		)

		dropNotice := []byte(`{"event":"messages_dropped","data":{"reason":"buffer_full"}}`)
		select {
		case s.Send <- dropNotice:
		default:
			// Client is truly overwhelmed; the gap notice is lost too.
		}
	}
}
