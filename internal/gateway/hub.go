package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/middleware"
	"parley/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// Max sessions per user
	maxConnsPerUser = 12
	// Max total sessions
	maxTotalConns = 10000
	// How often the scavenger checks for idle sessions.
	scavengeInterval = 30 * time.Second
)

// UserRoom is the per-user room every session joins on register.
func UserRoom(userID string) string { return "user:" + userID }

// ChatRoom is the room carrying a chat's live traffic.
func ChatRoom(chatID string) string { return "chat:" + chatID }

// Hub owns all WebSocket sessions on this instance and their room
// subscriptions. Presence transitions are fanned out to every session as
// users:update frames.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]map[*Session]struct{}
	rooms        map[string]map[*Session]struct{}
	sessionRooms map[*Session]map[string]struct{}
	totalConns   int
	closed       bool

	presence    *PresenceTracker
	idleTimeout time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHub creates a Hub. The Redis client backs the cross-instance presence
// mirror and may be nil in tests.
func NewHub(rdb *redis.Client, idleTimeout time.Duration) *Hub {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	h := &Hub{
		sessions:     make(map[string]map[*Session]struct{}),
		rooms:        make(map[string]map[*Session]struct{}),
		sessionRooms: make(map[*Session]map[string]struct{}),
		idleTimeout:  idleTimeout,
		stopCh:       make(chan struct{}),
	}
	h.presence = NewPresenceTracker(rdb, PresenceConfig{
		OnUserOnline:  func(userID string) { h.broadcastPresence(userID, true) },
		OnUserOffline: func(userID string) { h.broadcastPresence(userID, false) },
	})

	go h.scavengeLoop()
	return h
}

// Register creates a session for the connection. The session automatically
// joins its own user room so directed frames reach it.
func (h *Hub) Register(userID string, conn *websocket.Conn) (*Session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("hub is shutting down")
	}
	if h.totalConns >= maxTotalConns {
		h.mu.Unlock()
		return nil, errors.New("server connection limit reached")
	}

	m, ok := h.sessions[userID]
	if !ok {
		m = make(map[*Session]struct{})
		h.sessions[userID] = m
	}
	if len(m) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, errors.New("user connection limit reached")
	}

	s := newSession(h, conn, userID)
	m[s] = struct{}{}
	h.totalConns++
	h.joinRoomLocked(s, UserRoom(userID))
	h.mu.Unlock()

	observability.SessionsTotal.Inc()
	h.presence.Register(context.Background(), userID)

	return s, nil
}

// Unregister removes a session and all its room subscriptions.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	removed := false
	if m, ok := h.sessions[s.UserID]; ok {
		if _, exists := m[s]; exists {
			delete(m, s)
			h.totalConns--
			removed = true
		}
		if len(m) == 0 {
			delete(h.sessions, s.UserID)
		}
	}
	if removed {
		for room := range h.sessionRooms[s] {
			h.leaveRoomLocked(s, room)
		}
		delete(h.sessionRooms, s)
	}
	h.mu.Unlock()

	if removed {
		observability.SessionsTotal.Dec()
		h.presence.Unregister(context.Background(), s.UserID)
	}
}

// JoinRoom subscribes the session to a room.
func (h *Hub) JoinRoom(s *Session, room string) {
	h.mu.Lock()
	h.joinRoomLocked(s, room)
	h.mu.Unlock()
}

// LeaveRoom unsubscribes the session from a room.
func (h *Hub) LeaveRoom(s *Session, room string) {
	h.mu.Lock()
	h.leaveRoomLocked(s, room)
	h.mu.Unlock()
}

func (h *Hub) joinRoomLocked(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	if _, exists := members[s]; exists {
		return
	}
	members[s] = struct{}{}

	subs, ok := h.sessionRooms[s]
	if !ok {
		subs = make(map[string]struct{})
		h.sessionRooms[s] = subs
	}
	subs[room] = struct{}{}
	observability.RoomMembers.WithLabelValues(room).Inc()
}

func (h *Hub) leaveRoomLocked(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	if _, exists := members[s]; !exists {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if subs, ok := h.sessionRooms[s]; ok {
		delete(subs, room)
	}
	observability.RoomMembers.WithLabelValues(room).Dec()
}

// BroadcastRoom sends a frame to every session subscribed to the room.
func (h *Hub) BroadcastRoom(room string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[room] {
		s.TrySend(frame)
	}
}

// BroadcastRooms sends a frame once to every session subscribed to any of
// the rooms. Sessions in several of the rooms receive a single copy.
func (h *Hub) BroadcastRooms(frame []byte, rooms ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Session]struct{})
	for _, room := range rooms {
		for s := range h.rooms[room] {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			s.TrySend(frame)
		}
	}
}

// BroadcastAll sends a frame to every session on this instance.
func (h *Hub) BroadcastAll(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sessions := range h.sessions {
		for s := range sessions {
			s.TrySend(frame)
		}
	}
}

// IsOnline reports whether the user has at least one live session anywhere.
func (h *Hub) IsOnline(userID string) bool {
	return h.presence.IsOnline(context.Background(), userID)
}

// OnlineUserIDs returns the currently online user ids.
func (h *Hub) OnlineUserIDs(ctx context.Context) []string {
	return h.presence.OnlineUserIDs(ctx)
}

// TouchPresence refreshes the cross-instance presence mirror for the user.
// Called from the session's activity path so mirror entries outlive their TTL
// while the connection stays up.
func (h *Hub) TouchPresence(ctx context.Context, userID string) {
	h.presence.Touch(ctx, userID)
}

// broadcastPresence announces a presence transition to every session except
// the transitioning user's own.
func (h *Hub) broadcastPresence(userID string, online bool) {
	frame, err := marshalFrame(EventUsersUpdate, "", PresencePayload{UserID: userID, IsOnline: online})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for uid, sessions := range h.sessions {
		if uid == userID {
			continue
		}
		for s := range sessions {
			s.TrySend(frame)
		}
	}
}

// scavengeLoop closes sessions that have been idle past the configured
// timeout. Pongs count as activity, so only truly silent peers are dropped.
func (h *Hub) scavengeLoop() {
	ticker := time.NewTicker(scavengeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.scavengeOnce()
		}
	}
}

func (h *Hub) scavengeOnce() {
	cutoff := time.Now().Add(-h.idleTimeout)

	h.mu.RLock()
	var stale []*Session
	for _, sessions := range h.sessions {
		for s := range sessions {
			if s.IdleSince().Before(cutoff) {
				stale = append(stale, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		middleware.Logger.Info("closing idle session",
			slog.String("user_id", s.UserID),
			slog.Time("last_activity", s.IdleSince()),
		)
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout"))
		_ = s.conn.Close()
	}
}

// Close gracefully shuts the hub down: no new registrations, close frames to
// every session, then the connections themselves.
func (h *Hub) Close(_ context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.presence.Stop()

	h.mu.Lock()
	h.closed = true
	for userID, sessions := range h.sessions {
		for s := range sessions {
			if s.conn == nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
				middleware.Logger.Warn("failed to write close frame",
					slog.String("user_id", userID), slog.String("error", err.Error()))
			}
			if err := s.conn.Close(); err != nil {
				middleware.Logger.Warn("failed to close websocket",
					slog.String("user_id", userID), slog.String("error", err.Error()))
			}
		}
	}
	h.sessions = make(map[string]map[*Session]struct{})
	h.rooms = make(map[string]map[*Session]struct{})
	h.sessionRooms = make(map[*Session]map[string]struct{})
	h.totalConns = 0
	h.mu.Unlock()

	return nil
}
