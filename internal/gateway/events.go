// Package gateway manages WebSocket sessions, room subscriptions and
// presence, and bridges the event bus to connected clients.
package gateway

import (
	"encoding/json"
	"time"

	"parley/internal/models"
)

// Client-to-server events.
const (
	EventChatGet     = "chat:get"
	EventChatJoin    = "chat:join"
	EventChatLeave   = "chat:leave"
	EventMessage     = "message"
	EventMessageRead = "message:read"
	EventUsersList   = "users:list"
)

// Server-to-client events. EventMessage doubles as the fan-out event for
// persisted messages, mirroring the inbound name.
const (
	EventAck             = "ack"
	EventError           = "error"
	EventConnEstablished = "connection:established"
	EventMessageStatus   = "message:status"
	EventUsersUpdate     = "users:update"
	EventDropped         = "messages_dropped"
)

// Frame is the wire envelope for every WebSocket message, both directions.
// Requests may carry an id; the matching response echoes it back.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatGetPayload asks for the chat with another user, creating it if needed.
type ChatGetPayload struct {
	PeerID string `json:"peer_id"`
}

// ChatRefPayload references an existing chat.
type ChatRefPayload struct {
	ChatID string `json:"chat_id"`
}

// SendPayload carries an outgoing message. ID is the optional
// client-assigned message id used for retry idempotency.
type SendPayload struct {
	ChatID  string `json:"chat_id"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// ReadPayload acknowledges that the user has read a message.
type ReadPayload struct {
	MessageID string `json:"message_id"`
}

// PresencePayload announces a user's presence transition.
type PresencePayload struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

// ErrorPayload is the data of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatSnapshot is the chat:get/chat:join response data.
type ChatSnapshot struct {
	Chat     *models.Chat      `json:"chat"`
	Created  bool              `json:"created,omitempty"`
	Messages []*models.Message `json:"messages,omitempty"`
}

// UserStatus pairs a user with an online flag for users:list responses.
type UserStatus struct {
	UserID string    `json:"user_id"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Online bool      `json:"online"`
	AsOf   time.Time `json:"as_of"`
}

func marshalFrame(event, id string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, ID: id, Data: raw})
}

// ackFrame builds the response to a request frame, echoing its id.
func ackFrame(id string, data any) ([]byte, error) {
	return marshalFrame(EventAck, id, data)
}

// errorFrame builds an error response for a request frame.
func errorFrame(id string, err error) []byte {
	payload := ErrorPayload{
		Code:    models.ErrorCode(err),
		Message: err.Error(),
	}
	b, mErr := marshalFrame(EventError, id, payload)
	if mErr != nil {
		return []byte(`{"event":"error"}`)
	}
	return b
}
