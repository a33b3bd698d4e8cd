package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"parley/internal/bus"
	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/service"

	"github.com/gofiber/websocket/v2"
)

// Gateway dispatches inbound WebSocket frames to the chat service and fans
// bus events back out to subscribed sessions.
type Gateway struct {
	hub   *Hub
	chats *service.ChatService
	users *service.UserService
	bus   bus.Bus
}

// NewGateway wires a Gateway over the hub, services and event bus.
func NewGateway(hub *Hub, chats *service.ChatService, users *service.UserService, eventBus bus.Bus) *Gateway {
	return &Gateway{hub: hub, chats: chats, users: users, bus: eventBus}
}

// Hub exposes the underlying hub for shutdown and introspection.
func (g *Gateway) Hub() *Hub { return g.hub }

// Attach registers the connection as a session for the user and runs its
// pumps. Blocks until the connection closes.
func (g *Gateway) Attach(userID string, conn *websocket.Conn) error {
	s, err := g.hub.Register(userID, conn)
	if err != nil {
		return err
	}
	s.IncomingHandler = g.dispatch

	if frame, mErr := marshalFrame(EventConnEstablished, "", map[string]string{"user_id": userID}); mErr == nil {
		s.TrySend(frame)
	}

	go s.WritePump()
	s.ReadPump()
	return nil
}

// dispatch routes one inbound frame. Every request frame gets exactly one
// response: an ack echoing its id, or an error frame.
func (g *Gateway) dispatch(s *Session, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.TrySend(errorFrame("", models.NewValidationError("malformed frame")))
		return
	}

	observability.GatewayEventsTotal.WithLabelValues(frame.Event).Inc()
	ctx, span := observability.TraceGatewayEvent(context.Background(), frame.Event)
	defer span.End()

	var (
		data any
		err  error
	)

	switch frame.Event {
	case EventChatGet:
		data, err = g.handleChatGet(ctx, s, frame.Data)
	case EventChatJoin:
		data, err = g.handleChatJoin(ctx, s, frame.Data)
	case EventChatLeave:
		data, err = g.handleChatLeave(s, frame.Data)
	case EventMessage:
		data, err = g.handleMessage(ctx, s, frame.Data)
	case EventMessageRead:
		data, err = g.handleMessageRead(ctx, s, frame.Data)
	case EventUsersList:
		data, err = g.handleUsersList(ctx)
	default:
		err = models.NewValidationError("unknown event: " + frame.Event)
	}

	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		// A transient publish failure still persisted the write; report
		// success with the persisted record rather than an error.
		if data == nil || !models.IsCode(err, models.CodeTransient) {
			s.TrySend(errorFrame(frame.ID, err))
			return
		}
	}

	resp, mErr := ackFrame(frame.ID, data)
	if mErr != nil {
		s.TrySend(errorFrame(frame.ID, models.NewInternalError(mErr)))
		return
	}
	s.TrySend(resp)
}

func (g *Gateway) handleChatGet(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	var p ChatGetPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, models.NewValidationError("malformed chat:get payload")
	}

	chat, created, err := g.chats.GetOrCreateChat(ctx, s.UserID, p.PeerID)
	if err != nil {
		return nil, err
	}
	return ChatSnapshot{Chat: chat, Created: created}, nil
}

// handleChatJoin subscribes the session to the chat's room, returns the
// message history, and drains the user's undelivered backlog for that chat.
// Each drained message is marked DELIVERED, which publishes a status update
// back to the sender.
func (g *Gateway) handleChatJoin(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	var p ChatRefPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, models.NewValidationError("malformed chat:join payload")
	}

	chat, err := g.chats.GetChatForUser(ctx, p.ChatID, s.UserID)
	if err != nil {
		return nil, err
	}

	messages, err := g.chats.ListMessagesForUser(ctx, chat.ID, s.UserID, 0, 0)
	if err != nil {
		return nil, err
	}

	g.hub.JoinRoom(s, ChatRoom(chat.ID))
	g.drainBacklog(ctx, s, chat.ID)

	return ChatSnapshot{Chat: chat, Messages: messages}, nil
}

func (g *Gateway) drainBacklog(ctx context.Context, s *Session, chatID string) {
	backlog, err := g.chats.UndeliveredFor(ctx, s.UserID)
	if err != nil {
		middleware.Logger.Warn("backlog lookup failed",
			slog.String("user_id", s.UserID), slog.String("error", err.Error()))
		return
	}
	for _, msg := range backlog {
		if msg.ChatID != chatID {
			continue
		}
		if _, err := g.chats.MarkDelivered(ctx, msg.ID, s.UserID); err != nil {
			middleware.Logger.Warn("backlog delivery mark failed",
				slog.String("message_id", msg.ID), slog.String("error", err.Error()))
		}
	}
}

func (g *Gateway) handleChatLeave(s *Session, data json.RawMessage) (any, error) {
	var p ChatRefPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, models.NewValidationError("malformed chat:leave payload")
	}
	if p.ChatID == "" {
		return nil, models.NewValidationError("chat_id is required")
	}
	g.hub.LeaveRoom(s, ChatRoom(p.ChatID))
	return p, nil
}

func (g *Gateway) handleMessage(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	var p SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, models.NewValidationError("malformed message payload")
	}

	msg, err := g.chats.SendMessage(ctx, service.SendMessageInput{
		SenderID:  s.UserID,
		ChatID:    p.ChatID,
		MessageID: p.ID,
		Content:   p.Content,
	})
	if msg == nil {
		return nil, err
	}
	return msg, err
}

func (g *Gateway) handleMessageRead(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	var p ReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, models.NewValidationError("malformed message:read payload")
	}

	update, err := g.chats.MarkRead(ctx, p.MessageID, s.UserID)
	if update == nil {
		return nil, err
	}
	return update, err
}

func (g *Gateway) handleUsersList(ctx context.Context) (any, error) {
	users, err := g.users.ListUsers(ctx, 100, 0)
	if err != nil {
		return nil, err
	}

	online := make(map[string]struct{})
	for _, id := range g.hub.OnlineUserIDs(ctx) {
		online[id] = struct{}{}
	}

	now := time.Now().UTC()
	result := make([]UserStatus, 0, len(users))
	for _, u := range users {
		_, isOnline := online[u.ID]
		result = append(result, UserStatus{
			UserID: u.ID,
			Name:   u.Name,
			Email:  u.Email,
			Online: isOnline,
			AsOf:   now,
		})
	}
	return result, nil
}

// StartWiring subscribes the gateway to bus topics and starts consuming.
// New messages fan out to the chat's room; status updates go to the chat's
// room and to the sender's user room, so a connected sender sees ticks even
// before rejoining the chat.
func (g *Gateway) StartWiring(ctx context.Context) error {
	err := g.bus.Subscribe(bus.TopicChatMessages, func(_ context.Context, key string, payload []byte) {
		frame, err := marshalFrame(EventMessage, "", json.RawMessage(payload))
		if err != nil {
			middleware.Logger.Warn("dropping malformed message payload",
				slog.String("chat_id", key), slog.String("error", err.Error()))
			return
		}
		g.hub.BroadcastRoom(ChatRoom(key), frame)
	})
	if err != nil {
		return err
	}

	err = g.bus.Subscribe(bus.TopicMessageStatus, func(_ context.Context, _ string, payload []byte) {
		var update models.StatusUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			middleware.Logger.Warn("dropping malformed status update",
				slog.String("error", err.Error()))
			return
		}
		frame, err := marshalFrame(EventMessageStatus, "", update)
		if err != nil {
			return
		}
		g.hub.BroadcastRooms(frame, ChatRoom(update.ChatID), UserRoom(update.SenderID))
	})
	if err != nil {
		return err
	}

	return g.bus.Start(ctx)
}
