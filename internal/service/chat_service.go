// Package service provides application business logic for chats, messages
// and users.
package service

import (
	"context"
	"log/slog"
	"time"

	"parley/internal/bus"
	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/repository"
)

// ChatService provides chat and message business logic. Writes go through the
// repository first; only after a successful persist is the event published,
// so consumers never see a message the database does not have.
type ChatService struct {
	chatRepo         repository.ChatRepository
	userRepo         repository.UserRepository
	bus              bus.Bus
	maxMessageLength int
}

// NewChatService returns a new ChatService.
func NewChatService(
	chatRepo repository.ChatRepository,
	userRepo repository.UserRepository,
	eventBus bus.Bus,
	maxMessageLength int,
) *ChatService {
	if maxMessageLength <= 0 {
		maxMessageLength = 4000
	}
	return &ChatService{
		chatRepo:         chatRepo,
		userRepo:         userRepo,
		bus:              eventBus,
		maxMessageLength: maxMessageLength,
	}
}

// SendMessageInput is the input for sending a message. MessageID is optional;
// clients may assign their own id for retry idempotency.
type SendMessageInput struct {
	SenderID  string
	ChatID    string
	MessageID string
	Content   string
}

// GetOrCreateChat returns the unique chat for the pair {userID, otherID},
// creating it if needed. The created flag reports whether this call created
// the row, so callers can distinguish create from lookup.
func (s *ChatService) GetOrCreateChat(ctx context.Context, userID, otherID string) (*models.Chat, bool, error) {
	if otherID == "" {
		return nil, false, models.NewValidationError("peer user id is required")
	}
	if userID == otherID {
		return nil, false, models.NewValidationError("cannot start a chat with yourself")
	}
	if _, err := s.userRepo.GetByID(ctx, otherID); err != nil {
		return nil, false, err
	}

	chat, err := s.chatRepo.CreateChat(ctx, userID, otherID)
	if err != nil {
		if err == repository.ErrChatExists {
			return chat, false, nil
		}
		return nil, false, err
	}
	return chat, true, nil
}

// ListUserChats returns the user's chats ordered by most recent activity.
func (s *ChatService) ListUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	return s.chatRepo.ListChatsForUser(ctx, userID)
}

// GetChatForUser returns the chat if the user is a participant.
func (s *ChatService) GetChatForUser(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := s.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, models.NewForbiddenError("you are not a participant in this chat")
	}
	return chat, nil
}

// ListMessagesForUser returns a chat's messages in chronological order, with
// the participant check applied.
func (s *ChatService) ListMessagesForUser(ctx context.Context, chatID, userID string, limit, offset int) ([]*models.Message, error) {
	if _, err := s.GetChatForUser(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.chatRepo.ListMessages(ctx, chatID, limit, offset)
}

// SendMessage validates, persists and publishes a message. A retry carrying
// the same client-assigned id from the same sender returns the already
// persisted message instead of a conflict, so resends are idempotent. The
// returned error may be transient when the message persisted but the publish
// failed; the message pointer is still valid in that case.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	if in.Content == "" {
		return nil, models.NewValidationError("message content is required")
	}
	if len(in.Content) > s.maxMessageLength {
		return nil, models.NewValidationError("message content too long")
	}

	chat, err := s.GetChatForUser(ctx, in.ChatID, in.SenderID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:       in.MessageID,
		ChatID:   chat.ID,
		SenderID: in.SenderID,
		Content:  in.Content,
		Status:   models.StatusSent,
	}
	if err := s.chatRepo.SaveMessage(ctx, msg); err != nil {
		if models.IsCode(err, models.CodeConflict) && in.MessageID != "" {
			existing, getErr := s.chatRepo.GetMessage(ctx, in.MessageID)
			if getErr == nil && existing.ChatID == in.ChatID && existing.SenderID == in.SenderID {
				// Duplicate delivery of the same send; already published.
				return existing, nil
			}
		}
		return nil, err
	}

	if err := s.bus.Publish(ctx, bus.TopicChatMessages, chat.ID, msg); err != nil {
		middleware.Logger.WarnContext(ctx, "message persisted but publish failed",
			slog.String("message_id", msg.ID),
			slog.String("chat_id", chat.ID),
			slog.String("error", err.Error()),
		)
		return msg, err
	}
	return msg, nil
}

// MarkDelivered advances the message to DELIVERED on behalf of the recipient.
func (s *ChatService) MarkDelivered(ctx context.Context, messageID, userID string) (*models.StatusUpdate, error) {
	return s.advanceStatus(ctx, messageID, userID, models.StatusDelivered)
}

// MarkRead advances the message to READ on behalf of the recipient. READ
// subsumes DELIVERED, so a SENT message may move straight to READ.
func (s *ChatService) MarkRead(ctx context.Context, messageID, userID string) (*models.StatusUpdate, error) {
	return s.advanceStatus(ctx, messageID, userID, models.StatusRead)
}

func (s *ChatService) advanceStatus(ctx context.Context, messageID, userID string, status models.MessageStatus) (*models.StatusUpdate, error) {
	msg, err := s.chatRepo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		return nil, models.NewForbiddenError("cannot acknowledge your own message")
	}
	chat, err := s.chatRepo.GetChat(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, models.NewForbiddenError("you are not a participant in this chat")
	}

	before := msg.Status
	updated, err := s.chatRepo.UpdateMessageStatus(ctx, messageID, status)
	if err != nil {
		return nil, err
	}

	update := &models.StatusUpdate{
		MessageID: updated.ID,
		ChatID:    updated.ChatID,
		SenderID:  updated.SenderID,
		Status:    updated.Status,
		Timestamp: time.Now().UTC(),
	}

	// Repeated or stale acknowledgements stay idempotent and silent.
	if updated.Status == before {
		return update, nil
	}

	if err := s.bus.Publish(ctx, bus.TopicMessageStatus, updated.ID, update); err != nil {
		middleware.Logger.WarnContext(ctx, "status persisted but publish failed",
			slog.String("message_id", updated.ID),
			slog.String("status", string(updated.Status)),
			slog.String("error", err.Error()),
		)
		return update, err
	}
	return update, nil
}

// UndeliveredFor returns the user's SENT backlog, oldest first.
func (s *ChatService) UndeliveredFor(ctx context.Context, userID string) ([]*models.Message, error) {
	return s.chatRepo.ListUndeliveredFor(ctx, userID)
}
