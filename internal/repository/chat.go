package repository

import (
	"context"
	"errors"
	"strings"

	"parley/internal/models"
	"parley/internal/observability"

	"gorm.io/gorm"
)

// ErrChatExists signals that a chat for the participant pair already exists.
// CreateChat returns it alongside the existing row so callers can choose
// between conflict and get-or-create semantics.
var ErrChatExists = errors.New("chat already exists for participant pair")

// ChatRepository defines persistence operations for chats and messages.
type ChatRepository interface {
	CreateChat(ctx context.Context, userA, userB string) (*models.Chat, error)
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	GetChatByParticipants(ctx context.Context, userA, userB string) (*models.Chat, error)
	ListChatsForUser(ctx context.Context, userID string) ([]*models.Chat, error)

	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]*models.Message, error)
	UpdateMessageStatus(ctx context.Context, msgID string, status models.MessageStatus) (*models.Message, error)
	ListUndeliveredFor(ctx context.Context, userID string) ([]*models.Message, error)
}

type chatRepository struct {
	db      *gorm.DB
	metrics *observability.DatabaseMetrics
}

// NewChatRepository returns a new ChatRepository implementation.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db, metrics: observability.NewDatabaseMetrics()}
}

// CreateChat creates the chat for the unordered pair {userA, userB} together
// with its participant rows in one transaction. When the pair key collides
// with an existing chat the existing row is returned with ErrChatExists, so a
// concurrent duplicate create converges on a single chat.
func (r *chatRepository) CreateChat(ctx context.Context, userA, userB string) (*models.Chat, error) {
	defer r.metrics.TrackQuery("create", "chats")()
	ctx, span := observability.TraceRepositoryMethod(ctx, "CreateChat", "chats")
	defer span.End()

	chat := &models.Chat{PairKey: models.PairKey(userA, userB)}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		participants := []models.ChatParticipant{
			{ChatID: chat.ID, UserID: userA},
			{ChatID: chat.ID, UserID: userB},
		}
		return tx.Create(&participants).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, lookupErr := r.GetChatByParticipants(ctx, userA, userB)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return existing, ErrChatExists
		}
		if isForeignKeyError(err) {
			return nil, models.NewNotFoundError("User", userB)
		}
		return nil, models.NewInternalError(err)
	}

	return r.GetChat(ctx, chat.ID)
}

func (r *chatRepository) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	defer r.metrics.TrackQuery("get", "chats")()

	var chat models.Chat
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("id = ?", id).
		First(&chat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Chat", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &chat, nil
}

func (r *chatRepository) GetChatByParticipants(ctx context.Context, userA, userB string) (*models.Chat, error) {
	defer r.metrics.TrackQuery("get_by_participants", "chats")()

	var chat models.Chat
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("pair_key = ?", models.PairKey(userA, userB)).
		First(&chat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Chat", models.PairKey(userA, userB))
		}
		return nil, models.NewInternalError(err)
	}
	return &chat, nil
}

// ListChatsForUser returns the user's chats ordered by most recent activity.
func (r *chatRepository) ListChatsForUser(ctx context.Context, userID string) ([]*models.Chat, error) {
	defer r.metrics.TrackQuery("list_for_user", "chats")()

	var chats []*models.Chat
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_participants cp ON chats.id = cp.chat_id").
		Where("cp.user_id = ?", userID).
		Preload("Participants").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at DESC").Limit(1)
		}).
		Order("chats.updated_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return chats, nil
}

// SaveMessage persists a message and bumps the chat's updated_at so recency
// ordering in chat lists reflects the new message. A duplicate message id is
// reported as a conflict so client retries stay idempotent.
func (r *chatRepository) SaveMessage(ctx context.Context, msg *models.Message) error {
	defer r.metrics.TrackQuery("create", "messages")()
	ctx, span := observability.TraceRepositoryMethod(ctx, "SaveMessage", "messages")
	defer span.End()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Chat{}).Where("id = ?", msg.ChatID).
			Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return models.NewConflictError("message id already exists")
		}
		return models.NewInternalError(err)
	}

	observability.MessagesPersistedTotal.WithLabelValues(string(msg.Status)).Inc()
	return nil
}

func (r *chatRepository) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	defer r.metrics.TrackQuery("get", "messages")()

	var msg models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &msg, nil
}

// ListMessages returns the chat's messages in chronological order. With a
// positive limit the most recent window is fetched and reversed so the client
// still sees oldest first.
func (r *chatRepository) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]*models.Message, error) {
	defer r.metrics.TrackQuery("list", "messages")()

	var messages []*models.Message
	q := r.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if limit > 0 {
		err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&messages).Error
		if err != nil {
			return nil, models.NewInternalError(err)
		}
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
		return messages, nil
	}

	if err := q.Order("created_at ASC").Find(&messages).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return messages, nil
}

// UpdateMessageStatus advances a message's delivery status. The UPDATE is
// guarded so the status only moves forward; a stale or repeated transition is
// a no-op and the current row is returned unchanged.
func (r *chatRepository) UpdateMessageStatus(ctx context.Context, msgID string, status models.MessageStatus) (*models.Message, error) {
	defer r.metrics.TrackQuery("update_status", "messages")()

	if !status.Valid() {
		return nil, models.NewValidationError("unknown message status")
	}

	lower := make([]models.MessageStatus, 0, 2)
	for _, s := range []models.MessageStatus{models.StatusSent, models.StatusDelivered, models.StatusRead} {
		if s.Rank() < status.Rank() {
			lower = append(lower, s)
		}
	}

	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", msgID, lower).
		Update("status", status)
	if res.Error != nil {
		return nil, models.NewInternalError(res.Error)
	}

	// Zero rows means either the message is missing or the status was already
	// at or beyond the target. GetMessage disambiguates.
	return r.GetMessage(ctx, msgID)
}

// ListUndeliveredFor returns SENT messages addressed to the user, oldest
// first, across all chats the user participates in.
func (r *chatRepository) ListUndeliveredFor(ctx context.Context, userID string) ([]*models.Message, error) {
	defer r.metrics.TrackQuery("list_undelivered", "messages")()

	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_participants cp ON messages.chat_id = cp.chat_id").
		Where("cp.user_id = ? AND messages.sender_id <> ? AND messages.status = ?",
			userID, userID, models.StatusSent).
		Order("messages.created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return messages, nil
}

func isForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	// PostgreSQL foreign key violation SQLSTATE 23503
	return errors.Is(err, gorm.ErrForeignKeyViolated) ||
		strings.Contains(msg, "foreign key") || strings.Contains(msg, "23503")
}
