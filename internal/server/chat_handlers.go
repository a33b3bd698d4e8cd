package server

import (
	"parley/internal/models"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreateChatRequest is the payload for opening a chat with another user
type CreateChatRequest struct {
	PeerID string `json:"peer_id"`
}

// SendMessageRequest is the payload for posting a message over REST.
// The id is optional; clients supply one to make retries idempotent.
type SendMessageRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func currentUserID(c *fiber.Ctx) string {
	id, _ := c.Locals("userID").(string)
	return id
}

// CreateChat opens a chat between the caller and a peer. If the pair already
// has a chat this returns 409 with the existing chat so clients can recover.
func (s *Server) CreateChat(c *fiber.Ctx) error {
	var req CreateChatRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	chat, created, err := s.chatService.GetOrCreateChat(c.UserContext(), currentUserID(c), req.PeerID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	if !created {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "chat already exists",
			"code":  models.CodeConflict,
			"chat":  chat,
		})
	}
	return c.Status(fiber.StatusCreated).JSON(chat)
}

// GetChats lists the caller's chats, most recently active first
func (s *Server) GetChats(c *fiber.Ctx) error {
	chats, err := s.chatService.ListUserChats(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}
	return c.Status(fiber.StatusOK).JSON(chats)
}

// GetChat returns a single chat the caller participates in
func (s *Server) GetChat(c *fiber.Ctx) error {
	chat, err := s.chatService.GetChatForUser(c.UserContext(), c.Params("id"), currentUserID(c))
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}
	return c.Status(fiber.StatusOK).JSON(chat)
}

// GetChatMessages returns a chat's messages in chronological order.
// limit selects the most recent window; offset pages further back.
func (s *Server) GetChatMessages(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	offset := c.QueryInt("offset", 0)

	messages, err := s.chatService.ListMessagesForUser(
		c.UserContext(), c.Params("id"), currentUserID(c), limit, offset)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}
	return c.Status(fiber.StatusOK).JSON(messages)
}

// SendChatMessage posts a message to a chat over REST. Delivery to live
// sessions rides the event bus; a transient publish failure still returns the
// persisted message since it will reach recipients on their next sync.
func (s *Server) SendChatMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	msg, err := s.chatService.SendMessage(c.UserContext(), service.SendMessageInput{
		SenderID:  currentUserID(c),
		ChatID:    c.Params("id"),
		MessageID: req.ID,
		Content:   req.Content,
	})
	if err != nil && (msg == nil || !models.IsCode(err, models.CodeTransient)) {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}
