package server

import (
	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
)

// UserWithPresence decorates a user with their live connection state
type UserWithPresence struct {
	models.User
	Online bool `json:"online"`
}

// GetMyProfile returns the authenticated user's own record
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	user, err := s.userService.GetUserByID(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}
	return c.Status(fiber.StatusOK).JSON(user)
}

// GetAllUsers lists users with presence flags so clients can pick a peer
func (s *Server) GetAllUsers(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	users, err := s.userService.ListUsers(c.UserContext(), limit, offset)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	online := make(map[string]struct{})
	for _, id := range s.gateway.Hub().OnlineUserIDs(c.UserContext()) {
		online[id] = struct{}{}
	}

	result := make([]UserWithPresence, 0, len(users))
	for _, u := range users {
		_, isOnline := online[u.ID]
		result = append(result, UserWithPresence{User: u, Online: isOnline})
	}
	return c.Status(fiber.StatusOK).JSON(result)
}
