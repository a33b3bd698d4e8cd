package server

import (
	"log/slog"

	"parley/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebSocketHandler upgrades the connection and hands it to the gateway. Auth
// middleware has already run, so Locals carries the verified user id.
func (s *Server) WebSocketHandler() fiber.Handler {
	upgrade := websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals("userID").(string)
		if userID == "" {
			_ = conn.Close()
			return
		}

		middleware.Logger.Info("websocket connected", slog.String("user_id", userID))
		if err := s.gateway.Attach(userID, conn); err != nil {
			middleware.Logger.Warn("websocket registration rejected",
				slog.String("user_id", userID), slog.String("error", err.Error()))
			_ = conn.Close()
			return
		}
		middleware.Logger.Info("websocket disconnected", slog.String("user_id", userID))
	})

	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return upgrade(c)
	}
}
