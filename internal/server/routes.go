package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the player-facing HTTP and WebSocket surface. The
// admin/health surface is registered separately by internal/admin against
// the same *fiber.App in the orchestrator.
func RegisterRoutes(s *Server) {
	s.App.Get("/api/balance/:address", s.balanceHandler)
	s.App.Post("/api/bet/balance", s.betBalanceHandler)
	s.App.Post("/api/withdraw", s.withdrawHandler)
	s.App.Post("/api/deposits/register", s.registerDepositHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.wsHandler))
}
