package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/live-desk/internal/desk"
)

// DebugHandler exposes live desk state for troubleshooting.
type DebugHandler struct {
	hub *desk.Hub
}

// NewDebugHandler constructs handler.
func NewDebugHandler(hub *desk.Hub) *DebugHandler {
	return &DebugHandler{hub: hub}
}

// Desks GET /debug/desks.
func (h *DebugHandler) Desks(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.hub.Introspect(c.UserContext())})
}
