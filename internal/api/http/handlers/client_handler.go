package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/live-desk/internal/api/dto"
	"github.com/spec-kit/live-desk/internal/desk"
	"github.com/spec-kit/live-desk/internal/identity"
	"github.com/spec-kit/live-desk/internal/service"
)

// ClientHandler exposes the anonymous client desk.
type ClientHandler struct {
	auth *service.AuthService
	hub  *desk.Hub
}

// NewClientHandler constructs handler.
func NewClientHandler(authService *service.AuthService, hub *desk.Hub) *ClientHandler {
	return &ClientHandler{auth: authService, hub: hub}
}

// StartSession POST /client/session.
func (h *ClientHandler) StartSession(c *fiber.Ctx) error {
	var req dto.ClientSessionRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return err
		}
	}
	actor, token, meta, err := h.auth.StartClientSession(c.UserContext(), req.Name)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{
			"uid":  actor.UID,
			"auth": dto.AuthResponse{Token: token, ExpiresAt: meta.ExpiresAt},
		},
	})
}

// RefreshSession POST /client/session/refresh.
func (h *ClientHandler) RefreshSession(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	token, meta, err := h.auth.RefreshClientSession(c.UserContext(), principal.Actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"uid":  principal.Actor.UID,
		"auth": dto.AuthResponse{Token: token, ExpiresAt: meta.ExpiresAt},
	}})
}

// Submit POST /client/tickets.
func (h *ClientHandler) Submit(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	var req dto.SubmitTicketRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := d.Submit(c.UserContext(), service.TicketCreateInput{
		Name:   req.Name,
		Phone:  req.Phone,
		Email:  req.Email,
		Sector: req.Sector,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": fiber.Map{
		"ticket": ticketResponse(ticket, false),
		"screen": d.Screen(),
	}})
}

// Restore POST /client/restore.
func (h *ClientHandler) Restore(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	screen, err := d.Restore(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": screen})
}

// Screen GET /client/screen.
func (h *ClientHandler) Screen(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": d.Screen()})
}

// Cancel POST /client/cancel.
func (h *ClientHandler) Cancel(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	if _, err := d.Cancel(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": d.Screen()})
}

// Rate POST /client/rating.
func (h *ClientHandler) Rate(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	var req dto.RateRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if _, err := d.Rate(c.UserContext(), req.Rating); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": d.Screen()})
}

// SendMessage POST /client/messages.
func (h *ClientHandler) SendMessage(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	var req dto.MessageRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	msg, err := d.SendMessage(c.UserContext(), req.Body)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": msg})
}

// Leave DELETE /client/desk drops the live desk. The saved session stays.
func (h *ClientHandler) Leave(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	h.hub.CloseClient(principal.Actor.UID)
	return c.SendStatus(http.StatusNoContent)
}

func (h *ClientHandler) desk(c *fiber.Ctx) (*desk.ClientDesk, error) {
	principal, err := principalOf(c)
	if err != nil {
		return nil, err
	}
	return h.hub.Client(identity.Identity{
		Actor:   principal.Actor,
		Subject: principal.SubjectType,
		Token:   bearerToken(c),
	}), nil
}
