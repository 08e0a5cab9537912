package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/live-desk/internal/api/dto"
	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/desk"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/queue"
	"github.com/spec-kit/live-desk/internal/service"
	"github.com/spec-kit/live-desk/internal/statemachine"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// OperatorHandler exposes operator login, the operator desk and ticket
// actions.
type OperatorHandler struct {
	auth    *service.AuthService
	tickets *service.TicketService
	queue   *queue.Coordinator
	hub     *desk.Hub
}

// NewOperatorHandler constructs handler.
func NewOperatorHandler(authService *service.AuthService, tickets *service.TicketService, coordinator *queue.Coordinator, hub *desk.Hub) *OperatorHandler {
	return &OperatorHandler{auth: authService, tickets: tickets, queue: coordinator, hub: hub}
}

// Login handles POST /operators/login.
func (h *OperatorHandler) Login(c *fiber.Ctx) error {
	var req dto.OperatorLoginRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Email == "" || req.Password == "" {
		return apperrors.NewValidationError("email and password required", nil)
	}
	op, token, meta, err := h.auth.LoginOperator(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"operator": operatorResponse(op),
			"auth":     dto.AuthResponse{Token: token, ExpiresAt: meta.ExpiresAt},
		},
	})
}

// ChangePassword handles POST /operators/password.
func (h *OperatorHandler) ChangePassword(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	var req dto.PasswordChangeRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return apperrors.NewValidationError("current and new password required", nil)
	}
	if err := h.auth.ChangePassword(c.UserContext(), principal.Actor.UID, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "password_changed"}})
}

// View GET /desk.
func (h *OperatorHandler) View(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": d.View()})
}

// ActivateModule PUT /desk/module.
func (h *OperatorHandler) ActivateModule(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	var req dto.ModuleRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if err := d.ActivateModule(c.UserContext(), req.Module); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": d.View()})
}

// Alerts GET /desk/alerts.
func (h *OperatorHandler) Alerts(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": d.Alerts()})
}

// AcceptAlert POST /desk/alerts/:id/accept.
func (h *OperatorHandler) AcceptAlert(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	ticket, err := d.Accept(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket, true)})
}

// RejectAlert POST /desk/alerts/:id/reject.
func (h *OperatorHandler) RejectAlert(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	if !d.Reject(c.Params("id")) {
		return apperrors.NewNotFound("alert", map[string]any{"ticket_id": c.Params("id")})
	}
	return c.SendStatus(http.StatusNoContent)
}

// ClaimNext POST /desk/claim-next.
func (h *OperatorHandler) ClaimNext(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	ticket, err := d.ClaimNext(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket, true)})
}

// OpenTicket POST /desk/tickets/:id/open.
func (h *OperatorHandler) OpenTicket(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	ticket, err := d.OpenTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket, true)})
}

// CloseTicket POST /desk/close.
func (h *OperatorHandler) CloseTicket(c *fiber.Ctx) error {
	d, err := h.desk(c)
	if err != nil {
		return err
	}
	if err := d.CloseTicket(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": d.View()})
}

// Leave DELETE /desk tears the operator desk down.
func (h *OperatorHandler) Leave(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	h.hub.CloseOperator(principal.Actor.UID)
	return c.SendStatus(http.StatusNoContent)
}

// Queue GET /queue?sector=.
func (h *OperatorHandler) Queue(c *fiber.Ctx) error {
	if _, err := principalOf(c); err != nil {
		return err
	}
	pending, err := h.queue.Pending(c.UserContext(), store.QueueFilter{Sector: c.Query("sector")})
	if err != nil {
		return err
	}
	items := make([]dto.TicketResponse, 0, len(pending))
	for i := range pending {
		items = append(items, ticketResponse(&pending[i], true))
	}
	return c.JSON(fiber.Map{"data": items})
}

// GetTicket GET /tickets/:id.
func (h *OperatorHandler) GetTicket(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	ticket, err := h.tickets.GetTicket(c.UserContext(), c.Params("id"), principal.Actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket, true)})
}

// Messages GET /tickets/:id/messages.
func (h *OperatorHandler) Messages(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	msgs, err := h.tickets.ListMessages(c.UserContext(), c.Params("id"), principal.Actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": msgs})
}

// StateLogs GET /tickets/:id/state-logs.
func (h *OperatorHandler) StateLogs(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	logs, err := h.tickets.ListStateLogs(c.UserContext(), c.Params("id"), principal.Actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": logs})
}

// Transitions GET /tickets/:id/transitions.
func (h *OperatorHandler) Transitions(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	statuses, err := h.tickets.AvailableTransitions(c.UserContext(), c.Params("id"), principal.Actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": statuses})
}

// Transition POST /tickets/:id/transition.
func (h *OperatorHandler) Transition(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	var req dto.TransitionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := h.tickets.Transition(c.UserContext(), c.Params("id"), principal.Actor, domain.TicketStatus(req.Status), req.Justification)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket, true)})
}

// ConfirmIdentity POST /tickets/:id/identity.
func (h *OperatorHandler) ConfirmIdentity(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	var req dto.IdentityChecklistRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := h.tickets.ConfirmIdentity(c.UserContext(), c.Params("id"), principal.Actor, statemachine.IdentityChecklist{
		Name:  req.Name,
		Phone: req.Phone,
		Email: req.Email,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket, true)})
}

// UpdateCase PUT /tickets/:id/case.
func (h *OperatorHandler) UpdateCase(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	var req dto.CaseFieldsRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := h.tickets.UpdateCaseFields(c.UserContext(), c.Params("id"), principal.Actor, domain.CaseFields{
		Type:          req.Type,
		OwningSector:  req.OwningSector,
		Description:   req.Description,
		InternalNotes: req.InternalNotes,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket, true)})
}

// AddMessage POST /tickets/:id/messages.
func (h *OperatorHandler) AddMessage(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	var req dto.MessageRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	msg, err := h.tickets.AddMessage(c.UserContext(), c.Params("id"), principal.Actor, req.Body)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": msg})
}

// Release POST /tickets/:id/release.
func (h *OperatorHandler) Release(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	var req dto.ReleaseRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := h.queue.ReleaseBack(c.UserContext(), c.Params("id"), principal.Actor, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket, true)})
}

func (h *OperatorHandler) desk(c *fiber.Ctx) (*desk.OperatorDesk, error) {
	principal, err := principalOf(c)
	if err != nil {
		return nil, err
	}
	return h.hub.Operator(c.UserContext(), principal.Actor, operatorSector(principal))
}

func operatorSector(principal *auth.Principal) string {
	if principal.Operator == nil {
		return ""
	}
	return principal.Operator.Sector
}
