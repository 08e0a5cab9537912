package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/live-desk/internal/api/dto"
	"github.com/spec-kit/live-desk/internal/service"
)

const defaultCaseRequestPage = 20

// CaseRequestsHandler accepts case requests from the request-creation form
// and lists them for staff.
type CaseRequestsHandler struct {
	tickets *service.TicketService
}

// NewCaseRequestsHandler constructs handler.
func NewCaseRequestsHandler(tickets *service.TicketService) *CaseRequestsHandler {
	return &CaseRequestsHandler{tickets: tickets}
}

// Create POST /case-requests.
func (h *CaseRequestsHandler) Create(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	var req dto.CaseRequestRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	created, err := h.tickets.CreateCaseRequest(c.UserContext(), principal.Actor, service.CaseRequestInput{
		Title:             req.Title,
		Description:       req.Description,
		Priority:          req.Priority,
		TargetOperatorUID: req.TargetOperatorUID,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": created})
}

// List GET /case-requests?limit=.
func (h *CaseRequestsHandler) List(c *fiber.Ctx) error {
	principal, err := principalOf(c)
	if err != nil {
		return err
	}
	reqs, err := h.tickets.ListCaseRequests(c.UserContext(), principal.Actor, parseInt(c.Query("limit"), defaultCaseRequestPage))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": reqs})
}
