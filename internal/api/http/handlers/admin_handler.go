package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/live-desk/internal/api/dto"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/repository"
	"github.com/spec-kit/live-desk/internal/service"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// AdminHandler manages the operator directory.
type AdminHandler struct {
	auth *service.AuthService
}

// NewAdminHandler constructs handler.
func NewAdminHandler(authService *service.AuthService) *AdminHandler {
	return &AdminHandler{auth: authService}
}

// CreateOperator POST /admin/operators.
func (h *AdminHandler) CreateOperator(c *fiber.Ctx) error {
	var req dto.CreateOperatorRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	op, err := h.auth.CreateOperator(c.UserContext(), service.OperatorInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		Sector:   req.Sector,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": operatorResponse(op)})
}

// ListOperators GET /admin/operators?role=&sector=&active=.
func (h *AdminHandler) ListOperators(c *fiber.Ctx) error {
	filter := repository.OperatorFilter{
		Limit:  parseInt(c.Query("limit"), 50),
		Offset: parseInt(c.Query("offset"), 0),
	}
	if role := strings.ToUpper(c.Query("role")); role != "" {
		r := domain.Role(role)
		filter.Role = &r
	}
	if sector := c.Query("sector"); sector != "" {
		filter.Sector = &sector
	}
	switch c.Query("active") {
	case "true":
		active := true
		filter.Active = &active
	case "false":
		active := false
		filter.Active = &active
	}
	ops, err := h.auth.ListOperators(c.UserContext(), filter)
	if err != nil {
		return err
	}
	items := make([]dto.OperatorResponse, 0, len(ops))
	for i := range ops {
		items = append(items, operatorResponse(&ops[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// SetActive PATCH /admin/operators/:id.
func (h *AdminHandler) SetActive(c *fiber.Ctx) error {
	var req dto.OperatorActiveRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Active == nil {
		return apperrors.NewValidationError("active required", nil)
	}
	op, err := h.auth.SetOperatorActive(c.UserContext(), c.Params("id"), *req.Active)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": operatorResponse(op)})
}
