package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/live-desk/internal/api/dto"
	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/domain"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

func principalOf(c *fiber.Ctx) (*auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	return principal, nil
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return nil
}

func bearerToken(c *fiber.Ctx) string {
	parts := strings.SplitN(c.Get("Authorization"), " ", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func ticketResponse(ticket *domain.Ticket, staff bool) dto.TicketResponse {
	resp := dto.TicketResponse{
		ID:                ticket.ID,
		Status:            ticket.Status,
		Sector:            ticket.Sector,
		Client:            ticket.Client,
		AssignedOperator:  ticket.AssignedOperator,
		CreatedAt:         ticket.CreatedAt,
		LastTransitionAt:  ticket.LastTransitionAt,
		ClaimedAt:         ticket.ClaimedAt,
		IdentityValidated: ticket.IdentityValidation.Completed,
		Rating:            ticket.Termination.Rating,
		Timeline:          ticket.Timeline,
		Version:           ticket.Version,
	}
	if resp.Timeline == nil {
		resp.Timeline = []domain.TimelineEvent{}
	}
	if staff {
		fields := ticket.Case
		resp.Case = &fields
	}
	return resp
}

func operatorResponse(op *domain.Operator) dto.OperatorResponse {
	return dto.OperatorResponse{
		ID:        op.ID,
		Name:      op.Name,
		Email:     op.Email,
		Role:      op.Role,
		Sector:    op.Sector,
		Active:    op.Active,
		CreatedAt: op.CreatedAt,
	}
}
