package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/live-desk/internal/domain"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// RequireClient ensures an anonymous client is authenticated.
func RequireClient() fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.SubjectType != domain.SubjectTypeClient {
			return apperrors.NewForbidden("client session required", nil)
		}
		return c.Next()
	}
}

// RequireStaff ensures the operator principal has one of the allowed roles.
// With no roles given any staff role passes.
func RequireStaff(allowed ...domain.Role) fiber.Handler {
	allowedSet := make(map[domain.Role]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.SubjectType != domain.SubjectTypeOperator || !principal.Actor.IsStaff() {
			return apperrors.NewForbidden("staff role required", nil)
		}
		if len(allowedSet) == 0 {
			return c.Next()
		}
		if _, exists := allowedSet[principal.Actor.Role]; !exists {
			return apperrors.NewForbidden("insufficient role", map[string]any{"role": principal.Actor.Role})
		}
		return c.Next()
	}
}

// RequireAnyRole ensures caller is authenticated (client or operator).
func RequireAnyRole() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := PrincipalFromContext(c); !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		return c.Next()
	}
}
