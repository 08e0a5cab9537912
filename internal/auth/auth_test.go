package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/live-desk/internal/domain"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

type operatorsStub map[string]*domain.Operator

func (s operatorsStub) GetByID(_ context.Context, id string) (*domain.Operator, error) {
	op, ok := s[id]
	if !ok {
		return nil, apperrors.NewNotFound("operator", nil)
	}
	return op, nil
}

func TestTokenRoundTripAndExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	tm := NewTokenManager("secret", 60, 30).WithClock(clock)

	token, meta, err := tm.GenerateToken(domain.SubjectTypeClient, domain.Actor{UID: "anon-1", Name: "Ana", Role: domain.RoleClient})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := meta.ExpiresAt.Sub(meta.IssuedAt); got != 30*time.Minute {
		t.Fatalf("anonymous ttl = %s", got)
	}
	claims, err := tm.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Actor().UID != "anon-1" || claims.Subject != domain.SubjectTypeClient {
		t.Fatalf("unexpected claims %+v", claims)
	}

	clock.Advance(31 * time.Minute)
	if _, err := tm.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestTokenRejectsForeignSecret(t *testing.T) {
	token, _, err := NewTokenManager("a", 60, 0).GenerateToken(domain.SubjectTypeOperator, domain.Actor{UID: "op-1", Role: domain.RoleOperator})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := NewTokenManager("b", 60, 0).ParseToken(token); err == nil {
		t.Fatalf("token signed with another secret must fail")
	}
}

func TestMiddlewareResolvesPrincipals(t *testing.T) {
	tm := NewTokenManager("secret", 60, 30)
	ops := operatorsStub{
		"op-1": {ID: "op-1", Name: "Bruno", Role: domain.RoleSupervisor, Active: true},
		"op-2": {ID: "op-2", Name: "Caio", Role: domain.RoleOperator, Active: false},
	}
	mw := NewAuthMiddleware(tm, ops)

	app := fiber.New(fiber.Config{ErrorHandler: func(c *fiber.Ctx, err error) error {
		if fe, ok := err.(*fiber.Error); ok {
			return c.SendStatus(fe.Code)
		}
		return c.SendStatus(apperrors.ToDomainError(err).HTTPStatus)
	}})
	app.Get("/client", mw.Handle, RequireClient(), func(c *fiber.Ctx) error {
		p, _ := PrincipalFromContext(c)
		return c.SendString(string(p.Actor.Role))
	})
	app.Get("/supervise", mw.Handle, RequireStaff(domain.RoleSupervisor, domain.RoleAdmin), func(c *fiber.Ctx) error {
		p, _ := PrincipalFromContext(c)
		return c.SendString(p.Actor.Name)
	})

	clientToken, _, _ := tm.GenerateToken(domain.SubjectTypeClient, domain.Actor{UID: "anon-1", Role: domain.RoleClient})
	supervisorToken, _, _ := tm.GenerateToken(domain.SubjectTypeOperator, domain.Actor{UID: "op-1", Role: domain.RoleSupervisor})
	disabledToken, _, _ := tm.GenerateToken(domain.SubjectTypeOperator, domain.Actor{UID: "op-2", Role: domain.RoleOperator})
	ghostToken, _, _ := tm.GenerateToken(domain.SubjectTypeOperator, domain.Actor{UID: "op-9", Role: domain.RoleAdmin})

	cases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"missing header", "/client", "", http.StatusUnauthorized},
		{"client ok", "/client", clientToken, http.StatusOK},
		{"operator on client route", "/client", supervisorToken, http.StatusForbidden},
		{"client on staff route", "/supervise", clientToken, http.StatusForbidden},
		{"supervisor ok", "/supervise", supervisorToken, http.StatusOK},
		{"disabled operator", "/supervise", disabledToken, http.StatusForbidden},
		{"unknown operator", "/supervise", ghostToken, http.StatusUnauthorized},
		{"garbage token", "/client", "nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret!", 4)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ComparePassword(hash, "s3cret!") != nil || ComparePassword(hash, "wrong") == nil {
		t.Fatalf("bcrypt comparison mismatch")
	}
}
