package service

import (
	"context"
	"testing"

	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/config"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/repository"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

func newAuthService(t *testing.T) (*AuthService, *repository.MemoryOperators) {
	t.Helper()
	cfg := config.Config{Auth: config.AuthConfig{
		JWTSecret:                "test-secret",
		AccessTokenTTLMinutes:    60,
		AnonymousTokenTTLMinutes: 30,
		BcryptCost:               4,
	}}
	ops := repository.NewMemoryOperators()
	return NewAuthService(cfg, AuthDependencies{OperatorRepo: ops}), ops
}

func TestOperatorLoginFlow(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()

	op, err := svc.CreateOperator(ctx, OperatorInput{Name: "Bruno", Email: " Bruno@Desk.io", Password: "s3cret-pass", Sector: "billing"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if op.Role != domain.RoleOperator || !op.Active || op.PasswordHash == "s3cret-pass" {
		t.Fatalf("unexpected operator %+v", op)
	}

	if _, _, _, err := svc.LoginOperator(ctx, "bruno@desk.io", "wrong-pass"); !apperrors.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, _, _, err := svc.LoginOperator(ctx, "nobody@desk.io", "s3cret-pass"); !apperrors.IsUnauthorized(err) {
		t.Fatalf("unknown email must look like bad credentials, got %v", err)
	}

	_, token, meta, err := svc.LoginOperator(ctx, "bruno@desk.io", "s3cret-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.TokenManager().ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.SubjectID != op.ID || claims.Role != domain.RoleOperator || meta.Subject != domain.SubjectTypeOperator {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := svc.SetOperatorActive(ctx, op.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, _, _, err := svc.LoginOperator(ctx, "bruno@desk.io", "s3cret-pass"); !apperrors.IsForbidden(err) {
		t.Fatalf("inactive operator must be forbidden, got %v", err)
	}
}

func TestCreateOperatorValidation(t *testing.T) {
	svc, _ := newAuthService(t)
	_, err := svc.CreateOperator(context.Background(), OperatorInput{Email: "nope", Password: "short", Role: domain.RoleClient})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	details := apperrors.ToDomainError(err).Details
	for _, key := range []string{"name", "email", "password", "role"} {
		if details[key] == nil {
			t.Fatalf("missing detail %q in %v", key, details)
		}
	}
}

func TestChangePassword(t *testing.T) {
	svc, ops := newAuthService(t)
	ctx := context.Background()
	op, err := svc.CreateOperator(ctx, OperatorInput{Name: "Carla", Email: "carla@desk.io", Password: "first-pass"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.ChangePassword(ctx, op.ID, "not-it", "second-pass"); !apperrors.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := svc.ChangePassword(ctx, op.ID, "first-pass", "second-pass"); err != nil {
		t.Fatalf("change: %v", err)
	}
	stored, _ := ops.GetByID(ctx, op.ID)
	if auth.ComparePassword(stored.PasswordHash, "second-pass") != nil {
		t.Fatalf("new password not stored")
	}
}

func TestClientSessions(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()

	actor, token, meta, err := svc.StartClientSession(ctx, "  Ana ")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if actor.Name != "Ana" || actor.Role != domain.RoleClient || meta.Subject != domain.SubjectTypeClient {
		t.Fatalf("unexpected actor %+v meta %+v", actor, meta)
	}
	claims, err := svc.TokenManager().ParseToken(token)
	if err != nil || claims.SubjectID != actor.UID {
		t.Fatalf("unexpected claims %+v %v", claims, err)
	}

	refreshed, _, err := svc.RefreshClientSession(ctx, actor)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	again, err := svc.TokenManager().ParseToken(refreshed)
	if err != nil || again.SubjectID != actor.UID {
		t.Fatalf("refresh must keep the uid, got %+v %v", again, err)
	}
	if _, _, err := svc.RefreshClientSession(ctx, operator); !apperrors.IsForbidden(err) {
		t.Fatalf("operators cannot refresh client sessions, got %v", err)
	}
}
