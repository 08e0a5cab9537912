package identity

import (
	"context"
	"testing"

	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/domain"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

func newProvider() (*Provider, *auth.TokenManager) {
	tm := auth.NewTokenManager("secret", 60, 30)
	return NewProvider(tm, nil), tm
}

func TestSignInAnonymousMintsClientToken(t *testing.T) {
	p, tm := newProvider()
	if _, ok := p.Current(); ok {
		t.Fatalf("fresh provider must be signed out")
	}
	id, err := p.SignInAnonymous(context.Background(), " Ana ")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if !id.Anonymous() || id.Actor.Role != domain.RoleClient || id.Actor.Name != "Ana" || id.Actor.UID == "" {
		t.Fatalf("unexpected identity %+v", id)
	}
	claims, err := tm.ParseToken(id.Token)
	if err != nil || claims.SubjectID != id.Actor.UID {
		t.Fatalf("token does not carry the uid: %v", err)
	}
}

func TestRestoreKeepsUID(t *testing.T) {
	p, _ := newProvider()
	id, err := p.Restore(context.Background(), "anon-42", "Ana")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if id.Actor.UID != "anon-42" {
		t.Fatalf("restore must reuse the saved uid, got %q", id.Actor.UID)
	}
	again, _ := p.Restore(context.Background(), "anon-42", "Ana")
	if again.Token != id.Token {
		t.Fatalf("restoring the current uid must not re-issue")
	}
	if _, err := p.Restore(context.Background(), " ", ""); !apperrors.IsValidation(err) {
		t.Fatalf("blank uid must be rejected, got %v", err)
	}
}

func TestOnIdentityChange(t *testing.T) {
	p, _ := newProvider()
	var seen []bool
	cancel := p.OnIdentityChange(func(_ Identity, signedIn bool) { seen = append(seen, signedIn) })

	_, _ = p.SignInAnonymous(context.Background(), "Ana")
	p.SignOut()
	p.SignOut()
	cancel()
	cancel()
	_, _ = p.SignInAnonymous(context.Background(), "Ana")

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("unexpected notifications %v", seen)
	}
}

func TestSignInHonoursCancelledContext(t *testing.T) {
	p, _ := newProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.SignInAnonymous(ctx, "Ana"); err == nil {
		t.Fatalf("expected context error")
	}
}
