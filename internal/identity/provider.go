// Package identity holds the signed-in identity of one desk and tells
// interested parties when it changes.
package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/observability"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// Identity is a signed-in actor together with its bearer token.
type Identity struct {
	Actor     domain.Actor       `json:"actor"`
	Subject   domain.SubjectType `json:"subject"`
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Anonymous reports whether the identity belongs to an anonymous client.
func (i Identity) Anonymous() bool {
	return i.Subject == domain.SubjectTypeClient
}

// ChangeFunc observes identity changes. signedIn is false after SignOut.
type ChangeFunc func(id Identity, signedIn bool)

// Provider holds the current identity of a single desk.
type Provider struct {
	tokens *auth.TokenManager
	logger *zap.Logger

	mu        sync.Mutex
	current   *Identity
	seq       int
	listeners map[int]ChangeFunc
}

// NewProvider creates a provider minting tokens with tokens.
func NewProvider(tokens *auth.TokenManager, logger *zap.Logger) *Provider {
	return &Provider{
		tokens:    tokens,
		logger:    observability.Named(logger, "identity"),
		listeners: make(map[int]ChangeFunc),
	}
}

// Current returns the signed-in identity, if any.
func (p *Provider) Current() (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Identity{}, false
	}
	return *p.current, true
}

// SignInAnonymous creates a fresh anonymous client identity.
func (p *Provider) SignInAnonymous(ctx context.Context, name string) (Identity, error) {
	return p.issue(ctx, uuid.NewString(), name)
}

// Restore re-establishes the anonymous identity uid from a saved session.
func (p *Provider) Restore(ctx context.Context, uid, name string) (Identity, error) {
	if strings.TrimSpace(uid) == "" {
		return Identity{}, apperrors.NewValidationError("anonymous uid is required", nil)
	}
	if cur, ok := p.Current(); ok && cur.Actor.UID == uid {
		return cur, nil
	}
	return p.issue(ctx, uid, name)
}

// Adopt installs an identity verified elsewhere, e.g. a bearer token
// presented to the HTTP surface.
func (p *Provider) Adopt(id Identity) {
	p.set(&id)
}

// SignOut forgets the current identity.
func (p *Provider) SignOut() {
	p.set(nil)
}

// OnIdentityChange registers fn and returns its cancel function.
func (p *Provider) OnIdentityChange(fn ChangeFunc) func() {
	if fn == nil {
		return func() {}
	}
	p.mu.Lock()
	p.seq++
	key := p.seq
	p.listeners[key] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, key)
			p.mu.Unlock()
		})
	}
}

func (p *Provider) issue(ctx context.Context, uid, name string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	actor := domain.Actor{UID: uid, Name: strings.TrimSpace(name), Role: domain.RoleClient}
	token, meta, err := p.tokens.GenerateToken(domain.SubjectTypeClient, actor)
	if err != nil {
		p.logger.Error("failed to mint anonymous token", zap.String("uid", uid), zap.Error(err))
		return Identity{}, apperrors.NewInternalError(err)
	}
	id := Identity{Actor: actor, Subject: domain.SubjectTypeClient, Token: token, ExpiresAt: meta.ExpiresAt}
	p.set(&id)
	return id, nil
}

func (p *Provider) set(id *Identity) {
	p.mu.Lock()
	prev := p.current
	p.current = id
	listeners := make([]ChangeFunc, 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	if prev == nil && id == nil {
		return
	}
	for _, fn := range listeners {
		if id == nil {
			fn(Identity{}, false)
		} else {
			fn(*id, true)
		}
	}
}
