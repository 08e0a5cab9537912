package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/config"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/repository"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

const minPasswordLength = 8

// AuthService coordinates anonymous client sessions, operator login and the
// operator directory.
type AuthService struct {
	operators  repository.OperatorRepository
	tokenMgr   *auth.TokenManager
	bcryptCost int
	logger     *zap.Logger
}

// AuthDependencies encapsulates repo requirements for auth service.
type AuthDependencies struct {
	OperatorRepo repository.OperatorRepository
	Tokens       *auth.TokenManager
	Logger       *zap.Logger
}

// OperatorInput describes an operator account to create.
type OperatorInput struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
	Sector   string
}

// NewAuthService builds the service. A token manager is derived from cfg when
// deps does not carry one.
func NewAuthService(cfg config.Config, deps AuthDependencies) *AuthService {
	tokens := deps.Tokens
	if tokens == nil {
		tokens = auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes, cfg.Auth.AnonymousTokenTTLMinutes)
	}
	return &AuthService{
		operators:  deps.OperatorRepo,
		tokenMgr:   tokens,
		bcryptCost: cfg.Auth.BcryptCost,
		logger:     observability.Named(deps.Logger, "auth"),
	}
}

// StartClientSession issues a fresh anonymous identity.
func (s *AuthService) StartClientSession(_ context.Context, name string) (domain.Actor, string, domain.Token, error) {
	actor := domain.Actor{UID: uuid.NewString(), Name: strings.TrimSpace(name), Role: domain.RoleClient}
	token, meta, err := s.tokenMgr.GenerateToken(domain.SubjectTypeClient, actor)
	if err != nil {
		return domain.Actor{}, "", domain.Token{}, apperrors.NewInternalError(err)
	}
	return actor, token, meta, nil
}

// RefreshClientSession re-issues a token for an anonymous identity the caller
// already proves with a valid token.
func (s *AuthService) RefreshClientSession(_ context.Context, actor domain.Actor) (string, domain.Token, error) {
	if actor.Role != domain.RoleClient || strings.TrimSpace(actor.UID) == "" {
		return "", domain.Token{}, apperrors.NewForbidden("only anonymous clients refresh sessions", nil)
	}
	token, meta, err := s.tokenMgr.GenerateToken(domain.SubjectTypeClient, actor)
	if err != nil {
		return "", domain.Token{}, apperrors.NewInternalError(err)
	}
	return token, meta, nil
}

// LoginOperator authenticates an operator and returns a role-bearing token.
func (s *AuthService) LoginOperator(ctx context.Context, email, password string) (*domain.Operator, string, domain.Token, error) {
	op, err := s.operators.GetByEmail(ctx, email)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, "", domain.Token{}, apperrors.NewUnauthorized("invalid credentials")
		}
		return nil, "", domain.Token{}, apperrors.MapError(err)
	}
	if err := auth.ComparePassword(op.PasswordHash, password); err != nil {
		s.logger.Info("operator login rejected", zap.String("operator_id", op.ID))
		return nil, "", domain.Token{}, apperrors.NewUnauthorized("invalid credentials")
	}
	if !op.Active {
		return nil, "", domain.Token{}, apperrors.NewForbidden("operator inactive", map[string]any{"operator_id": op.ID})
	}
	token, meta, err := s.tokenMgr.GenerateToken(domain.SubjectTypeOperator, op.Actor())
	if err != nil {
		return nil, "", domain.Token{}, apperrors.NewInternalError(err)
	}
	s.logger.Info("operator logged in", zap.String("operator_id", op.ID), zap.String("role", string(op.Role)))
	return op, token, meta, nil
}

// CreateOperator registers an operator account. Used by admins and the CLI.
func (s *AuthService) CreateOperator(ctx context.Context, input OperatorInput) (*domain.Operator, error) {
	details := map[string]any{}
	name := strings.TrimSpace(input.Name)
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if name == "" {
		details["name"] = "required"
	}
	if email == "" || !strings.Contains(email, "@") {
		details["email"] = "invalid"
	}
	if len(input.Password) < minPasswordLength {
		details["password"] = "must be at least 8 characters"
	}
	role := input.Role
	if role == "" {
		role = domain.RoleOperator
	}
	if role != domain.RoleOperator && role != domain.RoleSupervisor && role != domain.RoleAdmin {
		details["role"] = "must be OPERATOR, SUPERVISOR or ADMIN"
	}
	if len(details) > 0 {
		return nil, apperrors.NewValidationError("invalid operator", details)
	}

	hash, err := auth.HashPassword(input.Password, s.bcryptCost)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	op := &domain.Operator{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Sector:       strings.TrimSpace(input.Sector),
		Active:       true,
	}
	if err := s.operators.Create(ctx, op); err != nil {
		return nil, apperrors.MapError(err)
	}
	s.logger.Info("operator created", zap.String("operator_id", op.ID), zap.String("role", string(role)))
	return op, nil
}

// SetOperatorActive enables or disables an operator. Disabled operators fail
// authentication on their next request.
func (s *AuthService) SetOperatorActive(ctx context.Context, id string, active bool) (*domain.Operator, error) {
	op, err := s.operators.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	op.Active = active
	if err := s.operators.Update(ctx, op); err != nil {
		return nil, apperrors.MapError(err)
	}
	return op, nil
}

// ListOperators lists the directory.
func (s *AuthService) ListOperators(ctx context.Context, filter repository.OperatorFilter) ([]domain.Operator, error) {
	ops, err := s.operators.List(ctx, filter)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return ops, nil
}

// ChangePassword verifies the current password before updating to the new hash.
func (s *AuthService) ChangePassword(ctx context.Context, operatorID, currentPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return apperrors.NewValidationError("password too short", map[string]any{"min": minPasswordLength})
	}
	op, err := s.operators.GetByID(ctx, operatorID)
	if err != nil {
		return apperrors.MapError(err)
	}
	if err := auth.ComparePassword(op.PasswordHash, currentPassword); err != nil {
		return apperrors.NewUnauthorized("invalid credentials")
	}
	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	op.PasswordHash = hash
	if err := s.operators.Update(ctx, op); err != nil {
		return apperrors.MapError(err)
	}
	s.logger.Info("operator password changed", zap.String("operator_id", op.ID))
	return nil
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}
