package dto

import (
	"time"

	"github.com/spec-kit/live-desk/internal/domain"
)

// ClientSessionRequest starts an anonymous session.
type ClientSessionRequest struct {
	Name string `json:"name"`
}

// OperatorLoginRequest payload.
type OperatorLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PasswordChangeRequest payload for authenticated password changes.
type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateOperatorRequest payload for admins.
type CreateOperatorRequest struct {
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     domain.Role `json:"role"`
	Sector   string      `json:"sector"`
}

// OperatorActiveRequest enables or disables an operator.
type OperatorActiveRequest struct {
	Active *bool `json:"active"`
}

// OperatorResponse is the public view of an operator account.
type OperatorResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	Role      domain.Role `json:"role"`
	Sector    string      `json:"sector"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}
