package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/live-desk/internal/domain"
)

// TokenManager handles issuing and validating JWT tokens.
type TokenManager struct {
	secret       []byte
	ttl          time.Duration
	anonymousTTL time.Duration
	clock        clockwork.Clock
}

// NewTokenManager builds a new manager. Operator tokens live ttlMinutes,
// anonymous client tokens anonymousTTLMinutes.
func NewTokenManager(secret string, ttlMinutes, anonymousTTLMinutes int) *TokenManager {
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	if anonymousTTLMinutes <= 0 {
		anonymousTTLMinutes = ttlMinutes
	}
	return &TokenManager{
		secret:       []byte(secret),
		ttl:          time.Duration(ttlMinutes) * time.Minute,
		anonymousTTL: time.Duration(anonymousTTLMinutes) * time.Minute,
		clock:        clockwork.NewRealClock(),
	}
}

// WithClock swaps the clock used for issuing and validating tokens.
func (tm *TokenManager) WithClock(clock clockwork.Clock) *TokenManager {
	if clock != nil {
		tm.clock = clock
	}
	return tm
}

// Claims describes JWT payload.
type Claims struct {
	SubjectID string             `json:"sub"`
	Subject   domain.SubjectType `json:"subject"`
	Role      domain.Role        `json:"role"`
	Name      string             `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Actor converts the claims into a state-machine actor.
func (c *Claims) Actor() domain.Actor {
	return domain.Actor{UID: c.SubjectID, Name: c.Name, Role: c.Role}
}

// GenerateToken builds and signs a JWT for the actor.
func (tm *TokenManager) GenerateToken(subject domain.SubjectType, actor domain.Actor) (string, domain.Token, error) {
	ttl := tm.ttl
	if subject == domain.SubjectTypeClient {
		ttl = tm.anonymousTTL
	}
	now := tm.clock.Now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		SubjectID: actor.UID,
		Subject:   subject,
		Role:      actor.Role,
		Name:      actor.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", domain.Token{}, err
	}
	meta := domain.Token{
		SubjectID: actor.UID,
		Subject:   subject,
		Role:      actor.Role,
		ExpiresAt: expiresAt,
		IssuedAt:  now,
	}
	return tokenString, meta, nil
}

// ParseToken validates and returns claims.
func (tm *TokenManager) ParseToken(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	}, jwt.WithTimeFunc(tm.clock.Now))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.SubjectID == "" || (claims.Subject != domain.SubjectTypeClient && claims.Subject != domain.SubjectTypeOperator) {
		return nil, errors.New("invalid token subject")
	}
	return claims, nil
}
