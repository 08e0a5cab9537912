// Package session persists the anonymous client's ticket binding so a
// reload can resume the conversation.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/observability"
)

// DefaultTTL is how long a saved session stays valid.
const DefaultTTL = 30 * time.Minute

// Manager writes sessions to a primary and an optional secondary tier.
type Manager struct {
	primary   Tier
	secondary Tier
	clock     clockwork.Clock
	ttl       time.Duration
	logger    *zap.Logger
}

// Options configures a Manager.
type Options struct {
	Primary   Tier
	Secondary Tier
	Clock     clockwork.Clock
	TTL       time.Duration
	Logger    *zap.Logger
}

// NewManager creates a manager. A nil Primary gets an in-memory tier.
func NewManager(opts Options) *Manager {
	if opts.Primary == nil {
		opts.Primary = NewMemoryTier()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Manager{
		primary:   opts.Primary,
		secondary: opts.Secondary,
		clock:     opts.Clock,
		ttl:       opts.TTL,
		logger:    observability.Named(opts.Logger, "session"),
	}
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Save stamps SavedAt and writes s to every tier. A secondary failure is
// logged; the save fails only when no tier accepted the record.
func (m *Manager) Save(ctx context.Context, key string, s domain.ClientSession) (domain.ClientSession, error) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(s.TicketID) == "" {
		return s, errors.New("session: key and ticket id are required")
	}
	s.SavedAt = m.clock.Now().UTC()

	primaryErr := m.primary.Set(ctx, key, s, m.ttl)
	if primaryErr != nil {
		m.logger.Warn("primary tier save failed", zap.String("key", key), zap.Error(primaryErr))
	}
	if m.secondary == nil {
		return s, primaryErr
	}
	if err := m.secondary.Set(ctx, key, s, m.ttl); err != nil {
		m.logger.Warn("secondary tier save failed", zap.String("key", key), zap.Error(err))
		if primaryErr != nil {
			return s, errors.Join(primaryErr, err)
		}
	}
	return s, nil
}

// Load returns the stored session. Expired or malformed records are
// deleted and reported as absent.
func (m *Manager) Load(ctx context.Context, key string) (domain.ClientSession, bool) {
	s, err := m.primary.Get(ctx, key)
	if err != nil {
		m.logger.Warn("primary tier load failed", zap.String("key", key), zap.Error(err))
	}
	fromSecondary := false
	if s == nil && m.secondary != nil {
		s, err = m.secondary.Get(ctx, key)
		if err != nil {
			m.logger.Warn("secondary tier load failed", zap.String("key", key), zap.Error(err))
		}
		fromSecondary = s != nil
	}
	if s == nil {
		return domain.ClientSession{}, false
	}
	if !m.valid(*s) {
		m.logger.Debug("discarding stale session", zap.String("key", key), zap.String("ticket_id", s.TicketID))
		_ = m.Clear(ctx, key)
		return domain.ClientSession{}, false
	}
	if fromSecondary {
		remaining := m.ttl - m.clock.Since(s.SavedAt)
		if err := m.primary.Set(ctx, key, *s, remaining); err != nil {
			m.logger.Warn("primary tier refill failed", zap.String("key", key), zap.Error(err))
		}
	}
	return *s, true
}

// Clear removes the session from every tier, including legacy records.
func (m *Manager) Clear(ctx context.Context, key string) error {
	var errs []error
	if err := m.primary.Delete(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if m.secondary != nil {
		if err := m.secondary.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("session clear failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) valid(s domain.ClientSession) bool {
	if strings.TrimSpace(s.TicketID) == "" || s.SavedAt.IsZero() {
		return false
	}
	return m.clock.Since(s.SavedAt) < m.ttl
}
