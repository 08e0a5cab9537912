// Package lifecycle switches the active module of an operator desk and
// owns every event registration a module makes, so switching never leaks
// or duplicates handlers.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/observability"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// Target is anything handlers can be attached to.
type Target interface {
	Subscribe(eventType events.EventType, handler events.EventHandler) func()
}

// InitFunc initializes a module. It runs at most once per activation.
type InitFunc func(ctx context.Context) error

// Controller keeps at most one module active.
type Controller struct {
	registry *Registry
	logger   *zap.Logger

	mu        sync.Mutex
	seq       uint64
	active    string
	committed bool
	regSeq    uint64
}

// NewController creates a controller with its own registry.
func NewController(logger *zap.Logger) *Controller {
	return &Controller{
		registry: NewRegistry(),
		logger:   observability.Named(logger, "lifecycle"),
	}
}

// Registry exposes the owner token registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// RegisterHandler attaches handler to target for eventType on behalf of
// ownerID and returns the registration key. Invalid arguments are logged
// and ignored.
func (c *Controller) RegisterHandler(target Target, eventType events.EventType, handler events.EventHandler, ownerID string) (string, bool) {
	if target == nil || eventType == "" || handler == nil || strings.TrimSpace(ownerID) == "" {
		c.logger.Warn("ignoring invalid handler registration",
			zap.String("owner", ownerID),
			zap.String("event_type", string(eventType)),
			zap.Bool("target", target != nil),
			zap.Bool("handler", handler != nil))
		return "", false
	}

	c.mu.Lock()
	c.regSeq++
	key := fmt.Sprintf("%s/%s/%d", ownerID, eventType, c.regSeq)
	c.mu.Unlock()

	guarded := func(ctx context.Context, e events.Event) error {
		if !c.registry.Live(ownerID, key) {
			return nil
		}
		return handler(ctx, e)
	}
	c.registry.Add(ownerID, key, target.Subscribe(eventType, guarded))
	return key, true
}

// Track records an arbitrary cancellation token for ownerID; it runs on
// Teardown.
func (c *Controller) Track(ownerID string, cancel func()) {
	if strings.TrimSpace(ownerID) == "" || cancel == nil {
		c.logger.Warn("ignoring invalid token", zap.String("owner", ownerID))
		return
	}
	c.mu.Lock()
	c.regSeq++
	key := fmt.Sprintf("%s/token/%d", ownerID, c.regSeq)
	c.mu.Unlock()
	c.registry.Add(ownerID, key, cancel)
}

// Teardown detaches everything ownerID registered. It is idempotent. When
// ownerID is the committed active module it stops being active.
func (c *Controller) Teardown(ownerID string) {
	c.mu.Lock()
	if c.active == ownerID && c.committed {
		c.active = ""
		c.committed = false
	}
	c.mu.Unlock()

	if n := c.registry.DisposeAll(ownerID); n > 0 {
		c.logger.Debug("module torn down", zap.String("owner", ownerID), zap.Int("registrations", n))
	}
}

// Activate makes ownerID the active module. The incoming module is
// reserved before the previous one is torn down, so an activation of the
// same module triggered from inside that teardown is a no-op. If init
// fails the reservation is rolled back and its registrations removed.
func (c *Controller) Activate(ctx context.Context, ownerID string, init InitFunc) error {
	if strings.TrimSpace(ownerID) == "" || init == nil {
		c.logger.Warn("ignoring invalid activation", zap.String("owner", ownerID))
		return apperrors.NewValidationError("module id and init function are required", nil)
	}

	c.mu.Lock()
	if c.active == ownerID {
		c.mu.Unlock()
		return nil
	}
	previous := c.active
	c.seq++
	token := c.seq
	c.active = ownerID
	c.committed = false
	c.mu.Unlock()

	if previous != "" {
		c.registry.DisposeAll(previous)
	}

	c.mu.Lock()
	if c.seq != token {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := init(ctx)

	c.mu.Lock()
	if c.seq != token {
		// Superseded while initializing; whoever superseded us already
		// tore this owner down, but init may have registered afterwards.
		c.mu.Unlock()
		c.registry.DisposeAll(ownerID)
		return nil
	}
	if err != nil {
		c.active = ""
		c.committed = false
		c.mu.Unlock()
		c.registry.DisposeAll(ownerID)
		c.logger.Warn("module init failed", zap.String("owner", ownerID), zap.Error(err))
		return err
	}
	c.committed = true
	c.mu.Unlock()

	c.logger.Debug("module activated", zap.String("owner", ownerID), zap.String("previous", previous))
	return nil
}

// Active returns the committed active module, or "" while none is.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.committed {
		return ""
	}
	return c.active
}

// Reserved returns the module currently reserved or active.
func (c *Controller) Reserved() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// DisposeAll tears down every owner. Used when the desk closes.
func (c *Controller) DisposeAll() {
	c.mu.Lock()
	c.seq++
	c.active = ""
	c.committed = false
	c.mu.Unlock()

	for _, owner := range c.registry.Owners() {
		c.registry.DisposeAll(owner)
	}
}
