// Package queue implements exclusive claiming of pending tickets by
// competing operators.
package queue

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/config"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/statemachine"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// Conflict reasons.
const (
	ReasonAlreadyClaimed = "already_claimed"
	ReasonContention     = "contention"
)

// ErrEmptyQueue is returned when no pending ticket matches the filter.
var ErrEmptyQueue = &apperrors.DomainError{
	Code:       apperrors.CodeNotFound,
	Message:    "queue is empty",
	HTTPStatus: http.StatusNotFound,
}

// Coordinator claims and releases queue entries.
type Coordinator struct {
	store      store.Store
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	cfg        config.QueueConfig
}

// Dependencies bundles collaborators of the coordinator.
type Dependencies struct {
	Store      store.Store
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Config     config.QueueConfig
}

// NewCoordinator creates the coordinator.
func NewCoordinator(deps Dependencies) *Coordinator {
	cfg := deps.Config
	if cfg.ReleaseReasonMinLen <= 0 {
		cfg.ReleaseReasonMinLen = 10
	}
	return &Coordinator{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		logger:     observability.Named(deps.Logger, "queue"),
		metrics:    deps.Metrics,
		cfg:        cfg,
	}
}

// ClaimNext claims the oldest pending ticket matching filter. Losing a race
// returns a ConflictError; it is never retried here.
func (c *Coordinator) ClaimNext(ctx context.Context, filter store.QueueFilter, actor domain.Actor) (*domain.Ticket, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	candidate, err := c.store.OldestPending(ctx, filter)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEmptyQueue
		}
		c.logger.Error("select pending ticket", zap.String("actor", actor.UID), zap.Error(err))
		return nil, apperrors.MapError(err)
	}
	return c.claim(ctx, candidate.ID, actor)
}

// Claim claims one specific ticket. Claiming a ticket the actor already
// holds succeeds without writing.
func (c *Coordinator) Claim(ctx context.Context, ticketID string, actor domain.Actor) (*domain.Ticket, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ticketID) == "" {
		return nil, apperrors.NewValidationError("ticket id required", nil)
	}
	return c.claim(ctx, ticketID, actor)
}

// ClaimNextWithRetry re-runs ClaimNext after losing a race, up to the
// configured number of attempts with a constant pause.
func (c *Coordinator) ClaimNextWithRetry(ctx context.Context, filter store.QueueFilter, actor domain.Actor) (*domain.Ticket, error) {
	delay := c.cfg.ClaimRetryDelay()
	if delay <= 0 {
		delay = time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(c.cfg.ClaimRetryAttempts), retry.NewConstant(delay))

	var claimed *domain.Ticket
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := c.ClaimNext(ctx, filter, actor)
		if err != nil {
			if apperrors.IsConflict(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (c *Coordinator) claim(ctx context.Context, ticketID string, actor domain.Actor) (*domain.Ticket, error) {
	var (
		result  *domain.Ticket
		claimed bool
	)
	err := c.store.RunTransaction(ctx, ticketID, func(ctx context.Context, tx store.Tx) error {
		claimed = false
		ticket, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if ticket.Status != domain.TicketStatusQueued {
			if ticket.HeldBy(actor.UID) && !ticket.Status.Terminal() {
				result = ticket
				return nil
			}
			details := map[string]any{
				"ticket_id": ticketID,
				"reason":    ReasonAlreadyClaimed,
				"status":    ticket.Status,
			}
			if ticket.AssignedOperator != nil {
				details["holder"] = ticket.AssignedOperator.UID
			}
			return apperrors.NewConflict("ticket already claimed", details)
		}
		if err := statemachine.Validate(ticket.Status, domain.TicketStatusClaimed, actor.Role, ""); err != nil {
			return err
		}

		now := c.store.ServerTime()
		from := ticket.Status
		ticket.Status = domain.TicketStatusClaimed
		ticket.AssignedOperator = actor.Ref()
		ticket.ClaimedAt = &now
		ticket.LastTransitionAt = now
		ticket.AppendTimeline(domain.TimelineEvent{
			Type:   domain.TimelineClaimed,
			Status: domain.TicketStatusClaimed,
			Actor:  actor,
			At:     now,
		})
		tx.Update(ticket)
		tx.AppendStateLog(statemachine.NewStateLog(ticketID, from, domain.TicketStatusClaimed, actor, "", now))
		result = ticket
		claimed = true
		return nil
	})
	if err != nil {
		return nil, c.claimFailure(ticketID, actor, err)
	}
	if claimed {
		c.metrics.Inc(observability.CounterClaims)
		c.logger.Info("ticket claimed", zap.String("ticket_id", ticketID), zap.String("actor", actor.UID))
		c.publish(ctx, events.EventTicketClaimed, ticketID, actor, events.TicketClaimedPayload{
			OperatorUID: actor.UID,
			ClaimedAt:   *result.ClaimedAt,
		})
		c.publish(ctx, events.EventTicketStatusChanged, ticketID, actor, events.TicketStatusChangedPayload{
			OldStatus: domain.TicketStatusQueued,
			NewStatus: domain.TicketStatusClaimed,
		})
	}
	return result, nil
}

func (c *Coordinator) claimFailure(ticketID string, actor domain.Actor, err error) error {
	fields := []zap.Field{zap.String("ticket_id", ticketID), zap.String("actor", actor.UID), zap.Error(err)}
	switch {
	case apperrors.IsConflict(err):
		c.metrics.Inc(observability.CounterClaimConflicts)
		c.logger.Info("claim lost", fields...)
		return err
	case errors.Is(err, store.ErrContention):
		c.metrics.Inc(observability.CounterClaimConflicts)
		c.logger.Warn("claim contention", fields...)
		return apperrors.NewConflict("ticket is being claimed", map[string]any{
			"ticket_id": ticketID,
			"reason":    ReasonContention,
		})
	case errors.Is(err, store.ErrNotFound):
		return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	default:
		c.logger.Error("claim failed", fields...)
		return apperrors.MapError(err)
	}
}

// ReleaseBack returns a held ticket to the queue with a written reason.
func (c *Coordinator) ReleaseBack(ctx context.Context, ticketID string, actor domain.Actor, reason string) (*domain.Ticket, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < c.cfg.ReleaseReasonMinLen {
		return nil, apperrors.NewValidationError("release reason too short", map[string]any{
			"ticket_id": ticketID,
			"min":       c.cfg.ReleaseReasonMinLen,
		})
	}

	var (
		result *domain.Ticket
		from   domain.TicketStatus
	)
	err := c.store.RunTransaction(ctx, ticketID, func(ctx context.Context, tx store.Tx) error {
		ticket, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ticket.HeldBy(actor.UID) && !actor.CanOverride() {
			return apperrors.NewForbidden("ticket held by another operator", map[string]any{"ticket_id": ticketID})
		}
		if err := statemachine.Validate(ticket.Status, domain.TicketStatusQueued, actor.Role, reason); err != nil {
			return err
		}

		now := c.store.ServerTime()
		from = ticket.Status
		ticket.Status = domain.TicketStatusQueued
		ticket.AssignedOperator = nil
		ticket.ClaimedAt = nil
		ticket.IdentityValidation = domain.IdentityValidation{}
		ticket.LastTransitionAt = now
		ticket.AppendTimeline(domain.TimelineEvent{
			Type:   domain.TimelineReleased,
			Status: domain.TicketStatusQueued,
			Actor:  actor,
			Note:   reason,
			At:     now,
		})
		tx.Update(ticket)
		tx.AppendStateLog(statemachine.NewStateLog(ticketID, from, domain.TicketStatusQueued, actor, reason, now))
		result = ticket
		return nil
	})
	if err != nil {
		c.logger.Warn("release failed", zap.String("ticket_id", ticketID), zap.String("actor", actor.UID), zap.Error(err))
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
		}
		if errors.Is(err, store.ErrContention) {
			return nil, apperrors.NewConflict("ticket changed concurrently", map[string]any{"ticket_id": ticketID, "reason": ReasonContention})
		}
		return nil, apperrors.MapError(err)
	}

	c.metrics.Inc(observability.CounterReleases)
	c.logger.Info("ticket released", zap.String("ticket_id", ticketID), zap.String("actor", actor.UID))
	c.publish(ctx, events.EventTicketReleased, ticketID, actor, events.TicketReleasedPayload{
		PreviousStatus: from,
		Reason:         reason,
	})
	c.publish(ctx, events.EventTicketStatusChanged, ticketID, actor, events.TicketStatusChangedPayload{
		OldStatus:     from,
		NewStatus:     domain.TicketStatusQueued,
		Justification: reason,
	})
	return result, nil
}

// Pending lists the filtered queue, oldest first.
func (c *Coordinator) Pending(ctx context.Context, filter store.QueueFilter) ([]domain.Ticket, error) {
	pending, err := c.store.ListPending(ctx, filter)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return pending, nil
}

func (c *Coordinator) publish(ctx context.Context, eventType events.EventType, ticketID string, actor domain.Actor, payload interface{}) {
	if c.dispatcher == nil {
		return
	}
	_ = c.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TicketID:  ticketID,
		Actor:     actor,
		Timestamp: c.store.ServerTime(),
		Payload:   payload,
	})
}

func requireStaff(actor domain.Actor) error {
	if strings.TrimSpace(actor.UID) == "" {
		return apperrors.NewUnauthorized("operator required")
	}
	if !actor.IsStaff() {
		return apperrors.NewForbidden("only staff can work the queue", map[string]any{"role": actor.Role})
	}
	return nil
}
