package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/observability"
)

// AuditService writes every domain event to the structured log.
type AuditService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cancels    []func()
}

// NewAuditService creates the service.
func NewAuditService(dispatcher events.Dispatcher, logger *zap.Logger) *AuditService {
	return &AuditService{
		dispatcher: dispatcher,
		logger:     observability.Named(logger, "audit"),
	}
}

// RegisterHandlers subscribes to events.
func (a *AuditService) RegisterHandlers() {
	if a.dispatcher == nil {
		return
	}
	a.cancels = append(a.cancels,
		a.dispatcher.Subscribe(events.EventTicketCreated, a.handleTicketCreated),
		a.dispatcher.Subscribe(events.EventTicketStatusChanged, a.handleTicketStatusChanged),
		a.dispatcher.Subscribe(events.EventTicketClaimed, a.handleTicketClaimed),
		a.dispatcher.Subscribe(events.EventTicketReleased, a.handleTicketReleased),
		a.dispatcher.Subscribe(events.EventTicketMessageAdded, a.handleTicketMessageAdded),
		a.dispatcher.Subscribe(events.EventTicketIdentityValidated, a.handleGeneric),
		a.dispatcher.Subscribe(events.EventTicketCaseUpdated, a.handleGeneric),
		a.dispatcher.Subscribe(events.EventTicketRated, a.handleGeneric),
		a.dispatcher.Subscribe(events.EventCaseRequestCreated, a.handleGeneric),
	)
}

// Unregister removes every handler added by RegisterHandlers.
func (a *AuditService) Unregister() {
	for _, cancel := range a.cancels {
		cancel()
	}
	a.cancels = nil
}

func (a *AuditService) handleTicketCreated(_ context.Context, event events.Event) error {
	a.logger.Info("TicketCreated", baseFields(event, zap.Any("payload", event.Payload))...)
	return nil
}

func (a *AuditService) handleTicketStatusChanged(_ context.Context, event events.Event) error {
	fields := baseFields(event)
	if p, ok := event.Payload.(events.TicketStatusChangedPayload); ok {
		fields = append(fields,
			zap.String("from", string(p.OldStatus)),
			zap.String("to", string(p.NewStatus)))
		if p.Justification != "" {
			fields = append(fields, zap.String("justification", p.Justification))
		}
	}
	a.logger.Info("TicketStatusChanged", fields...)
	return nil
}

func (a *AuditService) handleTicketClaimed(_ context.Context, event events.Event) error {
	a.logger.Info("TicketClaimed", baseFields(event)...)
	return nil
}

func (a *AuditService) handleTicketReleased(_ context.Context, event events.Event) error {
	fields := baseFields(event)
	if p, ok := event.Payload.(events.TicketReleasedPayload); ok {
		fields = append(fields, zap.String("reason", p.Reason))
	}
	a.logger.Warn("TicketReleased", fields...)
	return nil
}

func (a *AuditService) handleTicketMessageAdded(_ context.Context, event events.Event) error {
	a.logger.Debug("TicketMessageAdded", baseFields(event, zap.Any("payload", event.Payload))...)
	return nil
}

func (a *AuditService) handleGeneric(_ context.Context, event events.Event) error {
	a.logger.Info(string(event.Type), baseFields(event, zap.Any("payload", event.Payload))...)
	return nil
}

func baseFields(event events.Event, extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("ticket_id", event.TicketID),
		zap.String("actor", event.Actor.UID),
		zap.String("actor_role", string(event.Actor.Role)),
		zap.Time("at", event.Timestamp),
	}
	return append(fields, extra...)
}
