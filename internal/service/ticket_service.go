package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/config"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/statemachine"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

const (
	maxMessageLength     = 4000
	maxTitleLength       = 200
	maxDescriptionLength = 4000
	previewLength        = 80
)

// TicketService coordinates ticket workflows after the claim: transitions,
// identity validation, case fields, messages, rating and case requests.
type TicketService struct {
	store      store.Store
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	cfg        config.QueueConfig
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	Store      store.Store
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Config     config.QueueConfig
}

// TicketCreateInput is what the client typed on the entry screen.
type TicketCreateInput struct {
	Name   string
	Phone  string
	Email  string
	Sector string
}

// CaseRequestInput describes a case request payload.
type CaseRequestInput struct {
	Title             string
	Description       string
	Priority          domain.CasePriority
	TargetOperatorUID *string
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	cfg := deps.Config
	if strings.TrimSpace(cfg.DefaultSector) == "" {
		cfg.DefaultSector = "general"
	}
	if cfg.ReleaseReasonMinLen <= 0 {
		cfg.ReleaseReasonMinLen = 10
	}
	return &TicketService{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		logger:     observability.Named(deps.Logger, "tickets"),
		metrics:    deps.Metrics,
		cfg:        cfg,
	}
}

// CreateTicket opens a ticket for a client and places it in the queue.
func (s *TicketService) CreateTicket(ctx context.Context, actor domain.Actor, input TicketCreateInput) (*domain.Ticket, error) {
	if actor.Role != domain.RoleClient && actor.Role != domain.RoleSystem {
		return nil, apperrors.NewForbidden("only clients open tickets", map[string]any{"role": actor.Role})
	}
	if strings.TrimSpace(actor.UID) == "" {
		return nil, apperrors.NewUnauthorized("anonymous session required")
	}
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}
	if err := statemachine.Validate(domain.TicketStatusNew, domain.TicketStatusQueued, actor.Role, ""); err != nil {
		return nil, err
	}

	sector := strings.TrimSpace(input.Sector)
	if sector == "" {
		sector = s.cfg.DefaultSector
	}
	now := s.store.ServerTime()
	ticket := &domain.Ticket{
		ID:     uuid.NewString(),
		Status: domain.TicketStatusQueued,
		Client: domain.ClientIdentity{
			Name:         strings.TrimSpace(input.Name),
			Phone:        strings.TrimSpace(input.Phone),
			Email:        strings.TrimSpace(input.Email),
			AnonymousUID: actor.UID,
		},
		Sector:           sector,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	ticket.AppendTimeline(domain.TimelineEvent{
		Type:   domain.TimelineCreated,
		Status: domain.TicketStatusQueued,
		Actor:  actor,
		At:     now,
	})
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		s.logger.Error("create ticket failed", zap.String("actor", actor.UID), zap.Error(err))
		return nil, apperrors.MapError(err)
	}

	s.logger.Info("ticket created", zap.String("ticket_id", ticket.ID), zap.String("sector", sector))
	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketCreated,
		TicketID: ticket.ID,
		Actor:    actor,
		Payload:  events.TicketCreatedPayload{Sector: sector, ClientName: ticket.Client.Name},
	})
	return ticket, nil
}

func validateCreateInput(input TicketCreateInput) error {
	details := map[string]any{}
	if strings.TrimSpace(input.Name) == "" {
		details["name"] = "required"
	}
	if strings.TrimSpace(input.Phone) == "" {
		details["phone"] = "required"
	}
	if email := strings.TrimSpace(input.Email); email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			details["email"] = "invalid"
		}
	}
	if len(details) > 0 {
		return apperrors.NewValidationError("invalid ticket details", details)
	}
	return nil
}

// GetTicket loads a ticket the actor may see.
func (s *TicketService) GetTicket(ctx context.Context, ticketID string, actor domain.Actor) (*domain.Ticket, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, s.mapStoreError(ticketID, err)
	}
	if err := canView(ticket, actor); err != nil {
		return nil, err
	}
	return ticket, nil
}

// ListMessages returns the conversation ordered by time.
func (s *TicketService) ListMessages(ctx context.Context, ticketID string, actor domain.Actor) ([]domain.Message, error) {
	if _, err := s.GetTicket(ctx, ticketID, actor); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, ticketID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	domain.SortMessages(msgs)
	return msgs, nil
}

// ListStateLogs returns the audit trail. Staff only.
func (s *TicketService) ListStateLogs(ctx context.Context, ticketID string, actor domain.Actor) ([]domain.StateLogEntry, error) {
	if !actor.IsStaff() {
		return nil, apperrors.NewForbidden("audit trail is staff only", nil)
	}
	if _, err := s.GetTicket(ctx, ticketID, actor); err != nil {
		return nil, err
	}
	logs, err := s.store.ListStateLogs(ctx, ticketID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return logs, nil
}

// AvailableTransitions lists what the actor may request next. The claim
// edge is excluded; claims go through the queue.
func (s *TicketService) AvailableTransitions(ctx context.Context, ticketID string, actor domain.Actor) ([]domain.TicketStatus, error) {
	ticket, err := s.GetTicket(ctx, ticketID, actor)
	if err != nil {
		return nil, err
	}
	all := statemachine.AvailableTransitions(ticket.Status, actor.Role)
	out := make([]domain.TicketStatus, 0, len(all))
	for _, to := range all {
		if statemachine.IsClaimEdge(ticket.Status, to) {
			continue
		}
		out = append(out, to)
	}
	return out, nil
}

// Transition moves a ticket along one validated edge. Status, timeline and
// state log are written in one store transaction.
func (s *TicketService) Transition(ctx context.Context, ticketID string, actor domain.Actor, to domain.TicketStatus, justification string) (*domain.Ticket, error) {
	if _, ok := domain.ParseStatus(string(to)); !ok {
		return nil, apperrors.NewValidationError("unknown status", map[string]any{"status": to})
	}
	if to == domain.TicketStatusClaimed {
		return nil, apperrors.NewValidationError("tickets are claimed through the queue", map[string]any{"ticket_id": ticketID})
	}
	justification = strings.TrimSpace(justification)

	var (
		result *domain.Ticket
		from   domain.TicketStatus
	)
	err := s.store.RunTransaction(ctx, ticketID, func(ctx context.Context, tx store.Tx) error {
		ticket, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		from = ticket.Status
		if err := statemachine.Validate(from, to, actor.Role, justification); err != nil {
			return err
		}
		takeover := from == domain.TicketStatusForwarded && to == domain.TicketStatusInProgress
		if err := canAct(ticket, actor, takeover); err != nil {
			return err
		}
		if to == domain.TicketStatusQueued && from.RequiresAssignee() && utf8.RuneCountInString(justification) < s.cfg.ReleaseReasonMinLen {
			return apperrors.NewValidationError("release reason too short", map[string]any{
				"ticket_id": ticketID,
				"min":       s.cfg.ReleaseReasonMinLen,
			})
		}
		if to == domain.TicketStatusIdentityValidated && !ticket.IdentityValidation.Completed {
			return apperrors.NewValidationError("identity checklist not confirmed", map[string]any{"ticket_id": ticketID})
		}

		now := s.store.ServerTime()
		ticket.Status = to
		ticket.LastTransitionAt = now
		switch {
		case to == domain.TicketStatusQueued:
			ticket.AssignedOperator = nil
			ticket.ClaimedAt = nil
			ticket.IdentityValidation = domain.IdentityValidation{}
		case to == domain.TicketStatusCancelled:
			ticket.AssignedOperator = nil
		case takeover:
			ticket.AssignedOperator = actor.Ref()
		}
		if to.Terminal() {
			ticket.Termination.TerminatedBy = actor.UID
			ticket.Termination.TerminatedAt = &now
		}
		eventType := domain.TimelineTransition
		if to == domain.TicketStatusQueued {
			eventType = domain.TimelineReleased
		}
		ticket.AppendTimeline(domain.TimelineEvent{
			Type:   eventType,
			Status: to,
			Actor:  actor,
			Note:   justification,
			At:     now,
		})
		tx.Update(ticket)
		tx.AppendStateLog(statemachine.NewStateLog(ticketID, from, to, actor, justification, now))
		result = ticket
		return nil
	})
	if err != nil {
		return nil, s.mutationFailure("transition", ticketID, actor, err)
	}

	s.metrics.Inc(observability.CounterTransitions)
	if to == domain.TicketStatusQueued {
		s.metrics.Inc(observability.CounterReleases)
		s.publishEvent(ctx, events.Event{
			Type:     events.EventTicketReleased,
			TicketID: ticketID,
			Actor:    actor,
			Payload: events.TicketReleasedPayload{
				PreviousStatus: from,
				Reason:         justification,
			},
		})
	}
	s.logger.Info("ticket transitioned",
		zap.String("ticket_id", ticketID),
		zap.String("actor", actor.UID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketStatusChanged,
		TicketID: ticketID,
		Actor:    actor,
		Payload: events.TicketStatusChangedPayload{
			OldStatus:     from,
			NewStatus:     to,
			Justification: justification,
		},
	})
	return result, nil
}

// ConfirmIdentity records the checklist and moves CLAIMED to
// IDENTITY_VALIDATED atomically.
func (s *TicketService) ConfirmIdentity(ctx context.Context, ticketID string, actor domain.Actor, checklist statemachine.IdentityChecklist) (*domain.Ticket, error) {
	if !checklist.CanConfirm() {
		return nil, apperrors.NewValidationError("all identity fields must be verified", map[string]any{
			"ticket_id": ticketID,
			"verified":  checklist.VerifiedFields(),
		})
	}

	var result *domain.Ticket
	err := s.store.RunTransaction(ctx, ticketID, func(ctx context.Context, tx store.Tx) error {
		ticket, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if err := statemachine.Validate(ticket.Status, domain.TicketStatusIdentityValidated, actor.Role, ""); err != nil {
			return err
		}
		if err := canAct(ticket, actor, false); err != nil {
			return err
		}

		now := s.store.ServerTime()
		from := ticket.Status
		ticket.Status = domain.TicketStatusIdentityValidated
		ticket.LastTransitionAt = now
		ticket.IdentityValidation = domain.IdentityValidation{
			Completed:      true,
			VerifiedFields: checklist.VerifiedFields(),
			Verifier:       actor.UID,
			VerifiedAt:     &now,
		}
		ticket.AppendTimeline(domain.TimelineEvent{
			Type:   domain.TimelineIdentity,
			Status: domain.TicketStatusIdentityValidated,
			Actor:  actor,
			At:     now,
		})
		tx.Update(ticket)
		tx.AppendStateLog(statemachine.NewStateLog(ticketID, from, domain.TicketStatusIdentityValidated, actor, "", now))
		result = ticket
		return nil
	})
	if err != nil {
		return nil, s.mutationFailure("confirm identity", ticketID, actor, err)
	}

	s.metrics.Inc(observability.CounterTransitions)
	s.logger.Info("identity validated", zap.String("ticket_id", ticketID), zap.String("actor", actor.UID))
	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketIdentityValidated,
		TicketID: ticketID,
		Actor:    actor,
		Payload:  events.TicketIdentityValidatedPayload{VerifiedFields: result.IdentityValidation.VerifiedFields},
	})
	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketStatusChanged,
		TicketID: ticketID,
		Actor:    actor,
		Payload: events.TicketStatusChangedPayload{
			OldStatus: domain.TicketStatusClaimed,
			NewStatus: domain.TicketStatusIdentityValidated,
		},
	})
	return result, nil
}

// UpdateCaseFields replaces the operator-maintained case attributes.
func (s *TicketService) UpdateCaseFields(ctx context.Context, ticketID string, actor domain.Actor, fields domain.CaseFields) (*domain.Ticket, error) {
	if !actor.IsStaff() {
		return nil, apperrors.NewForbidden("only staff edit case fields", nil)
	}
	fields.Type = strings.TrimSpace(fields.Type)
	fields.OwningSector = strings.TrimSpace(fields.OwningSector)
	if utf8.RuneCountInString(fields.Description) > maxDescriptionLength || utf8.RuneCountInString(fields.InternalNotes) > maxDescriptionLength {
		return nil, apperrors.NewValidationError("case field too long", map[string]any{"max": maxDescriptionLength})
	}

	var result *domain.Ticket
	err := s.store.RunTransaction(ctx, ticketID, func(ctx context.Context, tx store.Tx) error {
		ticket, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if ticket.Status.Terminal() || !ticket.Status.RequiresAssignee() {
			return apperrors.NewValidationError("case fields are editable only while the ticket is held", map[string]any{
				"ticket_id": ticketID,
				"status":    ticket.Status,
			})
		}
		if err := canAct(ticket, actor, false); err != nil {
			return err
		}
		now := s.store.ServerTime()
		ticket.Case = fields
		ticket.AppendTimeline(domain.TimelineEvent{
			Type:   domain.TimelineCaseUpdate,
			Status: ticket.Status,
			Actor:  actor,
			At:     now,
		})
		tx.Update(ticket)
		result = ticket
		return nil
	})
	if err != nil {
		return nil, s.mutationFailure("update case", ticketID, actor, err)
	}

	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketCaseUpdated,
		TicketID: ticketID,
		Actor:    actor,
		Payload:  events.TicketCaseUpdatedPayload{Case: fields},
	})
	return result, nil
}

// AddMessage appends a chat line from the ticket's client or its operator.
func (s *TicketService) AddMessage(ctx context.Context, ticketID string, actor domain.Actor, body string) (*domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperrors.NewValidationError("message body is required", nil)
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return nil, apperrors.NewValidationError("message too long", map[string]any{"max": maxMessageLength})
	}

	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, s.mapStoreError(ticketID, err)
	}
	if ticket.Status.Terminal() {
		return nil, apperrors.NewValidationError("ticket is closed", map[string]any{"ticket_id": ticketID, "status": ticket.Status})
	}
	if err := canAct(ticket, actor, false); err != nil {
		return nil, err
	}
	if actor.IsStaff() && !ticket.Status.RequiresAssignee() {
		return nil, apperrors.NewValidationError("claim the ticket before replying", map[string]any{"ticket_id": ticketID})
	}

	author := domain.RoleClient
	if actor.IsStaff() {
		author = domain.RoleOperator
	}
	msg := &domain.Message{TicketID: ticketID, Author: author, AuthorUID: actor.UID, Body: body}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return nil, s.mutationFailure("add message", ticketID, actor, err)
	}

	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketMessageAdded,
		TicketID: ticketID,
		Actor:    actor,
		Payload: events.TicketMessageAddedPayload{
			MessageID:   msg.ID,
			Author:      author,
			BodyPreview: stringPreview(body, previewLength),
		},
	})
	return msg, nil
}

// Rate records the client's rating of a completed ticket. It can be set once.
func (s *TicketService) Rate(ctx context.Context, ticketID string, actor domain.Actor, rating int) (*domain.Ticket, error) {
	if actor.Role != domain.RoleClient {
		return nil, apperrors.NewForbidden("only the client rates a ticket", nil)
	}
	if rating < 1 || rating > 5 {
		return nil, apperrors.NewValidationError("rating must be between 1 and 5", map[string]any{"rating": rating})
	}

	var result *domain.Ticket
	err := s.store.RunTransaction(ctx, ticketID, func(ctx context.Context, tx store.Tx) error {
		ticket, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if err := canAct(ticket, actor, false); err != nil {
			return err
		}
		if ticket.Status != domain.TicketStatusCompleted {
			return apperrors.NewValidationError("only completed tickets can be rated", map[string]any{"status": ticket.Status})
		}
		if ticket.Termination.Rating != nil {
			return apperrors.NewConflict("ticket already rated", map[string]any{"ticket_id": ticketID})
		}
		now := s.store.ServerTime()
		r := rating
		ticket.Termination.Rating = &r
		ticket.AppendTimeline(domain.TimelineEvent{
			Type:   domain.TimelineRated,
			Status: ticket.Status,
			Actor:  actor,
			At:     now,
		})
		tx.Update(ticket)
		result = ticket
		return nil
	})
	if err != nil {
		return nil, s.mutationFailure("rate", ticketID, actor, err)
	}

	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketRated,
		TicketID: ticketID,
		Actor:    actor,
		Payload:  events.TicketRatedPayload{Rating: rating},
	})
	return result, nil
}

// CreateCaseRequest files a case request. Priority defaults to MEDIUM.
func (s *TicketService) CreateCaseRequest(ctx context.Context, actor domain.Actor, input CaseRequestInput) (*domain.CaseRequest, error) {
	if strings.TrimSpace(actor.UID) == "" {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	title := strings.TrimSpace(input.Title)
	description := strings.TrimSpace(input.Description)
	details := map[string]any{}
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		details["title"] = "required, at most 200 characters"
	}
	if description == "" || utf8.RuneCountInString(description) > maxDescriptionLength {
		details["description"] = "required, at most 4000 characters"
	}
	priority := input.Priority
	if priority == "" {
		priority = domain.CasePriorityMedium
	}
	if !priority.Valid() {
		details["priority"] = "must be one of LOW, MEDIUM, HIGH, URGENT"
	}
	if len(details) > 0 {
		return nil, apperrors.NewValidationError("invalid case request", details)
	}

	req := &domain.CaseRequest{
		Title:             title,
		Description:       description,
		Priority:          priority,
		TargetOperatorUID: input.TargetOperatorUID,
		RequestedBy:       actor,
	}
	if err := s.store.CreateCaseRequest(ctx, req); err != nil {
		s.logger.Error("create case request failed", zap.String("actor", actor.UID), zap.Error(err))
		return nil, apperrors.MapError(err)
	}

	s.publishEvent(ctx, events.Event{
		Type:  events.EventCaseRequestCreated,
		Actor: actor,
		Payload: events.CaseRequestCreatedPayload{
			RequestID: req.ID,
			Title:     req.Title,
			Priority:  req.Priority,
		},
	})
	return req, nil
}

// ListCaseRequests lists case requests, newest first.
func (s *TicketService) ListCaseRequests(ctx context.Context, actor domain.Actor, limit int) ([]domain.CaseRequest, error) {
	if !actor.IsStaff() {
		return nil, apperrors.NewForbidden("case requests are staff only", nil)
	}
	reqs, err := s.store.ListCaseRequests(ctx, limit)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return reqs, nil
}

// canView allows the ticket's own client and any staff member.
func canView(ticket *domain.Ticket, actor domain.Actor) error {
	if actor.IsStaff() || actor.Role == domain.RoleSystem {
		return nil
	}
	if actor.Role == domain.RoleClient && ticket.Client.AnonymousUID == actor.UID {
		return nil
	}
	return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticket.ID})
}

// canAct allows the ticket's client, its assigned operator, supervisors and
// admins. takeover lets any staff member act on an unowned hand-off.
func canAct(ticket *domain.Ticket, actor domain.Actor, takeover bool) error {
	switch {
	case actor.Role == domain.RoleClient:
		if ticket.Client.AnonymousUID != actor.UID {
			return apperrors.NewForbidden("ticket belongs to another client", map[string]any{"ticket_id": ticket.ID})
		}
		return nil
	case actor.CanOverride() || actor.Role == domain.RoleSystem:
		return nil
	case actor.IsStaff():
		if takeover || ticket.HeldBy(actor.UID) {
			return nil
		}
		return apperrors.NewForbidden("ticket held by another operator", map[string]any{"ticket_id": ticket.ID})
	default:
		return apperrors.NewForbidden("actor not permitted", map[string]any{"role": actor.Role})
	}
}

func (s *TicketService) mapStoreError(ticketID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	return apperrors.MapError(err)
}

func (s *TicketService) mutationFailure(op, ticketID string, actor domain.Actor, err error) error {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("ticket_id", ticketID),
		zap.String("actor", actor.UID),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, store.ErrContention):
		s.logger.Warn("ticket mutation contended", fields...)
		return apperrors.NewConflict("ticket changed concurrently", map[string]any{"ticket_id": ticketID})
	case errors.Is(err, store.ErrNotFound):
		s.logger.Info("ticket mutation on missing ticket", fields...)
		return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	case apperrors.ToDomainError(err).Code != apperrors.CodeInternal:
		s.logger.Info("ticket mutation rejected", fields...)
		return err
	default:
		s.logger.Error("ticket mutation failed", fields...)
		return apperrors.MapError(err)
	}
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.store.ServerTime()
	}
	_ = s.dispatcher.Publish(ctx, event)
}

func stringPreview(body string, max int) string {
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
