package events

import (
	"time"

	"github.com/spec-kit/live-desk/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated           EventType = "ticket_created"
	EventTicketQueued            EventType = "ticket_queued"
	EventTicketStatusChanged     EventType = "ticket_status_changed"
	EventTicketClaimed           EventType = "ticket_claimed"
	EventTicketReleased          EventType = "ticket_released"
	EventTicketIdentityValidated EventType = "ticket_identity_validated"
	EventTicketCaseUpdated       EventType = "ticket_case_updated"
	EventTicketRated             EventType = "ticket_rated"
	EventTicketMessageAdded      EventType = "ticket_message_added"
	EventCaseRequestCreated      EventType = "case_request_created"
)

// AllEventTypes lists every event type, used by sinks that forward everything.
var AllEventTypes = []EventType{
	EventTicketCreated,
	EventTicketQueued,
	EventTicketStatusChanged,
	EventTicketClaimed,
	EventTicketReleased,
	EventTicketIdentityValidated,
	EventTicketCaseUpdated,
	EventTicketRated,
	EventTicketMessageAdded,
	EventCaseRequestCreated,
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	TicketID  string       `json:"ticket_id"`
	Actor     domain.Actor `json:"actor"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   interface{}  `json:"payload"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	Sector     string `json:"sector"`
	ClientName string `json:"client_name"`
}

// TicketQueuedPayload is published by queue watchers for every newly
// observed pending ticket.
type TicketQueuedPayload struct {
	Ticket domain.Ticket `json:"ticket"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus     domain.TicketStatus `json:"old_status"`
	NewStatus     domain.TicketStatus `json:"new_status"`
	Justification string              `json:"justification,omitempty"`
}

// TicketClaimedPayload payload.
type TicketClaimedPayload struct {
	OperatorUID string    `json:"operator_uid"`
	ClaimedAt   time.Time `json:"claimed_at"`
}

// TicketReleasedPayload payload.
type TicketReleasedPayload struct {
	PreviousStatus domain.TicketStatus `json:"previous_status"`
	Reason         string              `json:"reason"`
}

// TicketIdentityValidatedPayload payload.
type TicketIdentityValidatedPayload struct {
	VerifiedFields []string `json:"verified_fields"`
}

// TicketCaseUpdatedPayload payload.
type TicketCaseUpdatedPayload struct {
	Case domain.CaseFields `json:"case"`
}

// TicketRatedPayload payload.
type TicketRatedPayload struct {
	Rating int `json:"rating"`
}

// TicketMessageAddedPayload payload.
type TicketMessageAddedPayload struct {
	MessageID   string      `json:"message_id"`
	Author      domain.Role `json:"author"`
	BodyPreview string      `json:"body_preview"`
}

// CaseRequestCreatedPayload payload.
type CaseRequestCreatedPayload struct {
	RequestID string              `json:"request_id"`
	Title     string              `json:"title"`
	Priority  domain.CasePriority `json:"priority"`
}
