package dto

import (
	"time"

	"github.com/spec-kit/live-desk/internal/domain"
)

// SubmitTicketRequest is the client entry form.
type SubmitTicketRequest struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
	Sector string `json:"sector"`
}

// TransitionRequest moves a ticket to another status.
type TransitionRequest struct {
	Status        string `json:"status"`
	Justification string `json:"justification"`
}

// IdentityChecklistRequest carries the operator's identity check.
type IdentityChecklistRequest struct {
	Name  bool `json:"name"`
	Phone bool `json:"phone"`
	Email bool `json:"email"`
}

// CaseFieldsRequest updates case attributes.
type CaseFieldsRequest struct {
	Type          string `json:"type"`
	OwningSector  string `json:"owning_sector"`
	Description   string `json:"description"`
	InternalNotes string `json:"internal_notes"`
}

// MessageRequest posts a chat line.
type MessageRequest struct {
	Body string `json:"body"`
}

// RateRequest rates a finished ticket.
type RateRequest struct {
	Rating int `json:"rating"`
}

// ReleaseRequest returns a held ticket to the queue.
type ReleaseRequest struct {
	Reason string `json:"reason"`
}

// ModuleRequest switches the operator workspace.
type ModuleRequest struct {
	Module string `json:"module"`
}

// CaseRequestRequest opens a case request.
type CaseRequestRequest struct {
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	Priority          domain.CasePriority `json:"priority"`
	TargetOperatorUID *string             `json:"target_operator_uid"`
}

// TicketResponse is the ticket as returned over HTTP. Case fields are only
// filled for staff.
type TicketResponse struct {
	ID                string                 `json:"id"`
	Status            domain.TicketStatus    `json:"status"`
	Sector            string                 `json:"sector"`
	Client            domain.ClientIdentity  `json:"client"`
	AssignedOperator  *domain.OperatorRef    `json:"assigned_operator,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	LastTransitionAt  time.Time              `json:"last_transition_at"`
	ClaimedAt         *time.Time             `json:"claimed_at,omitempty"`
	IdentityValidated bool                   `json:"identity_validated"`
	Case              *domain.CaseFields     `json:"case,omitempty"`
	Rating            *int                   `json:"rating,omitempty"`
	Timeline          []domain.TimelineEvent `json:"timeline"`
	Version           int64                  `json:"version"`
}
