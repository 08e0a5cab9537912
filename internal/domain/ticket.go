package domain

import (
	"strings"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew               TicketStatus = "NEW"
	TicketStatusQueued            TicketStatus = "QUEUED"
	TicketStatusClaimed           TicketStatus = "CLAIMED"
	TicketStatusIdentityValidated TicketStatus = "IDENTITY_VALIDATED"
	TicketStatusInProgress        TicketStatus = "IN_PROGRESS"
	TicketStatusForwarded         TicketStatus = "FORWARDED"
	TicketStatusCompleted         TicketStatus = "COMPLETED"
	TicketStatusCancelled         TicketStatus = "CANCELLED"
)

// AllStatuses lists every canonical status in lifecycle order.
var AllStatuses = []TicketStatus{
	TicketStatusNew,
	TicketStatusQueued,
	TicketStatusClaimed,
	TicketStatusIdentityValidated,
	TicketStatusInProgress,
	TicketStatusForwarded,
	TicketStatusCompleted,
	TicketStatusCancelled,
}

// Valid reports whether s is one of the canonical statuses.
func (s TicketStatus) Valid() bool {
	for _, candidate := range AllStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusCompleted || s == TicketStatusCancelled
}

// RequiresAssignee reports whether a ticket in s must carry an assigned operator.
func (s TicketStatus) RequiresAssignee() bool {
	switch s {
	case TicketStatusNew, TicketStatusQueued, TicketStatusCancelled:
		return false
	default:
		return true
	}
}

// legacyStatuses maps the lowercase vocabulary found in older documents.
var legacyStatuses = map[string]TicketStatus{
	"new":                TicketStatusNew,
	"novo":               TicketStatusNew,
	"queued":             TicketStatusQueued,
	"waiting":            TicketStatusQueued,
	"pending":            TicketStatusQueued,
	"aguardando":         TicketStatusQueued,
	"claimed":            TicketStatusClaimed,
	"identity_validated": TicketStatusIdentityValidated,
	"identityvalidated":  TicketStatusIdentityValidated,
	"validated":          TicketStatusIdentityValidated,
	"in_progress":        TicketStatusInProgress,
	"in-progress":        TicketStatusInProgress,
	"inprogress":         TicketStatusInProgress,
	"em_atendimento":     TicketStatusInProgress,
	"forwarded":          TicketStatusForwarded,
	"encaminhado":        TicketStatusForwarded,
	"completed":          TicketStatusCompleted,
	"finished":           TicketStatusCompleted,
	"finalizado":         TicketStatusCompleted,
	"cancelled":          TicketStatusCancelled,
	"canceled":           TicketStatusCancelled,
	"cancelado":          TicketStatusCancelled,
}

// ParseStatus accepts only the canonical vocabulary. Writes go through it.
func ParseStatus(raw string) (TicketStatus, bool) {
	s := TicketStatus(raw)
	return s, s.Valid()
}

// NormalizeStatus maps canonical or legacy spellings to a canonical status.
// It is used on the read side only, for documents written before the
// canonical vocabulary was enforced.
func NormalizeStatus(raw string) (TicketStatus, bool) {
	trimmed := strings.TrimSpace(raw)
	if s, ok := ParseStatus(trimmed); ok {
		return s, true
	}
	if s, ok := ParseStatus(strings.ToUpper(trimmed)); ok {
		return s, true
	}
	s, ok := legacyStatuses[strings.ToLower(trimmed)]
	return s, ok
}

// ClientIdentity captures what the anonymous client typed on the entry screen.
type ClientIdentity struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	AnonymousUID string `json:"anonymous_uid"`
}

// OperatorRef is the assignee snapshot stored on the ticket.
type OperatorRef struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// TimelineEvent is one append-only entry of the ticket timeline.
type TimelineEvent struct {
	Type   string       `json:"type"`
	Status TicketStatus `json:"status"`
	Actor  Actor        `json:"actor"`
	Note   string       `json:"note,omitempty"`
	At     time.Time    `json:"at"`
}

// Timeline event types.
const (
	TimelineCreated    = "created"
	TimelineTransition = "transition"
	TimelineClaimed    = "claimed"
	TimelineReleased   = "released"
	TimelineIdentity   = "identity_validated"
	TimelineCaseUpdate = "case_updated"
	TimelineRated      = "rated"
)

// IdentityValidation records the operator's identity check.
type IdentityValidation struct {
	Completed      bool       `json:"completed"`
	VerifiedFields []string   `json:"verified_fields"`
	Verifier       string     `json:"verifier"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// CaseFields are the operator-maintained case attributes.
type CaseFields struct {
	Type          string `json:"type"`
	OwningSector  string `json:"owning_sector"`
	Description   string `json:"description"`
	InternalNotes string `json:"internal_notes"`
}

// Termination is stamped when a ticket reaches a terminal status.
type Termination struct {
	TerminatedBy string     `json:"terminated_by,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
	Rating       *int       `json:"rating,omitempty"`
}

// Ticket is the aggregate for one customer-service conversation.
type Ticket struct {
	ID                 string             `json:"id"`
	Status             TicketStatus       `json:"status"`
	Client             ClientIdentity     `json:"client"`
	AssignedOperator   *OperatorRef       `json:"assigned_operator,omitempty"`
	Sector             string             `json:"sector"`
	CreatedAt          time.Time          `json:"created_at"`
	LastTransitionAt   time.Time          `json:"last_transition_at"`
	ClaimedAt          *time.Time         `json:"claimed_at,omitempty"`
	Timeline           []TimelineEvent    `json:"timeline"`
	IdentityValidation IdentityValidation `json:"identity_validation"`
	Case               CaseFields         `json:"case"`
	Termination        Termination        `json:"termination"`
	Version            int64              `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	cp := *t
	if t.AssignedOperator != nil {
		op := *t.AssignedOperator
		cp.AssignedOperator = &op
	}
	cp.Timeline = append([]TimelineEvent(nil), t.Timeline...)
	cp.IdentityValidation.VerifiedFields = append([]string(nil), t.IdentityValidation.VerifiedFields...)
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		cp.ClaimedAt = &at
	}
	if t.IdentityValidation.VerifiedAt != nil {
		at := *t.IdentityValidation.VerifiedAt
		cp.IdentityValidation.VerifiedAt = &at
	}
	if t.Termination.TerminatedAt != nil {
		at := *t.Termination.TerminatedAt
		cp.Termination.TerminatedAt = &at
	}
	if t.Termination.Rating != nil {
		r := *t.Termination.Rating
		cp.Termination.Rating = &r
	}
	return &cp
}

// AppendTimeline adds an event keeping timestamps non-decreasing.
func (t *Ticket) AppendTimeline(ev TimelineEvent) {
	if n := len(t.Timeline); n > 0 && ev.At.Before(t.Timeline[n-1].At) {
		ev.At = t.Timeline[n-1].At
	}
	t.Timeline = append(t.Timeline, ev)
}

// HeldBy reports whether uid is the current assignee.
func (t *Ticket) HeldBy(uid string) bool {
	return t.AssignedOperator != nil && t.AssignedOperator.UID == uid
}
