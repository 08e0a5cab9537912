package domain

import "time"

// StateLogEntry is an immutable audit record of one status transition.
// It is written in the same store transaction as the status change.
type StateLogEntry struct {
	ID            string       `json:"id"`
	TicketID      string       `json:"ticket_id"`
	From          TicketStatus `json:"from"`
	To            TicketStatus `json:"to"`
	Actor         Actor        `json:"actor"`
	Justification string       `json:"justification,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// CasePriority enumerates urgency for case requests.
type CasePriority string

const (
	CasePriorityLow    CasePriority = "LOW"
	CasePriorityMedium CasePriority = "MEDIUM"
	CasePriorityHigh   CasePriority = "HIGH"
	CasePriorityUrgent CasePriority = "URGENT"
)

// Valid reports whether p is a known priority.
func (p CasePriority) Valid() bool {
	switch p {
	case CasePriorityLow, CasePriorityMedium, CasePriorityHigh, CasePriorityUrgent:
		return true
	}
	return false
}

// CaseRequest is a case opened by an external request-creation collaborator.
type CaseRequest struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	Priority          CasePriority `json:"priority"`
	TargetOperatorUID *string      `json:"target_operator_uid,omitempty"`
	RequestedBy       Actor        `json:"requested_by"`
	CreatedAt         time.Time    `json:"created_at"`
}

// ClientSession is the persisted client record used to restore after reloads.
type ClientSession struct {
	TicketID        string       `json:"ticket_id"`
	AnonymousUID    string       `json:"anonymous_uid"`
	LastKnownStatus TicketStatus `json:"last_known_status"`
	SavedAt         time.Time    `json:"saved_at"`
}
