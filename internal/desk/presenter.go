package desk

import (
	"time"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/listener"
	"github.com/spec-kit/live-desk/internal/notify"
)

// Screen names a client-facing screen.
type Screen string

const (
	ScreenEntry         Screen = "entry"
	ScreenIdentify      Screen = "identify"
	ScreenQueuePosition Screen = "queue_position"
	ScreenConversation  Screen = "conversation"
	ScreenTerminal      Screen = "terminal"
)

// ScreenForStatus maps a ticket status onto the screen a client sees.
func ScreenForStatus(status domain.TicketStatus) Screen {
	switch status {
	case domain.TicketStatusNew, domain.TicketStatusQueued:
		return ScreenQueuePosition
	case domain.TicketStatusClaimed:
		return ScreenIdentify
	case domain.TicketStatusIdentityValidated, domain.TicketStatusInProgress, domain.TicketStatusForwarded:
		return ScreenConversation
	case domain.TicketStatusCompleted, domain.TicketStatusCancelled:
		return ScreenTerminal
	default:
		return ScreenEntry
	}
}

// ScreenState is everything a client screen renders.
type ScreenState struct {
	Screen        Screen              `json:"screen"`
	TicketID      string              `json:"ticket_id,omitempty"`
	Status        domain.TicketStatus `json:"status,omitempty"`
	QueuePosition int                 `json:"queue_position,omitempty"`
	Operator      *domain.OperatorRef `json:"operator,omitempty"`
	Messages      []domain.Message    `json:"messages"`
	Snapshot      *SnapshotView       `json:"snapshot,omitempty"`
	CanRate       bool                `json:"can_rate"`
	Rating        *int                `json:"rating,omitempty"`
	Live          bool                `json:"live"`
	Error         string              `json:"error,omitempty"`
}

// SnapshotView is the serializable form of a finished conversation.
type SnapshotView struct {
	TicketID   string              `json:"ticket_id"`
	Status     domain.TicketStatus `json:"status"`
	Messages   []domain.Message    `json:"messages"`
	CapturedAt time.Time           `json:"captured_at"`
}

func viewOf(s listener.Snapshot) *SnapshotView {
	if s.IsZero() {
		return nil
	}
	return &SnapshotView{
		TicketID:   s.TicketID(),
		Status:     s.Status(),
		Messages:   s.Messages(),
		CapturedAt: s.CapturedAt(),
	}
}

// Presenter receives render hooks. Implementations must not call back into
// the desk synchronously.
type Presenter interface {
	Render(state ScreenState)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ScreenState)

// Render implements Presenter.
func (f PresenterFunc) Render(state ScreenState) { f(state) }

// OperatorView is the operator workspace.
type OperatorView struct {
	Module         string                `json:"module"`
	Ticket         *domain.Ticket        `json:"ticket,omitempty"`
	Messages       []domain.Message      `json:"messages"`
	Transitions    []domain.TicketStatus `json:"transitions"`
	HandoffSeconds float64               `json:"handoff_seconds,omitempty"`
	Queue          []domain.Ticket       `json:"queue"`
	CaseRequests   []domain.CaseRequest  `json:"case_requests,omitempty"`
	History        []HistoryEntry        `json:"history,omitempty"`
	Alerts         []notify.Alert        `json:"alerts"`
	Error          string                `json:"error,omitempty"`
}

// HistoryEntry is one status change seen by the history module.
type HistoryEntry struct {
	TicketID string              `json:"ticket_id"`
	From     domain.TicketStatus `json:"from"`
	To       domain.TicketStatus `json:"to"`
	Actor    string              `json:"actor"`
	At       time.Time           `json:"at"`
}
