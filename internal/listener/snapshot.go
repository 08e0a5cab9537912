package listener

import (
	"time"

	"github.com/spec-kit/live-desk/internal/domain"
)

// Snapshot is the read-only record of a finished conversation.
type Snapshot struct {
	ticket     domain.Ticket
	messages   []domain.Message
	capturedAt time.Time
}

// NewSnapshot copies ticket and msgs; later changes to either do not leak in.
func NewSnapshot(ticket domain.Ticket, msgs []domain.Message, at time.Time) Snapshot {
	ordered := append([]domain.Message(nil), msgs...)
	domain.SortMessages(ordered)
	return Snapshot{ticket: *ticket.Clone(), messages: ordered, capturedAt: at}
}

func (s Snapshot) TicketID() string            { return s.ticket.ID }
func (s Snapshot) Status() domain.TicketStatus { return s.ticket.Status }
func (s Snapshot) CapturedAt() time.Time       { return s.capturedAt }
func (s Snapshot) Len() int                    { return len(s.messages) }

// Ticket returns a copy of the ticket as it was at capture time.
func (s Snapshot) Ticket() domain.Ticket {
	return *s.ticket.Clone()
}

// Messages returns a copy of the ordered conversation.
func (s Snapshot) Messages() []domain.Message {
	return append([]domain.Message(nil), s.messages...)
}

// IsZero reports whether the snapshot was never captured.
func (s Snapshot) IsZero() bool {
	return s.capturedAt.IsZero()
}
