// Package store defines the remote document store boundary the desk
// coordinates through: reads, real-time subscriptions, optimistic
// transactions, append-only timeline updates and server time.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/spec-kit/live-desk/internal/domain"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrContention is returned when a transaction lost every optimistic attempt.
	ErrContention = errors.New("store: transaction contention")
	// ErrInvalidStatus rejects writes carrying a non-canonical status.
	ErrInvalidStatus = errors.New("store: non-canonical status")
	// ErrTerminal rejects appends to a COMPLETED or CANCELLED ticket.
	ErrTerminal = errors.New("store: ticket is terminal")
)

// MaxTransactionAttempts bounds how many times a transaction function is re-run.
const MaxTransactionAttempts = 5

// Unsubscribe cancels a subscription. Calling it more than once is safe.
type Unsubscribe func()

// QueueFilter narrows the pending queue.
type QueueFilter struct {
	Sector string
}

// Matches reports whether t belongs to the filtered queue.
func (f QueueFilter) Matches(t *domain.Ticket) bool {
	return f.Sector == "" || f.Sector == t.Sector
}

// Tx is the view a transaction function gets of one ticket document.
// Get always re-reads the document inside the transaction.
type Tx interface {
	Get(ctx context.Context) (*domain.Ticket, error)
	Update(ticket *domain.Ticket)
	AppendStateLog(entry domain.StateLogEntry)
}

// TxFunc runs inside a transaction. It may be invoked more than once and
// must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Documents is the request/response half of the store: reads, optimistic
// transactions and appends.
type Documents interface {
	CreateTicket(ctx context.Context, ticket *domain.Ticket) error
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
	OldestPending(ctx context.Context, filter QueueFilter) (*domain.Ticket, error)
	ListPending(ctx context.Context, filter QueueFilter) ([]domain.Ticket, error)
	RunTransaction(ctx context.Context, ticketID string, fn TxFunc) error
	AppendTimeline(ctx context.Context, ticketID string, event domain.TimelineEvent) error

	AddMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, ticketID string) ([]domain.Message, error)
	ListStateLogs(ctx context.Context, ticketID string) ([]domain.StateLogEntry, error)
	CreateCaseRequest(ctx context.Context, req *domain.CaseRequest) error
	ListCaseRequests(ctx context.Context, limit int) ([]domain.CaseRequest, error)

	ServerTime() time.Time
}

// Subscriptions is the real-time half of the store. Each subscription
// delivers the current state once, then every change, until unsubscribed.
type Subscriptions interface {
	SubscribeTicket(ticketID string, onChange func(domain.Ticket), onError func(error)) Unsubscribe
	SubscribeMessages(ticketID string, onChange func([]domain.Message), onError func(error)) Unsubscribe
	SubscribeQueue(filter QueueFilter, onChange func([]domain.Ticket), onError func(error)) Unsubscribe
}

// Store is the remote store adapter.
type Store interface {
	Documents
	Subscriptions
}

// CheckWritable validates invariants every adapter enforces on write.
func CheckWritable(t *domain.Ticket) error {
	if _, ok := domain.ParseStatus(string(t.Status)); !ok {
		return ErrInvalidStatus
	}
	return nil
}
