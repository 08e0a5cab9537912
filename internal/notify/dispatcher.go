// Package notify turns newly queued tickets into accept/reject alerts for
// one operator.
package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/observability"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// DefaultAllowedModules are the modules during which alerts may interrupt.
var DefaultAllowedModules = []string{"queue", "cases", "history"}

// Alert actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// Alert is what the operator is shown for an incoming ticket.
type Alert struct {
	TicketID    string    `json:"ticket_id"`
	ClientName  string    `json:"client_name"`
	MaskedPhone string    `json:"masked_phone"`
	Sector      string    `json:"sector"`
	QueuedAt    time.Time `json:"queued_at"`
	Actions     []string  `json:"actions"`
}

// Claimer claims a specific ticket.
type Claimer interface {
	Claim(ctx context.Context, ticketID string, actor domain.Actor) (*domain.Ticket, error)
}

// OperatorState reports what the operator is doing right now.
type OperatorState interface {
	ActiveTicketID() string
	ActiveModule() string
}

// Sink receives alerts as they are raised, e.g. a toast renderer.
type Sink func(Alert)

// Options configures a Dispatcher.
type Options struct {
	Operator       domain.Actor
	Claimer        Claimer
	State          OperatorState
	Sink           Sink
	AllowedModules []string
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// Dispatcher raises alerts for one operator.
type Dispatcher struct {
	operator domain.Actor
	claimer  Claimer
	state    OperatorState
	sink     Sink
	allowed  map[string]bool
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	pending map[string]Alert
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	modules := opts.AllowedModules
	if len(modules) == 0 {
		modules = DefaultAllowedModules
	}
	allowed := make(map[string]bool, len(modules))
	for _, m := range modules {
		allowed[m] = true
	}
	return &Dispatcher{
		operator: opts.Operator,
		claimer:  opts.Claimer,
		state:    opts.State,
		sink:     opts.Sink,
		allowed:  allowed,
		logger:   observability.Named(opts.Logger, "notify").With(zap.String("operator", opts.Operator.UID)),
		metrics:  opts.Metrics,
		pending:  make(map[string]Alert),
	}
}

// OnIncomingTicket raises an alert unless the operator is busy with a
// ticket, is in a module that must not be interrupted, or was already
// alerted for this ticket.
func (d *Dispatcher) OnIncomingTicket(ticket domain.Ticket) (Alert, bool) {
	if ticket.Status != domain.TicketStatusQueued {
		return Alert{}, false
	}
	if reason := d.suppression(); reason != "" {
		d.metrics.Inc(observability.CounterAlertsSuppressed)
		d.logger.Debug("alert suppressed", zap.String("ticket_id", ticket.ID), zap.String("reason", reason))
		return Alert{}, false
	}

	alert := Alert{
		TicketID:    ticket.ID,
		ClientName:  ticket.Client.Name,
		MaskedPhone: MaskPhone(ticket.Client.Phone),
		Sector:      ticket.Sector,
		QueuedAt:    ticket.CreatedAt,
		Actions:     []string{ActionAccept, ActionReject},
	}
	d.mu.Lock()
	if _, seen := d.pending[ticket.ID]; seen {
		d.mu.Unlock()
		return Alert{}, false
	}
	d.pending[ticket.ID] = alert
	d.mu.Unlock()

	d.metrics.Inc(observability.CounterAlerts)
	if d.sink != nil {
		d.sink(alert)
	}
	return alert, true
}

func (d *Dispatcher) suppression() string {
	if d.state == nil {
		return ""
	}
	if d.state.ActiveTicketID() != "" {
		return "active_ticket"
	}
	if !d.allowed[d.state.ActiveModule()] {
		return "module"
	}
	return ""
}

// Accept claims the alerted ticket. The alert is dismissed whether or not
// the claim wins.
func (d *Dispatcher) Accept(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	d.mu.Lock()
	_, ok := d.pending[ticketID]
	delete(d.pending, ticketID)
	d.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFound("alert", map[string]any{"ticket_id": ticketID})
	}

	ticket, err := d.claimer.Claim(ctx, ticketID, d.operator)
	if err != nil {
		d.logger.Info("accept failed", zap.String("ticket_id", ticketID), zap.Error(err))
		return nil, err
	}
	return ticket, nil
}

// Reject dismisses the alert. It reports whether an alert was pending.
func (d *Dispatcher) Reject(ticketID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[ticketID]
	delete(d.pending, ticketID)
	return ok
}

// Forget drops alerts for tickets no longer in the pending set.
func (d *Dispatcher) Forget(stillPending map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.pending {
		if !stillPending[id] {
			delete(d.pending, id)
		}
	}
}

// Pending lists open alerts, oldest ticket first.
func (d *Dispatcher) Pending() []Alert {
	d.mu.Lock()
	out := make([]Alert, 0, len(d.pending))
	for _, a := range d.pending {
		out = append(out, a)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].TicketID < out[j].TicketID
	})
	return out
}

// MaskPhone keeps the last four digits.
func MaskPhone(phone string) string {
	var digits []rune
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}
