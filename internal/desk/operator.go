package desk

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/lifecycle"
	"github.com/spec-kit/live-desk/internal/listener"
	"github.com/spec-kit/live-desk/internal/notify"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/queue"
	"github.com/spec-kit/live-desk/internal/service"
	"github.com/spec-kit/live-desk/internal/statemachine"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// Operator desk modules.
const (
	ModuleQueue    = "queue"
	ModuleCases    = "cases"
	ModuleHistory  = "history"
	ModuleTicket   = "ticket"
	ModuleSettings = "settings"
)

// Owners that live for the whole desk rather than one module.
const (
	ownerQueueWatcher = "queue-watcher"
)

const (
	historyLimit      = 50
	caseRequestsLimit = 20
)

// OperatorOptions bundles what an operator desk needs.
type OperatorOptions struct {
	Actor          domain.Actor
	Sector         string
	Store          store.Store
	Queue          *queue.Coordinator
	Tickets        *service.TicketService
	Bus            events.Dispatcher
	AlertSink      notify.Sink
	AllowedModules []string
	Clock          clockwork.Clock
	Scheduler      listener.Scheduler
	Backoff        listener.BackoffPolicy
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// OperatorDesk is one operator's workspace: the active module, the open
// ticket and incoming-ticket alerts.
type OperatorDesk struct {
	actor     domain.Actor
	filter    store.QueueFilter
	store     store.Store
	queue     *queue.Coordinator
	tickets   *service.TicketService
	bus       events.Dispatcher
	local     events.Dispatcher
	lifecycle *lifecycle.Controller
	alerts    *notify.Dispatcher
	watch     *listener.Manager
	scheduler listener.Scheduler
	policy    listener.BackoffPolicy
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu           sync.Mutex
	seen         map[string]bool
	pending      []domain.Ticket
	queueBackoff retry.Backoff
	ticket       *domain.Ticket
	messages     []domain.Message
	caseRequests []domain.CaseRequest
	history      []HistoryEntry
	lastErr      string
	closed       bool
}

var (
	_ listener.Consumer    = (*OperatorDesk)(nil)
	_ notify.OperatorState = (*OperatorDesk)(nil)
)

// NewOperatorDesk creates a desk and starts its queue watcher. No module
// is active until ActivateModule is called.
func NewOperatorDesk(opts OperatorOptions) *OperatorDesk {
	logger := observability.Named(opts.Logger, "operator_desk").With(zap.String("operator", opts.Actor.UID))
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = listener.ClockScheduler{Clock: clock}
	}
	policy := opts.Backoff
	if policy.Base <= 0 || policy.MaxAttempts <= 0 {
		policy = listener.DefaultBackoff
	}

	filter := store.QueueFilter{Sector: opts.Sector}
	if opts.Actor.CanOverride() {
		filter = store.QueueFilter{}
	}
	d := &OperatorDesk{
		actor:        opts.Actor,
		filter:       filter,
		store:        opts.Store,
		queue:        opts.Queue,
		tickets:      opts.Tickets,
		bus:          opts.Bus,
		local:        events.NewInMemoryDispatcher(logger),
		lifecycle:    lifecycle.NewController(logger),
		scheduler:    scheduler,
		policy:       policy,
		logger:       logger,
		metrics:      opts.Metrics,
		seen:         make(map[string]bool),
		queueBackoff: policy.New(),
	}
	d.alerts = notify.NewDispatcher(notify.Options{
		Operator:       opts.Actor,
		Claimer:        opts.Queue,
		State:          d,
		Sink:           opts.AlertSink,
		AllowedModules: opts.AllowedModules,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
	d.watch = listener.NewManager(listener.Options{
		Store:     opts.Store,
		Consumer:  d,
		Scheduler: scheduler,
		Clock:     clock,
		Backoff:   policy,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	d.subscribeQueue()
	return d
}

// Actor returns the operator this desk belongs to.
func (d *OperatorDesk) Actor() domain.Actor {
	return d.actor
}

// ActiveTicketID implements notify.OperatorState. Finished or lost tickets
// do not count.
func (d *OperatorDesk) ActiveTicketID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticket == nil || d.ticket.Status.Terminal() || !d.ticket.HeldBy(d.actor.UID) {
		return ""
	}
	return d.ticket.ID
}

// ActiveModule implements notify.OperatorState.
func (d *OperatorDesk) ActiveModule() string {
	return d.lifecycle.Active()
}

// ActivateModule switches the workspace to module.
func (d *OperatorDesk) ActivateModule(ctx context.Context, module string) error {
	var init lifecycle.InitFunc
	switch module {
	case ModuleQueue:
		init = d.initQueue
	case ModuleCases:
		init = d.initCases
	case ModuleHistory:
		init = d.initHistory
	case ModuleTicket:
		init = d.initTicket
	case ModuleSettings:
		init = func(context.Context) error { return nil }
	default:
		return apperrors.NewValidationError("unknown module", map[string]any{"module": module})
	}
	return d.lifecycle.Activate(ctx, module, init)
}

func (d *OperatorDesk) routeAlerts(owner string) {
	d.lifecycle.RegisterHandler(d.local, events.EventTicketQueued, d.onQueuedTicket, owner)
}

func (d *OperatorDesk) initQueue(ctx context.Context) error {
	pending, err := d.queue.Pending(ctx, d.filter)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.pending = pending
	d.mu.Unlock()
	d.routeAlerts(ModuleQueue)
	return nil
}

func (d *OperatorDesk) initCases(ctx context.Context) error {
	reqs, err := d.tickets.ListCaseRequests(ctx, d.actor, caseRequestsLimit)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.caseRequests = reqs
	d.mu.Unlock()
	d.routeAlerts(ModuleCases)
	if d.bus != nil {
		d.lifecycle.RegisterHandler(d.bus, events.EventCaseRequestCreated, d.onCaseRequest, ModuleCases)
	}
	return nil
}

func (d *OperatorDesk) initHistory(context.Context) error {
	d.routeAlerts(ModuleHistory)
	if d.bus != nil {
		d.lifecycle.RegisterHandler(d.bus, events.EventTicketStatusChanged, d.onStatusChanged, ModuleHistory)
	}
	return nil
}

func (d *OperatorDesk) initTicket(context.Context) error {
	d.mu.Lock()
	ticket := d.ticket
	d.mu.Unlock()
	if ticket == nil {
		return apperrors.NewValidationError("no ticket open", nil)
	}
	d.watch.StartWatch(ticket.ID)
	d.lifecycle.Track(ModuleTicket, d.watch.StopWatch)
	return nil
}

// Accept claims the alerted ticket and opens it.
func (d *OperatorDesk) Accept(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	ticket, err := d.alerts.Accept(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return d.open(ctx, ticket)
}

// Reject dismisses an alert.
func (d *OperatorDesk) Reject(ticketID string) bool {
	return d.alerts.Reject(ticketID)
}

// ClaimNext claims the oldest pending ticket of the desk's sector and opens it.
func (d *OperatorDesk) ClaimNext(ctx context.Context) (*domain.Ticket, error) {
	ticket, err := d.queue.ClaimNextWithRetry(ctx, d.filter, d.actor)
	if err != nil {
		return nil, err
	}
	return d.open(ctx, ticket)
}

// OpenTicket opens a ticket the operator holds.
func (d *OperatorDesk) OpenTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	ticket, err := d.tickets.GetTicket(ctx, ticketID, d.actor)
	if err != nil {
		return nil, err
	}
	if ticket.Status.Terminal() {
		return nil, apperrors.NewValidationError("ticket is closed", map[string]any{"ticket_id": ticketID, "status": ticket.Status})
	}
	if !ticket.HeldBy(d.actor.UID) && !d.actor.CanOverride() {
		return nil, apperrors.NewForbidden("ticket held by another operator", map[string]any{"ticket_id": ticketID})
	}
	return d.open(ctx, ticket)
}

func (d *OperatorDesk) open(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	d.mu.Lock()
	d.ticket = ticket.Clone()
	d.messages = nil
	d.lastErr = ""
	d.mu.Unlock()

	if d.lifecycle.Active() == ModuleTicket {
		d.watch.StartWatch(ticket.ID)
		return ticket, nil
	}
	if err := d.ActivateModule(ctx, ModuleTicket); err != nil {
		return nil, err
	}
	return ticket, nil
}

// CloseTicket leaves the ticket workspace and returns to the queue.
func (d *OperatorDesk) CloseTicket(ctx context.Context) error {
	d.mu.Lock()
	d.ticket = nil
	d.messages = nil
	d.mu.Unlock()
	return d.ActivateModule(ctx, ModuleQueue)
}

// Alerts lists open alerts.
func (d *OperatorDesk) Alerts() []notify.Alert {
	return d.alerts.Pending()
}

// Lifecycle exposes the module controller for introspection.
func (d *OperatorDesk) Lifecycle() *lifecycle.Controller {
	return d.lifecycle
}

// ListenerStats reports the open ticket's listener state.
func (d *OperatorDesk) ListenerStats() listener.Stats {
	return d.watch.Stats()
}

// View returns the current workspace.
func (d *OperatorDesk) View() OperatorView {
	elapsed, handedOff := d.watch.HandoffElapsed()
	module := d.lifecycle.Active()

	d.mu.Lock()
	view := OperatorView{
		Module:   module,
		Messages: append([]domain.Message{}, d.messages...),
		Queue:    append([]domain.Ticket{}, d.pending...),
		Error:    d.lastErr,
	}
	if d.ticket != nil {
		view.Ticket = d.ticket.Clone()
	}
	if module == ModuleCases {
		view.CaseRequests = append([]domain.CaseRequest{}, d.caseRequests...)
	}
	if module == ModuleHistory {
		view.History = append([]HistoryEntry{}, d.history...)
	}
	d.mu.Unlock()

	view.Transitions = []domain.TicketStatus{}
	if view.Ticket != nil {
		for _, to := range statemachine.AvailableTransitions(view.Ticket.Status, d.actor.Role) {
			if !statemachine.IsClaimEdge(view.Ticket.Status, to) {
				view.Transitions = append(view.Transitions, to)
			}
		}
	}
	if handedOff {
		view.HandoffSeconds = elapsed.Seconds()
	}
	view.Alerts = d.alerts.Pending()
	return view
}

// Close tears down every module, the queue watcher and the ticket listener.
func (d *OperatorDesk) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.lifecycle.DisposeAll()
	d.watch.StopWatch()
}

func (d *OperatorDesk) subscribeQueue() {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	unsub := d.store.SubscribeQueue(d.filter, d.onQueue, d.onQueueError)
	d.lifecycle.Track(ownerQueueWatcher, unsub)
}

// onQueue announces tickets that were not pending on the previous delivery.
func (d *OperatorDesk) onQueue(pending []domain.Ticket) {
	d.mu.Lock()
	d.queueBackoff = d.policy.New()
	d.pending = append([]domain.Ticket(nil), pending...)
	still := make(map[string]bool, len(pending))
	var fresh []domain.Ticket
	for _, t := range pending {
		still[t.ID] = true
		if !d.seen[t.ID] {
			fresh = append(fresh, t)
		}
	}
	d.seen = still
	d.mu.Unlock()

	d.alerts.Forget(still)
	for _, t := range fresh {
		_ = d.local.Publish(context.Background(), events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventTicketQueued,
			TicketID:  t.ID,
			Actor:     domain.Actor{UID: "queue-watcher", Role: domain.RoleSystem},
			Timestamp: d.store.ServerTime(),
			Payload:   events.TicketQueuedPayload{Ticket: t},
		})
	}
}

func (d *OperatorDesk) onQueueError(err error) {
	d.mu.Lock()
	delay, stop := d.queueBackoff.Next()
	if stop {
		d.lastErr = "queue feed lost"
	}
	d.mu.Unlock()

	if stop {
		d.metrics.Inc(observability.CounterListenerFailures)
		d.logger.Error("queue watcher gave up", zap.Error(err))
		return
	}
	d.logger.Warn("queue watcher failed, resubscribing", zap.Duration("delay", delay), zap.Error(err))
	d.lifecycle.Track(ownerQueueWatcher, d.scheduler.Schedule(delay, func() {
		d.metrics.Inc(observability.CounterReconnects)
		d.subscribeQueue()
	}))
}

func (d *OperatorDesk) onQueuedTicket(_ context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TicketQueuedPayload)
	if !ok {
		return nil
	}
	d.alerts.OnIncomingTicket(payload.Ticket)
	return nil
}

func (d *OperatorDesk) onCaseRequest(ctx context.Context, _ events.Event) error {
	reqs, err := d.tickets.ListCaseRequests(ctx, d.actor, caseRequestsLimit)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.caseRequests = reqs
	d.mu.Unlock()
	return nil
}

func (d *OperatorDesk) onStatusChanged(_ context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TicketStatusChangedPayload)
	if !ok {
		return nil
	}
	entry := HistoryEntry{
		TicketID: event.TicketID,
		From:     payload.OldStatus,
		To:       payload.NewStatus,
		Actor:    event.Actor.UID,
		At:       event.Timestamp,
	}
	d.mu.Lock()
	d.history = append([]HistoryEntry{entry}, d.history...)
	if len(d.history) > historyLimit {
		d.history = d.history[:historyLimit]
	}
	d.mu.Unlock()
	return nil
}

// OnStatus implements listener.Consumer.
func (d *OperatorDesk) OnStatus(ticket domain.Ticket) {
	d.mu.Lock()
	if d.ticket == nil || d.ticket.ID != ticket.ID {
		d.mu.Unlock()
		return
	}
	d.ticket = ticket.Clone()
	lost := !ticket.Status.Terminal() && !ticket.HeldBy(d.actor.UID) && !d.actor.CanOverride()
	if lost {
		d.lastErr = "ticket is no longer assigned to you"
	}
	d.mu.Unlock()

	if lost {
		d.logger.Info("ticket left the desk", zap.String("ticket_id", ticket.ID), zap.String("status", string(ticket.Status)))
		d.watch.StopWatch()
	}
}

// OnMessages implements listener.Consumer.
func (d *OperatorDesk) OnMessages(msgs []domain.Message) {
	d.mu.Lock()
	d.messages = msgs
	d.mu.Unlock()
}

// OnHandoff implements listener.Consumer.
func (d *OperatorDesk) OnHandoff(ticket domain.Ticket) {
	d.logger.Debug("conversation in progress", zap.String("ticket_id", ticket.ID))
}

// OnCompleted implements listener.Consumer.
func (d *OperatorDesk) OnCompleted(snapshot listener.Snapshot) {
	d.mu.Lock()
	if d.ticket != nil && d.ticket.ID == snapshot.TicketID() {
		d.messages = snapshot.Messages()
	}
	d.mu.Unlock()
}

// OnCancelled implements listener.Consumer.
func (d *OperatorDesk) OnCancelled(ticket domain.Ticket) {
	d.logger.Info("ticket cancelled", zap.String("ticket_id", ticket.ID))
}

// OnConnectivityLost implements listener.Consumer.
func (d *OperatorDesk) OnConnectivityLost(err error) {
	d.mu.Lock()
	d.lastErr = err.Error()
	d.mu.Unlock()
}
