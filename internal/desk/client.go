package desk

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/identity"
	"github.com/spec-kit/live-desk/internal/listener"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/service"
	"github.com/spec-kit/live-desk/internal/session"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// ClientOptions bundles what a client desk needs.
type ClientOptions struct {
	Identity  *identity.Provider
	Tickets   *service.TicketService
	Store     store.Store
	Sessions  *session.Manager
	Presenter Presenter
	Clock     clockwork.Clock
	Scheduler listener.Scheduler
	Backoff   listener.BackoffPolicy
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// ClientDesk is one anonymous client's view of its ticket. It owns its
// listener manager and session handle.
type ClientDesk struct {
	identity  *identity.Provider
	tickets   *service.TicketService
	store     store.Store
	sessions  *session.Manager
	presenter Presenter
	watch     *listener.Manager
	logger    *zap.Logger

	unsubIdentity func()

	mu         sync.Mutex
	uid        string
	ticketID   string
	sector     string
	state      ScreenState
	queueUnsub store.Unsubscribe
	closed     bool
}

var _ listener.Consumer = (*ClientDesk)(nil)

// NewClientDesk creates a desk showing the entry screen.
func NewClientDesk(opts ClientOptions) *ClientDesk {
	d := &ClientDesk{
		identity:  opts.Identity,
		tickets:   opts.Tickets,
		store:     opts.Store,
		sessions:  opts.Sessions,
		presenter: opts.Presenter,
		logger:    observability.Named(opts.Logger, "client_desk"),
		state:     entryState(),
	}
	if id, ok := opts.Identity.Current(); ok {
		d.uid = id.Actor.UID
	}
	d.watch = listener.NewManager(listener.Options{
		Store:     opts.Store,
		Consumer:  d,
		Scheduler: opts.Scheduler,
		Clock:     opts.Clock,
		Backoff:   opts.Backoff,
		Cleanup:   d.cleanup,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	d.unsubIdentity = opts.Identity.OnIdentityChange(d.onIdentityChange)
	return d
}

func entryState() ScreenState {
	return ScreenState{Screen: ScreenEntry, Messages: []domain.Message{}}
}

func (d *ClientDesk) actor() (domain.Actor, error) {
	id, ok := d.identity.Current()
	if !ok {
		return domain.Actor{}, apperrors.NewUnauthorized("no anonymous identity")
	}
	return id.Actor, nil
}

// Submit opens a ticket and starts following it.
func (d *ClientDesk) Submit(ctx context.Context, input service.TicketCreateInput) (*domain.Ticket, error) {
	actor, err := d.actor()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.ticketID != "" && !d.state.Status.Terminal() {
		open := d.ticketID
		d.mu.Unlock()
		return nil, apperrors.NewConflict("a ticket is already open", map[string]any{"ticket_id": open})
	}
	d.mu.Unlock()

	ticket, err := d.tickets.CreateTicket(ctx, actor, input)
	if err != nil {
		return nil, err
	}
	d.saveSession(ctx, actor.UID, ticket.ID, ticket.Status)
	d.follow(actor.UID, ticket)
	return ticket, nil
}

// Restore resumes the conversation recorded in the saved session. A
// missing session or ticket leads to the entry screen; a finished ticket
// renders its snapshot without live listeners.
func (d *ClientDesk) Restore(ctx context.Context) (ScreenState, error) {
	current, err := d.actor()
	if err != nil {
		d.reset()
		return d.Screen(), nil
	}
	sess, ok := d.sessions.Load(ctx, current.UID)
	if !ok {
		d.reset()
		return d.Screen(), nil
	}

	id, err := d.identity.Restore(ctx, sess.AnonymousUID, current.Name)
	if err != nil {
		return d.Screen(), err
	}
	ticket, err := d.tickets.GetTicket(ctx, sess.TicketID, id.Actor)
	if err != nil {
		if apperrors.IsNotFound(err) {
			d.logger.Info("saved ticket vanished", zap.String("ticket_id", sess.TicketID))
			_ = d.sessions.Clear(ctx, current.UID)
			d.reset()
			return d.Screen(), nil
		}
		return d.Screen(), err
	}

	if ticket.Status.Terminal() {
		msgs, err := d.tickets.ListMessages(ctx, ticket.ID, id.Actor)
		if err != nil {
			return d.Screen(), err
		}
		_ = d.sessions.Clear(ctx, current.UID)
		d.showTerminal(id.Actor.UID, ticket, listener.NewSnapshot(*ticket, msgs, d.store.ServerTime()))
		return d.Screen(), nil
	}

	d.saveSession(ctx, id.Actor.UID, ticket.ID, ticket.Status)
	d.follow(id.Actor.UID, ticket)
	return d.Screen(), nil
}

// Cancel abandons the open ticket.
func (d *ClientDesk) Cancel(ctx context.Context) (*domain.Ticket, error) {
	actor, err := d.actor()
	if err != nil {
		return nil, err
	}
	ticketID, err := d.openTicket()
	if err != nil {
		return nil, err
	}
	ticket, err := d.tickets.Transition(ctx, ticketID, actor, domain.TicketStatusCancelled, "")
	if err != nil {
		return nil, err
	}
	_ = d.sessions.Clear(ctx, actor.UID)
	return ticket, nil
}

// Rate rates the finished ticket.
func (d *ClientDesk) Rate(ctx context.Context, rating int) (*domain.Ticket, error) {
	actor, err := d.actor()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	ticketID := d.ticketID
	d.mu.Unlock()
	if ticketID == "" {
		return nil, apperrors.NewValidationError("no ticket to rate", nil)
	}

	ticket, err := d.tickets.Rate(ctx, ticketID, actor, rating)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.ticketID == ticketID {
		d.state.Rating = ticket.Termination.Rating
		d.state.CanRate = false
	}
	d.mu.Unlock()
	d.render()
	return ticket, nil
}

// SendMessage posts a chat line on the open ticket.
func (d *ClientDesk) SendMessage(ctx context.Context, body string) (*domain.Message, error) {
	actor, err := d.actor()
	if err != nil {
		return nil, err
	}
	ticketID, err := d.openTicket()
	if err != nil {
		return nil, err
	}
	return d.tickets.AddMessage(ctx, ticketID, actor, body)
}

// Screen returns a copy of the current screen.
func (d *ClientDesk) Screen() ScreenState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.state
	out.Messages = append([]domain.Message{}, d.state.Messages...)
	return out
}

// ListenerStats reports the listener manager state.
func (d *ClientDesk) ListenerStats() listener.Stats {
	return d.watch.Stats()
}

// Session returns the saved session, if one is valid.
func (d *ClientDesk) Session(ctx context.Context) (domain.ClientSession, bool) {
	d.mu.Lock()
	uid := d.uid
	d.mu.Unlock()
	if uid == "" {
		return domain.ClientSession{}, false
	}
	return d.sessions.Load(ctx, uid)
}

// Close releases every subscription. The saved session is kept so a later
// desk can restore it.
func (d *ClientDesk) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.unsubIdentity()
	d.watch.StopWatch()
	d.stopQueueWatch()
}

func (d *ClientDesk) openTicket() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticketID == "" || d.state.Status.Terminal() {
		return "", apperrors.NewValidationError("no open ticket", nil)
	}
	return d.ticketID, nil
}

func (d *ClientDesk) follow(uid string, ticket *domain.Ticket) {
	if st := d.watch.Stats(); st.Active && st.TicketID == ticket.ID {
		d.mu.Lock()
		d.uid = uid
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.uid = uid
	d.ticketID = ticket.ID
	d.sector = ticket.Sector
	d.state = ScreenState{
		Screen:   ScreenForStatus(ticket.Status),
		TicketID: ticket.ID,
		Status:   ticket.Status,
		Operator: ticket.AssignedOperator,
		Messages: []domain.Message{},
		Live:     true,
	}
	d.mu.Unlock()

	d.watch.StartWatch(ticket.ID)
}

func (d *ClientDesk) showTerminal(uid string, ticket *domain.Ticket, snapshot listener.Snapshot) {
	d.watch.StopWatch()
	d.stopQueueWatch()
	d.mu.Lock()
	d.uid = uid
	d.ticketID = ticket.ID
	d.sector = ticket.Sector
	d.state = ScreenState{
		Screen:   ScreenTerminal,
		TicketID: ticket.ID,
		Status:   ticket.Status,
		Operator: ticket.AssignedOperator,
		Messages: snapshot.Messages(),
		Snapshot: viewOf(snapshot),
		CanRate:  ticket.Status == domain.TicketStatusCompleted && ticket.Termination.Rating == nil,
		Rating:   ticket.Termination.Rating,
	}
	d.mu.Unlock()
	d.render()
}

func (d *ClientDesk) reset() {
	d.watch.StopWatch()
	d.stopQueueWatch()
	d.mu.Lock()
	d.ticketID = ""
	d.sector = ""
	d.state = entryState()
	d.mu.Unlock()
	d.render()
}

func (d *ClientDesk) saveSession(ctx context.Context, uid, ticketID string, status domain.TicketStatus) {
	_, err := d.sessions.Save(ctx, uid, domain.ClientSession{
		TicketID:        ticketID,
		AnonymousUID:    uid,
		LastKnownStatus: status,
	})
	if err != nil {
		d.logger.Warn("session save failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
}

func (d *ClientDesk) cleanup(ctx context.Context, _ string) error {
	d.stopQueueWatch()
	d.mu.Lock()
	uid := d.uid
	d.mu.Unlock()
	if uid == "" {
		return nil
	}
	return d.sessions.Clear(ctx, uid)
}

func (d *ClientDesk) render() {
	if d.presenter == nil {
		return
	}
	d.presenter.Render(d.Screen())
}

// OnStatus implements listener.Consumer.
func (d *ClientDesk) OnStatus(ticket domain.Ticket) {
	d.mu.Lock()
	if ticket.ID != d.ticketID {
		d.mu.Unlock()
		return
	}
	status := ticket.Status
	d.state.Status = status
	d.state.Screen = ScreenForStatus(status)
	d.state.Operator = ticket.AssignedOperator
	d.state.Rating = ticket.Termination.Rating
	d.state.CanRate = status == domain.TicketStatusCompleted && ticket.Termination.Rating == nil
	d.state.Live = !status.Terminal()
	d.state.Error = ""
	if status != domain.TicketStatusQueued {
		d.state.QueuePosition = 0
	}
	uid, sector := d.uid, d.sector
	d.mu.Unlock()

	if !status.Terminal() {
		d.saveSession(context.Background(), uid, ticket.ID, status)
	}
	if status == domain.TicketStatusQueued {
		d.startQueueWatch(sector)
	} else {
		d.stopQueueWatch()
	}
	d.render()
}

// OnMessages implements listener.Consumer.
func (d *ClientDesk) OnMessages(msgs []domain.Message) {
	d.mu.Lock()
	d.state.Messages = msgs
	d.mu.Unlock()
	d.render()
}

// OnHandoff implements listener.Consumer.
func (d *ClientDesk) OnHandoff(ticket domain.Ticket) {
	fields := []zap.Field{zap.String("ticket_id", ticket.ID)}
	if ticket.AssignedOperator != nil {
		fields = append(fields, zap.String("operator", ticket.AssignedOperator.UID))
	}
	d.logger.Info("conversation handed off", fields...)
}

// OnCompleted implements listener.Consumer.
func (d *ClientDesk) OnCompleted(snapshot listener.Snapshot) {
	d.mu.Lock()
	if snapshot.TicketID() == d.ticketID {
		d.state.Snapshot = viewOf(snapshot)
		d.state.Messages = snapshot.Messages()
		d.state.Live = false
	}
	d.mu.Unlock()
	d.render()
}

// OnCancelled implements listener.Consumer.
func (d *ClientDesk) OnCancelled(ticket domain.Ticket) {
	d.logger.Info("ticket cancelled", zap.String("ticket_id", ticket.ID))
}

// OnConnectivityLost implements listener.Consumer.
func (d *ClientDesk) OnConnectivityLost(err error) {
	d.stopQueueWatch()
	d.mu.Lock()
	d.state.Live = false
	d.state.Error = err.Error()
	d.mu.Unlock()
	d.render()
}

func (d *ClientDesk) onIdentityChange(id identity.Identity, signedIn bool) {
	d.mu.Lock()
	bound := d.uid
	d.mu.Unlock()
	if signedIn && (bound == "" || id.Actor.UID == bound) {
		return
	}
	d.logger.Info("identity changed; detaching desk", zap.String("previous", bound))
	d.mu.Lock()
	d.uid = ""
	d.mu.Unlock()
	d.reset()
}

func (d *ClientDesk) startQueueWatch(sector string) {
	d.mu.Lock()
	if d.queueUnsub != nil || d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	unsub := d.store.SubscribeQueue(store.QueueFilter{Sector: sector}, d.onQueue, d.onQueueError)

	d.mu.Lock()
	if d.queueUnsub != nil || d.closed || d.state.Status != domain.TicketStatusQueued {
		d.mu.Unlock()
		unsub()
		return
	}
	d.queueUnsub = unsub
	d.mu.Unlock()
}

func (d *ClientDesk) stopQueueWatch() {
	d.mu.Lock()
	unsub := d.queueUnsub
	d.queueUnsub = nil
	d.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (d *ClientDesk) onQueue(pending []domain.Ticket) {
	d.mu.Lock()
	if d.state.Status != domain.TicketStatusQueued {
		d.mu.Unlock()
		return
	}
	position := 0
	for i, t := range pending {
		if t.ID == d.ticketID {
			position = i + 1
			break
		}
	}
	changed := position != d.state.QueuePosition
	d.state.QueuePosition = position
	d.mu.Unlock()
	if changed {
		d.render()
	}
}

func (d *ClientDesk) onQueueError(err error) {
	d.logger.Warn("queue position feed lost", zap.Error(err))
	d.stopQueueWatch()
}
