package desk

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/identity"
	"github.com/spec-kit/live-desk/internal/listener"
	"github.com/spec-kit/live-desk/internal/notify"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/queue"
	"github.com/spec-kit/live-desk/internal/service"
	"github.com/spec-kit/live-desk/internal/session"
	"github.com/spec-kit/live-desk/internal/store"
)

// HubDependencies wires the shared services every desk uses.
type HubDependencies struct {
	Store          store.Store
	Tickets        *service.TicketService
	Queue          *queue.Coordinator
	Sessions       *session.Manager
	Tokens         *auth.TokenManager
	Bus            events.Dispatcher
	Clock          clockwork.Clock
	Scheduler      listener.Scheduler
	Backoff        listener.BackoffPolicy
	AllowedModules []string
	Presenter      func(uid string) Presenter
	AlertSink      func(operatorUID string) notify.Sink
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// Hub keeps one desk per connected client and operator.
type Hub struct {
	deps   HubDependencies
	logger *zap.Logger

	mu        sync.Mutex
	clients   map[string]*ClientDesk
	operators map[string]*OperatorDesk
}

// NewHub creates an empty hub.
func NewHub(deps HubDependencies) *Hub {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	return &Hub{
		deps:      deps,
		logger:    observability.Named(deps.Logger, "hub"),
		clients:   make(map[string]*ClientDesk),
		operators: make(map[string]*OperatorDesk),
	}
}

// Client returns the desk of the anonymous identity, creating it on first use.
func (h *Hub) Client(id identity.Identity) *ClientDesk {
	h.mu.Lock()
	if d, ok := h.clients[id.Actor.UID]; ok {
		h.mu.Unlock()
		d.identity.Adopt(id)
		return d
	}
	defer h.mu.Unlock()

	provider := identity.NewProvider(h.deps.Tokens, h.deps.Logger)
	provider.Adopt(id)
	var presenter Presenter
	if h.deps.Presenter != nil {
		presenter = h.deps.Presenter(id.Actor.UID)
	}
	d := NewClientDesk(ClientOptions{
		Identity:  provider,
		Tickets:   h.deps.Tickets,
		Store:     h.deps.Store,
		Sessions:  h.deps.Sessions,
		Presenter: presenter,
		Clock:     h.deps.Clock,
		Scheduler: h.deps.Scheduler,
		Backoff:   h.deps.Backoff,
		Logger:    h.deps.Logger,
		Metrics:   h.deps.Metrics,
	})
	h.clients[id.Actor.UID] = d
	h.logger.Debug("client desk opened", zap.String("uid", id.Actor.UID))
	return d
}

// Operator returns the operator's desk, creating it on the queue module.
func (h *Hub) Operator(ctx context.Context, actor domain.Actor, sector string) (*OperatorDesk, error) {
	h.mu.Lock()
	if d, ok := h.operators[actor.UID]; ok {
		h.mu.Unlock()
		return d, nil
	}
	var sink notify.Sink
	if h.deps.AlertSink != nil {
		sink = h.deps.AlertSink(actor.UID)
	}
	d := NewOperatorDesk(OperatorOptions{
		Actor:          actor,
		Sector:         sector,
		Store:          h.deps.Store,
		Queue:          h.deps.Queue,
		Tickets:        h.deps.Tickets,
		Bus:            h.deps.Bus,
		AlertSink:      sink,
		AllowedModules: h.deps.AllowedModules,
		Clock:          h.deps.Clock,
		Scheduler:      h.deps.Scheduler,
		Backoff:        h.deps.Backoff,
		Logger:         h.deps.Logger,
		Metrics:        h.deps.Metrics,
	})
	h.operators[actor.UID] = d
	h.mu.Unlock()

	if err := d.ActivateModule(ctx, ModuleQueue); err != nil {
		h.logger.Warn("queue module failed to start", zap.String("operator", actor.UID), zap.Error(err))
	}
	h.logger.Debug("operator desk opened", zap.String("operator", actor.UID))
	return d, nil
}

// CloseClient disposes a client desk.
func (h *Hub) CloseClient(uid string) bool {
	h.mu.Lock()
	d, ok := h.clients[uid]
	delete(h.clients, uid)
	h.mu.Unlock()
	if ok {
		d.Close()
	}
	return ok
}

// CloseOperator disposes an operator desk.
func (h *Hub) CloseOperator(uid string) bool {
	h.mu.Lock()
	d, ok := h.operators[uid]
	delete(h.operators, uid)
	h.mu.Unlock()
	if ok {
		d.Close()
	}
	return ok
}

// Close disposes every desk.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	operators := h.operators
	h.clients = make(map[string]*ClientDesk)
	h.operators = make(map[string]*OperatorDesk)
	h.mu.Unlock()

	for _, d := range clients {
		d.Close()
	}
	for _, d := range operators {
		d.Close()
	}
}

// OperatorIntrospection describes one operator desk.
type OperatorIntrospection struct {
	UID            string         `json:"uid"`
	ActiveModule   string         `json:"active_module"`
	ReservedModule string         `json:"reserved_module"`
	ActiveTicketID string         `json:"active_ticket_id,omitempty"`
	Registrations  map[string]int `json:"registrations"`
	Listener       listener.Stats `json:"listener"`
	PendingAlerts  int            `json:"pending_alerts"`
}

// ClientIntrospection describes one client desk.
type ClientIntrospection struct {
	UID      string                `json:"uid"`
	Screen   Screen                `json:"screen"`
	TicketID string                `json:"ticket_id,omitempty"`
	Listener listener.Stats        `json:"listener"`
	Session  *domain.ClientSession `json:"session,omitempty"`
}

// Introspection is the debug view of every live desk.
type Introspection struct {
	Operators []OperatorIntrospection       `json:"operators"`
	Clients   []ClientIntrospection         `json:"clients"`
	Metrics   observability.MetricsSnapshot `json:"metrics"`
}

// Introspect reports listener and registration state for every desk.
func (h *Hub) Introspect(ctx context.Context) Introspection {
	h.mu.Lock()
	clients := make(map[string]*ClientDesk, len(h.clients))
	for uid, d := range h.clients {
		clients[uid] = d
	}
	operators := make([]*OperatorDesk, 0, len(h.operators))
	for _, d := range h.operators {
		operators = append(operators, d)
	}
	h.mu.Unlock()

	out := Introspection{
		Operators: make([]OperatorIntrospection, 0, len(operators)),
		Clients:   make([]ClientIntrospection, 0, len(clients)),
		Metrics:   h.deps.Metrics.Snapshot(),
	}
	for _, d := range operators {
		reg := d.Lifecycle().Registry()
		counts := make(map[string]int)
		for _, owner := range reg.Owners() {
			counts[owner] = reg.Count(owner)
		}
		out.Operators = append(out.Operators, OperatorIntrospection{
			UID:            d.Actor().UID,
			ActiveModule:   d.Lifecycle().Active(),
			ReservedModule: d.Lifecycle().Reserved(),
			ActiveTicketID: d.ActiveTicketID(),
			Registrations:  counts,
			Listener:       d.ListenerStats(),
			PendingAlerts:  len(d.Alerts()),
		})
	}
	for uid, d := range clients {
		screen := d.Screen()
		entry := ClientIntrospection{
			UID:      uid,
			Screen:   screen.Screen,
			TicketID: screen.TicketID,
			Listener: d.ListenerStats(),
		}
		if s, ok := d.Session(ctx); ok {
			entry.Session = &s
		}
		out.Clients = append(out.Clients, entry)
	}
	sort.Slice(out.Operators, func(i, j int) bool { return out.Operators[i].UID < out.Operators[j].UID })
	sort.Slice(out.Clients, func(i, j int) bool { return out.Clients[i].UID < out.Clients[j].UID })
	return out
}
