package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/live-desk/internal/domain"
)

type ticketWatcher struct {
	id       int64
	ticketID string
	onChange func(domain.Ticket)
	onError  func(error)
}

type messageWatcher struct {
	id       int64
	ticketID string
	onChange func([]domain.Message)
	onError  func(error)
}

type queueWatcher struct {
	id       int64
	filter   QueueFilter
	onChange func([]domain.Ticket)
	onError  func(error)
}

// Memory is an in-process Store. Transactions are optimistic: the
// document version read inside the transaction must still be current at
// commit, otherwise the transaction function is re-run.
type Memory struct {
	clock clockwork.Clock

	mu       sync.Mutex
	tickets  map[string]*domain.Ticket
	messages map[string][]domain.Message
	logs     map[string][]domain.StateLogEntry
	requests map[string]*domain.CaseRequest
	msgSeq   int64

	nextWatcher     int64
	ticketWatchers  map[int64]ticketWatcher
	messageWatchers map[int64]messageWatcher
	queueWatchers   map[int64]queueWatcher
	subscribeErr    error

	// beforeCommit runs between a transaction function and its commit.
	beforeCommit func(ticketID string)
}

// NewMemory creates an empty in-memory store.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:           clock,
		tickets:         make(map[string]*domain.Ticket),
		messages:        make(map[string][]domain.Message),
		logs:            make(map[string][]domain.StateLogEntry),
		requests:        make(map[string]*domain.CaseRequest),
		ticketWatchers:  make(map[int64]ticketWatcher),
		messageWatchers: make(map[int64]messageWatcher),
		queueWatchers:   make(map[int64]queueWatcher),
	}
}

func (m *Memory) ServerTime() time.Time {
	return m.clock.Now().UTC()
}

func (m *Memory) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	if err := CheckWritable(ticket); err != nil {
		return err
	}
	m.mu.Lock()
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if _, exists := m.tickets[ticket.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("store: ticket %s already exists", ticket.ID)
	}
	ticket.Version = 1
	m.tickets[ticket.ID] = ticket.Clone()
	m.mu.Unlock()

	m.notifyTicket(ticket.ID)
	m.notifyQueue()
	return nil
}

func (m *Memory) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) OldestPending(ctx context.Context, filter QueueFilter) (*domain.Ticket, error) {
	pending, err := m.ListPending(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, ErrNotFound
	}
	return &pending[0], nil
}

func (m *Memory) ListPending(ctx context.Context, filter QueueFilter) ([]domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked(filter), nil
}

func (m *Memory) pendingLocked(filter QueueFilter) []domain.Ticket {
	out := make([]domain.Ticket, 0)
	for _, t := range m.tickets {
		if t.Status == domain.TicketStatusQueued && filter.Matches(t) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type memoryTx struct {
	store       *Memory
	ticketID    string
	readVersion int64
	read        bool
	updated     *domain.Ticket
	logs        []domain.StateLogEntry
}

func (tx *memoryTx) Get(ctx context.Context) (*domain.Ticket, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	t, ok := tx.store.tickets[tx.ticketID]
	if !ok {
		return nil, ErrNotFound
	}
	tx.read = true
	tx.readVersion = t.Version
	return t.Clone(), nil
}

func (tx *memoryTx) Update(ticket *domain.Ticket) {
	tx.updated = ticket.Clone()
}

func (tx *memoryTx) AppendStateLog(entry domain.StateLogEntry) {
	tx.logs = append(tx.logs, entry)
}

func (m *Memory) RunTransaction(ctx context.Context, ticketID string, fn TxFunc) error {
	for attempt := 0; attempt < MaxTransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memoryTx{store: m, ticketID: ticketID}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if tx.updated == nil && len(tx.logs) == 0 {
			return nil
		}
		if tx.updated != nil {
			if err := CheckWritable(tx.updated); err != nil {
				return err
			}
		}
		m.mu.Lock()
		hook := m.beforeCommit
		m.mu.Unlock()
		if hook != nil {
			hook(ticketID)
		}

		m.mu.Lock()
		current, ok := m.tickets[ticketID]
		if !ok {
			m.mu.Unlock()
			return ErrNotFound
		}
		if !tx.read || current.Version != tx.readVersion {
			m.mu.Unlock()
			continue
		}
		if tx.updated != nil {
			next := tx.updated.Clone()
			next.ID = ticketID
			next.Version = current.Version + 1
			m.tickets[ticketID] = next
		}
		m.logs[ticketID] = append(m.logs[ticketID], tx.logs...)
		m.mu.Unlock()

		m.notifyTicket(ticketID)
		m.notifyQueue()
		return nil
	}
	return ErrContention
}

func (m *Memory) AppendTimeline(ctx context.Context, ticketID string, event domain.TimelineEvent) error {
	m.mu.Lock()
	t, ok := m.tickets[ticketID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if t.Status.Terminal() {
		m.mu.Unlock()
		return ErrTerminal
	}
	next := t.Clone()
	next.AppendTimeline(event)
	next.Version++
	m.tickets[ticketID] = next
	m.mu.Unlock()

	m.notifyTicket(ticketID)
	return nil
}

func (m *Memory) AddMessage(ctx context.Context, msg *domain.Message) error {
	m.mu.Lock()
	if _, ok := m.tickets[msg.TicketID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	m.msgSeq++
	msg.Seq = m.msgSeq
	msg.CreatedAt = m.ServerTime()
	existing := m.messages[msg.TicketID]
	if n := len(existing); n > 0 && msg.CreatedAt.Before(existing[n-1].CreatedAt) {
		msg.CreatedAt = existing[n-1].CreatedAt
	}
	m.messages[msg.TicketID] = append(existing, *msg)
	m.mu.Unlock()

	m.notifyMessages(msg.TicketID)
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.Message(nil), m.messages[ticketID]...)
	domain.SortMessages(out)
	return out, nil
}

func (m *Memory) ListStateLogs(ctx context.Context, ticketID string) ([]domain.StateLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StateLogEntry(nil), m.logs[ticketID]...), nil
}

func (m *Memory) CreateCaseRequest(ctx context.Context, req *domain.CaseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = m.ServerTime()
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

// ListCaseRequests returns the most recent case requests first.
func (m *Memory) ListCaseRequests(ctx context.Context, limit int) ([]domain.CaseRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	out := make([]domain.CaseRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, *r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SubscribeTicket(ticketID string, onChange func(domain.Ticket), onError func(error)) Unsubscribe {
	m.mu.Lock()
	if err := m.subscribeErr; err != nil {
		m.mu.Unlock()
		onError(err)
		return func() {}
	}
	m.nextWatcher++
	w := ticketWatcher{id: m.nextWatcher, ticketID: ticketID, onChange: onChange, onError: onError}
	m.ticketWatchers[w.id] = w
	current, ok := m.tickets[ticketID]
	var initial *domain.Ticket
	if ok {
		initial = current.Clone()
	}
	m.mu.Unlock()

	if initial != nil {
		onChange(*initial)
	}
	return m.unsubscriber(func() { delete(m.ticketWatchers, w.id) })
}

func (m *Memory) SubscribeMessages(ticketID string, onChange func([]domain.Message), onError func(error)) Unsubscribe {
	m.mu.Lock()
	if err := m.subscribeErr; err != nil {
		m.mu.Unlock()
		onError(err)
		return func() {}
	}
	m.nextWatcher++
	w := messageWatcher{id: m.nextWatcher, ticketID: ticketID, onChange: onChange, onError: onError}
	m.messageWatchers[w.id] = w
	initial := append([]domain.Message(nil), m.messages[ticketID]...)
	m.mu.Unlock()

	domain.SortMessages(initial)
	onChange(initial)
	return m.unsubscriber(func() { delete(m.messageWatchers, w.id) })
}

func (m *Memory) SubscribeQueue(filter QueueFilter, onChange func([]domain.Ticket), onError func(error)) Unsubscribe {
	m.mu.Lock()
	if err := m.subscribeErr; err != nil {
		m.mu.Unlock()
		onError(err)
		return func() {}
	}
	m.nextWatcher++
	w := queueWatcher{id: m.nextWatcher, filter: filter, onChange: onChange, onError: onError}
	m.queueWatchers[w.id] = w
	initial := m.pendingLocked(filter)
	m.mu.Unlock()

	onChange(initial)
	return m.unsubscriber(func() { delete(m.queueWatchers, w.id) })
}

func (m *Memory) unsubscriber(remove func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			remove()
			m.mu.Unlock()
		})
	}
}

func (m *Memory) notifyTicket(ticketID string) {
	m.mu.Lock()
	t, ok := m.tickets[ticketID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *t.Clone()
	var targets []ticketWatcher
	for _, w := range m.ticketWatchers {
		if w.ticketID == ticketID {
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()

	for _, w := range targets {
		if m.watching(w.id) {
			w.onChange(*snapshot.Clone())
		}
	}
}

func (m *Memory) notifyMessages(ticketID string) {
	m.mu.Lock()
	msgs := append([]domain.Message(nil), m.messages[ticketID]...)
	var targets []messageWatcher
	for _, w := range m.messageWatchers {
		if w.ticketID == ticketID {
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()

	domain.SortMessages(msgs)
	for _, w := range targets {
		if m.watching(w.id) {
			w.onChange(append([]domain.Message(nil), msgs...))
		}
	}
}

func (m *Memory) notifyQueue() {
	m.mu.Lock()
	type delivery struct {
		w       queueWatcher
		pending []domain.Ticket
	}
	deliveries := make([]delivery, 0, len(m.queueWatchers))
	for _, w := range m.queueWatchers {
		deliveries = append(deliveries, delivery{w: w, pending: m.pendingLocked(w.filter)})
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		if m.watching(d.w.id) {
			d.w.onChange(d.pending)
		}
	}
}

// watching reports whether a watcher is still registered; a watcher removed
// by an earlier callback in the same fan-out must not be called.
func (m *Memory) watching(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ticketWatchers[id]; ok {
		return true
	}
	if _, ok := m.messageWatchers[id]; ok {
		return true
	}
	_, ok := m.queueWatchers[id]
	return ok
}

// FailSubscriptions simulates a dropped channel: every ticket and message
// watcher on ticketID receives err and is removed.
func (m *Memory) FailSubscriptions(ticketID string, err error) {
	m.mu.Lock()
	var handlers []func(error)
	for id, w := range m.ticketWatchers {
		if w.ticketID == ticketID {
			handlers = append(handlers, w.onError)
			delete(m.ticketWatchers, id)
		}
	}
	for id, w := range m.messageWatchers {
		if w.ticketID == ticketID {
			handlers = append(handlers, w.onError)
			delete(m.messageWatchers, id)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

// SetSubscribeFailure makes new subscriptions fail immediately with err
// until it is called again with nil.
func (m *Memory) SetSubscribeFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// WatcherCount returns the number of live ticket and message watchers for ticketID.
func (m *Memory) WatcherCount(ticketID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.ticketWatchers {
		if w.ticketID == ticketID {
			n++
		}
	}
	for _, w := range m.messageWatchers {
		if w.ticketID == ticketID {
			n++
		}
	}
	return n
}

// OnBeforeCommit installs a hook run between a transaction function and
// its commit attempt. Tests use it to interleave competing writers.
func (m *Memory) OnBeforeCommit(hook func(ticketID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeCommit = hook
}
