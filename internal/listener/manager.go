// Package listener keeps a ticket's real-time subscriptions alive: it
// reconnects with backoff, ignores stale callbacks and tears everything
// down when the ticket reaches a terminal status.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// Consumer receives what the manager observes. Calls are never made while
// the manager holds its lock, so a consumer may call back into it.
type Consumer interface {
	// OnStatus is called once per distinct normalized status.
	OnStatus(ticket domain.Ticket)
	// OnMessages receives the full ordered conversation on every change.
	OnMessages(msgs []domain.Message)
	// OnHandoff is called when the ticket enters IN_PROGRESS.
	OnHandoff(ticket domain.Ticket)
	// OnCompleted receives the read-only conversation snapshot.
	OnCompleted(snapshot Snapshot)
	OnCancelled(ticket domain.Ticket)
	// OnConnectivityLost is called once reconnect attempts are exhausted.
	OnConnectivityLost(err error)
}

// SessionCleanup runs after subscriptions are torn down on a terminal status.
type SessionCleanup func(ctx context.Context, ticketID string) error

// Options bundles manager collaborators.
type Options struct {
	Store     store.Store
	Consumer  Consumer
	Scheduler Scheduler
	Clock     clockwork.Clock
	Backoff   BackoffPolicy
	Cleanup   SessionCleanup
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	TicketID      string              `json:"ticket_id,omitempty"`
	Active        bool                `json:"active"`
	Subscriptions int                 `json:"subscriptions"`
	Retries       int                 `json:"retries"`
	RetryPending  bool                `json:"retry_pending"`
	Generation    uint64              `json:"generation"`
	LastStatus    domain.TicketStatus `json:"last_status,omitempty"`
	Failed        bool                `json:"failed"`
}

// Manager owns the ticket and message subscriptions of one watcher.
type Manager struct {
	store     store.Store
	consumer  Consumer
	scheduler Scheduler
	clock     clockwork.Clock
	policy    BackoffPolicy
	cleanup   SessionCleanup
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu          sync.Mutex
	ticketID    string
	active      bool
	generation  uint64
	epoch       uint64
	unsubTicket store.Unsubscribe
	unsubMsgs   store.Unsubscribe
	cancelRetry func()
	backoff     retry.Backoff
	retries     int
	failed      error
	lastStatus  domain.TicketStatus
	messages    []domain.Message
	handoffAt   *time.Time
}

// NewManager creates an idle manager.
func NewManager(opts Options) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = ClockScheduler{Clock: clock}
	}
	policy := opts.Backoff
	if policy.Base <= 0 || policy.MaxAttempts <= 0 {
		policy = DefaultBackoff
	}
	return &Manager{
		store:     opts.Store,
		consumer:  opts.Consumer,
		scheduler: scheduler,
		clock:     clock,
		policy:    policy,
		cleanup:   opts.Cleanup,
		logger:    observability.Named(opts.Logger, "listener"),
		metrics:   opts.Metrics,
	}
}

// StartWatch subscribes to ticketID, replacing any previous watch. Watching
// the ticket already being watched is a no-op.
func (m *Manager) StartWatch(ticketID string) {
	m.mu.Lock()
	if m.active && m.ticketID == ticketID {
		m.mu.Unlock()
		return
	}
	release := m.detachLocked()
	m.generation++
	gen := m.generation
	m.ticketID = ticketID
	m.active = true
	m.backoff = m.policy.New()
	m.retries = 0
	m.failed = nil
	m.lastStatus = ""
	m.messages = nil
	m.handoffAt = nil
	m.mu.Unlock()

	release()
	m.logger.Debug("watch started", zap.String("ticket_id", ticketID), zap.Uint64("generation", gen))
	m.subscribe(gen)
}

// StopWatch tears down both subscriptions and any pending reconnect.
// Calling it again is a no-op.
func (m *Manager) StopWatch() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.generation++
	release := m.detachLocked()
	ticketID := m.ticketID
	m.mu.Unlock()

	release()
	m.logger.Debug("watch stopped", zap.String("ticket_id", ticketID))
}

// Stats reports the current state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := 0
	if m.unsubTicket != nil {
		subs++
	}
	if m.unsubMsgs != nil {
		subs++
	}
	return Stats{
		TicketID:      m.ticketID,
		Active:        m.active,
		Subscriptions: subs,
		Retries:       m.retries,
		RetryPending:  m.cancelRetry != nil,
		Generation:    m.generation,
		LastStatus:    m.lastStatus,
		Failed:        m.failed != nil,
	}
}

// HandoffElapsed reports how long the ticket has been IN_PROGRESS.
func (m *Manager) HandoffElapsed() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handoffAt == nil {
		return 0, false
	}
	return m.clock.Since(*m.handoffAt), true
}

// Err returns the terminal connectivity error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// detachLocked clears subscriptions and pending retries and bumps the
// subscription epoch. The returned func performs the unsubscribes and must
// be called without the lock.
func (m *Manager) detachLocked() func() {
	unsubT, unsubM, cancel := m.unsubTicket, m.unsubMsgs, m.cancelRetry
	m.unsubTicket, m.unsubMsgs, m.cancelRetry = nil, nil, nil
	m.epoch++
	return func() {
		if cancel != nil {
			cancel()
		}
		if unsubT != nil {
			unsubT()
		}
		if unsubM != nil {
			unsubM()
		}
	}
}

func (m *Manager) current(gen, epoch uint64) bool {
	return m.active && m.generation == gen && m.epoch == epoch
}

func (m *Manager) subscribe(gen uint64) {
	m.mu.Lock()
	if !m.active || m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	ticketID := m.ticketID
	m.mu.Unlock()

	unsubT := m.store.SubscribeTicket(ticketID,
		func(t domain.Ticket) { m.onTicket(gen, epoch, t) },
		func(err error) { m.onError(gen, epoch, err) })

	m.mu.Lock()
	if !m.current(gen, epoch) {
		m.mu.Unlock()
		unsubT()
		return
	}
	m.unsubTicket = unsubT
	m.mu.Unlock()

	unsubM := m.store.SubscribeMessages(ticketID,
		func(msgs []domain.Message) { m.onMessages(gen, epoch, msgs) },
		func(err error) { m.onError(gen, epoch, err) })

	m.mu.Lock()
	if !m.current(gen, epoch) {
		m.mu.Unlock()
		unsubM()
		return
	}
	m.unsubMsgs = unsubM
	m.mu.Unlock()
}

// resetBackoffLocked marks a successful delivery.
func (m *Manager) resetBackoffLocked() {
	if m.retries > 0 {
		m.backoff = m.policy.New()
		m.retries = 0
	}
}

func (m *Manager) onTicket(gen, epoch uint64, t domain.Ticket) {
	m.mu.Lock()
	if !m.current(gen, epoch) {
		m.mu.Unlock()
		return
	}
	m.resetBackoffLocked()
	status, ok := domain.NormalizeStatus(string(t.Status))
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("unknown ticket status", zap.String("ticket_id", t.ID), zap.String("status", string(t.Status)))
		return
	}
	t.Status = status
	if status == m.lastStatus {
		m.mu.Unlock()
		return
	}
	m.lastStatus = status

	var release func()
	switch status {
	case domain.TicketStatusInProgress:
		now := m.clock.Now()
		m.handoffAt = &now
	case domain.TicketStatusCompleted, domain.TicketStatusCancelled:
		m.active = false
		m.generation++
		release = m.detachLocked()
	}
	cached := append([]domain.Message(nil), m.messages...)
	m.mu.Unlock()

	switch status {
	case domain.TicketStatusInProgress:
		m.consumer.OnStatus(t)
		m.consumer.OnHandoff(t)
	case domain.TicketStatusCompleted:
		release()
		snapshot := m.snapshot(t, cached)
		m.runCleanup(t.ID)
		m.consumer.OnStatus(t)
		m.consumer.OnCompleted(snapshot)
	case domain.TicketStatusCancelled:
		release()
		m.runCleanup(t.ID)
		m.consumer.OnStatus(t)
		m.consumer.OnCancelled(t)
	default:
		m.consumer.OnStatus(t)
	}
}

func (m *Manager) snapshot(t domain.Ticket, cached []domain.Message) Snapshot {
	msgs, err := m.store.ListMessages(context.Background(), t.ID)
	if err != nil {
		m.logger.Warn("snapshot uses cached messages", zap.String("ticket_id", t.ID), zap.Error(err))
		msgs = cached
	}
	return NewSnapshot(t, msgs, m.store.ServerTime())
}

func (m *Manager) runCleanup(ticketID string) {
	if m.cleanup == nil {
		return
	}
	if err := m.cleanup(context.Background(), ticketID); err != nil {
		m.logger.Warn("session cleanup failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
}

func (m *Manager) onMessages(gen, epoch uint64, msgs []domain.Message) {
	m.mu.Lock()
	if !m.current(gen, epoch) {
		m.mu.Unlock()
		return
	}
	m.resetBackoffLocked()
	ordered := append([]domain.Message(nil), msgs...)
	domain.SortMessages(ordered)
	m.messages = ordered
	m.mu.Unlock()

	m.consumer.OnMessages(append([]domain.Message(nil), ordered...))
}

// onError handles a failure of either subscription. Both subscriptions
// share an epoch, so a paired failure is counted once.
func (m *Manager) onError(gen, epoch uint64, err error) {
	m.mu.Lock()
	if !m.current(gen, epoch) {
		m.mu.Unlock()
		return
	}
	release := m.detachLocked()
	m.retries++
	ticketID := m.ticketID
	retries := m.retries
	delay, stop := m.backoff.Next()
	if stop {
		m.failed = apperrors.NewConnectivityError("real-time channel lost", err)
		m.active = false
		m.generation++
	}
	failed := m.failed
	m.mu.Unlock()

	release()
	if stop {
		m.metrics.Inc(observability.CounterListenerFailures)
		m.logger.Error("reconnect attempts exhausted",
			zap.String("ticket_id", ticketID), zap.Int("retries", retries), zap.Error(err))
		m.consumer.OnConnectivityLost(failed)
		return
	}

	m.logger.Warn("subscription failed, reconnecting",
		zap.String("ticket_id", ticketID), zap.Int("retry", retries), zap.Duration("delay", delay), zap.Error(err))
	cancel := m.scheduler.Schedule(delay, func() { m.reconnect(gen) })

	m.mu.Lock()
	if m.active && m.generation == gen && m.cancelRetry == nil {
		m.cancelRetry = cancel
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	cancel()
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if !m.active || m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.cancelRetry = nil
	m.mu.Unlock()

	m.metrics.Inc(observability.CounterReconnects)
	m.subscribe(gen)
}
