package listener

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/live-desk/internal/config"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

type recorder struct {
	mu        sync.Mutex
	statuses  []domain.TicketStatus
	messages  [][]domain.Message
	handoffs  int
	snapshots []Snapshot
	cancelled int
	lost      []error
}

func (r *recorder) OnStatus(t domain.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, t.Status)
}

func (r *recorder) OnMessages(msgs []domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msgs)
}

func (r *recorder) OnHandoff(domain.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handoffs++
}

func (r *recorder) OnCompleted(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) OnCancelled(domain.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled++
}

func (r *recorder) OnConnectivityLost(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, err)
}

type harness struct {
	clock     *clockwork.FakeClock
	mem       *store.Memory
	scheduler *ManualScheduler
	consumer  *recorder
	cleaned   []string
	manager   *Manager
}

func newHarness(t *testing.T, wrap func(*store.Memory) store.Store) *harness {
	t.Helper()
	h := &harness{
		clock:     clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)),
		scheduler: NewManualScheduler(),
		consumer:  &recorder{},
	}
	h.mem = store.NewMemory(h.clock)
	var st store.Store = h.mem
	if wrap != nil {
		st = wrap(h.mem)
	}
	h.manager = NewManager(Options{
		Store:     st,
		Consumer:  h.consumer,
		Scheduler: h.scheduler,
		Clock:     h.clock,
		Backoff:   DefaultBackoff,
		Cleanup: func(_ context.Context, ticketID string) error {
			h.cleaned = append(h.cleaned, ticketID)
			return nil
		},
	})
	return h
}

func (h *harness) createTicket(t *testing.T, id string, status domain.TicketStatus) {
	t.Helper()
	tk := &domain.Ticket{ID: id, Status: status, CreatedAt: h.clock.Now()}
	if status.RequiresAssignee() {
		tk.AssignedOperator = &domain.OperatorRef{UID: "op-1", Name: "Bia", Role: domain.RoleOperator}
	}
	if err := h.mem.CreateTicket(context.Background(), tk); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
}

func (h *harness) setStatus(t *testing.T, id string, status domain.TicketStatus) {
	t.Helper()
	err := h.mem.RunTransaction(context.Background(), id, func(ctx context.Context, tx store.Tx) error {
		tk, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		tk.Status = status
		tx.Update(tk)
		return nil
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
}

func (h *harness) say(t *testing.T, id, body string) {
	t.Helper()
	if err := h.mem.AddMessage(context.Background(), &domain.Message{TicketID: id, Author: domain.RoleClient, Body: body}); err != nil {
		t.Fatalf("add message: %v", err)
	}
}

func TestBackoffSequenceThenTerminalFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.createTicket(t, "t-1", domain.TicketStatusQueued)
	h.manager.StartWatch("t-1")

	channelErr := errors.New("channel dropped")
	h.mem.SetSubscribeFailure(channelErr)
	h.mem.FailSubscriptions("t-1", channelErr)
	if got := h.manager.Stats().Retries; got != 1 {
		t.Fatalf("paired subscription failure must count once, got %d", got)
	}

	for i := 0; i < 5; i++ {
		if n := h.scheduler.RunPending(); n != 1 {
			t.Fatalf("round %d: expected one pending reconnect, ran %d", i, n)
		}
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	got := h.scheduler.Delays()
	if len(got) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, got)
		}
	}
	if h.scheduler.Pending() != 0 {
		t.Fatalf("no reconnect may be scheduled after the terminal failure")
	}
	if len(h.consumer.lost) != 1 || !apperrors.IsConnectivity(h.consumer.lost[0]) {
		t.Fatalf("expected one connectivity error, got %v", h.consumer.lost)
	}
	if !errors.Is(h.manager.Err(), channelErr) || h.manager.Stats().Active {
		t.Fatalf("manager should be failed and inactive: %+v", h.manager.Stats())
	}
}

func TestSuccessfulDeliveryResetsBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.createTicket(t, "t-1", domain.TicketStatusQueued)
	h.manager.StartWatch("t-1")

	h.mem.FailSubscriptions("t-1", errors.New("blip"))
	h.scheduler.RunPending()
	if h.manager.Stats().Retries != 0 || h.mem.WatcherCount("t-1") != 2 {
		t.Fatalf("reconnect should succeed and reset: %+v", h.manager.Stats())
	}
	h.mem.FailSubscriptions("t-1", errors.New("blip"))
	delays := h.scheduler.Delays()
	if len(delays) != 2 || delays[1] != time.Second {
		t.Fatalf("expected backoff to restart at 1s, got %v", delays)
	}
	if len(h.consumer.statuses) != 1 {
		t.Fatalf("reconnect snapshot must not duplicate status, got %v", h.consumer.statuses)
	}
}

func TestCompletionTearsDownAndSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	h.createTicket(t, "t-1", domain.TicketStatusIdentityValidated)
	h.manager.StartWatch("t-1")

	h.setStatus(t, "t-1", domain.TicketStatusInProgress)
	h.clock.Advance(90 * time.Second)
	if elapsed, ok := h.manager.HandoffElapsed(); !ok || elapsed != 90*time.Second {
		t.Fatalf("unexpected handoff clock %s %v", elapsed, ok)
	}
	for _, body := range []string{"oi", "preciso de ajuda", "obrigada"} {
		h.say(t, "t-1", body)
	}
	h.setStatus(t, "t-1", domain.TicketStatusCompleted)

	if n := h.mem.WatcherCount("t-1"); n != 0 {
		t.Fatalf("expected no live subscriptions, got %d", n)
	}
	if len(h.cleaned) != 1 || h.cleaned[0] != "t-1" {
		t.Fatalf("expected session cleanup, got %v", h.cleaned)
	}
	if len(h.consumer.snapshots) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(h.consumer.snapshots))
	}
	snap := h.consumer.snapshots[0]
	msgs := snap.Messages()
	if snap.Status() != domain.TicketStatusCompleted || len(msgs) != 3 {
		t.Fatalf("unexpected snapshot %+v", msgs)
	}
	if msgs[0].Body != "oi" || msgs[2].Body != "obrigada" {
		t.Fatalf("snapshot out of order: %+v", msgs)
	}
	msgs[0].Body = "mutated"
	if snap.Messages()[0].Body != "oi" {
		t.Fatalf("snapshot must be immutable")
	}
	if h.consumer.handoffs != 1 {
		t.Fatalf("expected one handoff, got %d", h.consumer.handoffs)
	}

	delivered := len(h.consumer.messages)
	h.say(t, "t-1", "late")
	if len(h.consumer.messages) != delivered {
		t.Fatalf("torn-down manager received a message")
	}
}

func TestCancelTearsDownWithoutSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.createTicket(t, "t-1", domain.TicketStatusQueued)
	h.manager.StartWatch("t-1")
	h.setStatus(t, "t-1", domain.TicketStatusCancelled)

	if h.consumer.cancelled != 1 || len(h.consumer.snapshots) != 0 {
		t.Fatalf("expected cancel without snapshot, got %d/%d", h.consumer.cancelled, len(h.consumer.snapshots))
	}
	if h.mem.WatcherCount("t-1") != 0 || len(h.cleaned) != 1 {
		t.Fatalf("expected teardown and cleanup")
	}
}

func TestSwitchingTicketsDropsOldSubscriptions(t *testing.T) {
	h := newHarness(t, nil)
	h.createTicket(t, "t-1", domain.TicketStatusQueued)
	h.createTicket(t, "t-2", domain.TicketStatusQueued)

	h.manager.StartWatch("t-1")
	h.manager.StartWatch("t-1")
	if h.mem.WatcherCount("t-1") != 2 {
		t.Fatalf("re-watching the same ticket must not duplicate subscriptions")
	}
	h.manager.StartWatch("t-2")
	if h.mem.WatcherCount("t-1") != 0 || h.mem.WatcherCount("t-2") != 2 {
		t.Fatalf("expected subscriptions to move to t-2")
	}

	before := len(h.consumer.statuses)
	h.setStatus(t, "t-1", domain.TicketStatusCancelled)
	if len(h.consumer.statuses) != before || h.consumer.cancelled != 0 {
		t.Fatalf("stale ticket update reached the consumer")
	}
}

func TestStopWatchCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.createTicket(t, "t-1", domain.TicketStatusQueued)
	h.manager.StartWatch("t-1")
	h.mem.FailSubscriptions("t-1", errors.New("blip"))
	if h.scheduler.Pending() != 1 {
		t.Fatalf("expected a pending reconnect")
	}
	h.manager.StopWatch()
	h.manager.StopWatch()
	if h.scheduler.Pending() != 0 {
		t.Fatalf("stop must cancel the reconnect")
	}
	if st := h.manager.Stats(); st.Active || st.Subscriptions != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestDuplicateStatusDeliveriesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.createTicket(t, "t-1", domain.TicketStatusClaimed)
	h.manager.StartWatch("t-1")
	for i := 0; i < 3; i++ {
		if err := h.mem.AppendTimeline(context.Background(), "t-1", domain.TimelineEvent{Type: "note"}); err != nil {
			t.Fatalf("append timeline: %v", err)
		}
	}
	if len(h.consumer.statuses) != 1 {
		t.Fatalf("expected a single status delivery, got %v", h.consumer.statuses)
	}
}

// legacyStore rewrites statuses to the lowercase vocabulary of old documents.
type legacyStore struct {
	*store.Memory
}

func (l legacyStore) SubscribeTicket(id string, onChange func(domain.Ticket), onError func(error)) store.Unsubscribe {
	return l.Memory.SubscribeTicket(id, func(t domain.Ticket) {
		t.Status = domain.TicketStatus(strings.ToLower(string(t.Status)))
		onChange(t)
	}, onError)
}

func TestLegacyStatusesAreNormalized(t *testing.T) {
	h := newHarness(t, func(m *store.Memory) store.Store { return legacyStore{Memory: m} })
	h.createTicket(t, "t-1", domain.TicketStatusIdentityValidated)
	h.manager.StartWatch("t-1")
	h.setStatus(t, "t-1", domain.TicketStatusInProgress)

	if h.consumer.handoffs != 1 {
		t.Fatalf("expected lowercase in_progress to trigger handoff")
	}
	last := h.consumer.statuses[len(h.consumer.statuses)-1]
	if last != domain.TicketStatusInProgress {
		t.Fatalf("expected canonical status, got %s", last)
	}
}

func TestPolicyFromConfigFallsBack(t *testing.T) {
	p := PolicyFromConfig(config.ListenerConfig{})
	if p != DefaultBackoff {
		t.Fatalf("expected default policy, got %+v", p)
	}
	b := DefaultBackoff.New()
	for i := 0; i < 5; i++ {
		if _, stop := b.Next(); stop {
			t.Fatalf("stopped early at %d", i)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatalf("expected stop after five attempts")
	}
}
