package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/live-desk/internal/domain"
)

func newQueuedTicket(id, sector string, created time.Time) *domain.Ticket {
	return &domain.Ticket{
		ID:        id,
		Status:    domain.TicketStatusQueued,
		Sector:    sector,
		CreatedAt: created,
	}
}

func TestMemoryRejectsNonCanonicalStatus(t *testing.T) {
	m := NewMemory(clockwork.NewFakeClock())
	err := m.CreateTicket(context.Background(), &domain.Ticket{ID: "t-1", Status: "in_progress"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestMemoryOldestPendingHonoursSectorAndAge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()
	base := clock.Now()
	for _, tk := range []*domain.Ticket{
		newQueuedTicket("late", "default", base.Add(2*time.Minute)),
		newQueuedTicket("early", "default", base.Add(time.Minute)),
		newQueuedTicket("other", "billing", base),
	} {
		if err := m.CreateTicket(ctx, tk); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := m.OldestPending(ctx, QueueFilter{Sector: "default"})
	if err != nil {
		t.Fatalf("oldest pending: %v", err)
	}
	if got.ID != "early" {
		t.Fatalf("expected early, got %s", got.ID)
	}
	if _, err := m.OldestPending(ctx, QueueFilter{Sector: "nobody"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty queue, got %v", err)
	}
}

func TestMemoryTransactionRerunsOnVersionChange(t *testing.T) {
	m := NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()
	if err := m.CreateTicket(ctx, newQueuedTicket("t-1", "default", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	interfered := false
	m.OnBeforeCommit(func(string) {
		if interfered {
			return
		}
		interfered = true
		if err := m.AppendTimeline(ctx, "t-1", domain.TimelineEvent{Type: "noise"}); err != nil {
			t.Errorf("append timeline: %v", err)
		}
	})

	runs := 0
	err := m.RunTransaction(ctx, "t-1", func(ctx context.Context, tx Tx) error {
		runs++
		tk, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		tk.Sector = "vip"
		tx.Update(tk)
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if runs != 2 {
		t.Fatalf("expected transaction function to re-run once, ran %d times", runs)
	}
	got, _ := m.GetTicket(ctx, "t-1")
	if got.Sector != "vip" || len(got.Timeline) != 1 {
		t.Fatalf("expected both writes to survive, got %+v", got)
	}
}

func TestMemoryTransactionWritesStateLogAtomically(t *testing.T) {
	m := NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()
	if err := m.CreateTicket(ctx, newQueuedTicket("t-1", "default", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	err := m.RunTransaction(ctx, "t-1", func(ctx context.Context, tx Tx) error {
		tk, _ := tx.Get(ctx)
		tk.Status = domain.TicketStatusCancelled
		tx.Update(tk)
		tx.AppendStateLog(domain.StateLogEntry{TicketID: "t-1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	logs, _ := m.ListStateLogs(ctx, "t-1")
	got, _ := m.GetTicket(ctx, "t-1")
	if len(logs) != 0 || got.Status != domain.TicketStatusQueued {
		t.Fatalf("aborted transaction leaked writes: logs=%d status=%s", len(logs), got.Status)
	}
}

func TestMemoryAppendTimelineRejectsTerminalTickets(t *testing.T) {
	m := NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()
	done := newQueuedTicket("t-1", "default", time.Now())
	done.Status = domain.TicketStatusCompleted
	if err := m.CreateTicket(ctx, done); err != nil {
		t.Fatalf("create: %v", err)
	}
	before, _ := m.GetTicket(ctx, "t-1")

	err := m.AppendTimeline(ctx, "t-1", domain.TimelineEvent{Type: "note"})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	after, _ := m.GetTicket(ctx, "t-1")
	if len(after.Timeline) != len(before.Timeline) || after.Version != before.Version {
		t.Fatalf("terminal ticket was mutated: %+v", after)
	}
}

func TestMemorySubscriptionsDeliverAndFail(t *testing.T) {
	m := NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()
	if err := m.CreateTicket(ctx, newQueuedTicket("t-1", "default", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	var statuses []domain.TicketStatus
	var msgCounts []int
	var errs []error
	unsubTicket := m.SubscribeTicket("t-1", func(tk domain.Ticket) {
		statuses = append(statuses, tk.Status)
	}, func(err error) { errs = append(errs, err) })
	unsubMsgs := m.SubscribeMessages("t-1", func(msgs []domain.Message) {
		msgCounts = append(msgCounts, len(msgs))
	}, func(err error) { errs = append(errs, err) })
	defer unsubTicket()
	defer unsubMsgs()

	if err := m.AddMessage(ctx, &domain.Message{TicketID: "t-1", Author: domain.RoleClient, Body: "oi"}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if len(statuses) != 1 || statuses[0] != domain.TicketStatusQueued {
		t.Fatalf("expected initial ticket snapshot, got %v", statuses)
	}
	if len(msgCounts) != 2 || msgCounts[1] != 1 {
		t.Fatalf("expected initial and one message delivery, got %v", msgCounts)
	}

	if m.WatcherCount("t-1") != 2 {
		t.Fatalf("expected two watchers")
	}
	m.FailSubscriptions("t-1", errors.New("channel lost"))
	if len(errs) != 2 {
		t.Fatalf("expected both watchers to see the failure, got %d", len(errs))
	}
	if m.WatcherCount("t-1") != 0 {
		t.Fatalf("expected failed watchers to be removed")
	}
}

func TestMemoryMessagesKeepNonDecreasingTimestamps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()
	if err := m.CreateTicket(ctx, newQueuedTicket("t-1", "default", clock.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, body := range []string{"a", "b", "c"} {
		if err := m.AddMessage(ctx, &domain.Message{TicketID: "t-1", Body: body}); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	msgs, _ := m.ListMessages(ctx, "t-1")
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) || msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("messages out of order: %+v", msgs)
		}
	}
	if msgs[0].Body != "a" || msgs[2].Body != "c" {
		t.Fatalf("unexpected order %+v", msgs)
	}
}
