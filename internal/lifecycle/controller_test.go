package lifecycle

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spec-kit/live-desk/internal/events"
)

func noopHandler(context.Context, events.Event) error { return nil }

func TestActivateTwiceInitializesOnce(t *testing.T) {
	c := NewController(nil)
	calls := 0
	init := func(context.Context) error {
		calls++
		return nil
	}
	for i := 0; i < 2; i++ {
		if err := c.Activate(context.Background(), "queue", init); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected init once, got %d", calls)
	}
	if c.Active() != "queue" {
		t.Fatalf("expected queue active, got %q", c.Active())
	}
}

func TestSwitchingModulesDetachesPreviousHandlers(t *testing.T) {
	d := events.NewInMemoryDispatcher(nil)
	c := NewController(nil)
	ctx := context.Background()

	_ = c.Activate(ctx, "queue", func(context.Context) error {
		c.RegisterHandler(d, events.EventTicketQueued, noopHandler, "queue")
		c.RegisterHandler(d, events.EventTicketClaimed, noopHandler, "queue")
		return nil
	})
	if events.HandlerCount(d, events.EventTicketQueued) != 1 {
		t.Fatalf("expected queue handler attached")
	}

	_ = c.Activate(ctx, "cases", func(context.Context) error {
		c.RegisterHandler(d, events.EventTicketCaseUpdated, noopHandler, "cases")
		return nil
	})
	if events.HandlerCount(d, events.EventTicketQueued) != 0 || events.HandlerCount(d, events.EventTicketClaimed) != 0 {
		t.Fatalf("previous module handlers leaked")
	}
	if c.Registry().Count("queue") != 0 || c.Registry().Count("cases") != 1 {
		t.Fatalf("unexpected registry state %v", c.Registry().Owners())
	}

	_ = c.Activate(ctx, "queue", func(context.Context) error {
		c.RegisterHandler(d, events.EventTicketQueued, noopHandler, "queue")
		return nil
	})
	if events.HandlerCount(d, events.EventTicketQueued) != 1 {
		t.Fatalf("re-activation must not duplicate handlers, got %d", events.HandlerCount(d, events.EventTicketQueued))
	}
}

func TestReentrantActivationFromTeardownDoesNotReinitialize(t *testing.T) {
	c := NewController(nil)
	ctx := context.Background()
	casesInit := 0
	initCases := func(context.Context) error {
		casesInit++
		return nil
	}

	_ = c.Activate(ctx, "queue", func(context.Context) error {
		c.Track("queue", func() {
			if err := c.Activate(ctx, "cases", initCases); err != nil {
				t.Errorf("re-entrant activate: %v", err)
			}
		})
		return nil
	})

	if err := c.Activate(ctx, "cases", initCases); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if casesInit != 1 {
		t.Fatalf("expected a single init, got %d", casesInit)
	}
	if c.Active() != "cases" {
		t.Fatalf("expected cases active, got %q", c.Active())
	}
}

func TestInitFailureRollsBack(t *testing.T) {
	d := events.NewInMemoryDispatcher(nil)
	c := NewController(nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := c.Activate(ctx, "history", func(context.Context) error {
		c.RegisterHandler(d, events.EventTicketStatusChanged, noopHandler, "history")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected init error, got %v", err)
	}
	if c.Active() != "" || c.Reserved() != "" {
		t.Fatalf("reservation must be rolled back")
	}
	if events.HandlerCount(d, events.EventTicketStatusChanged) != 0 {
		t.Fatalf("partial registrations must be removed")
	}

	calls := 0
	if err := c.Activate(ctx, "history", func(context.Context) error { calls++; return nil }); err != nil {
		t.Fatalf("retry activate: %v", err)
	}
	if calls != 1 || c.Active() != "history" {
		t.Fatalf("expected a fresh init after rollback")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	d := events.NewInMemoryDispatcher(nil)
	c := NewController(nil)
	delivered := 0
	c.RegisterHandler(d, events.EventTicketRated, func(context.Context, events.Event) error {
		delivered++
		return nil
	}, "history")

	c.Teardown("history")
	c.Teardown("history")
	_ = d.Publish(context.Background(), events.Event{Type: events.EventTicketRated})
	if delivered != 0 || events.HandlerCount(d, events.EventTicketRated) != 0 {
		t.Fatalf("torn-down handler still attached")
	}
}

func TestInvalidRegistrationIsLoggedNoop(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := NewController(zap.New(core))
	d := events.NewInMemoryDispatcher(nil)

	if _, ok := c.RegisterHandler(nil, events.EventTicketRated, noopHandler, "queue"); ok {
		t.Fatalf("nil target must be rejected")
	}
	if _, ok := c.RegisterHandler(d, "", noopHandler, "queue"); ok {
		t.Fatalf("empty event type must be rejected")
	}
	if _, ok := c.RegisterHandler(d, events.EventTicketRated, nil, "queue"); ok {
		t.Fatalf("nil handler must be rejected")
	}
	if _, ok := c.RegisterHandler(d, events.EventTicketRated, noopHandler, " "); ok {
		t.Fatalf("blank owner must be rejected")
	}
	if logs.Len() != 4 {
		t.Fatalf("expected four warnings, got %d", logs.Len())
	}
	if c.Registry().Count("queue") != 0 {
		t.Fatalf("nothing may be registered")
	}
}

func TestDisposeAllClearsEveryOwner(t *testing.T) {
	c := NewController(nil)
	ran := 0
	c.Track("a", func() { ran++ })
	c.Track("b", func() { ran++ })
	c.DisposeAll()
	c.DisposeAll()
	if ran != 2 || len(c.Registry().Owners()) != 0 {
		t.Fatalf("expected both owners disposed once, ran=%d", ran)
	}
}
