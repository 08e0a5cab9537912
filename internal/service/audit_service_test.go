package service

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/events"
)

func TestAuditServiceLogsEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := events.NewInMemoryDispatcher(nil)
	audit := NewAuditService(d, zap.New(core))
	audit.RegisterHandlers()

	ctx := context.Background()
	_ = d.Publish(ctx, events.Event{
		Type:     events.EventTicketStatusChanged,
		TicketID: "t-1",
		Actor:    operator,
		Payload: events.TicketStatusChangedPayload{
			OldStatus:     domain.TicketStatusInProgress,
			NewStatus:     domain.TicketStatusQueued,
			Justification: "wrong sector",
		},
	})
	_ = d.Publish(ctx, events.Event{
		Type:     events.EventTicketReleased,
		TicketID: "t-1",
		Actor:    operator,
		Payload:  events.TicketReleasedPayload{Reason: "wrong sector"},
	})

	changed := logs.FilterMessage("TicketStatusChanged").All()
	if len(changed) != 1 {
		t.Fatalf("expected one status log, got %d", len(changed))
	}
	fields := changed[0].ContextMap()
	if fields["ticket_id"] != "t-1" || fields["to"] != "QUEUED" || fields["justification"] != "wrong sector" {
		t.Fatalf("unexpected fields %v", fields)
	}
	released := logs.FilterMessage("TicketReleased").All()
	if len(released) != 1 || released[0].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected release logs %v", released)
	}

	audit.Unregister()
	_ = d.Publish(ctx, events.Event{Type: events.EventTicketRated, TicketID: "t-1"})
	if n := logs.FilterMessage(string(events.EventTicketRated)).Len(); n != 0 {
		t.Fatalf("unregistered audit must not log, got %d", n)
	}
}
