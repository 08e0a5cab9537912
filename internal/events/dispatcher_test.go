package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/spec-kit/live-desk/internal/domain"
)

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	d := NewInMemoryDispatcher(nil)
	calls := 0
	cancel := d.Subscribe(EventTicketClaimed, func(context.Context, Event) error {
		calls++
		return nil
	})
	other := d.Subscribe(EventTicketClaimed, func(context.Context, Event) error {
		return errors.New("ignored")
	})
	defer other()

	_ = d.Publish(context.Background(), Event{Type: EventTicketClaimed})
	cancel()
	cancel()
	_ = d.Publish(context.Background(), Event{Type: EventTicketClaimed})

	if calls != 1 {
		t.Fatalf("expected one delivery, got %d", calls)
	}
	if n := HandlerCount(d, EventTicketClaimed); n != 1 {
		t.Fatalf("expected one remaining handler, got %d", n)
	}
}

type recordingWriter struct {
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaSinkForwardsEventsKeyedByTicket(t *testing.T) {
	d := NewInMemoryDispatcher(nil)
	w := &recordingWriter{}
	sink := NewKafkaSinkWithWriter(w, nil)
	detach := sink.Attach(d)

	_ = d.Publish(context.Background(), Event{
		Type:     EventTicketRated,
		TicketID: "t-9",
		Actor:    domain.Actor{UID: "anon", Role: domain.RoleClient},
		Payload:  TicketRatedPayload{Rating: 5},
	})
	detach()
	_ = d.Publish(context.Background(), Event{Type: EventTicketRated, TicketID: "t-10"})

	if len(w.msgs) != 1 {
		t.Fatalf("expected one kafka message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "t-9" {
		t.Fatalf("unexpected key %q", w.msgs[0].Key)
	}
	var decoded map[string]any
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != string(EventTicketRated) {
		t.Fatalf("unexpected body %v", decoded)
	}
}

func TestKafkaSinkDisabledWithoutBrokers(t *testing.T) {
	sink := NewKafkaSink(nil, "desk.audit", nil)
	if sink.Enabled() {
		t.Fatalf("expected disabled sink")
	}
	if got := ParseBrokers(" a:9092, ,b:9092 "); len(got) != 2 || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
}
