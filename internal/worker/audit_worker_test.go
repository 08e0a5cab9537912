package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/service"
)

type captureWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestAuditWorkerAttachesAndStops(t *testing.T) {
	d := events.NewInMemoryDispatcher(nil)
	w := &captureWriter{}
	stop := StartAuditWorker(d, service.NewAuditService(d, nil), events.NewKafkaSinkWithWriter(w, nil), nil)

	if n := events.HandlerCount(d, events.EventTicketCreated); n != 2 {
		t.Fatalf("expected audit and sink handlers, got %d", n)
	}
	_ = d.Publish(context.Background(), events.Event{Type: events.EventTicketCreated, TicketID: "t-1"})

	stop()
	_ = d.Publish(context.Background(), events.Event{Type: events.EventTicketCreated, TicketID: "t-2"})

	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "t-1" || !w.closed {
		t.Fatalf("unexpected sink state msgs=%d closed=%v", len(w.msgs), w.closed)
	}
	if n := events.HandlerCount(d, events.EventTicketCreated); n != 0 {
		t.Fatalf("expected no handlers after stop, got %d", n)
	}
}

func TestAuditWorkerWithoutSink(t *testing.T) {
	d := events.NewInMemoryDispatcher(nil)
	stop := StartAuditWorker(d, service.NewAuditService(d, nil), events.NewKafkaSink(nil, "", nil), nil)
	defer stop()
	if n := events.HandlerCount(d, events.EventTicketClaimed); n != 1 {
		t.Fatalf("expected only the audit handler, got %d", n)
	}
}
