package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards every domain event to a Kafka topic as an audit
// stream. Writes are best-effort and never fail the publishing call.
type KafkaSink struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewKafkaSink creates a sink. With no brokers or topic the sink is a no-op.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(brokers) == 0 || topic == "" {
		return &KafkaSink{logger: logger}
	}
	return &KafkaSink{
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// NewKafkaSinkWithWriter wires a custom writer, used by tests.
func NewKafkaSinkWithWriter(writer MessageWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{writer: writer, logger: logger}
}

// Enabled reports whether the sink has a writer.
func (s *KafkaSink) Enabled() bool {
	return s.writer != nil
}

// Attach subscribes the sink to every event type and returns a func that
// detaches it.
func (s *KafkaSink) Attach(d Dispatcher) func() {
	if !s.Enabled() || d == nil {
		return func() {}
	}
	cancels := make([]func(), 0, len(AllEventTypes))
	for _, t := range AllEventTypes {
		cancels = append(cancels, d.Subscribe(t, s.Handle))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Handle writes one event keyed by ticket id so a ticket's events stay ordered.
func (s *KafkaSink) Handle(ctx context.Context, event Event) error {
	if s.writer == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("kafka: marshal event", zap.String("event_type", string(event.Type)), zap.Error(err))
		return nil
	}
	msg := kafka.Message{Key: []byte(event.TicketID), Value: body}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("kafka: write event",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err))
	}
	return nil
}

// Close closes the writer.
func (s *KafkaSink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// ParseBrokers splits "host1:9092,host2:9092" into a slice.
func ParseBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
