// Package feed turns any document backend into a live store by fanning
// change notifications out over Redis pub/sub. Writers publish a bare
// "changed" signal per channel; subscribers re-read the current state from
// the backend, so a dropped or duplicated signal never delivers stale data.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/store"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

const (
	defaultPrefix = "desk"
	readTimeout   = 5 * time.Second
)

// Store wraps a backend with Redis-driven subscriptions.
type Store struct {
	store.Documents

	client *redis.Client
	prefix string
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New creates the feed. prefix namespaces the channels and defaults to "desk".
func New(backend store.Documents, client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		Documents: backend,
		client:    client,
		prefix:    prefix,
		logger:    observability.Named(logger, "feed"),
	}
}

// TicketChannel names the channel signalled on every ticket write.
func (s *Store) TicketChannel(ticketID string) string {
	return s.prefix + ":ticket:" + ticketID
}

// MessagesChannel names the channel signalled on every new message.
func (s *Store) MessagesChannel(ticketID string) string {
	return s.prefix + ":messages:" + ticketID
}

// QueueChannel names the channel signalled whenever the queue may have changed.
func (s *Store) QueueChannel() string {
	return s.prefix + ":queue"
}

func (s *Store) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	if err := s.Documents.CreateTicket(ctx, ticket); err != nil {
		return err
	}
	s.signal(ctx, s.TicketChannel(ticket.ID), s.QueueChannel())
	return nil
}

func (s *Store) RunTransaction(ctx context.Context, ticketID string, fn store.TxFunc) error {
	if err := s.Documents.RunTransaction(ctx, ticketID, fn); err != nil {
		return err
	}
	s.signal(ctx, s.TicketChannel(ticketID), s.QueueChannel())
	return nil
}

func (s *Store) AppendTimeline(ctx context.Context, ticketID string, event domain.TimelineEvent) error {
	if err := s.Documents.AppendTimeline(ctx, ticketID, event); err != nil {
		return err
	}
	s.signal(ctx, s.TicketChannel(ticketID))
	return nil
}

func (s *Store) AddMessage(ctx context.Context, msg *domain.Message) error {
	if err := s.Documents.AddMessage(ctx, msg); err != nil {
		return err
	}
	s.signal(ctx, s.MessagesChannel(msg.TicketID))
	return nil
}

// signal publishes a change marker. The write already succeeded, so a
// failed publish is logged rather than returned.
func (s *Store) signal(ctx context.Context, channels ...string) {
	pipe := s.client.Pipeline()
	for _, ch := range channels {
		pipe.Publish(ctx, ch, "changed")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("change signal not published", zap.Strings("channels", channels), zap.Error(err))
	}
}

func (s *Store) SubscribeTicket(ticketID string, onChange func(domain.Ticket), onError func(error)) store.Unsubscribe {
	return s.watch(s.TicketChannel(ticketID), onError, func(ctx context.Context) error {
		t, err := s.Documents.GetTicket(ctx, ticketID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		onChange(*t)
		return nil
	})
}

func (s *Store) SubscribeMessages(ticketID string, onChange func([]domain.Message), onError func(error)) store.Unsubscribe {
	return s.watch(s.MessagesChannel(ticketID), onError, func(ctx context.Context) error {
		msgs, err := s.Documents.ListMessages(ctx, ticketID)
		if err != nil {
			return err
		}
		domain.SortMessages(msgs)
		onChange(msgs)
		return nil
	})
}

func (s *Store) SubscribeQueue(filter store.QueueFilter, onChange func([]domain.Ticket), onError func(error)) store.Unsubscribe {
	return s.watch(s.QueueChannel(), onError, func(ctx context.Context) error {
		pending, err := s.Documents.ListPending(ctx, filter)
		if err != nil {
			return err
		}
		onChange(pending)
		return nil
	})
}

// watch subscribes to channel and calls load once for the initial state
// and once per signal. The first error ends the subscription.
func (s *Store) watch(channel string, onError func(error), load func(ctx context.Context) error) store.Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, channel)

	var (
		once    sync.Once
		stopped = make(chan struct{})
	)
	unsubscribe := func() {
		once.Do(func() {
			close(stopped)
			cancel()
			_ = pubsub.Close()
		})
	}
	fail := func(err error) {
		select {
		case <-stopped:
			return
		default:
		}
		unsubscribe()
		s.logger.Warn("subscription failed", zap.String("channel", channel), zap.Error(err))
		onError(apperrors.NewConnectivityError("change feed lost", err))
	}

	go func() {
		// Wait for the subscription to be confirmed so no signal is missed
		// between the initial read and the first notification.
		if _, err := pubsub.Receive(ctx); err != nil {
			fail(err)
			return
		}
		if err := s.reload(ctx, load); err != nil {
			fail(err)
			return
		}
		messages := pubsub.Channel()
		for {
			select {
			case <-stopped:
				return
			case _, ok := <-messages:
				if !ok {
					fail(redis.ErrClosed)
					return
				}
				if err := s.reload(ctx, load); err != nil {
					fail(err)
					return
				}
			}
		}
	}()
	return unsubscribe
}

func (s *Store) reload(ctx context.Context, load func(ctx context.Context) error) error {
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return load(readCtx)
}
