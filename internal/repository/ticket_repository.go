package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/observability"
	"github.com/spec-kit/live-desk/internal/store"
)

// TicketStore is the Postgres document backend. Each ticket is one row: the
// indexed columns drive queue queries and optimistic concurrency, the
// document column holds the full aggregate.
type TicketStore struct {
	pool   *pgxpool.Pool
	clock  clockwork.Clock
	logger *zap.Logger
}

var _ store.Documents = (*TicketStore)(nil)

// NewTicketStore instantiates the backend.
func NewTicketStore(pool *pgxpool.Pool, clock clockwork.Clock, logger *zap.Logger) *TicketStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TicketStore{pool: pool, clock: clock, logger: observability.Named(logger, "ticket_store")}
}

// ServerTime uses the process clock; the service and the database are
// expected to run NTP-synchronized.
func (r *TicketStore) ServerTime() time.Time {
	return r.clock.Now().UTC()
}

const ticketColumns = `id, status, version, document`

func (r *TicketStore) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	if err := store.CheckWritable(ticket); err != nil {
		return err
	}
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	ticket.Version = 1
	doc, err := encodeTicket(ticket)
	if err != nil {
		return err
	}

	const query = `
        INSERT INTO tickets (id, status, sector, assignee_uid, created_at, version, document)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = r.pool.Exec(ctx, query,
		ticket.ID,
		ticket.Status,
		ticket.Sector,
		assigneeUID(ticket),
		ticket.CreatedAt,
		ticket.Version,
		doc,
	)
	return err
}

func (r *TicketStore) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	return scanTicket(r.pool.QueryRow(ctx, query, id))
}

func (r *TicketStore) OldestPending(ctx context.Context, filter store.QueueFilter) (*domain.Ticket, error) {
	pending, err := r.pending(ctx, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, store.ErrNotFound
	}
	return &pending[0], nil
}

func (r *TicketStore) ListPending(ctx context.Context, filter store.QueueFilter) ([]domain.Ticket, error) {
	return r.pending(ctx, filter, 0)
}

func (r *TicketStore) pending(ctx context.Context, filter store.QueueFilter, limit int) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
        WHERE status=$1 AND ($2 = '' OR sector=$2)
        ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.pool.Query(ctx, query, domain.TicketStatusQueued, filter.Sector)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Ticket, 0)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}

type pgTx struct {
	store       *TicketStore
	ticketID    string
	read        bool
	readVersion int64
	updated     *domain.Ticket
	logs        []domain.StateLogEntry
}

func (tx *pgTx) Get(ctx context.Context) (*domain.Ticket, error) {
	t, err := tx.store.GetTicket(ctx, tx.ticketID)
	if err != nil {
		return nil, err
	}
	tx.read = true
	tx.readVersion = t.Version
	return t, nil
}

func (tx *pgTx) Update(ticket *domain.Ticket) {
	tx.updated = ticket.Clone()
}

func (tx *pgTx) AppendStateLog(entry domain.StateLogEntry) {
	tx.logs = append(tx.logs, entry)
}

// RunTransaction re-runs fn until its write lands on the version it read.
// The ticket row and its state log entries commit in one database
// transaction.
func (r *TicketStore) RunTransaction(ctx context.Context, ticketID string, fn store.TxFunc) error {
	for attempt := 0; attempt < store.MaxTransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &pgTx{store: r, ticketID: ticketID}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if tx.updated == nil && len(tx.logs) == 0 {
			return nil
		}
		if !tx.read {
			return fmt.Errorf("store: transaction on %s wrote without reading", ticketID)
		}
		committed, err := r.commit(ctx, tx)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
		r.logger.Debug("optimistic write lost, retrying", zap.String("ticket_id", ticketID), zap.Int("attempt", attempt+1))
	}
	return store.ErrContention
}

func (r *TicketStore) commit(ctx context.Context, tx *pgTx) (bool, error) {
	dbTx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = dbTx.Rollback(ctx) }()

	if tx.updated != nil {
		next := tx.updated
		if err := store.CheckWritable(next); err != nil {
			return false, err
		}
		next.ID = tx.ticketID
		next.Version = tx.readVersion + 1
		doc, err := encodeTicket(next)
		if err != nil {
			return false, err
		}
		const update = `
            UPDATE tickets SET status=$1, sector=$2, assignee_uid=$3, version=$4, document=$5, updated_at=NOW()
            WHERE id=$6 AND version=$7`
		cmd, err := dbTx.Exec(ctx, update,
			next.Status,
			next.Sector,
			assigneeUID(next),
			next.Version,
			doc,
			tx.ticketID,
			tx.readVersion,
		)
		if err != nil {
			return false, err
		}
		if cmd.RowsAffected() == 0 {
			return false, nil
		}
	} else {
		// Log-only transactions still require the version they read.
		var version int64
		err := dbTx.QueryRow(ctx, `SELECT version FROM tickets WHERE id=$1 FOR UPDATE`, tx.ticketID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, store.ErrNotFound
		}
		if err != nil {
			return false, err
		}
		if version != tx.readVersion {
			return false, nil
		}
	}

	for i := range tx.logs {
		if err := insertStateLog(ctx, dbTx, &tx.logs[i]); err != nil {
			return false, err
		}
	}
	if err := dbTx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AppendTimeline adds one event without touching any other field. Terminal
// tickets are rejected with store.ErrTerminal.
func (r *TicketStore) AppendTimeline(ctx context.Context, ticketID string, event domain.TimelineEvent) error {
	return r.RunTransaction(ctx, ticketID, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return store.ErrTerminal
		}
		t.AppendTimeline(event)
		tx.Update(t)
		return nil
	})
}

func encodeTicket(t *domain.Ticket) ([]byte, error) {
	return json.Marshal(t)
}

// scanTicket decodes one row. The status column wins over the document
// and is read tolerantly, so rows written with legacy spellings still load.
func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		id      string
		status  string
		version int64
		doc     []byte
	)
	if err := row.Scan(&id, &status, &version, &doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return decodeTicket(id, status, version, doc)
}

func decodeTicket(id, status string, version int64, doc []byte) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &ticket); err != nil {
			return nil, fmt.Errorf("decode ticket %s: %w", id, err)
		}
	}
	ticket.ID = id
	ticket.Version = version
	if normalized, ok := domain.NormalizeStatus(status); ok {
		ticket.Status = normalized
	} else {
		ticket.Status = domain.TicketStatus(status)
	}
	return &ticket, nil
}

func assigneeUID(t *domain.Ticket) *string {
	if t.AssignedOperator == nil {
		return nil
	}
	uid := t.AssignedOperator.UID
	return &uid
}
