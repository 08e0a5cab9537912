package repository

import (
	"context"

	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/store"
)

// AddMessage appends a chat line. Timestamps never go backwards within a
// ticket; ties are ordered by the sequence column.
func (r *TicketStore) AddMessage(ctx context.Context, msg *domain.Message) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id=$1)`, msg.TicketID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}

	const query = `
        INSERT INTO ticket_messages (ticket_id, author_role, author_uid, body, created_at)
        VALUES ($1,$2,$3,$4, GREATEST($5, COALESCE((SELECT MAX(created_at) FROM ticket_messages WHERE ticket_id=$1), $5)))
        RETURNING id, seq, created_at`
	return r.pool.QueryRow(ctx, query,
		msg.TicketID,
		msg.Author,
		msg.AuthorUID,
		msg.Body,
		r.ServerTime(),
	).Scan(&msg.ID, &msg.Seq, &msg.CreatedAt)
}

func (r *TicketStore) ListMessages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	const query = `
        SELECT id, ticket_id, author_role, author_uid, body, seq, created_at
        FROM ticket_messages WHERE ticket_id=$1 ORDER BY created_at ASC, seq ASC`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Message, 0)
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.TicketID,
			&msg.Author,
			&msg.AuthorUID,
			&msg.Body,
			&msg.Seq,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
