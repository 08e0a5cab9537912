package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/live-desk/internal/domain"
)

// insertStateLog writes one audit entry inside the transaction that
// changes the ticket status.
func insertStateLog(ctx context.Context, tx pgx.Tx, entry *domain.StateLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const query = `
        INSERT INTO ticket_state_logs (id, ticket_id, from_status, to_status, actor_uid, actor_name, actor_role, justification, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := tx.Exec(ctx, query,
		entry.ID,
		entry.TicketID,
		entry.From,
		entry.To,
		entry.Actor.UID,
		entry.Actor.Name,
		entry.Actor.Role,
		entry.Justification,
		entry.CreatedAt,
	)
	return err
}

func (r *TicketStore) ListStateLogs(ctx context.Context, ticketID string) ([]domain.StateLogEntry, error) {
	const query = `
        SELECT id, ticket_id, from_status, to_status, actor_uid, actor_name, actor_role, justification, created_at
        FROM ticket_state_logs WHERE ticket_id=$1 ORDER BY created_at ASC, seq ASC`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StateLogEntry, 0)
	for rows.Next() {
		var entry domain.StateLogEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.TicketID,
			&entry.From,
			&entry.To,
			&entry.Actor.UID,
			&entry.Actor.Name,
			&entry.Actor.Role,
			&entry.Justification,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}
