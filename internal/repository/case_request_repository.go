package repository

import (
	"context"

	"github.com/spec-kit/live-desk/internal/domain"
)

func (r *TicketStore) CreateCaseRequest(ctx context.Context, req *domain.CaseRequest) error {
	const query = `
        INSERT INTO case_requests (title, description, priority, target_operator_uid, requested_by_uid, requested_by_name, requested_by_role, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query,
		req.Title,
		req.Description,
		req.Priority,
		req.TargetOperatorUID,
		req.RequestedBy.UID,
		req.RequestedBy.Name,
		req.RequestedBy.Role,
		r.ServerTime(),
	).Scan(&req.ID, &req.CreatedAt)
}

// ListCaseRequests returns the most recent case requests first.
func (r *TicketStore) ListCaseRequests(ctx context.Context, limit int) ([]domain.CaseRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
        SELECT id, title, description, priority, target_operator_uid, requested_by_uid, requested_by_name, requested_by_role, created_at
        FROM case_requests ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.CaseRequest, 0)
	for rows.Next() {
		var req domain.CaseRequest
		if err := rows.Scan(
			&req.ID,
			&req.Title,
			&req.Description,
			&req.Priority,
			&req.TargetOperatorUID,
			&req.RequestedBy.UID,
			&req.RequestedBy.Name,
			&req.RequestedBy.Role,
			&req.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}
