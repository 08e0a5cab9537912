package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/live-desk/internal/domain"
	apperrors "github.com/spec-kit/live-desk/pkg/util/errorutil"
)

// OperatorRepository handles persistence for operator accounts.
type OperatorRepository interface {
	Create(ctx context.Context, op *domain.Operator) error
	Update(ctx context.Context, op *domain.Operator) error
	GetByID(ctx context.Context, id string) (*domain.Operator, error)
	GetByEmail(ctx context.Context, email string) (*domain.Operator, error)
	List(ctx context.Context, filter OperatorFilter) ([]domain.Operator, error)
}

// OperatorFilter defines query params for operator listing.
type OperatorFilter struct {
	Role   *domain.Role
	Sector *string
	Active *bool
	Limit  int
	Offset int
}

func (f OperatorFilter) matches(op *domain.Operator) bool {
	if f.Role != nil && op.Role != *f.Role {
		return false
	}
	if f.Sector != nil && op.Sector != *f.Sector {
		return false
	}
	if f.Active != nil && op.Active != *f.Active {
		return false
	}
	return true
}

func operatorNotFound(key, value string) error {
	return apperrors.NewNotFound("operator", map[string]any{key: value})
}

type operatorRepository struct {
	pool *pgxpool.Pool
}

// NewOperatorRepository instantiates the Postgres repository.
func NewOperatorRepository(pool *pgxpool.Pool) OperatorRepository {
	return &operatorRepository{pool: pool}
}

func (r *operatorRepository) Create(ctx context.Context, op *domain.Operator) error {
	const query = `
        INSERT INTO operators (name, email, password_hash, role, sector, active_flag)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING id, created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		op.Name,
		strings.ToLower(op.Email),
		op.PasswordHash,
		op.Role,
		op.Sector,
		op.Active,
	).Scan(&op.ID, &op.CreatedAt, &op.UpdatedAt)
}

func (r *operatorRepository) Update(ctx context.Context, op *domain.Operator) error {
	const query = `
        UPDATE operators
        SET name=$1, email=$2, password_hash=$3, role=$4, sector=$5, active_flag=$6, updated_at=NOW()
        WHERE id=$7`

	cmd, err := r.pool.Exec(ctx, query,
		op.Name,
		strings.ToLower(op.Email),
		op.PasswordHash,
		op.Role,
		op.Sector,
		op.Active,
		op.ID,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return operatorNotFound("id", op.ID)
	}
	return nil
}

const operatorColumns = `id, name, email, password_hash, role, sector, active_flag, created_at, updated_at`

func (r *operatorRepository) GetByID(ctx context.Context, id string) (*domain.Operator, error) {
	op, err := scanOperator(r.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, operatorNotFound("id", id)
	}
	return op, err
}

func (r *operatorRepository) GetByEmail(ctx context.Context, email string) (*domain.Operator, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	op, err := scanOperator(r.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE email=$1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, operatorNotFound("email", email)
	}
	return op, err
}

func (r *operatorRepository) List(ctx context.Context, filter OperatorFilter) ([]domain.Operator, error) {
	query := `SELECT ` + operatorColumns + ` FROM operators`
	args := []any{}
	clauses := []string{}

	if filter.Role != nil {
		args = append(args, *filter.Role)
		clauses = append(clauses, fmt.Sprintf("role=$%d", len(args)))
	}
	if filter.Sector != nil {
		args = append(args, *filter.Sector)
		clauses = append(clauses, fmt.Sprintf("sector=$%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		clauses = append(clauses, fmt.Sprintf("active_flag=$%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY created_at DESC"
	limit, offset := pageBounds(filter.Limit, filter.Offset)
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *op)
	}
	return result, rows.Err()
}

func scanOperator(row pgx.Row) (*domain.Operator, error) {
	var op domain.Operator
	if err := row.Scan(
		&op.ID,
		&op.Name,
		&op.Email,
		&op.PasswordHash,
		&op.Role,
		&op.Sector,
		&op.Active,
		&op.CreatedAt,
		&op.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &op, nil
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// MemoryOperators is an in-process OperatorRepository used with the memory
// store driver.
type MemoryOperators struct {
	mu  sync.RWMutex
	ops map[string]*domain.Operator
	now func() time.Time
}

var _ OperatorRepository = (*MemoryOperators)(nil)

// NewMemoryOperators creates an empty directory.
func NewMemoryOperators() *MemoryOperators {
	return &MemoryOperators{ops: make(map[string]*domain.Operator), now: time.Now}
}

func (m *MemoryOperators) Create(_ context.Context, op *domain.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op.Email = strings.ToLower(op.Email)
	for _, existing := range m.ops {
		if existing.Email == op.Email {
			return apperrors.NewConflict("email already registered", map[string]any{"email": op.Email})
		}
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.CreatedAt = m.now().UTC()
	op.UpdatedAt = op.CreatedAt
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *MemoryOperators) Update(_ context.Context, op *domain.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; !ok {
		return operatorNotFound("id", op.ID)
	}
	op.Email = strings.ToLower(op.Email)
	op.UpdatedAt = m.now().UTC()
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *MemoryOperators) GetByID(_ context.Context, id string) (*domain.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, operatorNotFound("id", id)
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryOperators) GetByEmail(_ context.Context, email string) (*domain.Operator, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, op := range m.ops {
		if op.Email == email {
			cp := *op
			return &cp, nil
		}
	}
	return nil, operatorNotFound("email", email)
}

func (m *MemoryOperators) List(_ context.Context, filter OperatorFilter) ([]domain.Operator, error) {
	m.mu.RLock()
	result := make([]domain.Operator, 0, len(m.ops))
	for _, op := range m.ops {
		if filter.matches(op) {
			result = append(result, *op)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	limit, offset := pageBounds(filter.Limit, filter.Offset)
	if offset >= len(result) {
		return []domain.Operator{}, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
