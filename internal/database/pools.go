package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pvarki/rasenmaeher/internal/database/models"
	"github.com/pvarki/rasenmaeher/internal/errs"
)

const poolColumns = `id, owner_id, invitecode, active, extra, created_at, updated_at, deleted_at`

func scanPool(row *sql.Row) (*models.EnrollmentPool, error) {
	var p models.EnrollmentPool
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.InviteCode, &p.Active, &p.Extra,
		&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreatePool inserts a new enrollment pool. An invite-code collision returns
// ErrUniqueViolation.
func (q *Queries) CreatePool(ctx context.Context, p *models.EnrollmentPool) error {
	query := q.rebind(`INSERT INTO enrollment_pools (id, owner_id, invitecode, active, extra, created_at, updated_at, deleted_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := q.q.ExecContext(ctx, query,
		p.ID, p.OwnerID, p.InviteCode, p.Active, p.Extra,
		p.CreatedAt, p.UpdatedAt, p.DeletedAt,
	)
	return wrapUnique(err)
}

// GetPoolByID retrieves a pool by primary key.
func (q *Queries) GetPoolByID(ctx context.Context, id string, includeDeleted bool) (*models.EnrollmentPool, error) {
	query := q.rebind(`SELECT ` + poolColumns + ` FROM enrollment_pools WHERE id = ?`)

	p, err := scanPool(q.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if p.Deleted() && !includeDeleted {
		return nil, errs.ErrDeleted
	}
	return p, nil
}

// GetPoolByInviteCode retrieves a pool by its invite code.
func (q *Queries) GetPoolByInviteCode(ctx context.Context, code string, includeDeleted bool) (*models.EnrollmentPool, error) {
	query := q.rebind(`SELECT ` + poolColumns + ` FROM enrollment_pools WHERE invitecode = ?`)

	p, err := scanPool(q.q.QueryRowContext(ctx, query, code))
	if err != nil {
		return nil, err
	}
	if p.Deleted() && !includeDeleted {
		return nil, errs.ErrDeleted
	}
	return p, nil
}

// ListPools retrieves pools ordered by creation time.
func (q *Queries) ListPools(ctx context.Context, includeDeleted bool) ([]*models.EnrollmentPool, error) {
	query := `SELECT ` + poolColumns + ` FROM enrollment_pools`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []*models.EnrollmentPool
	for rows.Next() {
		var p models.EnrollmentPool
		err := rows.Scan(
			&p.ID, &p.OwnerID, &p.InviteCode, &p.Active, &p.Extra,
			&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
		)
		if err != nil {
			return nil, err
		}
		pools = append(pools, &p)
	}

	return pools, rows.Err()
}

// SetPoolActive toggles a pool's active flag.
func (q *Queries) SetPoolActive(ctx context.Context, id string, active bool, now time.Time) error {
	query := q.rebind(`UPDATE enrollment_pools SET active = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)

	res, err := q.q.ExecContext(ctx, query, active, now, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdatePoolInviteCode swaps the pool's invite code. A collision with an
// existing code returns ErrUniqueViolation.
func (q *Queries) UpdatePoolInviteCode(ctx context.Context, id, code string, now time.Time) error {
	query := q.rebind(`UPDATE enrollment_pools SET invitecode = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)

	res, err := q.q.ExecContext(ctx, query, code, now, id)
	if err != nil {
		return wrapUnique(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SoftDeletePool marks a pool deleted. Deleted pools refuse new enrollments
// but keep their invite code reserved.
func (q *Queries) SoftDeletePool(ctx context.Context, id string, now time.Time) error {
	query := q.rebind(`UPDATE enrollment_pools SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)

	res, err := q.q.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errs.ErrNotFound
	}
	return nil
}
