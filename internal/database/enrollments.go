package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pvarki/rasenmaeher/internal/database/models"
	"github.com/pvarki/rasenmaeher/internal/errs"
)

const enrollmentColumns = `id, callsign, approvecode, state, pool_id, person_id, decided_by, decided_on, extra, created_at, updated_at`

func scanEnrollment(row *sql.Row) (*models.Enrollment, error) {
	var e models.Enrollment
	err := row.Scan(
		&e.ID, &e.Callsign, &e.ApproveCode, &e.State, &e.PoolID, &e.PersonID,
		&e.DecidedBy, &e.DecidedOn, &e.Extra, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CreateEnrollment inserts a new PENDING enrollment. A callsign or
// approve-code collision returns ErrUniqueViolation.
func (q *Queries) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	query := q.rebind(`INSERT INTO enrollments (id, callsign, approvecode, state, pool_id, person_id, decided_by, decided_on, extra, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := q.q.ExecContext(ctx, query,
		e.ID, e.Callsign, e.ApproveCode, e.State, e.PoolID, e.PersonID,
		e.DecidedBy, e.DecidedOn, e.Extra, e.CreatedAt, e.UpdatedAt,
	)
	return wrapUnique(err)
}

// GetEnrollmentByCallsign retrieves an enrollment by callsign.
func (q *Queries) GetEnrollmentByCallsign(ctx context.Context, callsign string) (*models.Enrollment, error) {
	query := q.rebind(`SELECT ` + enrollmentColumns + ` FROM enrollments WHERE callsign = ?`)
	return scanEnrollment(q.q.QueryRowContext(ctx, query, callsign))
}

// GetEnrollmentByApproveCode retrieves an enrollment by its approve code.
func (q *Queries) GetEnrollmentByApproveCode(ctx context.Context, code string) (*models.Enrollment, error) {
	query := q.rebind(`SELECT ` + enrollmentColumns + ` FROM enrollments WHERE approvecode = ?`)
	return scanEnrollment(q.q.QueryRowContext(ctx, query, code))
}

// ListEnrollments retrieves enrollments ordered by callsign, optionally
// filtered by state.
func (q *Queries) ListEnrollments(ctx context.Context, state string) ([]*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments`
	var args []any
	if state != "" {
		query = q.rebind(query + ` WHERE state = ?`)
		args = append(args, state)
	}
	query += ` ORDER BY callsign`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []*models.Enrollment
	for rows.Next() {
		var e models.Enrollment
		err := rows.Scan(
			&e.ID, &e.Callsign, &e.ApproveCode, &e.State, &e.PoolID, &e.PersonID,
			&e.DecidedBy, &e.DecidedOn, &e.Extra, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, &e)
	}

	return enrollments, rows.Err()
}

// UpdateEnrollmentApproveCode swaps the approve code of a PENDING
// enrollment. A code collision returns ErrUniqueViolation so that the
// generator can retry.
func (q *Queries) UpdateEnrollmentApproveCode(ctx context.Context, id, code string, now time.Time) error {
	query := q.rebind(`UPDATE enrollments SET approvecode = ?, updated_at = ? WHERE id = ? AND state = ?`)

	res, err := q.q.ExecContext(ctx, query, code, now, id, models.EnrollmentPending)
	if err != nil {
		return wrapUnique(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: enrollment is not pending", errs.ErrForbidden)
	}
	return nil
}

// DecideEnrollment transitions a PENDING enrollment to APPROVED or REJECTED.
// The WHERE state guard enforces monotonicity; deciding a non-pending
// enrollment returns ErrForbidden.
func (q *Queries) DecideEnrollment(ctx context.Context, id, state string, personID sql.NullString, decidedBy string, now time.Time) error {
	if state != models.EnrollmentApproved && state != models.EnrollmentRejected {
		return fmt.Errorf("%w: invalid decision state %q", errs.ErrValidation, state)
	}
	if state == models.EnrollmentApproved && !personID.Valid {
		return fmt.Errorf("%w: approval requires a person reference", errs.ErrValidation)
	}

	query := q.rebind(`UPDATE enrollments SET state = ?, person_id = ?, decided_by = ?, decided_on = ?, updated_at = ?
	          WHERE id = ? AND state = ?`)

	res, err := q.q.ExecContext(ctx, query, state, personID, decidedBy, now, now, id, models.EnrollmentPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: enrollment is not pending", errs.ErrForbidden)
	}
	return nil
}
