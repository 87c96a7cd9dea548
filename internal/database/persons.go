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

const personColumns = `id, callsign, certspath, extra, revoke_reason, created_at, updated_at, deleted_at`

func scanPerson(row *sql.Row) (*models.Person, error) {
	var p models.Person
	err := row.Scan(
		&p.ID, &p.Callsign, &p.CertsPath, &p.Extra, &p.RevokeReason,
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

// CreatePerson inserts a new person row. A callsign or certspath collision
// returns ErrUniqueViolation.
func (q *Queries) CreatePerson(ctx context.Context, p *models.Person) error {
	query := q.rebind(`INSERT INTO persons (id, callsign, certspath, extra, revoke_reason, created_at, updated_at, deleted_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := q.q.ExecContext(ctx, query,
		p.ID, p.Callsign, p.CertsPath, p.Extra, p.RevokeReason,
		p.CreatedAt, p.UpdatedAt, p.DeletedAt,
	)
	return wrapUnique(err)
}

// GetPersonByID retrieves a person by primary key. Soft-deleted persons
// return ErrDeleted unless includeDeleted is set.
func (q *Queries) GetPersonByID(ctx context.Context, id string, includeDeleted bool) (*models.Person, error) {
	query := q.rebind(`SELECT ` + personColumns + ` FROM persons WHERE id = ?`)

	p, err := scanPerson(q.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if p.Deleted() && !includeDeleted {
		return nil, errs.ErrDeleted
	}
	return p, nil
}

// GetPersonByCallsign retrieves a person by callsign. Soft-deleted persons
// return ErrDeleted unless includeDeleted is set.
func (q *Queries) GetPersonByCallsign(ctx context.Context, callsign string, includeDeleted bool) (*models.Person, error) {
	query := q.rebind(`SELECT ` + personColumns + ` FROM persons WHERE callsign = ?`)

	p, err := scanPerson(q.q.QueryRowContext(ctx, query, callsign))
	if err != nil {
		return nil, err
	}
	if p.Deleted() && !includeDeleted {
		return nil, errs.ErrDeleted
	}
	return p, nil
}

// ListPersons retrieves persons ordered by callsign. Soft-deleted rows are
// excluded unless includeDeleted is set.
func (q *Queries) ListPersons(ctx context.Context, includeDeleted bool) ([]*models.Person, error) {
	query := `SELECT ` + personColumns + ` FROM persons`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY callsign`

	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []*models.Person
	for rows.Next() {
		var p models.Person
		err := rows.Scan(
			&p.ID, &p.Callsign, &p.CertsPath, &p.Extra, &p.RevokeReason,
			&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
		)
		if err != nil {
			return nil, err
		}
		persons = append(persons, &p)
	}

	return persons, rows.Err()
}

// UpdatePersonExtra replaces the person's extra map.
func (q *Queries) UpdatePersonExtra(ctx context.Context, id, extra string, now time.Time) error {
	query := q.rebind(`UPDATE persons SET extra = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)

	res, err := q.q.ExecContext(ctx, query, extra, now, id)
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

// RevokePerson soft-deletes a person and records the revocation reason.
// Revoking an already-deleted person returns ErrDeleted.
func (q *Queries) RevokePerson(ctx context.Context, id, reason string, now time.Time) error {
	if reason == "" {
		return fmt.Errorf("%w: revoke reason must not be empty", errs.ErrValidation)
	}

	query := q.rebind(`UPDATE persons SET deleted_at = ?, revoke_reason = ?, updated_at = ?
	          WHERE id = ? AND deleted_at IS NULL`)

	res, err := q.q.ExecContext(ctx, query, now, reason, now, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish missing from already revoked
		if _, err := q.GetPersonByID(ctx, id, true); err != nil {
			return err
		}
		return errs.ErrDeleted
	}
	return nil
}
