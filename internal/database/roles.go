package database

import (
	"context"
	"errors"

	"github.com/pvarki/rasenmaeher/internal/database/models"
)

// AssignRole grants a role to a person. It returns false without error if the
// person already holds the role.
func (q *Queries) AssignRole(ctx context.Context, role *models.Role) (bool, error) {
	query := q.rebind(`INSERT INTO roles (id, person_id, role_name, created_at) VALUES (?, ?, ?, ?)`)

	_, err := q.q.ExecContext(ctx, query, role.ID, role.PersonID, role.RoleName, role.CreatedAt)
	if err != nil {
		if errors.Is(wrapUnique(err), ErrUniqueViolation) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemoveRole removes a role from a person. It returns false without error if
// the person did not hold the role.
func (q *Queries) RemoveRole(ctx context.Context, personID, roleName string) (bool, error) {
	query := q.rebind(`DELETE FROM roles WHERE person_id = ? AND role_name = ?`)

	res, err := q.q.ExecContext(ctx, query, personID, roleName)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetRoles returns the role names held by a person, ordered by name.
func (q *Queries) GetRoles(ctx context.Context, personID string) ([]string, error) {
	query := q.rebind(`SELECT role_name FROM roles WHERE person_id = ? ORDER BY role_name`)

	rows, err := q.q.QueryContext(ctx, query, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		roles = append(roles, name)
	}

	return roles, rows.Err()
}

// HasRole reports whether a person holds the given role.
func (q *Queries) HasRole(ctx context.Context, personID, roleName string) (bool, error) {
	query := q.rebind(`SELECT COUNT(*) FROM roles WHERE person_id = ? AND role_name = ?`)

	var count int
	if err := q.q.QueryRowContext(ctx, query, personID, roleName).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
