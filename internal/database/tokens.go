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

// InsertSeenToken appends a token to the single-use ledger. The unique
// constraint is the enforcement mechanism: a duplicate insert returns
// ErrTokenReuse.
func (q *Queries) InsertSeenToken(ctx context.Context, t *models.SeenToken) error {
	query := q.rebind(`INSERT INTO seen_tokens (id, token, auditmeta, created_at) VALUES (?, ?, ?, ?)`)

	_, err := q.q.ExecContext(ctx, query, t.ID, t.Token, t.AuditMeta, t.CreatedAt)
	if err != nil {
		if errors.Is(wrapUnique(err), ErrUniqueViolation) {
			return fmt.Errorf("%w: token already seen", errs.ErrTokenReuse)
		}
		return err
	}
	return nil
}

// CreateLoginCode persists a fresh login code. A code collision returns
// ErrUniqueViolation so that the generator can retry.
func (q *Queries) CreateLoginCode(ctx context.Context, c *models.LoginCode) error {
	query := q.rebind(`INSERT INTO login_codes (id, code, claims, used_on, auditmeta, created_at) VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := q.q.ExecContext(ctx, query, c.ID, c.Code, c.Claims, c.UsedOn, c.AuditMeta, c.CreatedAt)
	return wrapUnique(err)
}

// GetLoginCode retrieves a login code row regardless of its used state.
func (q *Queries) GetLoginCode(ctx context.Context, code string) (*models.LoginCode, error) {
	query := q.rebind(`SELECT id, code, claims, used_on, auditmeta, created_at FROM login_codes WHERE code = ?`)

	var c models.LoginCode
	err := q.q.QueryRowContext(ctx, query, code).Scan(
		&c.ID, &c.Code, &c.Claims, &c.UsedOn, &c.AuditMeta, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// MarkLoginCodeUsed stamps used_on. The used_on IS NULL guard makes the
// redemption single-use; a second redemption returns ErrTokenReuse.
func (q *Queries) MarkLoginCodeUsed(ctx context.Context, code string, now time.Time) error {
	query := q.rebind(`UPDATE login_codes SET used_on = ? WHERE code = ? AND used_on IS NULL`)

	res, err := q.q.ExecContext(ctx, query, now, code)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := q.GetLoginCode(ctx, code); err != nil {
			return err
		}
		return fmt.Errorf("%w: login code already used", errs.ErrTokenReuse)
	}
	return nil
}
