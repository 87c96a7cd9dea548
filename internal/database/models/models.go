// Package models defines the data structures for database entities in RM.
// It includes models for persons, roles, enrollment pools, enrollments, and
// the single-use token ledgers, representing the core data model for the
// enrollment and credential lifecycle.
package models

import (
	"database/sql"
	"time"
)

// Enrollment states. Transitions only go PENDING -> APPROVED or
// PENDING -> REJECTED; both decided states are terminal.
const (
	EnrollmentPending  = "PENDING"
	EnrollmentApproved = "APPROVED"
	EnrollmentRejected = "REJECTED"
)

// Person represents an enrolled human identity with an mTLS certificate.
// Callsign is immutable once set and doubles as the certificate CN.
type Person struct {
	ID           string         `db:"id" json:"id"`
	Callsign     string         `db:"callsign" json:"callsign"`
	CertsPath    string         `db:"certspath" json:"certspath"`
	Extra        string         `db:"extra" json:"extra"`
	RevokeReason sql.NullString `db:"revoke_reason" json:"revoke_reason"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
	DeletedAt    sql.NullTime   `db:"deleted_at" json:"deleted_at"`
}

// Deleted reports whether the person has been soft-deleted (revoked).
func (p *Person) Deleted() bool {
	return p.DeletedAt.Valid
}

// Role represents one role granted to a person. The (person_id, role_name)
// pair is unique.
type Role struct {
	ID        string    `db:"id" json:"id"`
	PersonID  string    `db:"person_id" json:"person_id"`
	RoleName  string    `db:"role_name" json:"role_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EnrollmentPool represents an admin-issued invite code that lets holders
// self-start enrollments. The invite code is unique across live and
// soft-deleted rows.
type EnrollmentPool struct {
	ID         string       `db:"id" json:"id"`
	OwnerID    string       `db:"owner_id" json:"owner_id"`
	InviteCode string       `db:"invitecode" json:"invitecode"`
	Active     bool         `db:"active" json:"active"`
	Extra      string       `db:"extra" json:"extra"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
	DeletedAt  sql.NullTime `db:"deleted_at" json:"deleted_at"`
}

// Deleted reports whether the pool has been soft-deleted.
func (p *EnrollmentPool) Deleted() bool {
	return p.DeletedAt.Valid
}

// Enrollment represents a request for a callsign awaiting decision.
// Enrollments are never deleted; they only change state.
type Enrollment struct {
	ID          string         `db:"id" json:"id"`
	Callsign    string         `db:"callsign" json:"callsign"`
	ApproveCode string         `db:"approvecode" json:"approvecode"`
	State       string         `db:"state" json:"state"`
	PoolID      sql.NullString `db:"pool_id" json:"pool_id"`
	PersonID    sql.NullString `db:"person_id" json:"person_id"`
	DecidedBy   sql.NullString `db:"decided_by" json:"decided_by"`
	DecidedOn   sql.NullTime   `db:"decided_on" json:"decided_on"`
	Extra       string         `db:"extra" json:"extra"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// SeenToken is one entry in the append-only single-use nonce ledger.
// Inserting a duplicate token fails; rows are never deleted.
type SeenToken struct {
	ID        string    `db:"id" json:"id"`
	Token     string    `db:"token" json:"token"`
	AuditMeta string    `db:"auditmeta" json:"auditmeta"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// LoginCode is a short alphanumeric code exchangeable once for a session JWT
// carrying the stored claims.
type LoginCode struct {
	ID        string       `db:"id" json:"id"`
	Code      string       `db:"code" json:"code"`
	Claims    string       `db:"claims" json:"claims"`
	UsedOn    sql.NullTime `db:"used_on" json:"used_on"`
	AuditMeta string       `db:"auditmeta" json:"auditmeta"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
