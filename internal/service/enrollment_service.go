package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/database"
	"github.com/pvarki/rasenmaeher/internal/database/models"
	"github.com/pvarki/rasenmaeher/internal/errs"
	"github.com/pvarki/rasenmaeher/internal/manifest"
)

// EnrollmentService owns the invite pool lifecycle and the enrollment
// approval state machine.
type EnrollmentService struct {
	db       *database.Database
	persons  *PersonService
	manifest *manifest.Manifest
	logger   *zap.Logger
}

// NewEnrollmentService creates a new enrollment service.
func NewEnrollmentService(db *database.Database, persons *PersonService, m *manifest.Manifest, logger *zap.Logger) *EnrollmentService {
	return &EnrollmentService{
		db:       db,
		persons:  persons,
		manifest: m,
		logger:   logger,
	}
}

// CreatePool creates an enrollment pool owned by a person, with a fresh
// unique invite code.
func (s *EnrollmentService) CreatePool(ctx context.Context, ownerID, extra string) (*models.EnrollmentPool, error) {
	if extra == "" {
		extra = "{}"
	}

	// Each attempt is its own statement: postgres aborts the surrounding
	// transaction on a unique violation, so retrying inside one would fail.
	var pool *models.EnrollmentPool
	q := s.db.Queries()
	for attempt := 0; pool == nil; attempt++ {
		if attempt >= maxCodeAttempts {
			return nil, fmt.Errorf("invite code generator exhausted after %d attempts", maxCodeAttempts)
		}
		code, err := generateCode(inviteCodeLength, false)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		candidate := &models.EnrollmentPool{
			ID:         uuid.New().String(),
			OwnerID:    ownerID,
			InviteCode: code,
			Active:     true,
			Extra:      extra,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		err = q.CreatePool(ctx, candidate)
		if errors.Is(err, database.ErrUniqueViolation) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pool = candidate
	}

	s.logger.Info("Enrollment pool created",
		zap.String("id", pool.ID), zap.String("invitecode", pool.InviteCode))
	return pool, nil
}

// PoolByInviteCode returns the live pool with the given invite code.
func (s *EnrollmentService) PoolByInviteCode(ctx context.Context, code string) (*models.EnrollmentPool, error) {
	return s.db.Queries().GetPoolByInviteCode(ctx, code, false)
}

// ListPools returns pools ordered by creation time.
func (s *EnrollmentService) ListPools(ctx context.Context, includeDeleted bool) ([]*models.EnrollmentPool, error) {
	return s.db.Queries().ListPools(ctx, includeDeleted)
}

// SetPoolActive toggles a pool's active flag by invite code.
func (s *EnrollmentService) SetPoolActive(ctx context.Context, code string, active bool) error {
	pool, err := s.PoolByInviteCode(ctx, code)
	if err != nil {
		return err
	}
	return s.db.Queries().SetPoolActive(ctx, pool.ID, active, time.Now())
}

// ResetInviteCode swaps the pool's invite code for a fresh unique one.
func (s *EnrollmentService) ResetInviteCode(ctx context.Context, code string) (string, error) {
	pool, err := s.PoolByInviteCode(ctx, code)
	if err != nil {
		return "", err
	}

	q := s.db.Queries()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		candidate, err := generateCode(inviteCodeLength, false)
		if err != nil {
			return "", err
		}
		err = q.UpdatePoolInviteCode(ctx, pool.ID, candidate, time.Now())
		if errors.Is(err, database.ErrUniqueViolation) {
			continue
		}
		if err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("invite code generator exhausted after %d attempts", maxCodeAttempts)
}

// DeletePool soft-deletes a pool. Its invite code stays reserved and new
// enrollments through it are refused.
func (s *EnrollmentService) DeletePool(ctx context.Context, code string) error {
	pool, err := s.PoolByInviteCode(ctx, code)
	if err != nil {
		return err
	}
	return s.db.Queries().SoftDeletePool(ctx, pool.ID, time.Now())
}

// CreateForCallsign starts a PENDING enrollment for a callsign, optionally
// through an invite pool. The callsign must not be a reserved product CN,
// a live or revoked person, or an existing enrollment.
func (s *EnrollmentService) CreateForCallsign(ctx context.Context, callsign, inviteCode, extra string) (*models.Enrollment, error) {
	if callsign == "" {
		return nil, fmt.Errorf("%w: callsign must not be empty", errs.ErrValidation)
	}
	if s.manifest.IsReservedCN(callsign) {
		return nil, fmt.Errorf("%w: callsign %s is a reserved product CN", errs.ErrCallsignReserved, callsign)
	}

	var poolID sql.NullString
	if inviteCode != "" {
		pool, err := s.db.Queries().GetPoolByInviteCode(ctx, inviteCode, true)
		if err != nil {
			return nil, err
		}
		if pool.Deleted() || !pool.Active {
			return nil, fmt.Errorf("%w: invite code %s is disabled", errs.ErrPoolInactive, inviteCode)
		}
		poolID = sql.NullString{String: pool.ID, Valid: true}
		if extra == "" {
			extra = pool.Extra
		}
	}
	if extra == "" {
		extra = "{}"
	}

	// Taken by a live or revoked person?
	if _, err := s.db.Queries().GetPersonByCallsign(ctx, callsign, true); err == nil {
		return nil, fmt.Errorf("%w: callsign %s is taken", errs.ErrCallsignReserved, callsign)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	var enrollment *models.Enrollment
	q := s.db.Queries()
	for attempt := 0; enrollment == nil; attempt++ {
		if attempt >= maxCodeAttempts {
			return nil, fmt.Errorf("approve code generator exhausted after %d attempts", maxCodeAttempts)
		}
		code, err := generateCode(approveCodeLength, true)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		candidate := &models.Enrollment{
			ID:          uuid.New().String(),
			Callsign:    callsign,
			ApproveCode: code,
			State:       models.EnrollmentPending,
			PoolID:      poolID,
			Extra:       extra,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = q.CreateEnrollment(ctx, candidate)
		if errors.Is(err, database.ErrUniqueViolation) {
			// A callsign collision is not a code collision; re-read to tell
			if _, getErr := q.GetEnrollmentByCallsign(ctx, callsign); getErr == nil {
				return nil, fmt.Errorf("%w: callsign %s is taken", errs.ErrCallsignReserved, callsign)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		enrollment = candidate
	}

	s.logger.Info("Enrollment created", zap.String("callsign", callsign))
	return enrollment, nil
}

// ByCallsign returns an enrollment by callsign.
func (s *EnrollmentService) ByCallsign(ctx context.Context, callsign string) (*models.Enrollment, error) {
	return s.db.Queries().GetEnrollmentByCallsign(ctx, callsign)
}

// ByApproveCode returns the enrollment the approve code belongs to without
// consuming anything.
func (s *EnrollmentService) ByApproveCode(ctx context.Context, code string) (*models.Enrollment, error) {
	return s.db.Queries().GetEnrollmentByApproveCode(ctx, code)
}

// List returns enrollments ordered by callsign, optionally filtered by
// state.
func (s *EnrollmentService) List(ctx context.Context, state string) ([]*models.Enrollment, error) {
	return s.db.Queries().ListEnrollments(ctx, state)
}

// ResetApproveCode swaps a pending enrollment's approve code for a fresh
// unique one and returns it.
func (s *EnrollmentService) ResetApproveCode(ctx context.Context, callsign string) (string, error) {
	enrollment, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return "", err
	}

	q := s.db.Queries()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		candidate, err := generateCode(approveCodeLength, true)
		if err != nil {
			return "", err
		}
		err = q.UpdateEnrollmentApproveCode(ctx, enrollment.ID, candidate, time.Now())
		if errors.Is(err, database.ErrUniqueViolation) {
			continue
		}
		if err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("approve code generator exhausted after %d attempts", maxCodeAttempts)
}

// Approve transitions a PENDING enrollment to APPROVED and creates the
// person with certificate in the same transaction. The submitted approve
// code must equal the stored one.
func (s *EnrollmentService) Approve(ctx context.Context, callsign, approveCode, decidedBy string) (*models.Person, error) {
	enrollment, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return nil, err
	}
	if enrollment.State != models.EnrollmentPending {
		return nil, fmt.Errorf("%w: enrollment is not pending", errs.ErrForbidden)
	}
	if approveCode != enrollment.ApproveCode {
		return nil, fmt.Errorf("%w: approve code does not match", errs.ErrForbidden)
	}

	var person *models.Person
	err = s.db.WithTx(ctx, func(q *database.Queries) error {
		p, err := s.persons.createInTx(ctx, q, enrollment.Callsign, enrollment.Extra)
		person = p
		if err != nil {
			return err
		}
		return q.DecideEnrollment(ctx, enrollment.ID, models.EnrollmentApproved,
			sql.NullString{String: p.ID, Valid: true}, decidedBy, time.Now())
	})
	if err != nil {
		if person != nil {
			if rmErr := os.RemoveAll(person.CertsPath); rmErr != nil {
				s.logger.Error("Failed to remove credential directory after rollback",
					zap.String("path", person.CertsPath), zap.Error(rmErr))
			}
		}
		return nil, err
	}

	s.logger.Info("Enrollment approved",
		zap.String("callsign", callsign), zap.String("decided_by", decidedBy))
	s.persons.notifyUserEvent("created", person)
	return person, nil
}

// Reject transitions a PENDING enrollment to REJECTED.
func (s *EnrollmentService) Reject(ctx context.Context, callsign, decidedBy string) error {
	enrollment, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return err
	}

	err = s.db.Queries().DecideEnrollment(ctx, enrollment.ID, models.EnrollmentRejected,
		sql.NullString{}, decidedBy, time.Now())
	if err != nil {
		return err
	}

	s.logger.Info("Enrollment rejected",
		zap.String("callsign", callsign), zap.String("decided_by", decidedBy))
	return nil
}
