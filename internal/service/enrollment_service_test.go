package service

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/database/models"
	"github.com/pvarki/rasenmaeher/internal/errs"
)

func newTestEnrollmentService(t *testing.T) (*EnrollmentService, *PersonService, *fakeCA) {
	t.Helper()
	db := setupTestDB(t)
	ca := newFakeCA(t)
	persons, _ := newTestPersonService(t, db, ca)
	enrollments := NewEnrollmentService(db, persons, testManifest(), zap.NewNop())
	return enrollments, persons, ca
}

func TestPoolLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, persons, _ := newTestEnrollmentService(t)

	owner, err := persons.CreateWithCert(ctx, "ADMIN01a", "")
	require.NoError(t, err)

	pool, err := svc.CreatePool(ctx, owner.ID, "")
	require.NoError(t, err)
	assert.Len(t, pool.InviteCode, 8)
	assert.True(t, pool.Active)

	t.Run("Deactivate blocks new enrollments", func(t *testing.T) {
		require.NoError(t, svc.SetPoolActive(ctx, pool.InviteCode, false))

		_, err := svc.CreateForCallsign(ctx, "OTTER01a", pool.InviteCode, "")
		require.ErrorIs(t, err, errs.ErrPoolInactive)
		assert.Contains(t, err.Error(), "disabled")
	})

	t.Run("Reactivate allows them again", func(t *testing.T) {
		require.NoError(t, svc.SetPoolActive(ctx, pool.InviteCode, true))
		_, err := svc.CreateForCallsign(ctx, "OTTER01a", pool.InviteCode, "")
		assert.NoError(t, err)
	})

	t.Run("Reset swaps the invite code", func(t *testing.T) {
		newCode, err := svc.ResetInviteCode(ctx, pool.InviteCode)
		require.NoError(t, err)
		assert.NotEqual(t, pool.InviteCode, newCode)

		_, err = svc.PoolByInviteCode(ctx, pool.InviteCode)
		assert.ErrorIs(t, err, errs.ErrNotFound)

		got, err := svc.PoolByInviteCode(ctx, newCode)
		require.NoError(t, err)
		assert.Equal(t, pool.ID, got.ID)
		pool.InviteCode = newCode
	})

	t.Run("Deleted pool refuses enrollments", func(t *testing.T) {
		require.NoError(t, svc.DeletePool(ctx, pool.InviteCode))
		_, err := svc.CreateForCallsign(ctx, "WEASEL01a", pool.InviteCode, "")
		assert.ErrorIs(t, err, errs.ErrPoolInactive)
	})
}

func TestCreateForCallsign(t *testing.T) {
	ctx := context.Background()
	svc, persons, _ := newTestEnrollmentService(t)

	t.Run("Creates a pending enrollment with approve code", func(t *testing.T) {
		enrollment, err := svc.CreateForCallsign(ctx, "OTTER01a", "", "")
		require.NoError(t, err)
		assert.Equal(t, models.EnrollmentPending, enrollment.State)
		assert.Len(t, enrollment.ApproveCode, 12)
		assert.NotContains(t, enrollment.ApproveCode, "0")
		assert.NotContains(t, enrollment.ApproveCode, "1")
	})

	t.Run("Duplicate callsign fails", func(t *testing.T) {
		_, err := svc.CreateForCallsign(ctx, "OTTER01a", "", "")
		assert.ErrorIs(t, err, errs.ErrCallsignReserved)
	})

	t.Run("Reserved product CN fails", func(t *testing.T) {
		_, err := svc.CreateForCallsign(ctx, "tak.sleepy-sloth.pvarki.fi", "", "")
		assert.ErrorIs(t, err, errs.ErrCallsignReserved)
	})

	t.Run("Existing person callsign fails", func(t *testing.T) {
		_, err := persons.CreateWithCert(ctx, "BADGER01a", "")
		require.NoError(t, err)

		_, err = svc.CreateForCallsign(ctx, "BADGER01a", "", "")
		assert.ErrorIs(t, err, errs.ErrCallsignReserved)
	})

	t.Run("Revoked person callsign stays reserved", func(t *testing.T) {
		require.NoError(t, persons.Revoke(ctx, "BADGER01a", "superseded"))
		_, err := svc.CreateForCallsign(ctx, "BADGER01a", "", "")
		assert.ErrorIs(t, err, errs.ErrCallsignReserved)
	})

	t.Run("Extra is inherited from the pool", func(t *testing.T) {
		owner, err := persons.CreateWithCert(ctx, "ADMIN01a", "")
		require.NoError(t, err)
		pool, err := svc.CreatePool(ctx, owner.ID, `{"unit":"recon"}`)
		require.NoError(t, err)

		enrollment, err := svc.CreateForCallsign(ctx, "STOAT01a", pool.InviteCode, "")
		require.NoError(t, err)
		assert.Equal(t, `{"unit":"recon"}`, enrollment.Extra)
	})
}

func TestApprove(t *testing.T) {
	ctx := context.Background()

	t.Run("Correct code creates the person", func(t *testing.T) {
		svc, persons, _ := newTestEnrollmentService(t)
		enrollment, err := svc.CreateForCallsign(ctx, "OTTER01a", "", "")
		require.NoError(t, err)

		person, err := svc.Approve(ctx, "OTTER01a", enrollment.ApproveCode, "ADMIN01a")
		require.NoError(t, err)
		assert.Equal(t, "OTTER01a", person.Callsign)

		got, err := svc.ByCallsign(ctx, "OTTER01a")
		require.NoError(t, err)
		assert.Equal(t, models.EnrollmentApproved, got.State)
		assert.Equal(t, person.ID, got.PersonID.String)
		assert.Equal(t, "ADMIN01a", got.DecidedBy.String)

		_, err = persons.ByCallsign(ctx, "OTTER01a")
		assert.NoError(t, err)
	})

	t.Run("Code mismatch is forbidden", func(t *testing.T) {
		svc, persons, _ := newTestEnrollmentService(t)
		_, err := svc.CreateForCallsign(ctx, "OTTER01a", "", "")
		require.NoError(t, err)

		_, err = svc.Approve(ctx, "OTTER01a", "WRONGCODE222", "ADMIN01a")
		assert.ErrorIs(t, err, errs.ErrForbidden)

		// Still pending, person not created
		got, err := svc.ByCallsign(ctx, "OTTER01a")
		require.NoError(t, err)
		assert.Equal(t, models.EnrollmentPending, got.State)
		_, err = persons.ByCallsign(ctx, "OTTER01a")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("CA failure rolls back state and files", func(t *testing.T) {
		svc, persons, ca := newTestEnrollmentService(t)
		enrollment, err := svc.CreateForCallsign(ctx, "OTTER01a", "", "")
		require.NoError(t, err)

		ca.failSigning(os.ErrPermission)
		_, err = svc.Approve(ctx, "OTTER01a", enrollment.ApproveCode, "ADMIN01a")
		require.Error(t, err)

		got, err := svc.ByCallsign(ctx, "OTTER01a")
		require.NoError(t, err)
		assert.Equal(t, models.EnrollmentPending, got.State)

		_, err = persons.ByCallsign(ctx, "OTTER01a")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		// A corrected CA lets the same enrollment approve afterwards
		ca.failSigning(nil)
		_, err = svc.Approve(ctx, "OTTER01a", enrollment.ApproveCode, "ADMIN01a")
		assert.NoError(t, err)
	})

	t.Run("Approving a decided enrollment fails", func(t *testing.T) {
		svc, _, _ := newTestEnrollmentService(t)
		enrollment, err := svc.CreateForCallsign(ctx, "OTTER01a", "", "")
		require.NoError(t, err)

		_, err = svc.Approve(ctx, "OTTER01a", enrollment.ApproveCode, "ADMIN01a")
		require.NoError(t, err)

		_, err = svc.Approve(ctx, "OTTER01a", enrollment.ApproveCode, "ADMIN01a")
		assert.ErrorIs(t, err, errs.ErrForbidden)
	})
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	svc, persons, _ := newTestEnrollmentService(t)

	enrollment, err := svc.CreateForCallsign(ctx, "OTTER01a", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Reject(ctx, "OTTER01a", "ADMIN01a"))

	got, err := svc.ByCallsign(ctx, "OTTER01a")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentRejected, got.State)

	t.Run("Rejected is terminal", func(t *testing.T) {
		_, err := svc.Approve(ctx, "OTTER01a", enrollment.ApproveCode, "ADMIN01a")
		assert.ErrorIs(t, err, errs.ErrForbidden)

		err = svc.Reject(ctx, "OTTER01a", "ADMIN01a")
		assert.ErrorIs(t, err, errs.ErrForbidden)
	})

	_, err = persons.ByCallsign(ctx, "OTTER01a")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResetApproveCode(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestEnrollmentService(t)

	enrollment, err := svc.CreateForCallsign(ctx, "OTTER01a", "", "")
	require.NoError(t, err)

	code, err := svc.ResetApproveCode(ctx, "OTTER01a")
	require.NoError(t, err)
	assert.NotEqual(t, enrollment.ApproveCode, code)

	_, err = svc.ByApproveCode(ctx, enrollment.ApproveCode)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	got, err := svc.ByApproveCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "OTTER01a", got.Callsign)

	// Only the new code approves
	_, err = svc.Approve(ctx, "OTTER01a", enrollment.ApproveCode, "ADMIN01a")
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = svc.Approve(ctx, "OTTER01a", code, "ADMIN01a")
	assert.NoError(t, err)
}
