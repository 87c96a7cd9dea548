package service

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/pvarki/rasenmaeher/internal/crypto"
	"github.com/pvarki/rasenmaeher/internal/errs"
)

func TestCreateWithCert(t *testing.T) {
	ctx := context.Background()

	t.Run("Creates row, directory, and certificate", func(t *testing.T) {
		db := setupTestDB(t)
		ca := newFakeCA(t)
		svc, _ := newTestPersonService(t, db, ca)

		person, err := svc.CreateWithCert(ctx, "OTTER01a", "")
		require.NoError(t, err)
		assert.Equal(t, "OTTER01a", person.Callsign)

		for _, name := range []string{"mtls.key", "mtls.pub", "mtls.csr", "mtls.pem"} {
			_, err := os.Stat(filepath.Join(person.CertsPath, name))
			assert.NoError(t, err, "missing %s", name)
		}

		info, err := os.Stat(person.CertsPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

		certPEM, err := svc.CertPEM(ctx, "OTTER01a")
		require.NoError(t, err)
		cert, err := crypto.ParseCertificatePEM(certPEM)
		require.NoError(t, err)
		assert.Equal(t, "OTTER01a", cert.Subject.CommonName)
	})

	t.Run("Taken callsign fails", func(t *testing.T) {
		db := setupTestDB(t)
		ca := newFakeCA(t)
		svc, _ := newTestPersonService(t, db, ca)

		_, err := svc.CreateWithCert(ctx, "OTTER01a", "")
		require.NoError(t, err)

		_, err = svc.CreateWithCert(ctx, "OTTER01a", "")
		assert.ErrorIs(t, err, errs.ErrCallsignReserved)
	})

	t.Run("CA failure rolls back row and directory", func(t *testing.T) {
		db := setupTestDB(t)
		ca := newFakeCA(t)
		ca.failSigning(errors.New("ca is down"))
		svc, store := newTestPersonService(t, db, ca)

		_, err := svc.CreateWithCert(ctx, "DOOMED01a", "")
		require.Error(t, err)

		_, err = svc.ByCallsign(ctx, "DOOMED01a")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		// No orphan directories under people/
		entries, err := os.ReadDir(store.PeopleDir())
		if err == nil {
			assert.Empty(t, entries)
		}
	})

	t.Run("Reserved product CN is rejected", func(t *testing.T) {
		db := setupTestDB(t)
		svc, _ := newTestPersonService(t, db, newFakeCA(t))
		_, err := svc.CreateWithCert(ctx, "tak.sleepy-sloth.pvarki.fi", "")
		assert.ErrorIs(t, err, errs.ErrCallsignReserved)
	})

	t.Run("Empty callsign is rejected", func(t *testing.T) {
		db := setupTestDB(t)
		svc, _ := newTestPersonService(t, db, newFakeCA(t))
		_, err := svc.CreateWithCert(ctx, "", "")
		assert.ErrorIs(t, err, errs.ErrValidation)
	})
}

func TestRevokePerson(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	ca := newFakeCA(t)
	svc, _ := newTestPersonService(t, db, ca)

	person, err := svc.CreateWithCert(ctx, "OTTER01a", "")
	require.NoError(t, err)

	certPEM, err := svc.CertPEM(ctx, "OTTER01a")
	require.NoError(t, err)
	cert, err := crypto.ParseCertificatePEM(certPEM)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, "OTTER01a", "key_compromise"))

	t.Run("Person is soft-deleted", func(t *testing.T) {
		_, err := svc.ByCallsign(ctx, "OTTER01a")
		assert.ErrorIs(t, err, errs.ErrDeleted)

		got, err := db.Queries().GetPersonByID(ctx, person.ID, true)
		require.NoError(t, err)
		assert.Equal(t, "key_compromise", got.RevokeReason.String)
	})

	t.Run("CRL contains the serial", func(t *testing.T) {
		der, err := ca.CRL(ctx)
		require.NoError(t, err)

		crl, err := x509.ParseRevocationList(der)
		require.NoError(t, err)

		found := false
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("CA failure rolls back the soft delete", func(t *testing.T) {
		other, err := svc.CreateWithCert(ctx, "BADGER01a", "")
		require.NoError(t, err)

		// Break the stored cert so the CA call inside the transaction fails
		require.NoError(t, os.WriteFile(filepath.Join(other.CertsPath, "mtls.pem"), []byte("garbage"), 0o600))

		err = svc.Revoke(ctx, "BADGER01a", "superseded")
		assert.Error(t, err)

		_, err = svc.ByCallsign(ctx, "BADGER01a")
		assert.NoError(t, err)
	})
}

func TestRolesFanout(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, _ := newTestPersonService(t, db, newFakeCA(t))

	_, err := svc.CreateWithCert(ctx, "OTTER01a", "")
	require.NoError(t, err)

	person, err := svc.ByCallsign(ctx, "OTTER01a")
	require.NoError(t, err)

	t.Run("Assign and remove are idempotent", func(t *testing.T) {
		changed, err := svc.AssignRole(ctx, "OTTER01a", AdminRole)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = svc.AssignRole(ctx, "OTTER01a", AdminRole)
		require.NoError(t, err)
		assert.False(t, changed)

		has, err := svc.HasRole(ctx, person.ID, AdminRole)
		require.NoError(t, err)
		assert.True(t, has)

		changed, err = svc.RemoveRole(ctx, "OTTER01a", AdminRole)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = svc.RemoveRole(ctx, "OTTER01a", AdminRole)
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestPFX(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	ca := newFakeCA(t)
	svc, _ := newTestPersonService(t, db, ca)

	person, err := svc.CreateWithCert(ctx, "OTTER01a", "")
	require.NoError(t, err)

	t.Run("Materialized lazily with callsign passphrase", func(t *testing.T) {
		pfxPath := filepath.Join(person.CertsPath, "mtls.pfx")
		_, err := os.Stat(pfxPath)
		assert.True(t, os.IsNotExist(err))

		data, err := svc.PFX(ctx, "OTTER01a")
		require.NoError(t, err)

		_, err = os.Stat(pfxPath)
		assert.NoError(t, err)

		key, cert, chain, err := pkcs12.DecodeChain(data, "OTTER01a")
		require.NoError(t, err)
		assert.Equal(t, "OTTER01a", cert.Subject.CommonName)
		assert.NotEmpty(t, chain)
		assert.IsType(t, &rsa.PrivateKey{}, key)
	})

	t.Run("Second request reads the cached bundle", func(t *testing.T) {
		first, err := svc.PFX(ctx, "OTTER01a")
		require.NoError(t, err)
		second, err := svc.PFX(ctx, "OTTER01a")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
