// Package service implements the RM business logic: person and credential
// lifecycle, the enrollment state machine, single-use tokens, product
// fan-out, and the registry announcer. Services compose the repositories
// inside single outermost transactions and stage filesystem side effects so
// that failures roll back completely.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/crypto"
	"github.com/pvarki/rasenmaeher/internal/database"
	"github.com/pvarki/rasenmaeher/internal/database/models"
	"github.com/pvarki/rasenmaeher/internal/errs"
	"github.com/pvarki/rasenmaeher/internal/keystore"
	"github.com/pvarki/rasenmaeher/internal/manifest"
)

// Per-person credential file names under the person's private directory.
const (
	mtlsKeyFile  = "mtls.key"
	mtlsPubFile  = "mtls.pub"
	mtlsCSRFile  = "mtls.csr"
	mtlsCertFile = "mtls.pem"
	mtlsPFXFile  = "mtls.pfx"
)

// AdminRole is the role name that gates administrative operations and
// triggers promote/demote fan-out.
const AdminRole = "admin"

// CA is the external certificate authority surface the services need.
type CA interface {
	Sign(ctx context.Context, csrPEM []byte) ([]byte, error)
	Revoke(ctx context.Context, certPEM []byte, reason any) error
	Info(ctx context.Context) ([]byte, error)
	CRL(ctx context.Context) ([]byte, error)
}

// PersonService handles person lifecycle: creation with certificate,
// revocation, role assignment, and the per-person credential directory.
type PersonService struct {
	db       *database.Database
	ca       CA
	store    *keystore.KeyStore
	fanout   *Fanout
	manifest *manifest.Manifest
	logger   *zap.Logger
}

// NewPersonService creates a new person service.
func NewPersonService(db *database.Database, ca CA, store *keystore.KeyStore, fanout *Fanout, m *manifest.Manifest, logger *zap.Logger) *PersonService {
	return &PersonService{
		db:       db,
		ca:       ca,
		store:    store,
		fanout:   fanout,
		manifest: m,
		logger:   logger,
	}
}

// CreateWithCert creates a person with a freshly issued mTLS certificate.
// The row, the private credential directory, and the CA call all succeed or
// none do: on failure the transaction rolls back and the directory is
// removed.
func (s *PersonService) CreateWithCert(ctx context.Context, callsign, extra string) (*models.Person, error) {
	var person *models.Person
	err := s.db.WithTx(ctx, func(q *database.Queries) error {
		p, err := s.createInTx(ctx, q, callsign, extra)
		person = p
		return err
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

	s.logger.Info("Person created", zap.String("callsign", person.Callsign), zap.String("id", person.ID))
	s.notifyUserEvent("created", person)
	return person, nil
}

// createInTx performs the creation steps inside an open transaction so that
// enrollment approval can share the same transaction boundary. The caller
// removes the credential directory if the transaction does not commit.
func (s *PersonService) createInTx(ctx context.Context, q *database.Queries, callsign, extra string) (*models.Person, error) {
	if callsign == "" {
		return nil, fmt.Errorf("%w: callsign must not be empty", errs.ErrValidation)
	}
	if len(callsign) > 64 {
		return nil, fmt.Errorf("%w: callsign too long", errs.ErrValidation)
	}
	if s.manifest != nil && s.manifest.IsReservedCN(callsign) {
		return nil, fmt.Errorf("%w: callsign %s is a reserved product CN", errs.ErrCallsignReserved, callsign)
	}

	// Pre-check for a friendlier error than the constraint violation
	if _, err := q.GetPersonByCallsign(ctx, callsign, true); err == nil {
		return nil, fmt.Errorf("%w: callsign %s is taken", errs.ErrCallsignReserved, callsign)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	if extra == "" {
		extra = "{}"
	}
	now := time.Now()
	person := &models.Person{
		ID:        uuid.New().String(),
		Callsign:  callsign,
		Extra:     extra,
		CreatedAt: now,
		UpdatedAt: now,
	}
	person.CertsPath = s.store.PersonDir(person.ID)

	if err := q.CreatePerson(ctx, person); err != nil {
		if errors.Is(err, database.ErrUniqueViolation) {
			return nil, fmt.Errorf("%w: callsign %s is taken", errs.ErrCallsignReserved, callsign)
		}
		return nil, err
	}

	if err := os.MkdirAll(person.CertsPath, keystore.PrivateDirMode); err != nil {
		return person, fmt.Errorf("failed to create credential directory: %w", err)
	}

	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return person, err
	}
	keyPEM, err := crypto.MarshalPrivateKeyPEM(key)
	if err != nil {
		return person, err
	}
	pubPEM, err := crypto.MarshalPublicKeyPEM(key)
	if err != nil {
		return person, err
	}
	csrPEM, err := crypto.BuildCSR(key, callsign)
	if err != nil {
		return person, err
	}

	if err := crypto.WriteFileAtomic(filepath.Join(person.CertsPath, mtlsKeyFile), keyPEM, keystore.PrivateFileMode); err != nil {
		return person, err
	}
	if err := crypto.WriteFileAtomic(filepath.Join(person.CertsPath, mtlsPubFile), pubPEM, keystore.PrivateFileMode); err != nil {
		return person, err
	}
	if err := crypto.WriteFileAtomic(filepath.Join(person.CertsPath, mtlsCSRFile), csrPEM, keystore.PrivateFileMode); err != nil {
		return person, err
	}

	certPEM, err := s.ca.Sign(ctx, csrPEM)
	if err != nil {
		return person, fmt.Errorf("CA refused CSR for %s: %w", callsign, err)
	}
	if err := crypto.WriteFileAtomic(filepath.Join(person.CertsPath, mtlsCertFile), certPEM, keystore.PrivateFileMode); err != nil {
		return person, err
	}

	return person, nil
}

// Revoke soft-deletes a person and revokes their certificate at the CA.
// The CA call runs inside the same transaction so a CA failure rolls back
// the soft delete.
func (s *PersonService) Revoke(ctx context.Context, callsign, reason string) error {
	person, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return err
	}

	certPEM, err := os.ReadFile(filepath.Join(person.CertsPath, mtlsCertFile))
	if err != nil {
		return fmt.Errorf("failed to read certificate for %s: %w", callsign, err)
	}

	err = s.db.WithTx(ctx, func(q *database.Queries) error {
		if err := q.RevokePerson(ctx, person.ID, reason, time.Now()); err != nil {
			return err
		}
		return s.ca.Revoke(ctx, certPEM, reason)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Person revoked", zap.String("callsign", callsign), zap.String("reason", reason))
	s.notifyUserEvent("revoked", person)
	return nil
}

// ByCallsign returns a live person by callsign.
func (s *PersonService) ByCallsign(ctx context.Context, callsign string) (*models.Person, error) {
	return s.db.Queries().GetPersonByCallsign(ctx, callsign, false)
}

// ByID returns a live person by id.
func (s *PersonService) ByID(ctx context.Context, id string) (*models.Person, error) {
	return s.db.Queries().GetPersonByID(ctx, id, false)
}

// List returns persons ordered by callsign.
func (s *PersonService) List(ctx context.Context, includeDeleted bool) ([]*models.Person, error) {
	return s.db.Queries().ListPersons(ctx, includeDeleted)
}

// Roles returns the person's role names.
func (s *PersonService) Roles(ctx context.Context, personID string) ([]string, error) {
	return s.db.Queries().GetRoles(ctx, personID)
}

// HasRole reports whether the person holds the role.
func (s *PersonService) HasRole(ctx context.Context, personID, role string) (bool, error) {
	return s.db.Queries().HasRole(ctx, personID, role)
}

// AssignRole grants a role. It returns false if the person already held it.
// Granting admin fans out user_promoted.
func (s *PersonService) AssignRole(ctx context.Context, callsign, role string) (bool, error) {
	person, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return false, err
	}

	changed, err := s.db.Queries().AssignRole(ctx, &models.Role{
		ID:        uuid.New().String(),
		PersonID:  person.ID,
		RoleName:  role,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return false, err
	}
	if changed && role == AdminRole {
		s.notifyUserEvent("promoted", person)
	}
	return changed, nil
}

// RemoveRole removes a role. It returns false if the person did not hold it.
// Removing admin fans out user_demoted.
func (s *PersonService) RemoveRole(ctx context.Context, callsign, role string) (bool, error) {
	person, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return false, err
	}

	changed, err := s.db.Queries().RemoveRole(ctx, person.ID, role)
	if err != nil {
		return false, err
	}
	if changed && role == AdminRole {
		s.notifyUserEvent("demoted", person)
	}
	return changed, nil
}

// UpdateExtra replaces the person's extra map and fans out user_updated.
func (s *PersonService) UpdateExtra(ctx context.Context, callsign, extra string) error {
	person, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return err
	}
	if err := s.db.Queries().UpdatePersonExtra(ctx, person.ID, extra, time.Now()); err != nil {
		return err
	}
	s.notifyUserEvent("updated", person)
	return nil
}

// CertPEM returns the person's certificate PEM.
func (s *PersonService) CertPEM(ctx context.Context, callsign string) ([]byte, error) {
	person, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(person.CertsPath, mtlsCertFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate for %s: %w", callsign, err)
	}
	return data, nil
}

// PFX returns the person's PKCS#12 bundle, materializing it on first
// request. The bundle passphrase is the callsign.
func (s *PersonService) PFX(ctx context.Context, callsign string) ([]byte, error) {
	person, err := s.ByCallsign(ctx, callsign)
	if err != nil {
		return nil, err
	}

	pfxPath := filepath.Join(person.CertsPath, mtlsPFXFile)
	if data, err := os.ReadFile(pfxPath); err == nil {
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read PFX for %s: %w", callsign, err)
	}

	certPEM, err := os.ReadFile(filepath.Join(person.CertsPath, mtlsCertFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate for %s: %w", callsign, err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(person.CertsPath, mtlsKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key for %s: %w", callsign, err)
	}

	cert, err := crypto.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	chainPEM, err := s.ca.Info(ctx)
	if err != nil {
		return nil, err
	}
	caCerts, err := crypto.ParseCertificatesPEM(chainPEM)
	if err != nil {
		return nil, err
	}

	pfxData, err := crypto.ExportPKCS12(cert, key, callsign, caCerts)
	if err != nil {
		return nil, err
	}
	if err := crypto.WriteFileAtomic(pfxPath, pfxData, keystore.PrivateFileMode); err != nil {
		return nil, err
	}

	s.logger.Info("Materialized PFX bundle", zap.String("callsign", callsign))
	return pfxData, nil
}

// notifyUserEvent builds the UserCRUDRequest and fans the event out without
// blocking. Missing certificates are tolerated (revocation may race file
// cleanup); failures never propagate.
func (s *PersonService) notifyUserEvent(event string, person *models.Person) {
	if s.fanout == nil {
		return
	}
	certPEM, err := os.ReadFile(filepath.Join(person.CertsPath, mtlsCertFile))
	if err != nil {
		s.logger.Warn("No certificate available for fan-out",
			zap.String("callsign", person.Callsign), zap.Error(err))
	}
	s.fanout.UserEvent(event, &UserCRUDRequest{
		UUID:     person.ID,
		Callsign: person.Callsign,
		X509Cert: string(certPEM),
	})
}
