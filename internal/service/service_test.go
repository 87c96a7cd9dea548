package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/config"
	"github.com/pvarki/rasenmaeher/internal/database"
	"github.com/pvarki/rasenmaeher/internal/keystore"
	"github.com/pvarki/rasenmaeher/internal/manifest"
)

// setupTestDB creates a test database with migrations
func setupTestDB(t *testing.T) *database.Database {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type: "sqlite",
			SQLite: config.SQLiteConfig{
				Path: t.TempDir() + "/test.db",
			},
		},
	}

	db, err := database.New(cfg)
	require.NoError(t, err, "Failed to create test database")
	t.Cleanup(func() { db.Close() })

	err = db.Migrate()
	require.NoError(t, err, "Failed to run migrations")

	return db
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		DNS:        "sleepy-sloth.pvarki.fi",
		Deployment: "sleepy-sloth",
		Products: map[string]manifest.Product{
			"tak": {
				API:    "https://tak.sleepy-sloth.pvarki.fi/",
				URI:    "https://tak.sleepy-sloth.pvarki.fi/",
				CertCN: "tak.sleepy-sloth.pvarki.fi",
			},
		},
	}
}

// fakeCA implements the CA interface with a real in-memory issuer so that
// signed certificates parse and bundle correctly.
type fakeCA struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate

	mu      sync.Mutex
	signErr error
	revoked []string
	serial  int64
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &fakeCA{key: key, cert: cert, serial: 100}
}

func (f *fakeCA) failSigning(err error) {
	f.mu.Lock()
	f.signErr = err
	f.mu.Unlock()
}

func (f *fakeCA) Sign(_ context.Context, csrPEM []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return nil, f.signErr
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}

	f.serial++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(f.serial),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, f.cert, csr.PublicKey, f.key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func (f *fakeCA) Revoke(_ context.Context, certPEM []byte, _ any) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.revoked = append(f.revoked, cert.SerialNumber.String())
	f.mu.Unlock()
	return nil
}

func (f *fakeCA) Info(_ context.Context) ([]byte, error) {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.cert.Raw}), nil
}

func (f *fakeCA) CRL(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]x509.RevocationListEntry, 0, len(f.revoked))
	for _, serial := range f.revoked {
		n, ok := new(big.Int).SetString(serial, 10)
		if !ok {
			return nil, fmt.Errorf("bad serial %s", serial)
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   n,
			RevocationTime: time.Now(),
		})
	}
	template := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now(),
		NextUpdate:                time.Now().Add(time.Hour),
		RevokedCertificateEntries: entries,
	}
	return x509.CreateRevocationList(rand.Reader, template, f.cert, f.key)
}

func newTestPersonService(t *testing.T, db *database.Database, ca CA) (*PersonService, *keystore.KeyStore) {
	t.Helper()
	store := keystore.New(t.TempDir(), "")
	return NewPersonService(db, ca, store, nil, testManifest(), zap.NewNop()), store
}
