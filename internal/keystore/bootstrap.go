package keystore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/crypto"
)

// MTLSCommonName is the CN on RM's own client certificate.
const MTLSCommonName = "rasenmaeher"

const (
	backoffMin   = 3 * time.Second
	backoffRange = 3 * time.Second
	jitterMax    = 2 * time.Second
)

// CA is the subset of the CFSSL client bootstrap needs: anonymous signing
// of RM's own CSR and the CA chain for remote key fetches.
type CA interface {
	Sign(ctx context.Context, csrPEM []byte) ([]byte, error)
	Info(ctx context.Context) ([]byte, error)
}

// BootstrapManager creates RM's key material on first start. EnsureReady is
// idempotent and safe to run concurrently across processes: each artifact is
// guarded by an exclusive file lock, and losers back off a randomized 3-6 s
// before rechecking.
type BootstrapManager struct {
	store         *KeyStore
	ca            CA
	trustedKeyDir string
	trustedKeyURL string
	fetchTimeout  time.Duration
	logger        *zap.Logger
}

// NewBootstrapManager creates a BootstrapManager. trustedKeyDir is an
// optional mounted directory of federation public keys; trustedKeyURL is an
// optional HTTPS source for more.
func NewBootstrapManager(store *KeyStore, ca CA, trustedKeyDir, trustedKeyURL string, logger *zap.Logger) *BootstrapManager {
	return &BootstrapManager{
		store:         store,
		ca:            ca,
		trustedKeyDir: trustedKeyDir,
		trustedKeyURL: trustedKeyURL,
		fetchTimeout:  5 * time.Second,
		logger:        logger,
	}
}

// EnsureReady makes sure the JWT signing keypair, RM's mTLS identity, and
// the trusted federation keys exist. Key-generation failures are fatal;
// missing remote public keys are not.
func (b *BootstrapManager) EnsureReady(ctx context.Context) error {
	for _, dir := range []struct {
		path string
		mode os.FileMode
	}{
		{filepath.Join(b.store.Root(), "private"), PrivateDirMode},
		{filepath.Join(b.store.Root(), "public"), PublicDirMode},
		{b.store.PeopleDir(), PrivateDirMode},
		{b.store.TrustedKeyDir(), PublicDirMode},
	} {
		if err := os.MkdirAll(dir.path, dir.mode); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir.path, err)
		}
	}

	// Break startup thundering herds across replicas
	sleepCtx(ctx, time.Duration(rand.Int63n(int64(jitterMax))))

	if err := b.ensureArtifact(ctx, b.store.JWTSigningKeyPath(), b.generateJWTKeys); err != nil {
		return fmt.Errorf("JWT signing key bootstrap failed: %w", err)
	}
	if err := b.ensureArtifact(ctx, b.store.MTLSCertPath(), b.obtainMTLSCert); err != nil {
		return fmt.Errorf("mTLS certificate bootstrap failed: %w", err)
	}

	if err := b.syncTrustedKeys(); err != nil {
		return fmt.Errorf("trusted key sync failed: %w", err)
	}
	// Remote fetch failures are logged, never fatal
	if err := b.fetchRemoteKeys(ctx); err != nil {
		b.logger.Warn("Failed to fetch remote federation keys", zap.Error(err))
	}

	return nil
}

// ensureArtifact checks for the artifact, then competes for its lockfile
// with zero-timeout acquisition. The loser sleeps a randomized 3-6 s and
// retries from the presence check.
func (b *BootstrapManager) ensureArtifact(ctx context.Context, path string, generate func(ctx context.Context) error) error {
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}

		lock := flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire lock for %s: %w", path, err)
		}
		if !locked {
			b.logger.Info("Another process holds the bootstrap lock, backing off",
				zap.String("artifact", path))
			if err := sleepCtx(ctx, backoffMin+time.Duration(rand.Int63n(int64(backoffRange)))); err != nil {
				return err
			}
			continue
		}

		// Re-check under the lock; the previous holder may have finished
		if _, err := os.Stat(path); err == nil {
			lock.Unlock()
			return nil
		}

		genErr := generate(ctx)
		if unlockErr := lock.Unlock(); unlockErr != nil && genErr == nil {
			return fmt.Errorf("failed to release lock for %s: %w", path, unlockErr)
		}
		return genErr
	}
}

// generateJWTKeys creates the signing keypair and writes both halves
// atomically. The private key is optionally passphrase-encrypted.
func (b *BootstrapManager) generateJWTKeys(_ context.Context) error {
	b.logger.Info("Generating JWT signing keypair")

	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	privPEM, err := crypto.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if b.store.passphrase != "" {
		privPEM, err = crypto.EncryptWithPassphrase(privPEM, b.store.passphrase)
		if err != nil {
			return fmt.Errorf("failed to encrypt signing key: %w", err)
		}
	}
	pubPEM, err := crypto.MarshalPublicKeyPEM(key)
	if err != nil {
		return err
	}

	if err := crypto.WriteFileAtomic(b.store.JWTPublicKeyPath(), pubPEM, PublicFileMode); err != nil {
		return err
	}
	return crypto.WriteFileAtomic(b.store.JWTSigningKeyPath(), privPEM, PrivateFileMode)
}

// obtainMTLSCert generates RM's client keypair, builds a CSR with
// CN=rasenmaeher, and submits it anonymously to the CA.
func (b *BootstrapManager) obtainMTLSCert(ctx context.Context) error {
	b.logger.Info("Obtaining RM mTLS client certificate", zap.String("cn", MTLSCommonName))

	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	keyPEM, err := crypto.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	csrPEM, err := crypto.BuildCSR(key, MTLSCommonName)
	if err != nil {
		return err
	}

	certPEM, err := b.ca.Sign(ctx, csrPEM)
	if err != nil {
		return fmt.Errorf("CA refused RM CSR: %w", err)
	}

	if err := crypto.WriteFileAtomic(b.store.MTLSKeyPath(), keyPEM, PrivateFileMode); err != nil {
		return err
	}
	return crypto.WriteFileAtomic(b.store.MTLSCertPath(), certPEM, PublicFileMode)
}

// syncTrustedKeys copies federation public keys from the mounted directory
// into the keystore (one-shot sync; existing files are not overwritten).
func (b *BootstrapManager) syncTrustedKeys() error {
	if b.trustedKeyDir == "" {
		return nil
	}

	entries, err := os.ReadDir(b.trustedKeyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read mounted key dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		dst := filepath.Join(b.store.TrustedKeyDir(), entry.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.trustedKeyDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		if err := crypto.WriteFileAtomic(dst, data, PublicFileMode); err != nil {
			return err
		}
		b.logger.Info("Synced federation public key", zap.String("name", entry.Name()))
	}
	return nil
}

// fetchRemoteKeys downloads additional federation public keys over HTTPS
// using a CA pool built from the external CA's chain.
func (b *BootstrapManager) fetchRemoteKeys(ctx context.Context) error {
	if b.trustedKeyURL == "" {
		return nil
	}

	pool := x509.NewCertPool()
	chainPEM, err := b.ca.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get CA chain: %w", err)
	}
	if !pool.AppendCertsFromPEM(chainPEM) {
		return fmt.Errorf("CA chain contained no certificates")
	}

	client := &http.Client{
		Timeout: b.fetchTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.trustedKeyURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote key fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	name := filepath.Base(req.URL.Path)
	if !strings.HasSuffix(name, ".pub") {
		name = "remote.pub"
	}
	if err := crypto.WriteFileAtomic(filepath.Join(b.store.TrustedKeyDir(), name), data, PublicFileMode); err != nil {
		return err
	}
	b.logger.Info("Fetched remote federation key", zap.String("name", name))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
