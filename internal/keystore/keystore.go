// Package keystore owns RM's key material on disk: the JWT signing keypair,
// RM's own mTLS client key and certificate, the per-person credential
// directories, and the directory of trusted federation public keys. The
// BootstrapManager creates the material on first start under a cross-process
// file lock.
package keystore

import (
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pvarki/rasenmaeher/internal/crypto"
)

// Dir and file modes for key material.
const (
	PrivateDirMode  = os.FileMode(0o700)
	PrivateFileMode = os.FileMode(0o600)
	PublicDirMode   = os.FileMode(0o755)
	PublicFileMode  = os.FileMode(0o644)
)

// KeyStore resolves the on-disk layout under the data root and loads key
// material from it.
type KeyStore struct {
	root       string
	passphrase string
}

// New creates a KeyStore rooted at root. The passphrase, when non-empty,
// encrypts the JWT signing key at rest.
func New(root, passphrase string) *KeyStore {
	return &KeyStore{root: root, passphrase: passphrase}
}

// Root returns the data root directory.
func (k *KeyStore) Root() string {
	return k.root
}

// JWTSigningKeyPath is the private JWT signing key location.
func (k *KeyStore) JWTSigningKeyPath() string {
	return filepath.Join(k.root, "private", "rm_jwtsign.key")
}

// JWTPublicKeyPath is the public JWT verification key location.
func (k *KeyStore) JWTPublicKeyPath() string {
	return filepath.Join(k.root, "public", "rm_jwtsign.pub")
}

// MTLSKeyPath is RM's own mTLS client private key location.
func (k *KeyStore) MTLSKeyPath() string {
	return filepath.Join(k.root, "private", "rm_mtls_client.key")
}

// MTLSCertPath is RM's own mTLS client certificate location.
func (k *KeyStore) MTLSCertPath() string {
	return filepath.Join(k.root, "public", "rm_mtls_client.pem")
}

// TrustedKeyDir is the directory of federation public keys.
func (k *KeyStore) TrustedKeyDir() string {
	return filepath.Join(k.root, "public", "pvarki")
}

// PeopleDir is the directory under which per-person credential directories
// live.
func (k *KeyStore) PeopleDir() string {
	return filepath.Join(k.root, "private", "people")
}

// PersonDir returns the private credential directory for a person id.
func (k *KeyStore) PersonDir(personID string) string {
	return filepath.Join(k.PeopleDir(), personID)
}

// SigningKey loads and, if a passphrase is configured, decrypts the JWT
// signing key.
func (k *KeyStore) SigningKey() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(k.JWTSigningKeyPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return parseSigningKey(data, k.passphrase)
}

func parseSigningKey(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	if passphrase != "" {
		decrypted, err := crypto.DecryptWithPassphrase(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt signing key: %w", err)
		}
		data = decrypted
	}
	return crypto.ParsePrivateKeyPEM(data)
}

// JWTPublicPEM returns the PEM-encoded JWT verification key.
func (k *KeyStore) JWTPublicPEM() ([]byte, error) {
	data, err := os.ReadFile(k.JWTPublicKeyPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT public key: %w", err)
	}
	return data, nil
}

// ClientTLSConfig builds a TLS config presenting RM's own mTLS identity.
func (k *KeyStore) ClientTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(k.MTLSCertPath(), k.MTLSKeyPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// TrustedKeys loads every federation public key from the trusted-key
// directory, keyed by file name without the .pub suffix.
func (k *KeyStore) TrustedKeys() (map[string][]byte, error) {
	entries, err := os.ReadDir(k.TrustedKeyDir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("failed to read trusted key dir: %w", err)
	}

	keys := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(k.TrustedKeyDir(), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read trusted key %s: %w", entry.Name(), err)
		}
		keys[strings.TrimSuffix(entry.Name(), ".pub")] = data
	}
	return keys, nil
}
