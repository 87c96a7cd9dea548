package cfssl

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/errs"
)

func envelope(result any) string {
	data, _ := json.Marshal(map[string]any{"success": true, "result": result})
	return string(data)
}

func testCertPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(4711),
		Subject:      pkix.Name{CommonName: "OTTER01a"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestSign(t *testing.T) {
	t.Run("Success returns the certificate", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/cfssl/sign", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)

			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Contains(t, req["certificate_request"], "CERTIFICATE REQUEST")

			w.Write([]byte(envelope(map[string]string{"certificate": "-----BEGIN CERTIFICATE-----\nxx\n-----END CERTIFICATE-----\n"})))
		}))
		defer srv.Close()

		client := New(srv.URL, "", time.Second, zap.NewNop())
		cert, err := client.Sign(context.Background(), []byte("-----BEGIN CERTIFICATE REQUEST-----\nzz\n-----END CERTIFICATE REQUEST-----\n"))
		require.NoError(t, err)
		assert.Contains(t, string(cert), "BEGIN CERTIFICATE")
	})

	t.Run("CA-side errors map to backend error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success": false, "result": null, "errors": [{"code": 5100, "message": "policy violation"}]}`))
		}))
		defer srv.Close()

		client := New(srv.URL, "", time.Second, zap.NewNop())
		_, err := client.Sign(context.Background(), []byte("csr"))
		assert.ErrorIs(t, err, errs.ErrBackend)
		assert.Contains(t, err.Error(), "policy violation")
	})

	t.Run("Empty result is a failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success": true, "result": null}`))
		}))
		defer srv.Close()

		client := New(srv.URL, "", time.Second, zap.NewNop())
		_, err := client.Sign(context.Background(), []byte("csr"))
		assert.ErrorIs(t, err, errs.ErrBackend)
	})

	t.Run("Non-2xx status is a failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone fishing", http.StatusBadGateway)
		}))
		defer srv.Close()

		client := New(srv.URL, "", time.Second, zap.NewNop())
		_, err := client.Sign(context.Background(), []byte("csr"))
		assert.ErrorIs(t, err, errs.ErrBackend)
	})

	t.Run("Unreachable CA is a failure", func(t *testing.T) {
		client := New("http://127.0.0.1:1", "", 200*time.Millisecond, zap.NewNop())
		_, err := client.Sign(context.Background(), []byte("csr"))
		assert.ErrorIs(t, err, errs.ErrBackend)
	})
}

func TestRevoke(t *testing.T) {
	certPEM := testCertPEM(t)

	t.Run("Sends serial and reason code", func(t *testing.T) {
		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/cfssl/revoke", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte(envelope(map[string]any{})))
		}))
		defer srv.Close()

		client := New(srv.URL, "", time.Second, zap.NewNop())
		require.NoError(t, client.Revoke(context.Background(), certPEM, "key_compromise"))

		assert.Equal(t, "4711", got["serial"])
		assert.Equal(t, float64(ReasonKeyCompromise), got["reason"])
	})

	t.Run("Unknown reason fails without network", func(t *testing.T) {
		client := New("http://127.0.0.1:1", "", time.Second, zap.NewNop())
		err := client.Revoke(context.Background(), certPEM, "because")
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("Bad certificate fails", func(t *testing.T) {
		client := New("http://127.0.0.1:1", "", time.Second, zap.NewNop())
		err := client.Revoke(context.Background(), []byte("not pem"), "unspecified")
		assert.ErrorIs(t, err, errs.ErrValidation)
	})
}

func TestCRL(t *testing.T) {
	der := []byte{0x30, 0x03, 0x02, 0x01, 0x01}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cfssl/crl", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(envelope(base64.StdEncoding.EncodeToString(der))))
	}))
	defer srv.Close()

	client := New(srv.URL, "", time.Second, zap.NewNop())
	got, err := client.CRL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, der, got)
}

func TestRefreshOCSP(t *testing.T) {
	t.Run("No URL configured is a no-op", func(t *testing.T) {
		client := New("http://127.0.0.1:1", "", time.Second, zap.NewNop())
		assert.NoError(t, client.RefreshOCSP(context.Background()))
	})

	t.Run("Posts to the refresh endpoint", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			assert.Equal(t, "/api/v1/refresh", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
		}))
		defer srv.Close()

		client := New("http://127.0.0.1:1", srv.URL, time.Second, zap.NewNop())
		require.NoError(t, client.RefreshOCSP(context.Background()))
		assert.True(t, called)
	})
}

func TestResolveReason(t *testing.T) {
	tests := []struct {
		name   string
		reason any
		want   int
		ok     bool
	}{
		{"Camel case name", "keyCompromise", ReasonKeyCompromise, true},
		{"Snake case name", "privilege_withdrawn", ReasonPrivilegeWithdrawn, true},
		{"Numeric code", 4, ReasonSuperseded, true},
		{"Unknown name", "whatever", 0, false},
		{"Unknown code", 7, 0, false},
		{"Wrong type", 3.5, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := ResolveReason(tt.reason)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.want, code)
			} else {
				assert.ErrorIs(t, err, errs.ErrValidation)
			}
		})
	}
}
