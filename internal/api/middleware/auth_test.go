package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/auth"
	"github.com/pvarki/rasenmaeher/internal/config"
	"github.com/pvarki/rasenmaeher/internal/database"
	"github.com/pvarki/rasenmaeher/internal/database/models"
	"github.com/pvarki/rasenmaeher/internal/service"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

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

// testAuthStack wires a resolver over a real token service and sqlite DB.
func testAuthStack(t *testing.T, cfg *config.Config) (gin.HandlerFunc, *auth.Issuer, *database.Database) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := auth.NewIssuer(key, "rasenmaeher", time.Hour)
	verifier := auth.NewVerifier(map[string]*rsa.PublicKey{"rasenmaeher": &key.PublicKey})

	db := setupTestDB(t)
	tokens := service.NewTokenService(db, issuer, verifier, zap.NewNop())

	return AuthResolver(cfg, verifier, tokens, zap.NewNop()), issuer, db
}

func echoIdentity(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"type": "none"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": string(identity.Type), "userid": identity.UserID})
}

func TestCommonNameFromDN(t *testing.T) {
	assert.Equal(t, "OTTER01a", commonNameFromDN("CN=OTTER01a,O=example"))
	assert.Equal(t, "OTTER01a", commonNameFromDN("O=example, cn=OTTER01a"))
	assert.Equal(t, "", commonNameFromDN("O=example"))
	assert.Equal(t, "", commonNameFromDN(""))
}

func TestAuthResolver(t *testing.T) {
	cfg := config.Defaults()

	t.Run("MTLS DN header resolves to CN", func(t *testing.T) {
		resolver, _, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a,O=example")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"type":"mtls"`)
		assert.Contains(t, w.Body.String(), "OTTER01a")
	})

	t.Run("DN without CN returns 403", func(t *testing.T) {
		resolver, _, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("X-ClientCert-DN", "O=example")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("DN header wins over bearer token", func(t *testing.T) {
		resolver, issuer, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		token, err := issuer.Issue(map[string]any{"sub": "someone-else"})
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a")
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"type":"mtls"`)
		assert.Contains(t, w.Body.String(), "OTTER01a")
	})

	t.Run("Bearer token resolves to subject", func(t *testing.T) {
		resolver, issuer, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		token, err := issuer.Issue(map[string]any{"sub": "OTTER01a"})
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"type":"jwt"`)
		assert.Contains(t, w.Body.String(), "OTTER01a")
	})

	t.Run("No credentials resolves to no identity", func(t *testing.T) {
		resolver, _, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"type":"none"`)
	})

	t.Run("Malformed authorization header returns 403", func(t *testing.T) {
		resolver, _, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		for _, header := range []string{"just-a-token", "Basic dXNlcjpwYXNz"} {
			req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", header)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusForbidden, w.Code, "header: %s", header)
		}
	})

	t.Run("Garbage token returns 403", func(t *testing.T) {
		resolver, _, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Denied subject returns 403", func(t *testing.T) {
		deniedCfg := config.Defaults()
		deniedCfg.Auth.DeniedSubjects = []string{"tak.sleepy-sloth.pvarki.fi"}

		resolver, issuer, _ := testAuthStack(t, deniedCfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		token, err := issuer.Issue(map[string]any{"sub": "tak.sleepy-sloth.pvarki.fi"})
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "may not authenticate")
	})

	t.Run("Nonce token works once then 403", func(t *testing.T) {
		resolver, issuer, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/whoami", echoIdentity)

		token, err := issuer.Issue(map[string]any{"sub": "OTTER01a", "nonce": uuid.New().String()})
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		req, _ = http.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "already used")
	})
}

func TestAccessPolicies(t *testing.T) {
	cfg := config.Defaults()

	newPerson := func(t *testing.T, db *database.Database, callsign string) *models.Person {
		t.Helper()
		now := time.Now()
		p := &models.Person{
			ID:        uuid.New().String(),
			Callsign:  callsign,
			CertsPath: t.TempDir(),
			Extra:     "{}",
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, db.Queries().CreatePerson(context.Background(), p))
		return p
	}

	t.Run("RequireAuth rejects anonymous with 403", func(t *testing.T) {
		resolver, _, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver, RequireAuth())
		router.GET("/protected", echoIdentity)

		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)

		req, _ = http.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a")
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("RequireAuthType separates mtls from jwt", func(t *testing.T) {
		resolver, issuer, _ := testAuthStack(t, cfg)
		router := setupTestRouter()
		router.Use(resolver)
		router.GET("/mtls-only", RequireAuthType(AuthMTLS), echoIdentity)

		token, err := issuer.Issue(map[string]any{"sub": "OTTER01a"})
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, "/mtls-only", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)

		req, _ = http.NewRequest(http.MethodGet, "/mtls-only", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a")
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("RequireValidPerson needs a live person row", func(t *testing.T) {
		resolver, _, db := testAuthStack(t, cfg)
		persons := service.NewPersonService(db, nil, nil, nil, nil, zap.NewNop())

		router := setupTestRouter()
		router.Use(resolver, RequireValidPerson(persons))
		router.GET("/protected", echoIdentity)

		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)

		newPerson(t, db, "OTTER01a")

		req, _ = http.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a")
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("RequireRoles admits only role holders", func(t *testing.T) {
		resolver, _, db := testAuthStack(t, cfg)
		persons := service.NewPersonService(db, nil, nil, nil, nil, zap.NewNop())
		p := newPerson(t, db, "OTTER01a")

		router := setupTestRouter()
		router.Use(resolver, RequireRoles(persons, service.AdminRole))
		router.GET("/admin", echoIdentity)

		req, _ := http.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)

		_, err := db.Queries().AssignRole(context.Background(), &models.Role{
			ID:        uuid.New().String(),
			PersonID:  p.ID,
			RoleName:  service.AdminRole,
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)

		req, _ = http.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a")
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("RequireProductCN admits only product certs", func(t *testing.T) {
		resolver, issuer, _ := testAuthStack(t, cfg)
		isProduct := func(cn string) bool { return cn == "tak.sleepy-sloth.pvarki.fi" }

		router := setupTestRouter()
		router.Use(resolver, RequireProductCN(isProduct))
		router.GET("/product", echoIdentity)

		req, _ := http.NewRequest(http.MethodGet, "/product", nil)
		req.Header.Set("X-ClientCert-DN", "CN=tak.sleepy-sloth.pvarki.fi")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		req, _ = http.NewRequest(http.MethodGet, "/product", nil)
		req.Header.Set("X-ClientCert-DN", "CN=OTTER01a")
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)

		token, err := issuer.Issue(map[string]any{"sub": "tak.sleepy-sloth.pvarki.fi"})
		require.NoError(t, err)
		req, _ = http.NewRequest(http.MethodGet, "/product", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code, "JWT identity is not a product even with a product CN subject")
	})
}
