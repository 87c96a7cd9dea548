// Package middleware provides HTTP middleware for the rasenmaeher API.
// It resolves request identities from mTLS headers or bearer JWTs and
// offers the access policies the routes compose.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/auth"
	"github.com/pvarki/rasenmaeher/internal/config"
	"github.com/pvarki/rasenmaeher/internal/errs"
	"github.com/pvarki/rasenmaeher/internal/service"
)

// AuthType tells how a request authenticated.
type AuthType string

const (
	// AuthMTLS means the TLS-terminating proxy passed a verified client
	// certificate DN.
	AuthMTLS AuthType = "mtls"
	// AuthJWT means a bearer token signed by a trusted key.
	AuthJWT AuthType = "jwt"
)

const identityKey = "identity"

// Identity is the resolved caller of a request.
type Identity struct {
	Type   AuthType
	UserID string
	Claims map[string]any
}

// GetIdentity returns the identity resolved for the request, if any.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	val, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := val.(*Identity)
	return identity, ok
}

// commonNameFromDN pulls the CN attribute out of an RFC 4514 style DN
// string such as "CN=OTTER01a,O=example".
func commonNameFromDN(dn string) string {
	for _, part := range strings.Split(dn, ",") {
		part = strings.TrimSpace(part)
		if len(part) > 3 && strings.EqualFold(part[:3], "CN=") {
			return part[3:]
		}
	}
	return ""
}

// AuthResolver resolves the caller identity without enforcing anything.
// The mTLS DN header wins over a bearer token. A JWT subject on the deny
// list, or a reused nonce claim, aborts with 403.
func AuthResolver(cfg *config.Config, verifier *auth.Verifier, tokens *service.TokenService, logger *zap.Logger) gin.HandlerFunc {
	denied := make(map[string]bool, len(cfg.Auth.DeniedSubjects))
	for _, sub := range cfg.Auth.DeniedSubjects {
		denied[sub] = true
	}

	return func(c *gin.Context) {
		if dn := c.GetHeader(cfg.Auth.MTLSHeader); dn != "" {
			cn := commonNameFromDN(dn)
			if cn == "" {
				c.JSON(http.StatusForbidden, gin.H{"error": "client certificate DN has no CN"})
				c.Abort()
				return
			}
			c.Set(identityKey, &Identity{Type: AuthMTLS, UserID: cn})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, _, err := verifier.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "token has no subject"})
			c.Abort()
			return
		}
		if denied[sub] {
			c.JSON(http.StatusForbidden, gin.H{"error": "subject may not authenticate directly"})
			c.Abort()
			return
		}

		if nonce, _ := claims["nonce"].(string); nonce != "" {
			if err := tokens.RecordNonce(c.Request.Context(), nonce, ""); err != nil {
				logger.Warn("Nonce rejected", zap.String("sub", sub), zap.Error(err))
				c.JSON(errs.HTTPStatus(err), gin.H{"error": "token already used"})
				c.Abort()
				return
			}
		}

		c.Set(identityKey, &Identity{Type: AuthJWT, UserID: sub, Claims: claims})
		c.Next()
	}
}

// RequireAuth admits any resolved identity. Unauthenticated requests get
// 403, not 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAuthType admits only identities of the given kind.
func RequireAuthType(authType AuthType) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok || identity.Type != authType {
			c.JSON(http.StatusForbidden, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireValidPerson admits identities that map to a live person row.
func RequireValidPerson(persons *service.PersonService) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		if _, err := persons.ByCallsign(c.Request.Context(), identity.UserID); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "no live user for identity"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRoles admits live persons holding every listed role.
func RequireRoles(persons *service.PersonService, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		person, err := persons.ByCallsign(c.Request.Context(), identity.UserID)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "no live user for identity"})
			c.Abort()
			return
		}
		for _, role := range roles {
			has, err := persons.HasRole(c.Request.Context(), person.ID, role)
			if err != nil || !has {
				c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// RequireProductCN admits mTLS identities whose CN is one of the
// manifest's product certificate CNs.
func RequireProductCN(isProduct func(cn string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok || identity.Type != AuthMTLS || !isProduct(identity.UserID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "product certificate required"})
			c.Abort()
			return
		}
		c.Next()
	}
}
