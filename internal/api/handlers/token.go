package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/api/middleware"
	"github.com/pvarki/rasenmaeher/internal/service"
)

// TokenHandler handles JWT exchange, refresh and login codes
type TokenHandler struct {
	tokens *service.TokenService
	logger *zap.Logger
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(tokens *service.TokenService, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, logger: logger}
}

// ExchangeRequest carries a federation-issued single-use JWT
type ExchangeRequest struct {
	JWT string `json:"jwt" binding:"required"`
}

// Exchange swaps a federation JWT for a local session JWT. Unauthenticated;
// the token itself is the credential.
func (h *TokenHandler) Exchange(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jwt, err := h.tokens.Exchange(c.Request.Context(), req.JWT, auditMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jwt": jwt})
}

// Refresh reissues the caller's session JWT with a fresh expiry
func (h *TokenHandler) Refresh(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)
	if identity.Type != middleware.AuthJWT {
		c.JSON(http.StatusForbidden, gin.H{"error": "bearer token required"})
		return
	}

	jwt, err := h.tokens.Refresh(identity.Claims)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jwt": jwt})
}

// GenerateCodeRequest optionally overrides the claims carried by the code
type GenerateCodeRequest struct {
	Claims map[string]any `json:"claims"`
}

// GenerateCode mints a single-use login code. Defaults to an anonymous
// admin session granted by the calling admin.
func (h *TokenHandler) GenerateCode(c *gin.Context) {
	var req GenerateCodeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Claims == nil {
		identity, _ := middleware.GetIdentity(c)
		req.Claims = map[string]any{
			"sub":                identity.UserID,
			"anon_admin_session": true,
		}
	}

	code, err := h.tokens.CreateLoginCode(c.Request.Context(), req.Claims, auditMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

// ExchangeCodeRequest carries a login code for redemption
type ExchangeCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// ExchangeCode redeems a login code for a JWT. Unauthenticated; the code
// is consumed on first success.
func (h *TokenHandler) ExchangeCode(c *gin.Context) {
	var req ExchangeCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jwt, err := h.tokens.RedeemLoginCode(c.Request.Context(), req.Code)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jwt": jwt})
}

func auditMeta(c *gin.Context) string {
	return `{"remote_addr":"` + c.ClientIP() + `"}`
}
