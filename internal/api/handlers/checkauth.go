package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/api/middleware"
)

// CheckAuthHandler exposes identity introspection endpoints. Access
// enforcement happens in the route policies; these handlers only echo
// what was resolved.
type CheckAuthHandler struct {
	logger *zap.Logger
}

// NewCheckAuthHandler creates a new check-auth handler
func NewCheckAuthHandler(logger *zap.Logger) *CheckAuthHandler {
	return &CheckAuthHandler{logger: logger}
}

// Echo returns the resolved identity
func (h *CheckAuthHandler) Echo(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "authentication required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type":   string(identity.Type),
		"userid": identity.UserID,
	})
}
