package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/api/middleware"
	"github.com/pvarki/rasenmaeher/internal/service"
)

// PFXHandler serves end-user PKCS#12 bundles
type PFXHandler struct {
	persons *service.PersonService
	logger  *zap.Logger
}

// NewPFXHandler creates a new PFX handler
func NewPFXHandler(persons *service.PersonService, logger *zap.Logger) *PFXHandler {
	return &PFXHandler{persons: persons, logger: logger}
}

// Get returns the caller's PKCS#12 bundle. Only the certificate owner
// may download it; the passphrase is the callsign itself.
func (h *PFXHandler) Get(c *gin.Context) {
	callsign := strings.TrimSuffix(c.Param("callsign"), ".pfx")

	identity, _ := middleware.GetIdentity(c)
	if identity.UserID != callsign {
		c.JSON(http.StatusForbidden, gin.H{"error": "bundle belongs to another user"})
		return
	}

	pfx, err := h.persons.PFX(c.Request.Context(), callsign)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+callsign+`.pfx"`)
	c.Data(http.StatusOK, "application/x-pkcs12", pfx)
}
