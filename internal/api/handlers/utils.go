package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/keystore"
	"github.com/pvarki/rasenmaeher/internal/service"
)

// UtilsHandler serves the CRL and the JWT verification key
type UtilsHandler struct {
	ca     service.CA
	store  *keystore.KeyStore
	logger *zap.Logger
}

// NewUtilsHandler creates a new utils handler
func NewUtilsHandler(ca service.CA, store *keystore.KeyStore, logger *zap.Logger) *UtilsHandler {
	return &UtilsHandler{ca: ca, store: store, logger: logger}
}

// CRL returns the CA's current revocation list in DER
func (h *UtilsHandler) CRL(c *gin.Context) {
	der, err := h.ca.CRL(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, "application/pkix-crl", der)
}

// JWTPublicKey returns the local JWT verification key in PEM
func (h *UtilsHandler) JWTPublicKey(c *gin.Context) {
	pem, err := h.store.JWTPublicPEM()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", pem)
}
