package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/api/middleware"
	"github.com/pvarki/rasenmaeher/internal/crypto"
	"github.com/pvarki/rasenmaeher/internal/manifest"
	"github.com/pvarki/rasenmaeher/internal/service"
)

// ProductHandler handles product PKI endpoints. A product authenticates
// either with its mTLS certificate or, on first signing, with a
// federation-issued single-use JWT.
type ProductHandler struct {
	ca       service.CA
	manifest *manifest.Manifest
	logger   *zap.Logger
}

// NewProductHandler creates a new product handler
func NewProductHandler(ca service.CA, m *manifest.Manifest, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{ca: ca, manifest: m, logger: logger}
}

// SignRequest carries a PEM-encoded certificate signing request
type SignRequest struct {
	CSR string `json:"csr" binding:"required"`
}

func (h *ProductHandler) signForCN(c *gin.Context, csrPEM string, allowed func(cn string) bool) {
	csr, err := crypto.ParseCSRPEM([]byte(csrPEM))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid CSR"})
		return
	}
	if !allowed(csr.Subject.CommonName) {
		c.JSON(http.StatusForbidden, gin.H{"error": "CSR subject not permitted"})
		return
	}

	certPEM, err := h.ca.Sign(c.Request.Context(), []byte(csrPEM))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Product certificate signed", zap.String("cn", csr.Subject.CommonName))
	c.JSON(http.StatusOK, gin.H{"certificate": string(certPEM)})
}

// SignCSR signs a product CSR presented with a federation single-use JWT.
// The CSR's CN must be one of the manifest product CNs.
func (h *ProductHandler) SignCSR(c *gin.Context) {
	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.signForCN(c, req.CSR, h.manifest.IsReservedCN)
}

// SignCSRMTLS signs a product CSR presented over product mTLS
func (h *ProductHandler) SignCSRMTLS(c *gin.Context) {
	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.signForCN(c, req.CSR, h.manifest.IsReservedCN)
}

// RenewCSR renews a product certificate. The CSR's CN must equal the
// peer certificate's CN, so a product can only renew itself.
func (h *ProductHandler) RenewCSR(c *gin.Context) {
	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identity, _ := middleware.GetIdentity(c)
	h.signForCN(c, req.CSR, func(cn string) bool {
		return cn == identity.UserID
	})
}

// RevokeRequest carries the certificate to revoke and a reason
type RevokeRequest struct {
	Certificate string `json:"certificate" binding:"required"`
	Reason      string `json:"reason"`
}

// RevokeMTLS revokes a certificate on behalf of a product
func (h *ProductHandler) RevokeMTLS(c *gin.Context) {
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	if err := h.ca.Revoke(c.Request.Context(), []byte(req.Certificate), req.Reason); err != nil {
		respondError(c, h.logger, err)
		return
	}

	identity, _ := middleware.GetIdentity(c)
	h.logger.Info("Certificate revoked by product", zap.String("product_cn", identity.UserID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Ready acknowledges a product's readiness announcement and returns the
// deployment coordinates
func (h *ProductHandler) Ready(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)
	h.logger.Info("Product reported ready", zap.String("product_cn", identity.UserID))

	c.JSON(http.StatusOK, gin.H{
		"dns":        h.manifest.DNS,
		"deployment": h.manifest.Deployment,
	})
}
