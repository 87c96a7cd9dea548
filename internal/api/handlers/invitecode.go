package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/api/middleware"
	"github.com/pvarki/rasenmaeher/internal/service"
)

// InviteCodeHandler handles enrollment pool management and the
// unauthenticated invite flow
type InviteCodeHandler struct {
	enrollments *service.EnrollmentService
	persons     *service.PersonService
	tokens      *service.TokenService
	logger      *zap.Logger
}

// NewInviteCodeHandler creates a new invite code handler
func NewInviteCodeHandler(enrollments *service.EnrollmentService, persons *service.PersonService, tokens *service.TokenService, logger *zap.Logger) *InviteCodeHandler {
	return &InviteCodeHandler{
		enrollments: enrollments,
		persons:     persons,
		tokens:      tokens,
		logger:      logger,
	}
}

// List lists enrollment pools
func (h *InviteCodeHandler) List(c *gin.Context) {
	pools, err := h.enrollments.ListPools(c.Request.Context(), false)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	type poolView struct {
		InviteCode string `json:"invite_code"`
		Active     bool   `json:"active"`
		OwnerID    string `json:"owner_id"`
		CreatedAt  string `json:"created_at"`
	}
	views := make([]poolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, poolView{
			InviteCode: p.InviteCode,
			Active:     p.Active,
			OwnerID:    p.OwnerID,
			CreatedAt:  p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"pools": views})
}

// CreateRequest carries optional extra data inherited by enrollments
type CreateRequest struct {
	Extra string `json:"extra"`
}

// Create creates a pool owned by the calling admin
func (h *InviteCodeHandler) Create(c *gin.Context) {
	var req CreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	identity, _ := middleware.GetIdentity(c)
	owner, err := h.persons.ByCallsign(c.Request.Context(), identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	pool, err := h.enrollments.CreatePool(c.Request.Context(), owner.ID, req.Extra)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite_code": pool.InviteCode})
}

// SetActive toggles a pool's active flag
func (h *InviteCodeHandler) SetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.enrollments.SetPoolActive(c.Request.Context(), c.Param("code"), active)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// Delete soft-deletes a pool
func (h *InviteCodeHandler) Delete(c *gin.Context) {
	err := h.enrollments.DeletePool(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Check reports whether an invite code accepts enrollments. Unauthenticated.
func (h *InviteCodeHandler) Check(c *gin.Context) {
	pool, err := h.enrollments.PoolByInviteCode(c.Request.Context(), c.Param("code"))
	if err != nil || !pool.Active {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// EnrollRequest starts an enrollment through an invite code
type EnrollRequest struct {
	Callsign string `json:"callsign" binding:"required"`
}

// Enroll starts an enrollment through an invite pool. Unauthenticated.
func (h *InviteCodeHandler) Enroll(c *gin.Context) {
	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enrollment, err := h.enrollments.CreateForCallsign(c.Request.Context(), req.Callsign, c.Param("code"), "")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	jwt, err := h.tokens.IssueFor(enrollment.Callsign, nil)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"callsign":    enrollment.Callsign,
		"approvecode": enrollment.ApproveCode,
		"jwt":         jwt,
	})
}
