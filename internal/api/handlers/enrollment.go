package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/api/middleware"
	"github.com/pvarki/rasenmaeher/internal/database/models"
	"github.com/pvarki/rasenmaeher/internal/service"
)

// EnrollmentHandler handles the enrollment state machine endpoints
type EnrollmentHandler struct {
	enrollments *service.EnrollmentService
	persons     *service.PersonService
	tokens      *service.TokenService
	logger      *zap.Logger
}

// NewEnrollmentHandler creates a new enrollment handler
func NewEnrollmentHandler(enrollments *service.EnrollmentService, persons *service.PersonService, tokens *service.TokenService, logger *zap.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{
		enrollments: enrollments,
		persons:     persons,
		tokens:      tokens,
		logger:      logger,
	}
}

type enrollmentView struct {
	Callsign  string `json:"callsign"`
	State     string `json:"state"`
	PoolID    string `json:"pool_id,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
	DecidedOn string `json:"decided_on,omitempty"`
	Extra     string `json:"extra"`
}

func viewOf(e *models.Enrollment) enrollmentView {
	v := enrollmentView{
		Callsign: e.Callsign,
		State:    e.State,
		Extra:    e.Extra,
	}
	if e.PoolID.Valid {
		v.PoolID = e.PoolID.String
	}
	if e.DecidedBy.Valid {
		v.DecidedBy = e.DecidedBy.String
	}
	if e.DecidedOn.Valid {
		v.DecidedOn = e.DecidedOn.Time.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

// List lists enrollments, optionally filtered by state
func (h *EnrollmentHandler) List(c *gin.Context) {
	enrollments, err := h.enrollments.List(c.Request.Context(), c.Query("state"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	views := make([]enrollmentView, 0, len(enrollments))
	for _, e := range enrollments {
		views = append(views, viewOf(e))
	}
	c.JSON(http.StatusOK, gin.H{"enrollments": views})
}

// InitRequest starts an enrollment for a callsign
type InitRequest struct {
	Callsign string `json:"callsign" binding:"required"`
	Extra    string `json:"extra"`
}

// Init starts a PENDING enrollment and hands back a session token the
// enrollee can poll with
func (h *EnrollmentHandler) Init(c *gin.Context) {
	var req InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enrollment, err := h.enrollments.CreateForCallsign(c.Request.Context(), req.Callsign, "", req.Extra)
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

// Get returns one enrollment
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.enrollments.ByCallsign(c.Request.Context(), c.Param("callsign"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(enrollment))
}

// ApproveRequest carries the approve code the admin verified out of band
type ApproveRequest struct {
	ApproveCode string `json:"approvecode" binding:"required"`
}

// Approve approves a pending enrollment
func (h *EnrollmentHandler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identity, _ := middleware.GetIdentity(c)
	person, err := h.enrollments.Approve(c.Request.Context(), c.Param("callsign"), req.ApproveCode, identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "callsign": person.Callsign})
}

// Reject rejects a pending enrollment
func (h *EnrollmentHandler) Reject(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)
	err := h.enrollments.Reject(c.Request.Context(), c.Param("callsign"), identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Promote grants the admin role to an approved person
func (h *EnrollmentHandler) Promote(c *gin.Context) {
	changed, err := h.persons.AssignRole(c.Request.Context(), c.Param("callsign"), service.AdminRole)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "changed": changed})
}

// Demote removes the admin role
func (h *EnrollmentHandler) Demote(c *gin.Context) {
	changed, err := h.persons.RemoveRole(c.Request.Context(), c.Param("callsign"), service.AdminRole)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "changed": changed})
}

// HaveIBeenAccepted tells the caller whether their enrollment resolved
func (h *EnrollmentHandler) HaveIBeenAccepted(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)

	enrollment, err := h.enrollments.ByCallsign(c.Request.Context(), identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"have_i_been_accepted": enrollment.State == models.EnrollmentApproved,
		"state":                enrollment.State,
	})
}

// GenerateVerificationCode swaps the caller's approve code for a fresh one
func (h *EnrollmentHandler) GenerateVerificationCode(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)

	code, err := h.enrollments.ResetApproveCode(c.Request.Context(), identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification_code": code})
}

// ShowVerificationCodeInfo returns the enrollment an approve code belongs
// to without consuming anything
func (h *EnrollmentHandler) ShowVerificationCodeInfo(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code query parameter required"})
		return
	}

	enrollment, err := h.enrollments.ByApproveCode(c.Request.Context(), code)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(enrollment))
}
