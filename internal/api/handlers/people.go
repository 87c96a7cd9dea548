package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/service"
)

// PeopleHandler handles person listing and revocation
type PeopleHandler struct {
	persons *service.PersonService
	logger  *zap.Logger
}

// NewPeopleHandler creates a new people handler
func NewPeopleHandler(persons *service.PersonService, logger *zap.Logger) *PeopleHandler {
	return &PeopleHandler{persons: persons, logger: logger}
}

type personView struct {
	Callsign string   `json:"callsign"`
	UUID     string   `json:"uuid"`
	Roles    []string `json:"roles"`
	Extra    string   `json:"extra"`
}

// List lists live persons with their roles
func (h *PeopleHandler) List(c *gin.Context) {
	persons, err := h.persons.List(c.Request.Context(), false)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	views := make([]personView, 0, len(persons))
	for _, p := range persons {
		roles, err := h.persons.Roles(c.Request.Context(), p.ID)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		views = append(views, personView{
			Callsign: p.Callsign,
			UUID:     p.ID,
			Roles:    roles,
			Extra:    p.Extra,
		})
	}
	c.JSON(http.StatusOK, gin.H{"callsign_list": views})
}

// Get returns one person
func (h *PeopleHandler) Get(c *gin.Context) {
	person, err := h.persons.ByCallsign(c.Request.Context(), c.Param("callsign"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	roles, err := h.persons.Roles(c.Request.Context(), person.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, personView{
		Callsign: person.Callsign,
		UUID:     person.ID,
		Roles:    roles,
		Extra:    person.Extra,
	})
}

// DeleteRequest optionally names the revocation reason
type DeleteRequest struct {
	Reason string `json:"reason"`
}

// Delete revokes a person's certificate and soft-deletes the row
func (h *PeopleHandler) Delete(c *gin.Context) {
	var req DeleteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "privilege_withdrawn"
	}

	err := h.persons.Revoke(c.Request.Context(), c.Param("callsign"), req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
