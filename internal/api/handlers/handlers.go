// Package handlers implements the HTTP surface of the rasenmaeher API.
package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/errs"
)

// respondError maps a service error to its HTTP status and logs anything
// that ends up as a 5xx.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := errs.HTTPStatus(err)
	if status >= 500 {
		logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
