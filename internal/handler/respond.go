package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"whendoist/internal/repository"
	"whendoist/internal/service"
)

// respondError maps service errors onto HTTP statuses in one place so the
// handlers stay thin.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRecurringTask):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNoCredential):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSyncDisabled), errors.Is(err, service.ErrCredentialRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// UserID reads the authenticated user id set by the auth middleware.
func UserID(c *gin.Context) int64 {
	return c.GetInt64("user_id")
}
