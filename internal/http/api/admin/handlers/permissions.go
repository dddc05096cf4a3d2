package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rufaromugabe/spotfi-sub000/internal/http/api/admin/permissions"
)

// PermissionHandler lists permission definitions.
type PermissionHandler struct{}

// NewPermissionHandler constructs a PermissionHandler.
func NewPermissionHandler() *PermissionHandler {
	return &PermissionHandler{}
}

// List returns every permission definition.
func (h *PermissionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"permissions": permissions.Definitions()})
}
