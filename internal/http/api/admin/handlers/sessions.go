package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"gorm.io/gorm"
)

// SessionHandler lists accounting sessions.
type SessionHandler struct {
	db *gorm.DB
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(db *gorm.DB) *SessionHandler {
	return &SessionHandler{db: db}
}

// sessionListQuery defines filters for the session list view.
type sessionListQuery struct {
	Page      int    `form:"page,default=1"`
	Limit     int    `form:"limit,default=50"`
	Username  string `form:"username"`
	GatewayID string `form:"gateway_id"`
	Unlinked  bool   `form:"unlinked"`
}

// List returns open sessions, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	var q sessionListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 200 {
		q.Limit = 50
	}

	query := h.db.WithContext(c.Request.Context()).Model(&models.AccountingSession{}).Where("stopped_at IS NULL")
	if username := strings.TrimSpace(q.Username); username != "" {
		query = query.Where("username = ?", username)
	}
	if gatewayID := strings.TrimSpace(q.GatewayID); gatewayID != "" {
		query = query.Where("gateway_id = ?", gatewayID)
	}
	if q.Unlinked {
		query = query.Where("gateway_id IS NULL")
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count sessions failed"})
		return
	}
	var rows []models.AccountingSession
	if errFind := query.Order("started_at DESC, id DESC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list sessions failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"session_id": row.SessionID,
			"username":   row.Username,
			"gateway_id": row.GatewayID,
			"mac":        row.MACAddress,
			"client_ip":  row.ClientIP,
			"started_at": row.StartedAt,
			"bytes_in":   row.BytesIn,
			"bytes_out":  row.BytesOut,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "total": total, "page": q.Page, "limit": q.Limit})
}
