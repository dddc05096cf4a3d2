package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rufaromugabe/spotfi-sub000/internal/disconnect"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
)

// DisconnectHandler lists the disconnect queue.
type DisconnectHandler struct {
	queue *disconnect.Queue
}

// NewDisconnectHandler constructs a DisconnectHandler.
func NewDisconnectHandler(queue *disconnect.Queue) *DisconnectHandler {
	return &DisconnectHandler{queue: queue}
}

// disconnectListQuery defines filters for the queue list view.
type disconnectListQuery struct {
	Page      int    `form:"page,default=1"`
	Limit     int    `form:"limit,default=50"`
	Processed string `form:"processed"`
	Reason    string `form:"reason"`
	Username  string `form:"username"`
}

// List returns queue entries with paging and filters.
func (h *DisconnectHandler) List(c *gin.Context) {
	var q disconnectListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	filter := disconnect.ListFilter{Page: q.Page, PageSize: q.Limit, Search: q.Username}
	if raw := strings.TrimSpace(q.Processed); raw != "" {
		processed, errParse := strconv.ParseBool(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid processed"})
			return
		}
		filter.Processed = &processed
	}
	if raw := strings.ToUpper(strings.TrimSpace(q.Reason)); raw != "" {
		reason := models.DisconnectReason(raw)
		if !reason.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reason"})
			return
		}
		filter.Reason = reason
	}

	rows, total, errList := h.queue.List(c.Request.Context(), filter)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list disconnects failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":           row.ID,
			"username":     row.Username,
			"reason":       row.Reason,
			"processed":    row.Processed,
			"processed_at": row.ProcessedAt,
			"attempts":     row.Attempts,
			"last_error":   row.LastError,
			"created_at":   row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "total": total})
}
