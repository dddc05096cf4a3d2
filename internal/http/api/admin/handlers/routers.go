package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rufaromugabe/spotfi-sub000/internal/bridge"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"gorm.io/gorm"
)

// Presence reports live control channels.
type Presence interface {
	Connected(gatewayID string) bool
}

// RouterHandler lists routers and issues their bridge tokens.
type RouterHandler struct {
	db          *gorm.DB
	tokenSecret string
	presence    Presence
}

// NewRouterHandler constructs a RouterHandler.
func NewRouterHandler(db *gorm.DB, tokenSecret string, presence Presence) *RouterHandler {
	return &RouterHandler{db: db, tokenSecret: tokenSecret, presence: presence}
}

// List returns every registered router with its channel state.
func (h *RouterHandler) List(c *gin.Context) {
	var rows []models.Router
	if errFind := h.db.WithContext(c.Request.Context()).Order("id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list routers failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		connected := false
		if h.presence != nil {
			connected = h.presence.Connected(row.ID)
		}
		out = append(out, gin.H{
			"id":             row.ID,
			"name":           row.Name,
			"nas_identifier": row.NASIdentifier,
			"ip_address":     row.IPAddress,
			"status":         row.Status,
			"last_seen_at":   row.LastSeenAt,
			"connected":      connected,
		})
	}
	c.JSON(http.StatusOK, gin.H{"routers": out})
}

// issueTokenRequest is the optional body of IssueToken.
type issueTokenRequest struct {
	TTL string `json:"ttl"`
}

// IssueToken signs a bridge token for the router.
func (h *RouterHandler) IssueToken(c *gin.Context) {
	if strings.TrimSpace(h.tokenSecret) == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bridge token secret not configured"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	var body issueTokenRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	var ttl time.Duration
	if raw := strings.TrimSpace(body.TTL); raw != "" {
		parsed, errParse := time.ParseDuration(raw)
		if errParse != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ttl"})
			return
		}
		ttl = parsed
	}

	var router models.Router
	if errFind := h.db.WithContext(c.Request.Context()).Where("id = ?", id).Take(&router).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "router not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load router failed"})
		return
	}
	token, errIssue := bridge.IssueRouterToken([]byte(h.tokenSecret), router.ID, ttl, time.Now())
	if errIssue != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"router_id": router.ID, "token": token})
}
