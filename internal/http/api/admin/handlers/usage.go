package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rufaromugabe/spotfi-sub000/internal/quota"
	"gorm.io/gorm"
)

// UsageHandler reports per-user quota state.
type UsageHandler struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{db: db, nowFn: time.Now}
}

// usageQuery defines options for the usage view.
type usageQuery struct {
	Verify bool `form:"verify"` // Recompute the counter from session history.
}

// Get returns the user's current-period usage and pooled ceiling.
func (h *UsageHandler) Get(c *gin.Context) {
	username := strings.TrimSpace(c.Param("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	var q usageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}

	ctx := c.Request.Context()
	now := h.nowFn().UTC()
	usage, errUsage := quota.CurrentUsage(ctx, h.db, username, now)
	if errUsage != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load usage failed"})
		return
	}
	ceiling, errCeiling := quota.ComputeCeiling(ctx, h.db, username, now)
	if errCeiling != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load ceiling failed"})
		return
	}

	var ceilingBytes any
	if ceiling.HasActive() && !ceiling.Unlimited {
		ceilingBytes = ceiling.Bytes
	}
	resp := gin.H{
		"username":      username,
		"period_start":  usage.PeriodStart,
		"period_end":    quota.PeriodEnd(usage.PeriodStart),
		"counter_bytes": usage.CounterBytes,
		"active_bytes":  usage.ActiveBytes,
		"total_bytes":   usage.Total(),
		"ceiling_bytes": ceilingBytes,
		"unlimited":     ceiling.Unlimited,
		"assignments":   ceiling.Assignments,
		"exceeded":      ceiling.Enforceable() && usage.Total() >= ceiling.Bytes,
	}
	if q.Verify {
		scanned, errScan := quota.ScanPeriod(ctx, h.db, username, usage.PeriodStart)
		if errScan != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "scan sessions failed"})
			return
		}
		resp["scanned_bytes"] = scanned
		resp["counter_consistent"] = scanned == usage.CounterBytes
	}
	c.JSON(http.StatusOK, resp)
}
