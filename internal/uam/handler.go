// Package uam serves the captive portal login flow for CoovaChilli style gateways:
// login form, RADIUS authentication and the credential handoff back to the device.
package uam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gin-gonic/gin/render"
	"github.com/rufaromugabe/spotfi-sub000/internal/config"
	"github.com/rufaromugabe/spotfi-sub000/internal/linker"
	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/radius"
	"github.com/rufaromugabe/spotfi-sub000/internal/settings"
	"github.com/rufaromugabe/spotfi-sub000/internal/ttlcache"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	msgInvalidCredentials = "Invalid username or password."
	msgMissingCredentials = "Please enter your username and password."
	msgBadRequest         = "This page must be opened through the hotspot."
	msgServerError        = "The login service is temporarily unavailable. Please try again shortly."
)

// Caches holds the per-concern ephemeral stores. Each must be its own namespace.
type Caches struct {
	Usernames ttlcache.Cache
	Loops     ttlcache.Cache
	Lockouts  ttlcache.Cache
	Attempts  ttlcache.Cache
}

// Handler serves the portal endpoints.
type Handler struct {
	db      *gorm.DB
	auth    radius.Authenticator
	uam     config.UAMConfig
	radius  config.RadiusConfig
	metrics *metrics.Metrics
	nowFn   func() time.Time

	usernames ttlcache.Cache
	attempts  ttlcache.Cache
	loops     *LoopGuard
	lockout   *Lockout
}

// NewHandler constructs a Handler.
func NewHandler(db *gorm.DB, auth radius.Authenticator, uamCfg config.UAMConfig, radiusCfg config.RadiusConfig, caches Caches, m *metrics.Metrics) *Handler {
	if uamCfg.StoreTimeout <= 0 {
		uamCfg.StoreTimeout = settings.DefaultStoreTimeout
	}
	return &Handler{
		db:        db,
		auth:      auth,
		uam:       uamCfg,
		radius:    radiusCfg,
		metrics:   m,
		nowFn:     time.Now,
		usernames: caches.Usernames,
		attempts:  caches.Attempts,
		loops:     NewLoopGuard(caches.Loops, uamCfg.LoopWindow, uamCfg.LoopThreshold, nil),
		lockout:   NewLockout(caches.Lockouts, uamCfg.LockoutThreshold, uamCfg.LockoutDuration, uamCfg.StateTTL, nil),
	}
}

// Register mounts the portal page and the captive portal API.
func (h *Handler) Register(r gin.IRouter) {
	r.GET(h.uam.Path, h.Page)
	r.POST(h.uam.Path, h.Login)
	r.GET("/api", h.Discovery)
}

func (h *Handler) render(c *gin.Context, code int, page string, data pageData) {
	c.Header("Cache-Control", "no-store")
	c.Render(code, render.HTML{Template: pageTemplates, Name: page, Data: data})
}

func (h *Handler) renderError(c *gin.Context, code int, title, message string) {
	h.render(c, code, pageError, pageData{Title: title, Message: message})
}

func (h *Handler) renderLogin(c *gin.Context, code int, p portalParams, message string) {
	h.render(c, code, pageLogin, pageData{
		Title:   "Sign in",
		Message: message,
		Action:  h.uam.Path,
		Params:  p,
		UserURL: SafeURL(p.UserURL),
	})
}

func bindParams(c *gin.Context) (portalParams, bool) {
	var p portalParams
	if errBind := c.ShouldBindWith(&p, binding.Form); errBind != nil {
		return p, false
	}
	p.trim()
	return p, true
}

// Page handles GET on the portal path.
func (h *Handler) Page(c *gin.Context) {
	p, ok := bindParams(c)
	if !ok {
		h.renderError(c, http.StatusBadRequest, "Bad request", msgBadRequest)
		return
	}
	ctx := c.Request.Context()
	key := SessionKey(p.SessionID, p.MAC, p.IP, c.Request.RemoteAddr)

	looped, errLoop := h.loops.Visit(ctx, "loop:"+key, c.Request.URL.RequestURI())
	if errLoop != nil {
		log.WithError(errLoop).Warn("uam: loop tracking failed")
	}
	if looped {
		h.metrics.RecordLogin("loop")
		log.WithFields(log.Fields{"component": "uam", "session_key": key}).Warn("uam: redirect loop detected")
		h.renderError(c, http.StatusLoopDetected, "Redirect loop detected",
			fmt.Sprintf("Your device was redirected here too many times. Please wait %s and open any website again.", formatWait(h.uam.LoopWindow)))
		return
	}

	switch p.Res {
	case "success", "already":
		username := ""
		if raw, found, errGet := h.usernames.Get(ctx, "user:"+key); errGet == nil && found {
			username = string(raw)
		}
		userURL := SafeURL(p.UserURL)
		if userURL == "" {
			userURL = SafeURL(h.uam.SuccessURL)
		}
		h.render(c, http.StatusOK, pageSuccess, pageData{Title: "Connected", Username: username, UserURL: userURL})
		return
	}

	if _, valid := p.gatewayAddr(); !valid {
		h.renderError(c, http.StatusBadRequest, "Bad request", msgBadRequest)
		return
	}
	message := ""
	switch p.Res {
	case "failed", "reject":
		message = msgInvalidCredentials
	case "logoff":
		message = "You have been signed out."
	}
	h.renderLogin(c, http.StatusOK, p, message)
}

// Login handles POST on the portal path.
func (h *Handler) Login(c *gin.Context) {
	p, ok := bindParams(c)
	if !ok {
		h.renderError(c, http.StatusBadRequest, "Bad request", msgBadRequest)
		return
	}
	gatewayAddr, valid := p.gatewayAddr()
	if !valid {
		h.metrics.RecordLogin("invalid")
		h.renderError(c, http.StatusBadRequest, "Bad request", msgBadRequest)
		return
	}
	if p.Username == "" || p.Password == "" {
		h.renderLogin(c, http.StatusBadRequest, p, msgMissingCredentials)
		return
	}

	ctx := c.Request.Context()
	key := SessionKey(p.SessionID, p.MAC, p.IP, c.Request.RemoteAddr)
	fields := log.Fields{"component": "uam", "session_key": key, "username": p.Username}

	// POSTs share the loop window. The clear on success uses the count before this one.
	priorAttempts, errAttempts := h.loops.Attempts(ctx, "loop:"+key)
	if errAttempts != nil {
		priorAttempts = h.uam.LoopClearThreshold
	}
	looped, errLoop := h.loops.Visit(ctx, "loop:"+key, http.MethodPost+" "+c.Request.URL.RequestURI())
	if errLoop != nil {
		log.WithError(errLoop).WithFields(fields).Warn("uam: loop tracking failed")
	}
	if looped {
		h.metrics.RecordLogin("loop")
		log.WithFields(fields).Warn("uam: login resubmission loop detected")
		h.renderError(c, http.StatusLoopDetected, "Redirect loop detected",
			fmt.Sprintf("Too many repeated sign-in attempts. Please wait %s and try again.", formatWait(h.uam.LoopWindow)))
		return
	}

	if left, errLock := h.lockout.Remaining(ctx, "lock:"+key); errLock != nil {
		log.WithError(errLock).WithFields(fields).Warn("uam: lockout lookup failed")
	} else if left > 0 {
		h.metrics.RecordLogin("locked")
		h.renderLogin(c, http.StatusTooManyRequests, p,
			fmt.Sprintf("Too many failed attempts. Please try again in %s.", formatWait(left)))
		return
	}
	if h.uam.LoginRateLimit > 0 {
		count, errIncr := h.attempts.Incr(ctx, "rate:"+key, h.uam.LoginRateWindow)
		if errIncr != nil {
			log.WithError(errIncr).WithFields(fields).Warn("uam: rate counter failed")
		} else if count > int64(h.uam.LoginRateLimit) {
			h.metrics.RecordLogin("rate_limited")
			h.renderLogin(c, http.StatusTooManyRequests, p,
				fmt.Sprintf("Too many login attempts. Please try again in %s.", formatWait(h.uam.LoginRateWindow)))
			return
		}
	}

	router, errRouter := h.resolveRouter(ctx, p)
	if errRouter != nil {
		log.WithError(errRouter).WithFields(fields).Error("uam: router lookup failed")
		h.metrics.RecordLogin("error")
		h.renderError(c, http.StatusBadGateway, "Service unavailable", msgServerError)
		return
	}
	uamSecret := h.uam.DefaultSecret
	nasID := p.NASID
	if router != nil {
		if router.UAMSecret != "" {
			uamSecret = router.UAMSecret
		}
		if router.NASIdentifier != "" {
			nasID = router.NASIdentifier
		} else {
			nasID = router.ID
		}
	}

	response := ""
	if p.Challenge != "" {
		var errChap error
		response, errChap = ChapResponse(p.Password, p.Challenge, uamSecret)
		if errChap != nil {
			h.metrics.RecordLogin("invalid")
			h.renderError(c, http.StatusBadRequest, "Bad request", msgBadRequest)
			return
		}
	}

	result, errAuth := h.auth.Authenticate(ctx, radius.AuthRequest{
		Username:         p.Username,
		Password:         p.Password,
		NASIP:            h.radius.NASIP,
		NASID:            nasID,
		Secret:           h.radius.Secret,
		Server:           h.radius.Server,
		Port:             h.radius.Port,
		CallingStationID: p.MAC,
		CalledStationID:  p.Called,
		FramedIP:         p.IP,
	})
	if errAuth != nil {
		log.WithError(errAuth).WithFields(fields).Error("uam: radius authentication failed")
		h.metrics.RecordLogin("error")
		h.renderError(c, http.StatusBadGateway, "Service unavailable", msgServerError)
		return
	}
	if !result.Accepted {
		left, errFail := h.lockout.Fail(ctx, "lock:"+key)
		if errFail != nil {
			log.WithError(errFail).WithFields(fields).Warn("uam: record failure failed")
		}
		h.metrics.RecordLogin("rejected")
		log.WithFields(fields).WithField("reason", result.Reason).Info("uam: login rejected")
		message := msgInvalidCredentials
		if left > 0 {
			message = fmt.Sprintf("%s Too many failed attempts. Please try again in %s.", msgInvalidCredentials, formatWait(left))
		}
		h.renderLogin(c, http.StatusUnauthorized, p, message)
		return
	}

	h.onAccepted(ctx, key, p.Username, priorAttempts, fields)
	h.metrics.RecordLogin("accepted")

	data := pageData{
		Title:    "Connecting",
		Action:   (&url.URL{Scheme: "http", Host: gatewayAddr, Path: "/logon"}).String(),
		Username: p.Username,
		UserURL:  SafeURL(p.UserURL),
	}
	if response != "" {
		data.Response = response
	} else {
		data.Password = p.Password
	}
	h.render(c, http.StatusOK, pageHandoff, data)
}

func (h *Handler) onAccepted(ctx context.Context, key, username string, priorAttempts int, fields log.Fields) {
	if errReset := h.lockout.Reset(ctx, "lock:"+key); errReset != nil {
		log.WithError(errReset).WithFields(fields).Warn("uam: reset lockout failed")
	}
	if h.attempts != nil {
		_ = h.attempts.Delete(ctx, "rate:"+key)
	}
	// Gateways that kept bouncing before this login stay tracked.
	if priorAttempts < h.uam.LoopClearThreshold {
		_ = h.loops.Clear(ctx, "loop:"+key)
	}
	if errSet := h.usernames.Set(ctx, "user:"+key, []byte(username), h.uam.StateTTL); errSet != nil {
		log.WithError(errSet).WithFields(fields).Warn("uam: cache username failed")
	}
	log.WithFields(fields).Info("uam: login accepted")
}

// resolveRouter finds the gateway by nasid (router ID or NAS-Identifier) or by the
// called MAC. It returns nil when the gateway is not registered.
func (h *Handler) resolveRouter(ctx context.Context, p portalParams) (*models.Router, error) {
	if h.db == nil {
		return nil, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, h.uam.StoreTimeout)
	defer cancel()
	q := h.db.WithContext(lookupCtx)
	var router models.Router
	var errTake error
	switch {
	case p.NASID != "":
		errTake = q.Where("id = ? OR nas_identifier = ?", p.NASID, p.NASID).Order("id ASC").Take(&router).Error
	case p.Called != "":
		mac := linker.NormalizeMAC(p.Called)
		errTake = q.Where("REPLACE(REPLACE(REPLACE(UPPER(mac_address), ':', ''), '-', ''), '.', '') = ?", mac).
			Order("id ASC").Take(&router).Error
	default:
		return nil, nil
	}
	if errors.Is(errTake, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errTake != nil {
		return nil, errTake
	}
	return &router, nil
}

// Discovery answers the RFC 8908 captive portal API.
func (h *Handler) Discovery(c *gin.Context) {
	base := strings.TrimRight(h.uam.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	portal := base + h.uam.Path
	if nasID := strings.TrimSpace(c.Query("nasid")); nasID != "" {
		portal += "?nasid=" + url.QueryEscape(nasID)
	}
	c.Header("Cache-Control", "private")
	c.Header("Content-Type", "application/captive+json")
	c.JSON(http.StatusOK, gin.H{"captive": true, "user-portal-url": portal})
}
