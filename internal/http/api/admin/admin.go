package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rufaromugabe/spotfi-sub000/internal/config"
	"github.com/rufaromugabe/spotfi-sub000/internal/disconnect"
	handlers "github.com/rufaromugabe/spotfi-sub000/internal/http/api/admin/handlers"
	"github.com/rufaromugabe/spotfi-sub000/internal/http/api/admin/permissions"
	"gorm.io/gorm"
)

// Deps are the collaborators of the admin API.
type Deps struct {
	DB                *gorm.DB
	JWT               config.JWTConfig
	Queue             *disconnect.Queue
	RouterTokenSecret string
	Presence          handlers.Presence
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)

	adminGroup := r.Group("/v0/admin")
	authed := adminGroup.Group("")
	authed.Use(adminAuthMiddleware(deps.JWT))
	authed.Use(adminPermissionMiddleware())

	usageHandler := handlers.NewUsageHandler(deps.DB)
	authed.GET("/usage/:username", usageHandler.Get)

	sessionHandler := handlers.NewSessionHandler(deps.DB)
	authed.GET("/sessions", sessionHandler.List)

	queue := deps.Queue
	if queue == nil {
		queue = disconnect.NewQueue(deps.DB, 0, nil)
	}
	disconnectHandler := handlers.NewDisconnectHandler(queue)
	authed.GET("/disconnects", disconnectHandler.List)

	routerHandler := handlers.NewRouterHandler(deps.DB, deps.RouterTokenSecret, deps.Presence)
	authed.GET("/routers", routerHandler.List)
	authed.POST("/routers/:id/token", routerHandler.IssueToken)

	permissionHandler := handlers.NewPermissionHandler()
	authed.GET("/permissions", permissionHandler.List)
}

// adminAuthMiddleware validates admin JWTs and loads admin context.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("adminUsername", claims.Subject)
		c.Set("adminPermissions", claims.Permissions)
		c.Set("adminIsSuperAdmin", claims.SuperAdmin)
		c.Next()
	}
}

// adminPermissionMiddleware checks the route permission against the token.
func adminPermissionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool("adminIsSuperAdmin") {
			c.Next()
			return
		}
		perms, _ := c.Get("adminPermissions")
		list, _ := perms.([]string)
		if !permissions.HasPermission(list, permissions.Key(c.Request.Method, c.FullPath())) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Next()
	}
}
