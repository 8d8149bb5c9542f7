package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/drivegate/internal/metrics"
)

const (
	apiRoutePrefix   = "/api"
	adminRoutePrefix = "/api/admin"
	healthRoute      = "/healthz"
	metricsRoute     = "/metrics"

	corsHeaderContentType        = "Content-Type"
	corsHeaderFingerprint        = "X-Client-Fingerprint"
	corsHeaderPlatform           = "X-Client-Platform"
	corsHeaderRange              = "Range"
	corsHeaderContentRange       = "Content-Range"
	corsHeaderContentDisposition = "Content-Disposition"

	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"
	healthCheckTimeout      = 2 * time.Second
	logEventHealthCheck     = "health_check_failed"
)

var (
	corsAllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	corsAllowedHeaders = []string{corsHeaderContentType, corsHeaderFingerprint, corsHeaderPlatform, corsHeaderRange}
	corsExposedHeaders = []string{corsHeaderContentType, corsHeaderContentRange, corsHeaderContentDisposition}
)

type routerConfig struct {
	logger         *zap.Logger
	authManager    *httpapi.AuthManager
	services       httpapi.Services
	recorder       *metrics.Recorder
	allowedOrigins []string
	healthCheck    func(context.Context) error
	eventHeartbeat time.Duration
}

func newRouter(config routerConfig) *gin.Engine {
	logger := config.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpapi.RequestLogger(logger))
	if config.recorder != nil {
		router.Use(config.recorder.Middleware())
		router.GET(metricsRoute, gin.WrapH(config.recorder.Handler()))
	}
	router.GET(healthRoute, healthHandler(config.healthCheck, logger))

	if len(config.allowedOrigins) > 0 {
		registerAPIPreflightRoutes(router, cors.New(cors.Config{
			AllowOrigins:     config.allowedOrigins,
			AllowMethods:     corsAllowedMethods,
			AllowHeaders:     corsAllowedHeaders,
			ExposeHeaders:    corsExposedHeaders,
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	registerBackendRoutes(router, config.authManager, config.services, config.eventHeartbeat)
	return router
}

// registerAPIPreflightRoutes applies CORS to every API request, preflights included.
func registerAPIPreflightRoutes(router *gin.Engine, corsMiddleware gin.HandlerFunc) {
	router.Use(func(ginContext *gin.Context) {
		if strings.HasPrefix(ginContext.Request.URL.Path, apiRoutePrefix+"/") {
			corsMiddleware(ginContext)
		}
	})
	router.OPTIONS(apiRoutePrefix+"/*path", func(ginContext *gin.Context) {
		ginContext.Status(http.StatusNoContent)
	})
}

func registerBackendRoutes(router *gin.Engine, authManager *httpapi.AuthManager, services httpapi.Services, eventHeartbeat time.Duration) {
	authHandlers := httpapi.NewAuthHandlers(services, authManager)
	accountHandlers := httpapi.NewAccountHandlers(services)
	subscriptionHandlers := httpapi.NewSubscriptionHandlers(services)
	driveHandlers := httpapi.NewDriveHandlers(services)
	adminHandlers := httpapi.NewAdminHandlers(services)
	eventHandlers := httpapi.NewEventStreamHandlers(services, eventHeartbeat)

	publicGroup := router.Group(apiRoutePrefix)
	publicGroup.POST("/auth/register", authHandlers.Register)
	publicGroup.POST("/auth/login", authHandlers.Login)
	publicGroup.GET("/plans", subscriptionHandlers.Plans)

	sessionGroup := router.Group(apiRoutePrefix)
	sessionGroup.Use(authManager.RequireAuthenticatedJSON())
	sessionGroup.POST("/auth/logout", authHandlers.Logout)
	sessionGroup.GET("/me", accountHandlers.CurrentUser)
	sessionGroup.GET("/me/dashboard", accountHandlers.Dashboard)
	sessionGroup.GET("/me/activity", accountHandlers.Activity)
	sessionGroup.GET("/me/events", eventHandlers.Stream)
	sessionGroup.POST("/me/devices", accountHandlers.RegisterDevice)
	sessionGroup.GET("/subscriptions", subscriptionHandlers.ListMine)
	sessionGroup.POST("/subscriptions", subscriptionHandlers.Request)

	driveGroup := sessionGroup.Group("/drive")
	driveGroup.Use(driveHandlers.RequireDriveAccess())
	driveGroup.GET("/files", driveHandlers.ListFiles)
	driveGroup.GET("/download", driveHandlers.Download)
	driveGroup.GET("/zip-password", driveHandlers.ZipPassword)

	adminGroup := router.Group(adminRoutePrefix)
	adminGroup.Use(authManager.RequireAdminJSON())
	adminGroup.GET("/users", adminHandlers.ListUsers)
	adminGroup.PATCH("/users/:id", adminHandlers.UpdateUser)
	adminGroup.GET("/subscriptions", adminHandlers.ListSubscriptions)
	adminGroup.POST("/subscriptions", adminHandlers.GrantSubscription)
	adminGroup.POST("/subscriptions/:id/approve", adminHandlers.ApproveSubscription)
	adminGroup.POST("/subscriptions/:id/reject", adminHandlers.RejectSubscription)
	adminGroup.POST("/subscriptions/:id/revoke", adminHandlers.RevokeSubscription)
	adminGroup.GET("/alerts", adminHandlers.ListAlerts)
	adminGroup.POST("/alerts/:id/resolve", adminHandlers.ResolveAlert)
	adminGroup.GET("/zip-passwords", adminHandlers.ListZipPasswords)
	adminGroup.POST("/zip-passwords", adminHandlers.CreateZipPassword)
	adminGroup.PATCH("/zip-passwords/:id", adminHandlers.UpdateZipPassword)
	adminGroup.DELETE("/zip-passwords/:id", adminHandlers.DeleteZipPassword)
}

func healthHandler(check func(context.Context) error, logger *zap.Logger) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		if check != nil {
			checkContext, cancel := context.WithTimeout(ginContext.Request.Context(), healthCheckTimeout)
			defer cancel()
			if err := check(checkContext); err != nil {
				logger.Warn(logEventHealthCheck, zap.Error(err))
				ginContext.JSON(http.StatusServiceUnavailable, gin.H{"status": healthStatusUnavailable})
				return
			}
		}
		ginContext.JSON(http.StatusOK, gin.H{"status": healthStatusOK})
	}
}
