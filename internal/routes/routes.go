// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"link-service/internal/config"
	"link-service/internal/handler"
	"link-service/internal/metrics"
	"link-service/internal/middleware"
	"link-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config    *config.Config
	logger    *zap.Logger
	link      handler.LinkService
	metrics   *metrics.Metrics
	websocket *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	link handler.LinkService,
	m *metrics.Metrics,
) *Router {
	return &Router{
		config:  config,
		logger:  logger,
		link:    link,
		metrics: m,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	// Set Gin mode
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.App.Environment == "test" {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// Close disconnects streaming clients
func (r *Router) Close() {
	if r.websocket != nil {
		r.websocket.Close()
	}
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.HTTP))

	r.logger.Debug("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	// Health check results are exported next to the link metrics
	var registry prometheus.Registerer
	if r.metrics != nil {
		registry = r.metrics.Registry()
	}

	healthHandler := handler.NewHealthHandler(r.link, r.config, registry, r.logger)
	linkHandler := handler.NewLinkHandler(r.link, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.logger)
	r.websocket = handler.NewWebSocketHandler(r.link, r.logger)

	r.addHealthRoutes(router, healthHandler)
	r.addLinkRoutes(router, linkHandler)
	r.addDiscoveryRoutes(router, discoveryHandler)
	r.addWebSocketRoutes(router, r.websocket)
	r.addDocumentationRoutes(router)

	if r.metrics != nil {
		router.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}

	r.logger.Info("All routes configured successfully")
}

// addHealthRoutes sets up health check routes
func (r *Router) addHealthRoutes(router *gin.Engine, handler *handler.HealthHandler) {
	health := router.Group("")
	{
		health.GET("/health", handler.HealthCheck)
		health.GET("/ready", handler.ReadinessCheck)
		health.GET("/live", handler.LivenessCheck)
	}
}

// addLinkRoutes sets up link status and uplink routes
func (r *Router) addLinkRoutes(router *gin.Engine, handler *handler.LinkHandler) {
	router.GET("/status", handler.GetStatus)

	link := router.Group("/api/v1/link")
	{
		link.GET("/status", handler.GetStatus)
		link.POST("/uplink", handler.SendUplink)
	}
}

// addDiscoveryRoutes sets up serial port discovery routes
func (r *Router) addDiscoveryRoutes(router *gin.Engine, handler *handler.DiscoveryHandler) {
	router.GET("/api/v1/ports", handler.ListPorts)
}

// addWebSocketRoutes sets up WebSocket routes
func (r *Router) addWebSocketRoutes(router *gin.Engine, handler *handler.WebSocketHandler) {
	ws := router.Group("/ws")
	{
		ws.GET("/status", handler.HandleStatusStream)
		ws.GET("/events", handler.HandleEventStream)
	}
}

// addDocumentationRoutes sets up documentation routes
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
