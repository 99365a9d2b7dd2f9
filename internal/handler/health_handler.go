// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"link-service/internal/config"
	"link-service/internal/utils"
)

const maxGoroutines = 1000

// HealthHandler handles health check requests
type HealthHandler struct {
	link      LinkService
	config    *config.Config
	checks    healthcheck.Handler
	startedAt time.Time
	logger    *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler. Check results are exported
// on registry when it is not nil.
func NewHealthHandler(link LinkService, cfg *config.Config, registry prometheus.Registerer, logger *zap.Logger) *HealthHandler {
	var checks healthcheck.Handler
	if registry != nil {
		checks = healthcheck.NewMetricsHandler(registry, "link")
	} else {
		checks = healthcheck.NewHandler()
	}

	checks.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	checks.AddReadinessCheck("link", link.Healthy)

	return &HealthHandler{
		link:      link,
		config:    cfg,
		checks:    checks,
		startedAt: time.Now(),
		logger:    utils.NewServiceLogger(logger, "health-handler"),
	}
}

// HealthCheck reports service and link health
// @Summary Health check
// @Description Get overall service health status including the link state
// @Tags Health
// @Accept json
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy"
// @Failure 503 {object} HealthResponse "Service is unhealthy"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := h.link.Status()

	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Truncate(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	if err := h.link.Healthy(); err != nil {
		health.Status = "unhealthy"
		health.Checks["link"] = CheckResult{
			Status:  "unhealthy",
			Message: err.Error(),
		}
	} else {
		health.Checks["link"] = CheckResult{
			Status:  "healthy",
			Message: "Link " + string(status.State),
		}
	}

	health.Checks["latency"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"ping_time":     status.PingTime,
			"ping_time_ema": status.PingTimeEMA,
			"pings_lost":    status.PingsLost,
		},
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// ReadinessCheck for Kubernetes readiness probe; append ?full=1 for details
// @Summary Readiness check
// @Description Check if the link can carry traffic
// @Tags Health
// @Produce json
// @Param full query string false "Include check details" Enums(1)
// @Success 200 {object} object "Service is ready"
// @Failure 503 {object} object "Service is not ready"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	h.checks.ReadyEndpoint(c.Writer, c.Request)
}

// LivenessCheck for Kubernetes liveness probe
// @Summary Liveness check
// @Description Check if service is alive
// @Tags Health
// @Produce json
// @Param full query string false "Include check details" Enums(1)
// @Success 200 {object} object "Service is alive"
// @Failure 503 {object} object "Service is not alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	h.checks.LiveEndpoint(c.Writer, c.Request)
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
