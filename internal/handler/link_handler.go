// internal/handler/link_handler.go
package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"link-service/internal/model"
	"link-service/internal/service"
	"link-service/internal/utils"
)

// maxUplinkSize caps a single uplink request body
const maxUplinkSize = 4096

// LinkService is the part of the link supervisor exposed over HTTP
type LinkService interface {
	Status() model.LinkStatus
	Healthy() error
	Send(data []byte) error
	SubscribeStatus() (<-chan model.LinkStatus, func())
	SubscribeEvents() (<-chan model.LinkEvent, func())
}

var _ LinkService = (*service.LinkService)(nil)

// LinkHandler serves link status and accepts uplink bytes
type LinkHandler struct {
	link   LinkService
	logger *utils.ServiceLogger
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(link LinkService, logger *zap.Logger) *LinkHandler {
	return &LinkHandler{
		link:   link,
		logger: utils.NewServiceLogger(logger, "link-handler"),
	}
}

// GetStatus returns the current link status
// @Summary Get link status
// @Description Get medium, state, latency, byte counters and rates of the link
// @Tags Link
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.LinkStatus} "Link status retrieved"
// @Router /link/status [get]
func (h *LinkHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Link status retrieved", h.link.Status())
}

// SendUplink queues the raw request body for transmission to the vehicle
// @Summary Send uplink bytes
// @Description Queue the raw request body for transmission over the link
// @Tags Link
// @Accept octet-stream
// @Produce json
// @Param payload body string true "Raw uplink bytes (max 4096)"
// @Success 202 {object} utils.APIResponse{data=object{size=int}} "Uplink queued"
// @Failure 400 {object} utils.APIResponse "Empty or unreadable payload"
// @Failure 413 {object} utils.APIResponse "Payload too large"
// @Failure 429 {object} utils.APIResponse "Uplink queue is full"
// @Failure 503 {object} utils.APIResponse "Link not running or down"
// @Router /link/uplink [post]
func (h *LinkHandler) SendUplink(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUplinkSize+1))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	if len(body) == 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Empty uplink payload", nil)
		return
	}
	if len(body) > maxUplinkSize {
		utils.ErrorResponse(c, http.StatusRequestEntityTooLarge, "Uplink payload too large",
			fmt.Errorf("limit is %d bytes", maxUplinkSize))
		return
	}

	if err := h.link.Send(body); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, service.ErrQueueFull):
			status = http.StatusTooManyRequests
		case errors.Is(err, service.ErrLinkDown), errors.Is(err, service.ErrNotRunning):
			status = http.StatusServiceUnavailable
		}
		h.logger.Warn("Uplink rejected", zap.Int("size", len(body)), zap.Error(err))
		utils.ErrorResponse(c, status, "Uplink rejected", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Uplink queued", gin.H{"size": len(body)})
}
