// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"link-service/internal/discovery"
	"link-service/internal/utils"
)

// DiscoveryHandler lists the serial ports a link could be opened on
type DiscoveryHandler struct {
	listPorts func() ([]discovery.PortInfo, error)
	logger    *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		listPorts: discovery.ListSerialPorts,
		logger:    utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// ListPorts returns the serial ports present on the host
// @Summary List serial ports
// @Description List the serial ports a link could be opened on, with USB details
// @Tags Discovery
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=object{ports_found=int,ports=[]discovery.PortInfo}} "Serial port scan completed"
// @Failure 500 {object} utils.APIResponse "Scan failed"
// @Router /ports [get]
func (h *DiscoveryHandler) ListPorts(c *gin.Context) {
	ports, err := h.listPorts()
	if err != nil {
		h.logger.Error("Failed to list serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Serial port scan completed", gin.H{
		"ports_found": len(ports),
		"ports":       ports,
	})
}
