package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/go-docgraph/pkg/server/dto"
)

const serviceName = "go-docgraph"

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	graph   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(graph Pinger) *HealthHandler {
	return &HealthHandler{graph: graph, timeout: 3 * time.Second}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, dto.StatusResponse{Status: "healthy", Service: serviceName})
}

// ReadinessCheck handles GET /ready. The service is ready when the graph
// store answers.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if h.graph != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()
		if err := h.graph.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, dto.StatusResponse{
				Status:  "unavailable",
				Service: serviceName,
				Error:   err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Status: "ready", Service: serviceName})
}
