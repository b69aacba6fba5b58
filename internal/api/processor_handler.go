package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// ExpirationSweeper releases reservations whose TTL elapsed
type ExpirationSweeper interface {
	ExpireReservations(ctx context.Context) (int, error)
}

// ProcessorHandler handles HTTP requests for processor service operations.
// Mainly used for health checks and internal monitoring.
type ProcessorHandler struct {
	sweeper  ExpirationSweeper
	health   HealthCheck
	gatherer prometheus.Gatherer
}

// NewProcessorHandler creates a new Processor API handler. health and gatherer may be nil.
func NewProcessorHandler(sweeper ExpirationSweeper, health HealthCheck, gatherer prometheus.Gatherer) *ProcessorHandler {
	return &ProcessorHandler{
		sweeper:  sweeper,
		health:   health,
		gatherer: gatherer,
	}
}

// SetupProcessorRoutes sets up the HTTP routes for Processor Service
func (h *ProcessorHandler) SetupProcessorRoutes() *gin.Engine {
	r := NewRouter("GET, POST, OPTIONS")

	r.GET("/health", healthHandler("stock-processor-service", h.health))
	RegisterMetrics(r, h.gatherer)

	r.POST("/admin/expire-reservations", h.expireReservations)

	return r
}

// expireReservations runs one sweeper pass on demand
func (h *ProcessorHandler) expireReservations(c *gin.Context) {
	expired, err := h.sweeper.ExpireReservations(c.Request.Context())
	if err != nil {
		Response.InternalError(c, err)
		return
	}

	log.Info().Int("expired", expired).Str("request_id", getRequestID(c)).Msg("Manual expiration sweep")
	Response.Success(c, gin.H{"expired": expired})
}
