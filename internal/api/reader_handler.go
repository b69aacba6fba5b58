package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"stock-reservation-service/internal/interfaces"
)

// ReaderHandler handles HTTP requests for read operations (Reader Service)
type ReaderHandler struct {
	reader   interfaces.AvailabilityReader
	health   HealthCheck
	gatherer prometheus.Gatherer
}

// NewReaderHandler creates a new Reader API handler. health and gatherer may be nil.
func NewReaderHandler(reader interfaces.AvailabilityReader, health HealthCheck, gatherer prometheus.Gatherer) *ReaderHandler {
	return &ReaderHandler{
		reader:   reader,
		health:   health,
		gatherer: gatherer,
	}
}

// SetupReaderRoutes sets up the HTTP routes for Reader Service
func (h *ReaderHandler) SetupReaderRoutes() *gin.Engine {
	r := NewRouter("GET, OPTIONS")

	r.GET("/health", healthHandler("stock-reader-service", h.health))
	RegisterMetrics(r, h.gatherer)

	api := r.Group("/api/v1")
	{
		api.GET("/stock/:productId", h.getAvailability)
	}

	return r
}

// getAvailability returns cached stock levels, falling back to the store
func (h *ReaderHandler) getAvailability(c *gin.Context) {
	availability, err := h.reader.GetAvailability(c.Request.Context(), c.Param("productId"))
	if err != nil {
		Response.DomainError(c, err)
		return
	}
	Response.Success(c, availability)
}
