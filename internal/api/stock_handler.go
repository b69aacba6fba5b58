package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// StockHandler handles HTTP requests for write operations (Queue Service)
type StockHandler struct {
	stock    interfaces.StockService
	orders   interfaces.ReservationOrchestrator
	health   HealthCheck
	gatherer prometheus.Gatherer
}

// NewStockHandler creates a new write API handler. health and gatherer may be nil.
func NewStockHandler(
	stock interfaces.StockService,
	orders interfaces.ReservationOrchestrator,
	health HealthCheck,
	gatherer prometheus.Gatherer,
) *StockHandler {
	return &StockHandler{
		stock:    stock,
		orders:   orders,
		health:   health,
		gatherer: gatherer,
	}
}

// SetupQueueRoutes sets up the HTTP routes for Queue Service
func (h *StockHandler) SetupQueueRoutes() *gin.Engine {
	r := NewRouter("POST, GET, PUT, OPTIONS")

	r.GET("/health", healthHandler("stock-queue-service", h.health))
	RegisterMetrics(r, h.gatherer)

	api := r.Group("/api/v1")
	{
		// Order workflow
		api.POST("/orders/:orderId/reservations", h.reserveOrder)
		api.POST("/orders/:orderId/release", h.releaseOrder)
		api.POST("/orders/:orderId/confirm", h.confirmOrder)

		// Single item operations
		api.GET("/stock/:productId", h.getAvailability)
		api.GET("/stock/:productId/check", h.checkStock)
		api.PUT("/stock/:productId", h.setStock)
		api.POST("/stock/:productId/reserve", h.reserveStock)
		api.POST("/stock/:productId/release", h.releaseStock)
		api.POST("/stock/:productId/confirm", h.confirmStock)
	}

	return r
}

// reserveOrder reserves every line item of an order or none of them
func (h *StockHandler) reserveOrder(c *gin.Context) {
	orderID := c.Param("orderId")

	var req models.ReserveItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.Failure(c, "Invalid reservation request", models.NewValidationError("items", bindingMessage(err), nil))
		return
	}

	results, err := h.orders.ReserveItems(c.Request.Context(), orderID, req.UserID, req.Items)
	if err != nil {
		message := "Failed to reserve stock"
		var batchErr *models.BatchReservationError
		if errors.As(err, &batchErr) {
			message = fmt.Sprintf("Failed to reserve stock for product %s", batchErr.ProductID)
		}
		Response.Failure(c, message, err)
		return
	}

	Response.Created(c, models.ReserveItemsResponse{
		Success: true,
		Message: "Stock reserved",
		OrderID: orderID,
		Items:   results,
	})
}

// releaseOrder releases the order's items, best effort
func (h *StockHandler) releaseOrder(c *gin.Context) {
	h.settleOrder(c, "released", h.orders.ReleaseItems)
}

// confirmOrder confirms the order's items out of stock, best effort
func (h *StockHandler) confirmOrder(c *gin.Context) {
	h.settleOrder(c, "confirmed", h.orders.ConfirmItems)
}

func (h *StockHandler) settleOrder(
	c *gin.Context,
	verb string,
	settle func(ctx context.Context, orderID, userID string, items []models.LineItem) []models.ItemOutcome,
) {
	orderID := c.Param("orderId")

	var req models.OrderItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.Failure(c, "Invalid request", models.NewValidationError("items", bindingMessage(err), nil))
		return
	}

	outcomes := settle(c.Request.Context(), orderID, req.UserID, req.Items)
	failed := models.CountFailed(outcomes)

	message := fmt.Sprintf("All items %s", verb)
	if failed > 0 {
		message = fmt.Sprintf("%d of %d items could not be %s", failed, len(outcomes), verb)
	}

	Response.Success(c, models.OrderItemsResponse{
		Success: failed == 0,
		Message: message,
		OrderID: orderID,
		Results: outcomes,
	})
}

// checkStock is a non-binding availability pre-check
func (h *StockHandler) checkStock(c *gin.Context) {
	var query models.StockCheckQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	check, err := h.stock.CheckStock(c.Request.Context(), c.Param("productId"), query.Quantity)
	if err != nil {
		Response.DomainError(c, err)
		return
	}
	Response.Success(c, check)
}

// getAvailability returns the stock levels of a product
func (h *StockHandler) getAvailability(c *gin.Context) {
	availability, err := h.stock.GetAvailability(c.Request.Context(), c.Param("productId"))
	if err != nil {
		Response.DomainError(c, err)
		return
	}
	Response.Success(c, availability)
}

// setStock overwrites the available quantity of a product
func (h *StockHandler) setStock(c *gin.Context) {
	var req models.SetStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	record, err := h.stock.SetStock(c.Request.Context(), c.Param("productId"), *req.AvailableQty)
	if err != nil {
		Response.DomainError(c, err)
		return
	}
	Response.Success(c, models.NewAvailabilityResponse(record, false))
}

// reserveStock reserves a single product for an order
func (h *StockHandler) reserveStock(c *gin.Context) {
	var req models.StockOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	reservation, err := h.stock.ReserveStock(c.Request.Context(), c.Param("productId"), req.Quantity, req.OrderID, req.UserID)
	if err != nil {
		Response.DomainError(c, err)
		return
	}
	Response.Created(c, models.NewReservationResponse(reservation))
}

// releaseStock returns reserved units of an order to available stock
func (h *StockHandler) releaseStock(c *gin.Context) {
	h.settleStock(c, models.ItemStatusReleased, h.stock.ReleaseStock)
}

// confirmStock turns reserved units of an order into a permanent deduction
func (h *StockHandler) confirmStock(c *gin.Context) {
	h.settleStock(c, models.ItemStatusConfirmed, h.stock.ConfirmStockOut)
}

func (h *StockHandler) settleStock(
	c *gin.Context,
	status string,
	settle func(ctx context.Context, productID string, qty int, orderID, userID string) error,
) {
	var req models.StockOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	productID := c.Param("productId")
	if err := settle(c.Request.Context(), productID, req.Quantity, req.OrderID, req.UserID); err != nil {
		Response.DomainError(c, err)
		return
	}

	Response.Success(c, models.ItemOutcome{
		ProductID: productID,
		Quantity:  req.Quantity,
		Status:    status,
	})
}
