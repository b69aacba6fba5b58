package interfaces

import (
	"context"

	"stock-reservation-service/internal/models"
)

// StockOperations are the single item primitives of the reservation engine
type StockOperations interface {
	ReserveStock(ctx context.Context, productID string, qty int, orderID, userID string) (*models.Reservation, error)
	ReleaseStock(ctx context.Context, productID string, qty int, orderID, userID string) error
	ConfirmStockOut(ctx context.Context, productID string, qty int, orderID, userID string) error
	// ValidateQuantity applies the per-reservation limits without touching the store
	ValidateQuantity(productID string, qty int) error
}

// StockService defines the contract for stock business operations
type StockService interface {
	StockOperations

	CheckStock(ctx context.Context, productID string, qty int) (*models.StockCheck, error)
	GetAvailability(ctx context.Context, productID string) (*models.AvailabilityResponse, error)
	SetStock(ctx context.Context, productID string, availableQty int) (*models.StockRecord, error)
}

// ReservationOrchestrator reserves, releases and confirms whole orders
type ReservationOrchestrator interface {
	ReserveItems(ctx context.Context, orderID, userID string, items []models.LineItem) ([]models.ItemResult, error)
	ReleaseItems(ctx context.Context, orderID, userID string, items []models.LineItem) []models.ItemOutcome
	ConfirmItems(ctx context.Context, orderID, userID string, items []models.LineItem) []models.ItemOutcome
}

// AvailabilityReader serves availability reads
type AvailabilityReader interface {
	GetAvailability(ctx context.Context, productID string) (*models.AvailabilityResponse, error)
}
