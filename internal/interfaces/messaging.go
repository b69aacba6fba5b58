package interfaces

import (
	"context"

	"stock-reservation-service/internal/models"
)

// OrderEventHandler reacts to order lifecycle events
type OrderEventHandler interface {
	HandleOrderEvent(ctx context.Context, event *models.OrderEvent) error
}

// StateHandler reacts to stock state snapshots
type StateHandler interface {
	HandleState(ctx context.Context, state *models.StockState) error
}
