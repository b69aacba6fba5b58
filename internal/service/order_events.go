package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/metrics"
	"stock-reservation-service/internal/models"
)

// OrderEventProcessor settles reservations when an order is cancelled or fulfilled
type OrderEventProcessor struct {
	orchestrator interfaces.ReservationOrchestrator
	metrics      *metrics.Metrics
}

// NewOrderEventProcessor creates an order lifecycle handler. m may be nil.
func NewOrderEventProcessor(orchestrator interfaces.ReservationOrchestrator, m *metrics.Metrics) *OrderEventProcessor {
	return &OrderEventProcessor{
		orchestrator: orchestrator,
		metrics:      m,
	}
}

// HandleOrderEvent releases or confirms the order's items. Items that fail
// for business reasons are logged and skipped; store failures are returned
// so the consumer retries the event.
func (p *OrderEventProcessor) HandleOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	if event.OrderID == "" {
		return models.NewValidationError("order_id", "order event without order ID", event.EventID)
	}

	p.metrics.ObserveOrderEvent(event.EventType)

	var outcomes []models.ItemOutcome
	switch event.EventType {
	case models.OrderEventCancelled:
		outcomes = p.orchestrator.ReleaseItems(ctx, event.OrderID, event.UserID, event.Items)
	case models.OrderEventFulfilled:
		outcomes = p.orchestrator.ConfirmItems(ctx, event.OrderID, event.UserID, event.Items)
	default:
		log.Warn().
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Msg("Ignoring unsupported order event")
		return nil
	}

	storeFailures := 0
	for _, outcome := range outcomes {
		if outcome.Failed() && outcome.Code == string(models.ErrorCodeStoreError) {
			storeFailures++
		}
	}

	log.Info().
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("order_id", event.OrderID).
		Int("items", len(outcomes)).
		Int("failed", models.CountFailed(outcomes)).
		Msg("Processed order event")

	if storeFailures > 0 {
		return fmt.Errorf("order %s: %d items failed with store errors", event.OrderID, storeFailures)
	}
	return nil
}
