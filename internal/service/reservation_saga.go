package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/metrics"
	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/tracing"
)

// compensation undoes one completed reservation step
type compensation struct {
	item models.LineItem
	undo func(ctx context.Context) error
}

// ReservationSaga reserves the line items of an order as a unit. Every
// successful step pushes a compensation; the first failure unwinds the
// stack, newest step first.
type ReservationSaga struct {
	stock   interfaces.StockOperations
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewReservationSaga creates a saga over the single item stock operations. m may be nil.
func NewReservationSaga(stock interfaces.StockOperations, m *metrics.Metrics) *ReservationSaga {
	return &ReservationSaga{
		stock:   stock,
		metrics: m,
		tracer:  tracing.Tracer(),
	}
}

// ReserveItems reserves every item or none of them
func (s *ReservationSaga) ReserveItems(ctx context.Context, orderID, userID string, items []models.LineItem) ([]models.ItemResult, error) {
	ctx, span := s.tracer.Start(ctx, "saga.ReserveItems", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Int("order.items", len(items)),
	))
	defer span.End()

	if err := validateItems(orderID, items); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid order items")
		return nil, err
	}

	merged := mergeItems(items)
	if err := s.validateLimits(items, merged); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid order items")
		return nil, err
	}

	results := make([]models.ItemResult, 0, len(merged))
	var stack []compensation

	for i, item := range merged {
		stepCtx, stepSpan := s.tracer.Start(ctx, "saga.InventoryReserve", trace.WithAttributes(
			attribute.String("product.id", item.ProductID),
			attribute.Int("product.quantity", item.Quantity),
		))
		reservation, err := s.stock.ReserveStock(stepCtx, item.ProductID, item.Quantity, orderID, userID)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, "reserve failed")
			stepSpan.End()

			log.Warn().Err(err).
				Str("order_id", orderID).
				Str("product_id", item.ProductID).
				Int("qty", item.Quantity).
				Int("completed_steps", len(stack)).
				Msg("Batch reservation failed, rolling back")

			batchErr := &models.BatchReservationError{
				OrderID:       orderID,
				ProductID:     item.ProductID,
				Index:         i,
				Cause:         err,
				Compensations: s.compensate(ctx, orderID, stack),
			}
			span.RecordError(batchErr)
			span.SetStatus(codes.Error, "batch reservation failed")
			return nil, batchErr
		}
		stepSpan.End()

		step := item
		stack = append(stack, compensation{
			item: step,
			undo: func(ctx context.Context) error {
				return s.stock.ReleaseStock(ctx, step.ProductID, step.Quantity, orderID, userID)
			},
		})
		results = append(results, models.ItemResult{
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			Status:        models.ItemStatusReserved,
			ReservationID: reservation.ReservationID,
			ExpiresAt:     reservation.ExpiresAt,
		})
	}

	log.Info().
		Str("order_id", orderID).
		Int("items", len(results)).
		Msg("Order items reserved")
	return results, nil
}

// compensate runs the stack newest first and reports every rollback release.
// Rollback is detached from the caller's cancellation.
func (s *ReservationSaga) compensate(ctx context.Context, orderID string, stack []compensation) []models.ItemOutcome {
	ctx = context.WithoutCancel(ctx)
	outcomes := make([]models.ItemOutcome, 0, len(stack))

	for i := len(stack) - 1; i >= 0; i-- {
		comp := stack[i]
		compCtx, compSpan := s.tracer.Start(ctx, "saga.compensation.ReleaseStock", trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("product.id", comp.item.ProductID),
			attribute.Int("product.quantity", comp.item.Quantity),
		))

		err := comp.undo(compCtx)
		s.metrics.ObserveCompensation(err)
		outcome := models.ItemOutcome{
			ProductID: comp.item.ProductID,
			Quantity:  comp.item.Quantity,
			Status:    models.ItemStatusReleased,
		}
		if err != nil {
			compSpan.RecordError(err)
			compSpan.SetStatus(codes.Error, "compensation failed")
			log.Error().Err(err).
				Str("order_id", orderID).
				Str("product_id", comp.item.ProductID).
				Int("qty", comp.item.Quantity).
				Msg("Compensating release failed, reservation left to expire")
			outcome = failedOutcome(comp.item, err)
		}
		compSpan.End()
		outcomes = append(outcomes, outcome)
	}

	return outcomes
}

// ReleaseItems releases every item, continuing past failures
func (s *ReservationSaga) ReleaseItems(ctx context.Context, orderID, userID string, items []models.LineItem) []models.ItemOutcome {
	return s.settleItems(ctx, "saga.ReleaseItems", orderID, items, models.ItemStatusReleased,
		func(ctx context.Context, item models.LineItem) error {
			return s.stock.ReleaseStock(ctx, item.ProductID, item.Quantity, orderID, userID)
		})
}

// ConfirmItems confirms every item out of stock, continuing past failures
func (s *ReservationSaga) ConfirmItems(ctx context.Context, orderID, userID string, items []models.LineItem) []models.ItemOutcome {
	return s.settleItems(ctx, "saga.ConfirmItems", orderID, items, models.ItemStatusConfirmed,
		func(ctx context.Context, item models.LineItem) error {
			return s.stock.ConfirmStockOut(ctx, item.ProductID, item.Quantity, orderID, userID)
		})
}

func (s *ReservationSaga) settleItems(
	ctx context.Context,
	spanName, orderID string,
	items []models.LineItem,
	okStatus string,
	apply func(context.Context, models.LineItem) error,
) []models.ItemOutcome {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Int("order.items", len(items)),
	))
	defer span.End()

	merged := mergeItems(items)
	outcomes := make([]models.ItemOutcome, 0, len(merged))
	for _, item := range merged {
		if err := apply(ctx, item); err != nil {
			log.Error().Err(err).
				Str("order_id", orderID).
				Str("product_id", item.ProductID).
				Int("qty", item.Quantity).
				Str("status", okStatus).
				Msg("Failed to settle order item, continuing")
			outcomes = append(outcomes, failedOutcome(item, err))
			continue
		}
		outcomes = append(outcomes, models.ItemOutcome{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Status:    okStatus,
		})
	}

	if failed := models.CountFailed(outcomes); failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d items failed", failed, len(outcomes)))
	}
	return outcomes
}

func failedOutcome(item models.LineItem, err error) models.ItemOutcome {
	return models.ItemOutcome{
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		Status:    models.ItemStatusFailed,
		Error:     err.Error(),
		Code:      string(models.GetErrorCode(err)),
	}
}

func validateItems(orderID string, items []models.LineItem) error {
	if orderID == "" {
		return models.NewValidationError("order_id", "order ID is required", orderID)
	}
	if len(items) == 0 {
		return models.NewValidationError("items", "at least one item is required", len(items))
	}
	for i, item := range items {
		if item.ProductID == "" {
			return models.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "product ID is required", item.ProductID)
		}
		if item.Quantity <= 0 {
			return models.NewValidationError(fmt.Sprintf("items[%d].quantity", i),
				fmt.Sprintf("quantity must be positive, got %d", item.Quantity), item.Quantity)
		}
	}
	return nil
}

// validateLimits checks every merged quantity against the per-reservation
// limits before any store call
func (s *ReservationSaga) validateLimits(items, merged []models.LineItem) error {
	for _, item := range merged {
		err := s.stock.ValidateQuantity(item.ProductID, item.Quantity)
		if err == nil {
			continue
		}

		var validationErr *models.ValidationError
		if !errors.As(err, &validationErr) {
			return err
		}
		first := slices.IndexFunc(items, func(li models.LineItem) bool { return li.ProductID == item.ProductID })
		return models.NewValidationError(fmt.Sprintf("items[%d].quantity", first), validationErr.Message, item.Quantity)
	}
	return nil
}

// mergeItems sums repeated products, keeping first-appearance order
func mergeItems(items []models.LineItem) []models.LineItem {
	index := make(map[string]int, len(items))
	merged := make([]models.LineItem, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}
