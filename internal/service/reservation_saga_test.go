package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"stock-reservation-service/internal/metrics"
	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/repository"
	"stock-reservation-service/internal/service"
)

func newSaga(t *testing.T, stock map[string]int, m *metrics.Metrics) (*service.ReservationSaga, *recordingStock, *repository.MemoryStore) {
	t.Helper()
	svc, store := newMemoryService(t, stock)
	rec := &recordingStock{next: svc}
	return service.NewReservationSaga(rec, m), rec, store
}

func TestReservationSaga_ReserveItems(t *testing.T) {
	saga, _, store := newSaga(t, map[string]int{"A": 10, "B": 5}, nil)

	results, err := saga.ReserveItems(context.Background(), "order-1", "user-1", []models.LineItem{
		{ProductID: "A", Quantity: 5},
		{ProductID: "B", Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "A", results[0].ProductID)
	assert.Equal(t, 5, results[0].Quantity)
	assert.Equal(t, models.ItemStatusReserved, results[0].Status)
	assert.Equal(t, "B", results[1].ProductID)
	assert.Equal(t, 3, results[1].Quantity)

	assert.Equal(t, 5, stockOf(t, store, "A").AvailableQty)
	assert.Equal(t, 2, stockOf(t, store, "B").AvailableQty)
}

func TestReservationSaga_RollsBackInReverseOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	saga, rec, store := newSaga(t, map[string]int{"A": 10, "B": 10, "C": 4}, m)

	_, err := saga.ReserveItems(context.Background(), "order-1", "user-1", []models.LineItem{
		{ProductID: "A", Quantity: 5},
		{ProductID: "B", Quantity: 3},
		{ProductID: "C", Quantity: 10},
	})
	require.Error(t, err)

	var batchErr *models.BatchReservationError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, "C", batchErr.ProductID)
	assert.Equal(t, 2, batchErr.Index)
	assert.False(t, batchErr.CompensationFailed())

	var insufficient *models.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 10, insufficient.Requested)
	assert.Equal(t, 4, insufficient.Available)

	assert.Equal(t, []string{
		"reserve:A", "reserve:B", "reserve:C",
		"release:B", "release:A",
	}, rec.calls)

	require.Len(t, batchErr.Compensations, 2)
	assert.Equal(t, "B", batchErr.Compensations[0].ProductID)
	assert.Equal(t, "A", batchErr.Compensations[1].ProductID)

	for _, productID := range []string{"A", "B"} {
		record := stockOf(t, store, productID)
		assert.Equal(t, 10, record.AvailableQty, productID)
		assert.Equal(t, 0, record.ReservedQty, productID)
	}
	assert.Equal(t, 4, stockOf(t, store, "C").AvailableQty)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Compensations.WithLabelValues(metrics.ResultOK)))
}

func TestReservationSaga_CompensationFailureIsReported(t *testing.T) {
	saga, rec, store := newSaga(t, map[string]int{"A": 10, "B": 10, "C": 0}, nil)
	rec.failRelease = map[string]error{"B": errors.New("store unavailable")}

	_, err := saga.ReserveItems(context.Background(), "order-1", "", []models.LineItem{
		{ProductID: "A", Quantity: 1},
		{ProductID: "B", Quantity: 1},
		{ProductID: "C", Quantity: 1},
	})

	var batchErr *models.BatchReservationError
	require.ErrorAs(t, err, &batchErr)
	assert.True(t, batchErr.CompensationFailed())
	assert.Equal(t, models.ItemStatusFailed, batchErr.Compensations[0].Status)
	assert.Equal(t, models.ItemStatusReleased, batchErr.Compensations[1].Status)

	// A was still released after B failed
	assert.Equal(t, 10, stockOf(t, store, "A").AvailableQty)
	assert.Equal(t, 1, stockOf(t, store, "B").ReservedQty)
}

func TestReservationSaga_FirstItemFailureReservesNothing(t *testing.T) {
	saga, rec, _ := newSaga(t, map[string]int{"A": 1}, nil)

	_, err := saga.ReserveItems(context.Background(), "order-1", "", []models.LineItem{
		{ProductID: "missing", Quantity: 1},
		{ProductID: "A", Quantity: 1},
	})

	var batchErr *models.BatchReservationError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 0, batchErr.Index)
	assert.Empty(t, batchErr.Compensations)
	assert.True(t, models.IsNotFoundError(err))
	assert.Equal(t, []string{"reserve:missing"}, rec.calls)
}

func TestReservationSaga_ValidatesBeforeReserving(t *testing.T) {
	saga, rec, _ := newSaga(t, map[string]int{"A": 10}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		orderID string
		items   []models.LineItem
		field   string
	}{
		{"missing order", "", []models.LineItem{{ProductID: "A", Quantity: 1}}, "order_id"},
		{"empty items", "order-1", nil, "items"},
		{"empty product", "order-1", []models.LineItem{{ProductID: "A", Quantity: 1}, {Quantity: 1}}, "items[1].product_id"},
		{"zero quantity", "order-1", []models.LineItem{{ProductID: "A", Quantity: 0}}, "items[0].quantity"},
		{"negative quantity", "order-1", []models.LineItem{{ProductID: "A", Quantity: -2}}, "items[0].quantity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := saga.ReserveItems(ctx, tt.orderID, "", tt.items)
			var validationErr *models.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
	assert.Empty(t, rec.calls)
}

func TestReservationSaga_QuantityLimitCheckedBeforeReserving(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		items []models.LineItem
		field string
	}{
		{"oversized later item", []models.LineItem{{ProductID: "A", Quantity: 5}, {ProductID: "B", Quantity: 5000}}, "items[1].quantity"},
		{"merged sum over limit", []models.LineItem{{ProductID: "B", Quantity: 1}, {ProductID: "A", Quantity: 600}, {ProductID: "A", Quantity: 600}}, "items[1].quantity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saga, rec, store := newSaga(t, map[string]int{"A": 5000, "B": 5000}, nil)

			_, err := saga.ReserveItems(ctx, "order-1", "", tt.items)
			var validationErr *models.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Contains(t, validationErr.Message, "exceeds maximum allowed 1000")

			assert.Empty(t, rec.calls, "no store call for an invalid order")
			for _, productID := range []string{"A", "B"} {
				record := stockOf(t, store, productID)
				assert.Equal(t, 5000, record.AvailableQty, productID)
				assert.Equal(t, int64(1), record.Version, productID)
			}
		})
	}
}

func TestReservationSaga_ReserveRunsUnderStepSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	saga, rec, _ := newSaga(t, map[string]int{"A": 5, "B": 5}, nil)
	_, err := saga.ReserveItems(context.Background(), "order-1", "user-1",
		[]models.LineItem{{ProductID: "A", Quantity: 1}, {ProductID: "B", Quantity: 1}})
	require.NoError(t, err)

	var stepSpans []string
	for _, span := range recorder.Ended() {
		if span.Name() == "saga.InventoryReserve" {
			stepSpans = append(stepSpans, span.SpanContext().SpanID().String())
		}
	}
	require.Len(t, stepSpans, 2)
	require.Len(t, rec.reserveSpans, 2)
	for i, id := range rec.reserveSpans {
		assert.Equal(t, stepSpans[i], id.String())
	}
}

func TestReservationSaga_MergesDuplicateProducts(t *testing.T) {
	saga, _, store := newSaga(t, map[string]int{"A": 10, "B": 10}, nil)

	results, err := saga.ReserveItems(context.Background(), "order-1", "", []models.LineItem{
		{ProductID: "A", Quantity: 2},
		{ProductID: "B", Quantity: 1},
		{ProductID: "A", Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].ProductID)
	assert.Equal(t, 5, results[0].Quantity)
	assert.Equal(t, 5, stockOf(t, store, "A").ReservedQty)
}

func TestReservationSaga_ReleaseItems_ContinuesOnError(t *testing.T) {
	saga, rec, store := newSaga(t, map[string]int{"A": 10, "B": 10, "C": 10}, nil)
	ctx := context.Background()

	_, err := saga.ReserveItems(ctx, "order-1", "", []models.LineItem{
		{ProductID: "A", Quantity: 2},
		{ProductID: "C", Quantity: 2},
	})
	require.NoError(t, err)
	rec.calls = nil

	outcomes := saga.ReleaseItems(ctx, "order-1", "", []models.LineItem{
		{ProductID: "A", Quantity: 2},
		{ProductID: "B", Quantity: 1},
		{ProductID: "C", Quantity: 2},
	})
	require.Len(t, outcomes, 3)
	assert.Equal(t, []string{"release:A", "release:B", "release:C"}, rec.calls)

	assert.Equal(t, models.ItemStatusReleased, outcomes[0].Status)
	assert.True(t, outcomes[1].Failed())
	assert.Equal(t, string(models.ErrorCodeReservationNotFound), outcomes[1].Code)
	assert.NotEmpty(t, outcomes[1].Error)
	assert.Equal(t, models.ItemStatusReleased, outcomes[2].Status)
	assert.Equal(t, 1, models.CountFailed(outcomes))

	assert.Equal(t, 10, stockOf(t, store, "A").AvailableQty)
	assert.Equal(t, 10, stockOf(t, store, "C").AvailableQty)
}

func TestReservationSaga_ConfirmItems(t *testing.T) {
	saga, _, store := newSaga(t, map[string]int{"A": 10, "B": 10}, nil)
	ctx := context.Background()

	items := []models.LineItem{{ProductID: "A", Quantity: 4}, {ProductID: "B", Quantity: 1}}
	_, err := saga.ReserveItems(ctx, "order-1", "", items)
	require.NoError(t, err)

	outcomes := saga.ConfirmItems(ctx, "order-1", "", items)
	require.Len(t, outcomes, 2)
	assert.Zero(t, models.CountFailed(outcomes))
	assert.Equal(t, models.ItemStatusConfirmed, outcomes[0].Status)

	a := stockOf(t, store, "A")
	assert.Equal(t, 6, a.AvailableQty)
	assert.Equal(t, 0, a.ReservedQty)

	outcomes = saga.ConfirmItems(ctx, "order-1", "", items)
	assert.Equal(t, 2, models.CountFailed(outcomes))
}
