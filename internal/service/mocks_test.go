package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// MockStockStore implements interfaces.StockStore for testing
type MockStockStore struct {
	mock.Mock
}

func (m *MockStockStore) GetStock(ctx context.Context, productID string) (*models.StockRecord, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StockRecord), args.Error(1)
}

func (m *MockStockStore) SetStock(ctx context.Context, productID string, availableQty int) (*models.StockRecord, error) {
	args := m.Called(ctx, productID, availableQty)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StockRecord), args.Error(1)
}

func (m *MockStockStore) ReserveStock(ctx context.Context, mut models.StockMutation, expiresAt time.Time) (*models.Reservation, *models.StockRecord, error) {
	args := m.Called(ctx, mut, expiresAt)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*models.Reservation), args.Get(1).(*models.StockRecord), args.Error(2)
}

func (m *MockStockStore) ReleaseStock(ctx context.Context, mut models.StockMutation) (*models.StockRecord, error) {
	args := m.Called(ctx, mut)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StockRecord), args.Error(1)
}

func (m *MockStockStore) ConfirmStock(ctx context.Context, mut models.StockMutation) (*models.StockRecord, error) {
	args := m.Called(ctx, mut)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StockRecord), args.Error(1)
}

func (m *MockStockStore) ExpireReservation(ctx context.Context, productID, orderID string, now time.Time) (*models.Reservation, *models.StockRecord, error) {
	args := m.Called(ctx, productID, orderID, now)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*models.Reservation), args.Get(1).(*models.StockRecord), args.Error(2)
}

func (m *MockStockStore) GetReservation(ctx context.Context, productID, orderID string) (*models.Reservation, error) {
	args := m.Called(ctx, productID, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reservation), args.Error(1)
}

func (m *MockStockStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]models.Reservation), args.Error(1)
}

func (m *MockStockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockCacheRepository implements interfaces.CacheRepository for testing
type MockCacheRepository struct {
	mock.Mock
}

func (m *MockCacheRepository) GetStock(ctx context.Context, productID string) (*models.StockRecord, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StockRecord), args.Error(1)
}

func (m *MockCacheRepository) SetStock(ctx context.Context, record *models.StockRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockCacheRepository) UpdateStockFromState(ctx context.Context, state *models.StockState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockCacheRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockOrchestrator implements interfaces.ReservationOrchestrator for testing
type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) ReserveItems(ctx context.Context, orderID, userID string, items []models.LineItem) ([]models.ItemResult, error) {
	args := m.Called(ctx, orderID, userID, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ItemResult), args.Error(1)
}

func (m *MockOrchestrator) ReleaseItems(ctx context.Context, orderID, userID string, items []models.LineItem) []models.ItemOutcome {
	args := m.Called(ctx, orderID, userID, items)
	return args.Get(0).([]models.ItemOutcome)
}

func (m *MockOrchestrator) ConfirmItems(ctx context.Context, orderID, userID string, items []models.LineItem) []models.ItemOutcome {
	args := m.Called(ctx, orderID, userID, items)
	return args.Get(0).([]models.ItemOutcome)
}

// recordingStock wraps StockOperations and records the order of calls
type recordingStock struct {
	next        interfaces.StockOperations
	failRelease map[string]error

	mu           sync.Mutex
	calls        []string
	reserveSpans []trace.SpanID
}

func (r *recordingStock) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingStock) ReserveStock(ctx context.Context, productID string, qty int, orderID, userID string) (*models.Reservation, error) {
	r.record("reserve:" + productID)
	r.mu.Lock()
	r.reserveSpans = append(r.reserveSpans, trace.SpanFromContext(ctx).SpanContext().SpanID())
	r.mu.Unlock()
	return r.next.ReserveStock(ctx, productID, qty, orderID, userID)
}

func (r *recordingStock) ReleaseStock(ctx context.Context, productID string, qty int, orderID, userID string) error {
	r.record("release:" + productID)
	if err, ok := r.failRelease[productID]; ok {
		return err
	}
	return r.next.ReleaseStock(ctx, productID, qty, orderID, userID)
}

func (r *recordingStock) ValidateQuantity(productID string, qty int) error {
	return r.next.ValidateQuantity(productID, qty)
}

func (r *recordingStock) ConfirmStockOut(ctx context.Context, productID string, qty int, orderID, userID string) error {
	r.record("confirm:" + productID)
	return r.next.ConfirmStockOut(ctx, productID, qty, orderID, userID)
}
