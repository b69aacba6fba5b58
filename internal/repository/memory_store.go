package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stock-reservation-service/internal/models"
)

type reservationKey struct {
	productID string
	orderID   string
}

// MemoryStore keeps stock and reservations in process memory. A single mutex
// makes every operation atomic, which is enough for local runs and tests.
type MemoryStore struct {
	mu           sync.Mutex
	stock        map[string]*models.StockRecord
	reservations map[reservationKey]*models.Reservation
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stock:        make(map[string]*models.StockRecord),
		reservations: make(map[reservationKey]*models.Reservation),
	}
}

func (s *MemoryStore) GetStock(_ context.Context, productID string) (*models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.stock[productID]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) SetStock(_ context.Context, productID string, availableQty int) (*models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.stock[productID]
	if !ok {
		record = &models.StockRecord{ProductID: productID}
		s.stock[productID] = record
	}
	record.AvailableQty = availableQty
	record.Version++
	record.UpdatedAt = time.Now().UTC()

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) ReserveStock(_ context.Context, m models.StockMutation, expiresAt time.Time) (*models.Reservation, *models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.stock[m.ProductID]
	if !ok {
		return nil, nil, models.NewStockNotFoundError(m.ProductID)
	}

	key := reservationKey{productID: m.ProductID, orderID: m.OrderID}
	if _, exists := s.reservations[key]; exists {
		return nil, nil, models.NewConflictError("reservation",
			fmt.Sprintf("product '%s' is already reserved for order '%s'", m.ProductID, m.OrderID))
	}

	if record.AvailableQty < m.Qty {
		return nil, nil, models.NewInsufficientStockError(m.ProductID, m.Qty, record.AvailableQty)
	}

	now := time.Now().UTC()
	record.AvailableQty -= m.Qty
	record.ReservedQty += m.Qty
	record.Version++
	record.UpdatedAt = now

	reservation := &models.Reservation{
		ReservationID: uuid.New(),
		ProductID:     m.ProductID,
		OrderID:       m.OrderID,
		UserID:        m.UserID,
		Qty:           m.Qty,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.reservations[key] = reservation

	copiedReservation := *reservation
	copiedRecord := *record
	return &copiedReservation, &copiedRecord, nil
}

func (s *MemoryStore) ReleaseStock(_ context.Context, m models.StockMutation) (*models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.settleLocked(m, true)
}

func (s *MemoryStore) ConfirmStock(_ context.Context, m models.StockMutation) (*models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.settleLocked(m, false)
}

// settleLocked consumes qty units of a reservation. Released units go back to
// available stock, confirmed units leave the warehouse.
func (s *MemoryStore) settleLocked(m models.StockMutation, restore bool) (*models.StockRecord, error) {
	key := reservationKey{productID: m.ProductID, orderID: m.OrderID}
	reservation, ok := s.reservations[key]
	if !ok {
		return nil, models.NewReservationNotFoundError(m.ProductID, m.OrderID)
	}
	if m.Qty > reservation.Qty {
		return nil, models.NewBusinessError(models.ErrorCodeReservationQtyExceeded,
			fmt.Sprintf("requested %d units but reservation holds %d", m.Qty, reservation.Qty),
			map[string]any{"product_id": m.ProductID, "order_id": m.OrderID})
	}

	record, ok := s.stock[m.ProductID]
	if !ok || record.ReservedQty < m.Qty {
		return nil, models.NewBusinessError(models.ErrorCodeStockInconsistent,
			fmt.Sprintf("reserved quantity of product '%s' is lower than its reservation", m.ProductID), nil)
	}

	now := time.Now().UTC()
	record.ReservedQty -= m.Qty
	if restore {
		record.AvailableQty += m.Qty
	}
	record.Version++
	record.UpdatedAt = now

	if m.Qty == reservation.Qty {
		delete(s.reservations, key)
	} else {
		reservation.Qty -= m.Qty
		reservation.UpdatedAt = now
	}

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) ExpireReservation(_ context.Context, productID, orderID string, now time.Time) (*models.Reservation, *models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[reservationKey{productID: productID, orderID: orderID}]
	if !ok || !reservation.IsExpired(now) {
		return nil, nil, nil
	}
	expired := *reservation

	record, err := s.settleLocked(models.StockMutation{
		ProductID: productID,
		OrderID:   orderID,
		UserID:    reservation.UserID,
		Qty:       reservation.Qty,
	}, true)
	if err != nil {
		return nil, nil, err
	}
	return &expired, record, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, productID, orderID string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[reservationKey{productID: productID, orderID: orderID}]
	if !ok {
		return nil, nil
	}
	copied := *reservation
	return &copied, nil
}

func (s *MemoryStore) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.Reservation
	for _, reservation := range s.reservations {
		if reservation.IsExpired(now) {
			expired = append(expired, *reservation)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
