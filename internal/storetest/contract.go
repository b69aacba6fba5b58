// Package storetest holds the behaviour every interfaces.StockStore
// implementation must share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// Run exercises store against the shared contract. Product ids are random so
// the suite can run against a database that already holds data.
func Run(t *testing.T, store interfaces.StockStore) {
	t.Run("GetStockMissing", func(t *testing.T) { testGetStockMissing(t, store) })
	t.Run("SetStock", func(t *testing.T) { testSetStock(t, store) })
	t.Run("ReserveAndRelease", func(t *testing.T) { testReserveAndRelease(t, store) })
	t.Run("ReserveAndConfirm", func(t *testing.T) { testReserveAndConfirm(t, store) })
	t.Run("InsufficientStock", func(t *testing.T) { testInsufficientStock(t, store) })
	t.Run("UnknownProduct", func(t *testing.T) { testUnknownProduct(t, store) })
	t.Run("DuplicateReservation", func(t *testing.T) { testDuplicateReservation(t, store) })
	t.Run("DuplicateReportedBeforeAvailability", func(t *testing.T) { testDuplicateBeforeAvailability(t, store) })
	t.Run("PartialSettlement", func(t *testing.T) { testPartialSettlement(t, store) })
	t.Run("SettleMissingReservation", func(t *testing.T) { testSettleMissingReservation(t, store) })
	t.Run("SettleTooMuch", func(t *testing.T) { testSettleTooMuch(t, store) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, store) })
	t.Run("ConcurrentReservations", func(t *testing.T) { testConcurrentReservations(t, store) })
	t.Run("ConcurrentReserveAndRelease", func(t *testing.T) { testConcurrentReserveAndRelease(t, store) })
	t.Run("ConcurrentPairExactFit", func(t *testing.T) { testConcurrentPair(t, store, 4, 6, 2) })
	t.Run("ConcurrentPairOneUnitOver", func(t *testing.T) { testConcurrentPair(t, store, 5, 6, 1) })
}

func newProduct(t *testing.T, store interfaces.StockStore, available int) string {
	t.Helper()
	productID := "sku-" + uuid.NewString()[:12]
	_, err := store.SetStock(context.Background(), productID, available)
	require.NoError(t, err)
	return productID
}

func mutation(productID, orderID string, qty int) models.StockMutation {
	return models.StockMutation{ProductID: productID, OrderID: orderID, UserID: "user-1", Qty: qty}
}

func requireStock(t *testing.T, store interfaces.StockStore, productID string, available, reserved int) {
	t.Helper()
	record, err := store.GetStock(context.Background(), productID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, available, record.AvailableQty, "available")
	assert.Equal(t, reserved, record.ReservedQty, "reserved")
}

func testGetStockMissing(t *testing.T, store interfaces.StockStore) {
	record, err := store.GetStock(context.Background(), "sku-"+uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, record)
}

func testSetStock(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)

	first, err := store.GetStock(ctx, productID)
	require.NoError(t, err)

	updated, err := store.SetStock(ctx, productID, 25)
	require.NoError(t, err)
	assert.Equal(t, 25, updated.AvailableQty)
	assert.Greater(t, updated.Version, first.Version)

	// an adjustment never touches reserved units
	_, _, err = store.ReserveStock(ctx, mutation(productID, "order-1", 5), time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = store.SetStock(ctx, productID, 3)
	require.NoError(t, err)
	requireStock(t, store, productID, 3, 5)
}

func testReserveAndRelease(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)
	expiresAt := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)

	reservation, record, err := store.ReserveStock(ctx, mutation(productID, "order-1", 4), expiresAt)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, reservation.ReservationID)
	assert.Equal(t, 4, reservation.Qty)
	assert.Equal(t, "order-1", reservation.OrderID)
	assert.WithinDuration(t, expiresAt, reservation.ExpiresAt, time.Millisecond)
	assert.Equal(t, 6, record.AvailableQty)
	assert.Equal(t, 4, record.ReservedQty)

	stored, err := store.GetReservation(ctx, productID, "order-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, reservation.ReservationID, stored.ReservationID)

	record, err = store.ReleaseStock(ctx, mutation(productID, "order-1", 4))
	require.NoError(t, err)
	assert.Equal(t, 10, record.AvailableQty)
	assert.Equal(t, 0, record.ReservedQty)

	stored, err = store.GetReservation(ctx, productID, "order-1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func testReserveAndConfirm(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)

	_, _, err := store.ReserveStock(ctx, mutation(productID, "order-1", 4), time.Now().Add(time.Hour))
	require.NoError(t, err)

	record, err := store.ConfirmStock(ctx, mutation(productID, "order-1", 4))
	require.NoError(t, err)
	assert.Equal(t, 6, record.AvailableQty)
	assert.Equal(t, 0, record.ReservedQty)
	assert.Equal(t, 6, record.TotalOnHand())
}

func testInsufficientStock(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 3)

	_, _, err := store.ReserveStock(ctx, mutation(productID, "order-1", 4), time.Now().Add(time.Hour))

	var insufficient *models.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 4, insufficient.Requested)
	assert.Equal(t, 3, insufficient.Available)
	requireStock(t, store, productID, 3, 0)
}

func testUnknownProduct(t *testing.T, store interfaces.StockStore) {
	_, _, err := store.ReserveStock(context.Background(),
		mutation("sku-"+uuid.NewString(), "order-1", 1), time.Now().Add(time.Hour))
	assert.True(t, models.IsNotFoundError(err), "got %v", err)
}

func testDuplicateReservation(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)

	_, _, err := store.ReserveStock(ctx, mutation(productID, "order-1", 2), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, _, err = store.ReserveStock(ctx, mutation(productID, "order-1", 2), time.Now().Add(time.Hour))
	assert.True(t, models.IsConflictError(err), "got %v", err)
	requireStock(t, store, productID, 8, 2)
}

func testDuplicateBeforeAvailability(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)

	_, _, err := store.ReserveStock(ctx, mutation(productID, "order-1", 8), time.Now().Add(time.Hour))
	require.NoError(t, err)

	// the repeat would also exceed the 2 units left
	_, _, err = store.ReserveStock(ctx, mutation(productID, "order-1", 5), time.Now().Add(time.Hour))
	assert.True(t, models.IsConflictError(err), "got %v", err)
	assert.False(t, models.IsInsufficientStockError(err))
	requireStock(t, store, productID, 2, 8)
}

func testPartialSettlement(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)

	_, _, err := store.ReserveStock(ctx, mutation(productID, "order-1", 6), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = store.ReleaseStock(ctx, mutation(productID, "order-1", 2))
	require.NoError(t, err)
	requireStock(t, store, productID, 6, 4)

	reservation, err := store.GetReservation(ctx, productID, "order-1")
	require.NoError(t, err)
	require.NotNil(t, reservation)
	assert.Equal(t, 4, reservation.Qty)

	_, err = store.ConfirmStock(ctx, mutation(productID, "order-1", 4))
	require.NoError(t, err)
	requireStock(t, store, productID, 6, 0)
}

func testSettleMissingReservation(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)

	_, err := store.ReleaseStock(ctx, mutation(productID, "missing", 1))
	assert.True(t, models.IsReservationNotFoundError(err), "got %v", err)

	_, err = store.ConfirmStock(ctx, mutation(productID, "missing", 1))
	assert.True(t, models.IsReservationNotFoundError(err), "got %v", err)
	requireStock(t, store, productID, 10, 0)
}

func testSettleTooMuch(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)

	_, _, err := store.ReserveStock(ctx, mutation(productID, "order-1", 2), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = store.ReleaseStock(ctx, mutation(productID, "order-1", 3))
	assert.Equal(t, models.ErrorCodeReservationQtyExceeded, models.GetErrorCode(err))
	requireStock(t, store, productID, 8, 2)
}

func testExpiry(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	productID := newProduct(t, store, 10)
	past := time.Now().Add(-time.Minute)

	_, _, err := store.ReserveStock(ctx, mutation(productID, "expired", 3), past)
	require.NoError(t, err)
	_, _, err = store.ReserveStock(ctx, mutation(productID, "live", 2), time.Now().Add(time.Hour))
	require.NoError(t, err)

	expired, err := store.ListExpiredReservations(ctx, time.Now(), 1000)
	require.NoError(t, err)
	found := false
	for _, r := range expired {
		if r.ProductID != productID {
			continue
		}
		assert.NotEqual(t, "live", r.OrderID)
		if r.OrderID == "expired" {
			found = true
		}
	}
	assert.True(t, found, "expired reservation not listed")

	// not yet expired relative to an earlier instant
	reservation, record, err := store.ExpireReservation(ctx, productID, "expired", past.Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, reservation)
	assert.Nil(t, record)

	reservation, record, err = store.ExpireReservation(ctx, productID, "expired", time.Now())
	require.NoError(t, err)
	require.NotNil(t, reservation)
	assert.Equal(t, 3, reservation.Qty)
	assert.Equal(t, 8, record.AvailableQty)
	assert.Equal(t, 2, record.ReservedQty)

	// a second pass finds nothing
	reservation, _, err = store.ExpireReservation(ctx, productID, "expired", time.Now())
	require.NoError(t, err)
	assert.Nil(t, reservation)

	reservation, _, err = store.ExpireReservation(ctx, productID, "live", time.Now())
	require.NoError(t, err)
	assert.Nil(t, reservation)
}

func testConcurrentReservations(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	const (
		stock   = 20
		callers = 50
	)
	productID := newProduct(t, store, stock)

	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int32
		insufficient atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID := "order-" + uuid.NewString()[:8]
			_, _, err := store.ReserveStock(ctx, mutation(productID, orderID, 1), time.Now().Add(time.Hour))
			switch {
			case err == nil:
				succeeded.Add(1)
			case models.IsInsufficientStockError(err):
				insufficient.Add(1)
			default:
				t.Errorf("caller %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(stock), succeeded.Load())
	assert.Equal(t, int32(callers-stock), insufficient.Load())
	requireStock(t, store, productID, 0, stock)
}

// testConcurrentPair races two reservations over 10 units and expects the
// given number of them to succeed
func testConcurrentPair(t *testing.T, store interfaces.StockStore, first, second, wantSucceeded int) {
	ctx := context.Background()
	const rounds = 20

	for round := 0; round < rounds; round++ {
		productID := newProduct(t, store, 10)
		quantities := []int{first, second}
		errs := make([]error, len(quantities))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, qty := range quantities {
			wg.Add(1)
			go func(i, qty int) {
				defer wg.Done()
				<-start
				_, _, errs[i] = store.ReserveStock(ctx, mutation(productID, fmt.Sprintf("order-%d", i), qty), time.Now().Add(time.Hour))
			}(i, qty)
		}
		close(start)
		wg.Wait()

		succeeded, reserved := 0, 0
		for i, err := range errs {
			if err == nil {
				succeeded++
				reserved += quantities[i]
				continue
			}
			require.True(t, models.IsInsufficientStockError(err), "round %d: unexpected error %v", round, err)
		}
		require.Equal(t, wantSucceeded, succeeded, "round %d", round)
		requireStock(t, store, productID, 10-reserved, reserved)
	}
}

// testConcurrentReserveAndRelease races a release of an order's reservation
// against a fresh reserve for the same order
func testConcurrentReserveAndRelease(t *testing.T, store interfaces.StockStore) {
	ctx := context.Background()
	const rounds = 20

	for round := 0; round < rounds; round++ {
		productID := newProduct(t, store, 10)
		_, _, err := store.ReserveStock(ctx, mutation(productID, "order-1", 3), time.Now().Add(time.Hour))
		require.NoError(t, err)

		var (
			wg                     sync.WaitGroup
			releaseErr, reserveErr error
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, releaseErr = store.ReleaseStock(ctx, mutation(productID, "order-1", 3))
		}()
		go func() {
			defer wg.Done()
			<-start
			_, _, reserveErr = store.ReserveStock(ctx, mutation(productID, "order-1", 3), time.Now().Add(time.Hour))
		}()
		close(start)
		wg.Wait()

		require.NoError(t, releaseErr, "round %d", round)
		if reserveErr != nil {
			require.True(t, models.IsConflictError(reserveErr), "round %d: unexpected error %v", round, reserveErr)
			requireStock(t, store, productID, 10, 0)
		} else {
			requireStock(t, store, productID, 7, 3)
		}
	}
}
