package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/storetest"
)

// openTestDB connects to TEST_DATABASE_URL and applies the schema. Tests are
// skipped when no database is reachable.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL tests")
	}

	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		t.Skipf("PostgreSQL not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewStockRepository(db).Migrate(context.Background()))
	return db
}

func TestStockRepository_Contract(t *testing.T) {
	db := openTestDB(t)
	storetest.Run(t, NewStockRepository(db))
}

func TestStockRepository_WritesOutboxRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewStockRepository(db)
	productID := "sku-" + uuid.NewString()[:12]

	_, err := repo.SetStock(ctx, productID, 10)
	require.NoError(t, err)
	_, _, err = repo.ReserveStock(ctx, models.StockMutation{ProductID: productID, OrderID: "order-1", Qty: 3}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	var eventTypes []string
	err = db.SelectContext(ctx, &eventTypes, `SELECT event_type FROM outbox WHERE key = $1 ORDER BY id`, productID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		models.EventTypeStockAdjusted, models.EventTypeStockState,
		models.EventTypeStockReserved, models.EventTypeStockState,
	}, eventTypes)
}

func TestStockRepository_FailedReserveWritesNothing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewStockRepository(db)
	productID := "sku-" + uuid.NewString()[:12]

	_, err := repo.SetStock(ctx, productID, 1)
	require.NoError(t, err)
	_, _, err = repo.ReserveStock(ctx, models.StockMutation{ProductID: productID, OrderID: "order-1", Qty: 3}, time.Now().Add(time.Hour))
	require.True(t, models.IsInsufficientStockError(err))

	var count int
	err = db.GetContext(ctx, &count, `SELECT COUNT(*) FROM outbox WHERE key = $1 AND event_type = $2`, productID, models.EventTypeStockReserved)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStockRepository_SetStockRejectsNegative(t *testing.T) {
	db := openTestDB(t)
	repo := NewStockRepository(db)

	_, err := repo.SetStock(context.Background(), "sku-"+uuid.NewString()[:12], -1)
	assert.True(t, models.IsValidationError(err), "got %v", err)
}

func TestOutboxRepository_RelayCycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	outbox := NewOutboxRepository(db)
	lockKey := time.Now().UnixNano()

	acquired, err := outbox.TryAcquireOutboxLock(ctx, lockKey)
	require.NoError(t, err)
	require.True(t, acquired)
	defer func() { assert.NoError(t, outbox.ReleaseOutboxLock(ctx, lockKey)) }()

	other := NewOutboxRepository(db)
	acquired, err = other.TryAcquireOutboxLock(ctx, lockKey)
	require.NoError(t, err)
	assert.False(t, acquired, "a second relay must not get the lock")

	key := "sku-" + uuid.NewString()[:12]
	require.NoError(t, outbox.InsertOutboxEvent(ctx, nil, models.EventTypeStockAdjusted, key, map[string]string{"product_id": key}))

	batch, err := outbox.FetchOutboxBatchOrdered(ctx, 1000)
	require.NoError(t, err)

	var id int64
	for _, event := range batch {
		if event.Key == key {
			id = event.ID
		}
	}
	require.NotZero(t, id, "inserted row not fetched")

	require.NoError(t, outbox.IncrementPublishAttempts(ctx, id, "broker down"))
	require.NoError(t, outbox.MarkOutboxPublished(ctx, []int64{id}))

	var published bool
	require.NoError(t, db.GetContext(ctx, &published, `SELECT published FROM outbox WHERE id = $1`, id))
	assert.True(t, published)
}
