package interfaces

import (
	"context"
	"time"

	"stock-reservation-service/internal/models"
)

// StockStore owns stock records and reservations. Every mutating method is
// atomic with respect to concurrent callers on the same product.
type StockStore interface {
	// GetStock returns nil, nil when the product has no stock record
	GetStock(ctx context.Context, productID string) (*models.StockRecord, error)
	// SetStock creates the record or overwrites its available quantity
	SetStock(ctx context.Context, productID string, availableQty int) (*models.StockRecord, error)

	ReserveStock(ctx context.Context, m models.StockMutation, expiresAt time.Time) (*models.Reservation, *models.StockRecord, error)
	ReleaseStock(ctx context.Context, m models.StockMutation) (*models.StockRecord, error)
	ConfirmStock(ctx context.Context, m models.StockMutation) (*models.StockRecord, error)
	// ExpireReservation releases whatever is left of a reservation whose TTL
	// elapsed before now. It returns nil, nil, nil when there is nothing to expire.
	ExpireReservation(ctx context.Context, productID, orderID string, now time.Time) (*models.Reservation, *models.StockRecord, error)

	// GetReservation returns nil, nil when the reservation does not exist
	GetReservation(ctx context.Context, productID, orderID string) (*models.Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)

	Ping(ctx context.Context) error
}

// CacheRepository defines the contract for caching stock snapshots
type CacheRepository interface {
	// GetStock returns nil, nil on a cache miss
	GetStock(ctx context.Context, productID string) (*models.StockRecord, error)
	// SetStock stores the snapshot unless the cache already holds a newer version
	SetStock(ctx context.Context, record *models.StockRecord) error
	UpdateStockFromState(ctx context.Context, state *models.StockState) error
	Close() error
}

// OutboxStore is the relay side of the transactional outbox
type OutboxStore interface {
	TryAcquireOutboxLock(ctx context.Context, lockKey int64) (bool, error)
	ReleaseOutboxLock(ctx context.Context, lockKey int64) error
	FetchOutboxBatchOrdered(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error
	IncrementPublishAttempts(ctx context.Context, id int64, lastError string) error
	CleanupPublished(ctx context.Context, olderThan time.Duration) (int64, error)
}
