package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/storetest"
)

// newTestClient connects to TEST_REDIS_ADDR (default localhost:6379) and
// returns a key prefix unique to the test. Tests are skipped when Redis is
// not reachable.
func newTestClient(t *testing.T) (redis.UniversalClient, string) {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := NewUniversalClient(ClientOptions{Addrs: []string{addr}, PoolSize: 20, MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not reachable at %s: %v", addr, err)
	}

	prefix := "test:" + uuid.NewString()[:8] + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return client, prefix
}

func TestStockStore_Contract(t *testing.T) {
	client, prefix := newTestClient(t)
	storetest.Run(t, NewStockStore(client, prefix))
}

func TestStockStore_ExpiryIndexCleanup(t *testing.T) {
	client, prefix := newTestClient(t)
	ctx := context.Background()
	store := NewStockStore(client, prefix)

	_, err := store.SetStock(ctx, "sku-1", 5)
	require.NoError(t, err)
	_, _, err = store.ReserveStock(ctx, models.StockMutation{ProductID: "sku-1", OrderID: "order-1", Qty: 2}, time.Now().Add(-time.Second))
	require.NoError(t, err)

	// a member left behind by a crash between script and index update
	require.NoError(t, client.ZAdd(ctx, store.expiryKey(), redis.Z{Score: 1, Member: expiryMember("sku-1", "gone")}).Err())
	require.NoError(t, client.ZAdd(ctx, store.expiryKey(), redis.Z{Score: 1, Member: "garbage"}).Err())

	expired, err := store.ListExpiredReservations(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "order-1", expired[0].OrderID)

	remaining, err := client.ZCard(ctx, store.expiryKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	_, err = store.ConfirmStock(ctx, models.StockMutation{ProductID: "sku-1", OrderID: "order-1", Qty: 2})
	require.NoError(t, err)

	remaining, err = client.ZCard(ctx, store.expiryKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestCacheClient_StateUpdates(t *testing.T) {
	client, prefix := newTestClient(t)
	ctx := context.Background()
	cache := NewCacheClient(client, time.Minute, prefix)

	record, err := cache.GetStock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, cache.UpdateStockFromState(ctx, &models.StockState{ProductID: "sku-1", AvailableQty: 5, ReservedQty: 1, Version: 3}))
	require.NoError(t, cache.UpdateStockFromState(ctx, &models.StockState{ProductID: "sku-1", AvailableQty: 9, Version: 2}))

	record, err = cache.GetStock(ctx, "sku-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 5, record.AvailableQty)
	assert.Equal(t, int64(3), record.Version)

}

func TestCacheClient_SetStockKeepsNewestVersion(t *testing.T) {
	client, prefix := newTestClient(t)
	ctx := context.Background()
	cache := NewCacheClient(client, time.Minute, prefix)

	// a write refreshes v6, then a read-through fill of an older v5 lands late
	require.NoError(t, cache.SetStock(ctx, &models.StockRecord{ProductID: "sku-1", AvailableQty: 4, ReservedQty: 6, Version: 6}))
	require.NoError(t, cache.SetStock(ctx, &models.StockRecord{ProductID: "sku-1", AvailableQty: 10, Version: 5}))

	record, err := cache.GetStock(ctx, "sku-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(6), record.Version)
	assert.Equal(t, 4, record.AvailableQty)

	require.NoError(t, cache.SetStock(ctx, &models.StockRecord{ProductID: "sku-1", AvailableQty: 3, ReservedQty: 7, Version: 7}))
	record, err = cache.GetStock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), record.Version)

	ttl, err := client.PTTL(ctx, cache.stockKey("sku-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestExpiryMember(t *testing.T) {
	tests := []struct {
		productID string
		orderID   string
	}{
		{"sku-1", "order-1"},
		{"a:b", "c:d"},
		{"", "order"},
		{"12:34", ""},
	}

	for _, tt := range tests {
		productID, orderID, err := parseExpiryMember(expiryMember(tt.productID, tt.orderID))
		require.NoError(t, err)
		assert.Equal(t, tt.productID, productID)
		assert.Equal(t, tt.orderID, orderID)
	}
}

func TestParseExpiryMember_Malformed(t *testing.T) {
	for _, member := range []string{"garbage", "x:abc", "-1:abc", "10:short"} {
		_, _, err := parseExpiryMember(member)
		assert.Error(t, err, member)
	}
}

func TestStockStore_Keys(t *testing.T) {
	store := NewStockStore(nil, "stock:test:")

	assert.Equal(t, "stock:test:stock:{sku-1}", store.stockKey("sku-1"))
	assert.Equal(t, "stock:test:reservation:{sku-1}:order-1", store.reservationKey("sku-1", "order-1"))
	assert.Equal(t, "stock:test:reservations:expiry", store.expiryKey())
}
