package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/models"
)

// CacheClient caches stock snapshots as JSON documents with a TTL
type CacheClient struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

// NewCacheClient creates a new Redis cache client
func NewCacheClient(client redis.UniversalClient, ttl time.Duration, keyPrefix string) *CacheClient {
	return &CacheClient{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
	}
}

// GetStock retrieves a stock snapshot from cache
func (c *CacheClient) GetStock(ctx context.Context, productID string) (*models.StockRecord, error) {
	val, err := c.client.Get(ctx, c.stockKey(productID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to get stock from cache")
		return nil, fmt.Errorf("failed to get stock from cache: %w", err)
	}

	var record models.StockRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to unmarshal cached stock")
		return nil, fmt.Errorf("failed to unmarshal cached stock: %w", err)
	}

	log.Debug().Str("product_id", productID).Msg("Cache hit for stock")
	return &record, nil
}

// setIfNewerScript writes a snapshot unless the cached one carries a higher version
//
// KEYS[1] cache key
// ARGV[1] snapshot JSON, ARGV[2] snapshot version, ARGV[3] ttl (ms)
var setIfNewerScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local ok, doc = pcall(cjson.decode, current)
	if ok and type(doc) == 'table' and tonumber(doc['version']) and tonumber(doc['version']) > tonumber(ARGV[2]) then
		return 0
	end
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// SetStock stores a stock snapshot in cache. A snapshot older than the cached
// one is dropped, so late writers cannot roll the cache back.
func (c *CacheClient) SetStock(ctx context.Context, record *models.StockRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal stock: %w", err)
	}

	stored, err := setIfNewerScript.Run(ctx, c.client, []string{c.stockKey(record.ProductID)},
		data, record.Version, c.ttl.Milliseconds()).Int()
	if err != nil {
		log.Error().Err(err).Str("product_id", record.ProductID).Msg("Failed to set stock in cache")
		return fmt.Errorf("failed to set stock in cache: %w", err)
	}
	if stored == 0 {
		log.Debug().
			Str("product_id", record.ProductID).
			Int64("version", record.Version).
			Msg("Ignoring stale stock snapshot")
	}

	return nil
}

// UpdateStockFromState refreshes the cache from a state topic message
func (c *CacheClient) UpdateStockFromState(ctx context.Context, state *models.StockState) error {
	return c.SetStock(ctx, state.Record())
}

// Ping checks if Redis is available
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.client.Close()
}

func (c *CacheClient) stockKey(productID string) string {
	return fmt.Sprintf("%scache:stock:%s", c.keyPrefix, productID)
}
