package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// ReaderService handles availability reads and cache consistency
type ReaderService struct {
	store interfaces.StockStore
	cache interfaces.CacheRepository
}

// NewReaderService creates a new reader service. cache may be nil.
func NewReaderService(store interfaces.StockStore, cache interfaces.CacheRepository) *ReaderService {
	return &ReaderService{
		store: store,
		cache: cache,
	}
}

// HandleState applies a stock state snapshot from Kafka to the cache
func (r *ReaderService) HandleState(ctx context.Context, state *models.StockState) error {
	if r.cache == nil {
		return nil
	}

	log.Debug().
		Str("product_id", state.ProductID).
		Int("available_qty", state.AvailableQty).
		Int("reserved_qty", state.ReservedQty).
		Int64("version", state.Version).
		Msg("Updating cache from state event")

	if err := r.cache.UpdateStockFromState(ctx, state); err != nil {
		log.Error().Err(err).Str("product_id", state.ProductID).Msg("Failed to update cache from state")
		return fmt.Errorf("failed to update cache: %w", err)
	}

	return nil
}

// GetAvailability returns stock availability, checking cache first
func (r *ReaderService) GetAvailability(ctx context.Context, productID string) (*models.AvailabilityResponse, error) {
	if err := validateProduct(productID); err != nil {
		return nil, err
	}
	return readAvailability(ctx, r.store, r.cache, productID)
}

func readAvailability(ctx context.Context, store interfaces.StockStore, cache interfaces.CacheRepository, productID string) (*models.AvailabilityResponse, error) {
	if cache != nil {
		record, err := cache.GetStock(ctx, productID)
		if err != nil {
			log.Error().Err(err).Str("product_id", productID).Msg("Cache error, falling back to store")
		}
		if record != nil {
			return models.NewAvailabilityResponse(record, true), nil
		}
	}

	record, err := store.GetStock(ctx, productID)
	if err != nil {
		return nil, wrapStoreError("get", productID, err)
	}
	if record == nil {
		return nil, models.NewStockNotFoundError(productID)
	}

	// the cache drops this fill if a newer snapshot was written meanwhile
	if cache != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := cache.SetStock(ctx, record); err != nil {
				log.Error().Err(err).Str("product_id", productID).Msg("Failed to update cache")
			}
		}()
	}

	return models.NewAvailabilityResponse(record, false), nil
}
