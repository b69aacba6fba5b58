package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/metrics"
	"stock-reservation-service/internal/models"
)

// Operation names used in logs and metrics
const (
	OpCheck   = "check"
	OpReserve = "reserve"
	OpRelease = "release"
	OpConfirm = "confirm"
	OpSet     = "set"
	OpExpire  = "expire"
)

// StockService implements the reservation engine on top of a StockStore
type StockService struct {
	store   interfaces.StockStore
	cache   interfaces.CacheRepository
	metrics *metrics.Metrics
	config  ServiceConfig
	now     func() time.Time
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	ReservationTTL    time.Duration
	MaxReservationQty int           // Maximum quantity of a single reservation
	CacheTimeout      time.Duration // Timeout for cache reads before falling back to the store
	SweepBatchSize    int           // Expired reservations handled per sweeper pass
}

// Validate validates the service configuration
func (c ServiceConfig) Validate() error {
	if c.ReservationTTL < time.Minute {
		return fmt.Errorf("reservation TTL must be at least 1 minute, got %v", c.ReservationTTL)
	}
	if c.MaxReservationQty < 1 {
		return fmt.Errorf("max reservation quantity must be positive, got %d", c.MaxReservationQty)
	}
	if c.CacheTimeout < time.Millisecond {
		return fmt.Errorf("cache timeout must be at least 1ms, got %v", c.CacheTimeout)
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("sweep batch size must be positive, got %d", c.SweepBatchSize)
	}
	return nil
}

// Option customizes a StockService
type Option func(*StockService)

// WithClock replaces the wall clock, used for reservation expiry
func WithClock(now func() time.Time) Option {
	return func(s *StockService) {
		s.now = now
	}
}

// NewStockService creates a new stock service. cache and m may be nil.
func NewStockService(
	store interfaces.StockStore,
	cache interfaces.CacheRepository,
	m *metrics.Metrics,
	config ServiceConfig,
	opts ...Option,
) (*StockService, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service configuration: %w", err)
	}

	s := &StockService{
		store:   store,
		cache:   cache,
		metrics: m,
		config:  config,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CheckStock reports whether qty units are currently available. The answer
// is advisory: only ReserveStock is authoritative.
func (s *StockService) CheckStock(ctx context.Context, productID string, qty int) (check *models.StockCheck, err error) {
	defer s.observe(OpCheck, time.Now(), &err)

	if err := validateProduct(productID); err != nil {
		return nil, err
	}
	if err := validateQuantity(qty); err != nil {
		return nil, err
	}

	available, err := s.availableQty(ctx, productID)
	if err != nil {
		return nil, err
	}

	return &models.StockCheck{
		ProductID:    productID,
		Requested:    qty,
		Available:    available >= qty,
		CurrentStock: available,
	}, nil
}

// availableQty reads the cache first and falls back to the store on a miss or a slow cache
func (s *StockService) availableQty(ctx context.Context, productID string) (int, error) {
	if s.cache != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, s.config.CacheTimeout)
		record, err := s.cache.GetStock(cacheCtx, productID)
		cancel()
		if err == nil && record != nil {
			return record.AvailableQty, nil
		}
		if err != nil {
			log.Debug().Err(err).Str("product_id", productID).Msg("Cache unavailable for stock check, falling back to store")
		}
	}

	record, err := s.store.GetStock(ctx, productID)
	if err != nil {
		return 0, wrapStoreError(OpCheck, productID, err)
	}
	if record == nil {
		return 0, models.NewStockNotFoundError(productID)
	}
	return record.AvailableQty, nil
}

// ReserveStock atomically moves qty units from available to reserved for the order
func (s *StockService) ReserveStock(ctx context.Context, productID string, qty int, orderID, userID string) (reservation *models.Reservation, err error) {
	defer s.observe(OpReserve, time.Now(), &err)

	if err := s.validateMutation(productID, qty, orderID); err != nil {
		return nil, err
	}

	m := models.StockMutation{ProductID: productID, OrderID: orderID, UserID: userID, Qty: qty}
	reservation, record, err := s.store.ReserveStock(ctx, m, s.now().Add(s.config.ReservationTTL))
	if err != nil {
		return nil, wrapStoreError(OpReserve, productID, err)
	}

	log.Info().
		Str("product_id", productID).
		Str("order_id", orderID).
		Int("qty", qty).
		Int("available_qty", record.AvailableQty).
		Int("reserved_qty", record.ReservedQty).
		Msg("Stock reserved")

	s.refreshCache(record)
	return reservation, nil
}

// ReleaseStock returns reserved units of the order to available stock
func (s *StockService) ReleaseStock(ctx context.Context, productID string, qty int, orderID, userID string) (err error) {
	defer s.observe(OpRelease, time.Now(), &err)

	if err := s.validateMutation(productID, qty, orderID); err != nil {
		return err
	}

	m := models.StockMutation{ProductID: productID, OrderID: orderID, UserID: userID, Qty: qty}
	record, err := s.store.ReleaseStock(ctx, m)
	if err != nil {
		return wrapStoreError(OpRelease, productID, err)
	}

	log.Info().
		Str("product_id", productID).
		Str("order_id", orderID).
		Int("qty", qty).
		Int("available_qty", record.AvailableQty).
		Int("reserved_qty", record.ReservedQty).
		Msg("Stock released")

	s.refreshCache(record)
	return nil
}

// ConfirmStockOut turns reserved units of the order into a permanent deduction
func (s *StockService) ConfirmStockOut(ctx context.Context, productID string, qty int, orderID, userID string) (err error) {
	defer s.observe(OpConfirm, time.Now(), &err)

	if err := s.validateMutation(productID, qty, orderID); err != nil {
		return err
	}

	m := models.StockMutation{ProductID: productID, OrderID: orderID, UserID: userID, Qty: qty}
	record, err := s.store.ConfirmStock(ctx, m)
	if err != nil {
		return wrapStoreError(OpConfirm, productID, err)
	}

	log.Info().
		Str("product_id", productID).
		Str("order_id", orderID).
		Int("qty", qty).
		Int("reserved_qty", record.ReservedQty).
		Int("total_on_hand", record.TotalOnHand()).
		Msg("Stock confirmed out")

	s.refreshCache(record)
	return nil
}

// SetStock overwrites the available quantity of a product, creating its record if needed
func (s *StockService) SetStock(ctx context.Context, productID string, availableQty int) (record *models.StockRecord, err error) {
	defer s.observe(OpSet, time.Now(), &err)

	if err := validateProduct(productID); err != nil {
		return nil, err
	}
	if availableQty < 0 {
		return nil, models.NewValidationError("available_qty", "available quantity cannot be negative", availableQty)
	}

	record, err = s.store.SetStock(ctx, productID, availableQty)
	if err != nil {
		return nil, wrapStoreError(OpSet, productID, err)
	}

	log.Info().
		Str("product_id", productID).
		Int("available_qty", record.AvailableQty).
		Int("reserved_qty", record.ReservedQty).
		Msg("Stock level set")

	s.refreshCache(record)
	return record, nil
}

// SeedStock creates the records of products that do not exist yet and
// returns how many were created. Existing records are left untouched.
func (s *StockService) SeedStock(ctx context.Context, levels []models.StockLevel) (int, error) {
	created := 0
	for _, level := range levels {
		existing, err := s.store.GetStock(ctx, level.ProductID)
		if err != nil {
			return created, wrapStoreError("seed", level.ProductID, err)
		}
		if existing != nil {
			continue
		}
		if _, err := s.SetStock(ctx, level.ProductID, level.AvailableQty); err != nil {
			return created, err
		}
		created++
	}

	log.Info().Int("created", created).Int("total", len(levels)).Msg("Stock seed applied")
	return created, nil
}

// GetAvailability returns stock availability, checking cache first
func (s *StockService) GetAvailability(ctx context.Context, productID string) (*models.AvailabilityResponse, error) {
	if err := validateProduct(productID); err != nil {
		return nil, err
	}
	return readAvailability(ctx, s.store, s.cache, productID)
}

// ExpireReservations releases one batch of reservations whose TTL elapsed
// and returns how many were released
func (s *StockService) ExpireReservations(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListExpiredReservations(ctx, now, s.config.SweepBatchSize)
	if err != nil {
		return 0, wrapStoreError(OpExpire, "", err)
	}

	released := 0
	for _, reservation := range expired {
		start := time.Now()
		expiredReservation, record, err := s.store.ExpireReservation(ctx, reservation.ProductID, reservation.OrderID, now)
		s.metrics.ObserveOperation(OpExpire, start, err)
		if err != nil {
			log.Error().Err(err).
				Str("product_id", reservation.ProductID).
				Str("order_id", reservation.OrderID).
				Msg("Failed to expire reservation")
			continue
		}
		if expiredReservation == nil {
			// settled between listing and expiring
			continue
		}

		released++
		s.refreshCache(record)
		log.Info().
			Str("reservation_id", expiredReservation.ReservationID.String()).
			Str("product_id", expiredReservation.ProductID).
			Str("order_id", expiredReservation.OrderID).
			Int("qty", expiredReservation.Qty).
			Msg("Expired reservation")
	}

	s.metrics.ObserveExpirations(released)
	if released > 0 {
		log.Info().Int("count", released).Msg("Processed expired reservations")
	}
	return released, nil
}

// RunExpirationSweeper expires reservations every interval until ctx is done
func (s *StockService) RunExpirationSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Starting reservation expiration sweeper")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping expiration sweeper")
			return nil
		case <-ticker.C:
			if _, err := s.ExpireReservations(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to process expired reservations")
			}
		}
	}
}

func (s *StockService) validateMutation(productID string, qty int, orderID string) error {
	if err := validateProduct(productID); err != nil {
		return err
	}
	if orderID == "" {
		return models.NewValidationError("order_id", "order ID is required", orderID)
	}
	return s.ValidateQuantity(productID, qty)
}

// ValidateQuantity checks a product quantity against the reservation limits
func (s *StockService) ValidateQuantity(productID string, qty int) error {
	if err := validateProduct(productID); err != nil {
		return err
	}
	if err := validateQuantity(qty); err != nil {
		return err
	}
	if qty > s.config.MaxReservationQty {
		return models.NewValidationError("quantity",
			fmt.Sprintf("quantity %d exceeds maximum allowed %d", qty, s.config.MaxReservationQty), qty)
	}
	return nil
}

// refreshCache writes the post-mutation snapshot without blocking the caller.
// The cache keeps whichever snapshot has the highest version.
func (s *StockService) refreshCache(record *models.StockRecord) {
	if s.cache == nil || record == nil {
		return
	}
	snapshot := *record

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.cache.SetStock(ctx, &snapshot); err != nil {
			log.Error().Err(err).Str("product_id", snapshot.ProductID).Msg("Failed to refresh cache")
		}
	}()
}

func (s *StockService) observe(operation string, start time.Time, err *error) {
	s.metrics.ObserveOperation(operation, start, *err)
}

func validateProduct(productID string) error {
	if productID == "" {
		return models.NewValidationError("product_id", "product ID is required", productID)
	}
	return nil
}

func validateQuantity(qty int) error {
	if qty <= 0 {
		return models.NewValidationError("quantity", fmt.Sprintf("quantity must be positive, got %d", qty), qty)
	}
	return nil
}

// wrapStoreError passes domain errors through and wraps everything else in a StoreError
func wrapStoreError(op, productID string, err error) error {
	if err == nil || models.IsDomainError(err) || models.IsStoreError(err) {
		return err
	}
	return models.NewStoreError(op, productID, err)
}
