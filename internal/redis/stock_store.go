package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/models"
)

// Script status codes
const (
	statusOK                  = 1
	statusInsufficient        = 0
	statusStockMissing        = -1
	statusReservationExists   = -2
	statusReservationMissing  = -1
	statusReservationExceeded = -2
	statusStockInconsistent   = -3
	statusNotExpired          = -4
)

// reserveScript checks availability and moves qty units from available to
// reserved, then records the reservation, in one atomic step.
//
// KEYS[1] stock hash, KEYS[2] reservation hash
// ARGV[1] qty, ARGV[2] reservation id, ARGV[3] user id, ARGV[4] expires at (ms), ARGV[5] now (ms)
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {-2, 0}
end

local qty = tonumber(ARGV[1])
local available = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
if available < qty then
	return {0, available}
end

available = redis.call('HINCRBY', KEYS[1], 'available', -qty)
local reserved = redis.call('HINCRBY', KEYS[1], 'reserved', qty)
local version = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
redis.call('HSET', KEYS[2], 'reservation_id', ARGV[2], 'user_id', ARGV[3], 'qty', qty,
	'expires_at', ARGV[4], 'created_at', ARGV[5], 'updated_at', ARGV[5])

return {1, available, reserved, version, tonumber(ARGV[5])}
`)

// settleScript consumes units of a reservation. With ARGV[2] == '1' the units
// return to available stock, otherwise they leave the warehouse. A non-empty
// ARGV[4] turns the call into an expiry: the whole remainder is released, and
// only if the reservation expired before that instant.
//
// KEYS[1] stock hash, KEYS[2] reservation hash
// ARGV[1] qty, ARGV[2] restore flag, ARGV[3] now (ms), ARGV[4] expired before (ms) or empty
var settleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return {-1, 0}
end

local held = tonumber(redis.call('HGET', KEYS[2], 'qty'))
local qty = tonumber(ARGV[1])
if ARGV[4] ~= '' then
	if tonumber(redis.call('HGET', KEYS[2], 'expires_at')) >= tonumber(ARGV[4]) then
		return {-4, 0}
	end
	qty = held
end
if qty > held then
	return {-2, held}
end

local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
if reserved < qty then
	return {-3, reserved}
end

if qty == held then
	redis.call('DEL', KEYS[2])
else
	redis.call('HINCRBY', KEYS[2], 'qty', -qty)
	redis.call('HSET', KEYS[2], 'updated_at', ARGV[3])
end

reserved = redis.call('HINCRBY', KEYS[1], 'reserved', -qty)
local available
if ARGV[2] == '1' then
	available = redis.call('HINCRBY', KEYS[1], 'available', qty)
else
	available = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
end
local version = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])

return {1, available, reserved, version, tonumber(ARGV[3]), held - qty, qty}
`)

// setStockScript overwrites the available quantity and keeps reserved units untouched
//
// KEYS[1] stock hash
// ARGV[1] available, ARGV[2] now (ms)
var setStockScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'reserved', 0)
redis.call('HSET', KEYS[1], 'available', ARGV[1], 'updated_at', ARGV[2])
local version = redis.call('HINCRBY', KEYS[1], 'version', 1)
return {tonumber(ARGV[1]), tonumber(redis.call('HGET', KEYS[1], 'reserved')), version, tonumber(ARGV[2])}
`)

// StockStore keeps stock counters and reservations in Redis hashes. Keys of
// one product share a hash tag so the scripts also run on a cluster.
type StockStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewStockStore creates a Redis backed stock store
func NewStockStore(client redis.UniversalClient, keyPrefix string) *StockStore {
	return &StockStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *StockStore) GetStock(ctx context.Context, productID string) (*models.StockRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.stockKey(productID)).Result()
	if err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to get stock")
		return nil, fmt.Errorf("failed to get stock: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return &models.StockRecord{
		ProductID:    productID,
		AvailableQty: atoi(fields["available"]),
		ReservedQty:  atoi(fields["reserved"]),
		Version:      atoi64(fields["version"]),
		UpdatedAt:    fromMillis(atoi64(fields["updated_at"])),
	}, nil
}

func (s *StockStore) SetStock(ctx context.Context, productID string, availableQty int) (*models.StockRecord, error) {
	res, err := setStockScript.Run(ctx, s.client, []string{s.stockKey(productID)},
		availableQty, time.Now().UnixMilli()).Int64Slice()
	if err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to set stock")
		return nil, fmt.Errorf("failed to set stock: %w", err)
	}

	return &models.StockRecord{
		ProductID:    productID,
		AvailableQty: int(res[0]),
		ReservedQty:  int(res[1]),
		Version:      res[2],
		UpdatedAt:    fromMillis(res[3]),
	}, nil
}

func (s *StockStore) ReserveStock(ctx context.Context, m models.StockMutation, expiresAt time.Time) (*models.Reservation, *models.StockRecord, error) {
	reservationID := uuid.New()
	keys := []string{s.stockKey(m.ProductID), s.reservationKey(m.ProductID, m.OrderID)}

	res, err := reserveScript.Run(ctx, s.client, keys,
		m.Qty, reservationID.String(), m.UserID, expiresAt.UnixMilli(), time.Now().UnixMilli()).Int64Slice()
	if err != nil {
		log.Error().Err(err).Str("product_id", m.ProductID).Msg("Failed to run reserve script")
		return nil, nil, fmt.Errorf("failed to reserve stock: %w", err)
	}

	switch res[0] {
	case statusOK:
	case statusStockMissing:
		return nil, nil, models.NewStockNotFoundError(m.ProductID)
	case statusReservationExists:
		return nil, nil, models.NewConflictError("reservation",
			fmt.Sprintf("product '%s' is already reserved for order '%s'", m.ProductID, m.OrderID))
	case statusInsufficient:
		return nil, nil, models.NewInsufficientStockError(m.ProductID, m.Qty, int(res[1]))
	default:
		return nil, nil, fmt.Errorf("unexpected reserve script status %d", res[0])
	}

	// The expiry index lives outside the product hash slot; the sweeper
	// tolerates members whose reservation is already gone.
	if err := s.client.ZAdd(ctx, s.expiryKey(), redis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: expiryMember(m.ProductID, m.OrderID),
	}).Err(); err != nil {
		log.Warn().Err(err).Str("product_id", m.ProductID).Str("order_id", m.OrderID).Msg("Failed to index reservation expiry")
	}

	now := fromMillis(res[4])
	reservation := &models.Reservation{
		ReservationID: reservationID,
		ProductID:     m.ProductID,
		OrderID:       m.OrderID,
		UserID:        m.UserID,
		Qty:           m.Qty,
		ExpiresAt:     fromMillis(expiresAt.UnixMilli()),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	record := &models.StockRecord{
		ProductID:    m.ProductID,
		AvailableQty: int(res[1]),
		ReservedQty:  int(res[2]),
		Version:      res[3],
		UpdatedAt:    now,
	}
	return reservation, record, nil
}

func (s *StockStore) ReleaseStock(ctx context.Context, m models.StockMutation) (*models.StockRecord, error) {
	record, _, err := s.settle(ctx, m, true, "")
	return record, err
}

func (s *StockStore) ConfirmStock(ctx context.Context, m models.StockMutation) (*models.StockRecord, error) {
	record, _, err := s.settle(ctx, m, false, "")
	return record, err
}

func (s *StockStore) ExpireReservation(ctx context.Context, productID, orderID string, now time.Time) (*models.Reservation, *models.StockRecord, error) {
	reservation, err := s.GetReservation(ctx, productID, orderID)
	if err != nil || reservation == nil {
		return nil, nil, err
	}

	m := models.StockMutation{ProductID: productID, OrderID: orderID, UserID: reservation.UserID}
	record, released, err := s.settle(ctx, m, true, strconv.FormatInt(now.UnixMilli(), 10))
	if err != nil {
		if models.IsReservationNotFoundError(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, nil
	}

	reservation.Qty = released
	return reservation, record, nil
}

// settle runs settleScript and returns the new stock record and the units consumed
func (s *StockStore) settle(ctx context.Context, m models.StockMutation, restore bool, expiredBefore string) (*models.StockRecord, int, error) {
	restoreFlag := "0"
	if restore {
		restoreFlag = "1"
	}
	keys := []string{s.stockKey(m.ProductID), s.reservationKey(m.ProductID, m.OrderID)}

	res, err := settleScript.Run(ctx, s.client, keys,
		m.Qty, restoreFlag, time.Now().UnixMilli(), expiredBefore).Int64Slice()
	if err != nil {
		log.Error().Err(err).Str("product_id", m.ProductID).Str("order_id", m.OrderID).Msg("Failed to run settle script")
		return nil, 0, fmt.Errorf("failed to settle reservation: %w", err)
	}

	switch res[0] {
	case statusOK:
	case statusReservationMissing:
		return nil, 0, models.NewReservationNotFoundError(m.ProductID, m.OrderID)
	case statusReservationExceeded:
		return nil, 0, models.NewBusinessError(models.ErrorCodeReservationQtyExceeded,
			fmt.Sprintf("requested %d units but reservation holds %d", m.Qty, res[1]),
			map[string]any{"product_id": m.ProductID, "order_id": m.OrderID})
	case statusStockInconsistent:
		return nil, 0, models.NewBusinessError(models.ErrorCodeStockInconsistent,
			fmt.Sprintf("reserved quantity of product '%s' is lower than its reservation", m.ProductID), nil)
	case statusNotExpired:
		return nil, 0, nil
	default:
		return nil, 0, fmt.Errorf("unexpected settle script status %d", res[0])
	}

	if remaining := res[5]; remaining == 0 {
		if err := s.client.ZRem(ctx, s.expiryKey(), expiryMember(m.ProductID, m.OrderID)).Err(); err != nil {
			log.Warn().Err(err).Str("product_id", m.ProductID).Str("order_id", m.OrderID).Msg("Failed to drop reservation from expiry index")
		}
	}

	return &models.StockRecord{
		ProductID:    m.ProductID,
		AvailableQty: int(res[1]),
		ReservedQty:  int(res[2]),
		Version:      res[3],
		UpdatedAt:    fromMillis(res[4]),
	}, int(res[6]), nil
}

func (s *StockStore) GetReservation(ctx context.Context, productID, orderID string) (*models.Reservation, error) {
	fields, err := s.client.HGetAll(ctx, s.reservationKey(productID, orderID)).Result()
	if err != nil {
		log.Error().Err(err).Str("product_id", productID).Str("order_id", orderID).Msg("Failed to get reservation")
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	reservationID, err := uuid.Parse(fields["reservation_id"])
	if err != nil {
		return nil, fmt.Errorf("invalid reservation id stored for product '%s': %w", productID, err)
	}

	return &models.Reservation{
		ReservationID: reservationID,
		ProductID:     productID,
		OrderID:       orderID,
		UserID:        fields["user_id"],
		Qty:           atoi(fields["qty"]),
		ExpiresAt:     fromMillis(atoi64(fields["expires_at"])),
		CreatedAt:     fromMillis(atoi64(fields["created_at"])),
		UpdatedAt:     fromMillis(atoi64(fields["updated_at"])),
	}, nil
}

func (s *StockStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	members, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get expired reservations")
		return nil, fmt.Errorf("failed to get expired reservations: %w", err)
	}

	reservations := make([]models.Reservation, 0, len(members))
	for _, member := range members {
		productID, orderID, err := parseExpiryMember(member)
		if err != nil {
			log.Warn().Err(err).Str("member", member).Msg("Dropping malformed expiry index member")
			s.client.ZRem(ctx, s.expiryKey(), member)
			continue
		}

		reservation, err := s.GetReservation(ctx, productID, orderID)
		if err != nil {
			return nil, err
		}
		if reservation == nil {
			s.client.ZRem(ctx, s.expiryKey(), member)
			continue
		}
		reservations = append(reservations, *reservation)
	}

	return reservations, nil
}

func (s *StockStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *StockStore) stockKey(productID string) string {
	return fmt.Sprintf("%sstock:{%s}", s.keyPrefix, productID)
}

func (s *StockStore) reservationKey(productID, orderID string) string {
	return fmt.Sprintf("%sreservation:{%s}:%s", s.keyPrefix, productID, orderID)
}

func (s *StockStore) expiryKey() string {
	return s.keyPrefix + "reservations:expiry"
}

// expiryMember encodes the reservation key as "<len(productID)>:<productID><orderID>"
// so that neither id needs escaping
func expiryMember(productID, orderID string) string {
	return strconv.Itoa(len(productID)) + ":" + productID + orderID
}

func parseExpiryMember(member string) (string, string, error) {
	sizeStr, rest, ok := strings.Cut(member, ":")
	if !ok {
		return "", "", errors.New("missing length prefix")
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 0 || size > len(rest) {
		return "", "", fmt.Errorf("invalid length prefix %q", sizeStr)
	}
	return rest[:size], rest[size:], nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
