package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const (
	stockColumns       = `product_id, available_qty, reserved_qty, version, updated_at`
	reservationColumns = `reservation_id, product_id, order_id, user_id, qty, expires_at, created_at, updated_at`

	pqCheckViolation = "23514"
)

// StockRepository is the PostgreSQL stock store. Every mutation runs in one
// transaction together with its outbox rows.
type StockRepository struct {
	db     *sqlx.DB
	outbox *OutboxRepository
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *sqlx.DB) *StockRepository {
	return &StockRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
	}
}

// Migrate creates the tables when they do not exist yet
func (r *StockRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		log.Error().Err(err).Msg("Failed to apply schema")
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetStock retrieves a stock record by product ID
func (r *StockRepository) GetStock(ctx context.Context, productID string) (*models.StockRecord, error) {
	var record models.StockRecord
	query := `SELECT ` + stockColumns + ` FROM stock WHERE product_id = $1`

	err := r.db.GetContext(ctx, &record, query, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to get stock")
		return nil, fmt.Errorf("failed to get stock: %w", err)
	}

	return &record, nil
}

// SetStock creates the stock record or overwrites its available quantity
func (r *StockRepository) SetStock(ctx context.Context, productID string, availableQty int) (*models.StockRecord, error) {
	query := `INSERT INTO stock (product_id, available_qty, reserved_qty, version, updated_at)
			  VALUES ($1, $2, 0, 1, NOW())
			  ON CONFLICT (product_id) DO UPDATE
			  SET available_qty = EXCLUDED.available_qty, version = stock.version + 1, updated_at = NOW()
			  RETURNING ` + stockColumns

	var record models.StockRecord
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &record, query, productID, availableQty); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
				return models.NewValidationError("available_qty", "available quantity cannot be negative", availableQty)
			}
			log.Error().Err(err).Str("product_id", productID).Msg("Failed to set stock")
			return fmt.Errorf("failed to set stock: %w", err)
		}

		m := models.StockMutation{ProductID: productID, Qty: availableQty}
		return r.writeEvents(ctx, tx, models.EventTypeStockAdjusted, m, &record, nil)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// ReserveStock moves qty units from available to reserved with a conditional
// update and records the reservation
func (r *StockRepository) ReserveStock(ctx context.Context, m models.StockMutation, expiresAt time.Time) (*models.Reservation, *models.StockRecord, error) {
	decrementQuery := `UPDATE stock
			  SET available_qty = available_qty - $2, reserved_qty = reserved_qty + $2,
			      version = version + 1, updated_at = NOW()
			  WHERE product_id = $1 AND available_qty >= $2
			  RETURNING ` + stockColumns

	insertQuery := `INSERT INTO reservation (reservation_id, product_id, order_id, user_id, qty, expires_at, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			  ON CONFLICT (product_id, order_id) DO NOTHING
			  RETURNING ` + reservationColumns

	var (
		record      models.StockRecord
		reservation models.Reservation
	)
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.lockStock(ctx, tx, m.ProductID); err != nil {
			return err
		}

		// a duplicate (product, order) wins over an availability failure
		existing, err := r.getReservation(ctx, tx, m.ProductID, m.OrderID)
		if err != nil {
			return err
		}
		if existing != nil {
			return models.NewConflictError("reservation",
				fmt.Sprintf("product '%s' is already reserved for order '%s'", m.ProductID, m.OrderID))
		}

		err = tx.GetContext(ctx, &record, decrementQuery, m.ProductID, m.Qty)
		if errors.Is(err, sql.ErrNoRows) {
			return r.reserveFailure(ctx, tx, m)
		}
		if err != nil {
			log.Error().Err(err).Str("product_id", m.ProductID).Msg("Failed to decrement stock")
			return fmt.Errorf("failed to decrement stock: %w", err)
		}

		err = tx.GetContext(ctx, &reservation, insertQuery,
			uuid.New(), m.ProductID, m.OrderID, m.UserID, m.Qty, expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewConflictError("reservation",
				fmt.Sprintf("product '%s' is already reserved for order '%s'", m.ProductID, m.OrderID))
		}
		if err != nil {
			log.Error().Err(err).Str("product_id", m.ProductID).Str("order_id", m.OrderID).Msg("Failed to create reservation")
			return fmt.Errorf("failed to create reservation: %w", err)
		}

		return r.writeEvents(ctx, tx, models.EventTypeStockReserved, m, &record, &reservation.ReservationID)
	})
	if err != nil {
		return nil, nil, err
	}

	return &reservation, &record, nil
}

// reserveFailure explains why the conditional update matched no row
func (r *StockRepository) reserveFailure(ctx context.Context, tx *sqlx.Tx, m models.StockMutation) error {
	var available int
	err := tx.GetContext(ctx, &available, `SELECT available_qty FROM stock WHERE product_id = $1`, m.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewStockNotFoundError(m.ProductID)
	}
	if err != nil {
		return fmt.Errorf("failed to read available stock: %w", err)
	}
	return models.NewInsufficientStockError(m.ProductID, m.Qty, available)
}

// ReleaseStock gives qty reserved units back to available stock
func (r *StockRepository) ReleaseStock(ctx context.Context, m models.StockMutation) (*models.StockRecord, error) {
	return r.settle(ctx, m, true, models.EventTypeStockReleased)
}

// ConfirmStock removes qty reserved units from the warehouse
func (r *StockRepository) ConfirmStock(ctx context.Context, m models.StockMutation) (*models.StockRecord, error) {
	return r.settle(ctx, m, false, models.EventTypeStockConfirmed)
}

func (r *StockRepository) settle(ctx context.Context, m models.StockMutation, restore bool, eventType string) (*models.StockRecord, error) {
	var record *models.StockRecord
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.lockStock(ctx, tx, m.ProductID); err != nil {
			return err
		}
		reservation, err := r.lockReservation(ctx, tx, m.ProductID, m.OrderID, nil)
		if err != nil {
			return err
		}
		if reservation == nil {
			return models.NewReservationNotFoundError(m.ProductID, m.OrderID)
		}
		if m.Qty > reservation.Qty {
			return models.NewBusinessError(models.ErrorCodeReservationQtyExceeded,
				fmt.Sprintf("requested %d units but reservation holds %d", m.Qty, reservation.Qty),
				map[string]any{"product_id": m.ProductID, "order_id": m.OrderID})
		}

		if err := r.shrinkReservation(ctx, tx, reservation, m.Qty); err != nil {
			return err
		}

		record, err = r.applySettlement(ctx, tx, m.ProductID, m.Qty, restore)
		if err != nil {
			return err
		}

		return r.writeEvents(ctx, tx, eventType, m, record, &reservation.ReservationID)
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// ExpireReservation releases the remainder of a reservation past its TTL
func (r *StockRepository) ExpireReservation(ctx context.Context, productID, orderID string, now time.Time) (*models.Reservation, *models.StockRecord, error) {
	var (
		expired *models.Reservation
		record  *models.StockRecord
	)
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.lockStock(ctx, tx, productID); err != nil {
			return err
		}
		reservation, err := r.lockReservation(ctx, tx, productID, orderID, &now)
		if err != nil || reservation == nil {
			return err
		}

		if err := r.shrinkReservation(ctx, tx, reservation, reservation.Qty); err != nil {
			return err
		}

		record, err = r.applySettlement(ctx, tx, productID, reservation.Qty, true)
		if err != nil {
			return err
		}

		m := models.StockMutation{ProductID: productID, OrderID: orderID, UserID: reservation.UserID, Qty: reservation.Qty}
		if err := r.writeEvents(ctx, tx, models.EventTypeStockExpired, m, record, &reservation.ReservationID); err != nil {
			return err
		}

		expired = reservation
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return expired, record, nil
}

// lockStock takes the product's stock row lock. Every mutation locks the stock
// row before the reservation row so concurrent transactions cannot deadlock.
func (r *StockRepository) lockStock(ctx context.Context, tx *sqlx.Tx, productID string) error {
	_, err := tx.ExecContext(ctx, `SELECT 1 FROM stock WHERE product_id = $1 FOR UPDATE`, productID)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to lock stock")
		return fmt.Errorf("failed to lock stock: %w", err)
	}
	return nil
}

// lockReservation selects a reservation FOR UPDATE, optionally only when it expired before the given instant
func (r *StockRepository) lockReservation(ctx context.Context, tx *sqlx.Tx, productID, orderID string, expiredBefore *time.Time) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservation WHERE product_id = $1 AND order_id = $2`
	args := []any{productID, orderID}
	if expiredBefore != nil {
		query += ` AND expires_at < $3`
		args = append(args, *expiredBefore)
	}
	query += ` FOR UPDATE`

	var reservation models.Reservation
	err := tx.GetContext(ctx, &reservation, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Str("product_id", productID).Str("order_id", orderID).Msg("Failed to lock reservation")
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}

	return &reservation, nil
}

// shrinkReservation deletes the reservation once nothing is left in it
func (r *StockRepository) shrinkReservation(ctx context.Context, tx *sqlx.Tx, reservation *models.Reservation, qty int) error {
	var err error
	if qty == reservation.Qty {
		_, err = tx.ExecContext(ctx, `DELETE FROM reservation WHERE reservation_id = $1`, reservation.ReservationID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE reservation SET qty = qty - $2, updated_at = NOW() WHERE reservation_id = $1`,
			reservation.ReservationID, qty)
	}
	if err != nil {
		log.Error().Err(err).Str("reservation_id", reservation.ReservationID.String()).Msg("Failed to update reservation")
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return nil
}

// applySettlement takes qty units out of reserved stock, returning them to
// available stock when restore is set
func (r *StockRepository) applySettlement(ctx context.Context, tx *sqlx.Tx, productID string, qty int, restore bool) (*models.StockRecord, error) {
	query := `UPDATE stock
			  SET reserved_qty = reserved_qty - $2, version = version + 1, updated_at = NOW()
			  WHERE product_id = $1 AND reserved_qty >= $2
			  RETURNING ` + stockColumns
	if restore {
		query = `UPDATE stock
			  SET available_qty = available_qty + $2, reserved_qty = reserved_qty - $2,
			      version = version + 1, updated_at = NOW()
			  WHERE product_id = $1 AND reserved_qty >= $2
			  RETURNING ` + stockColumns
	}

	var record models.StockRecord
	err := tx.GetContext(ctx, &record, query, productID, qty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewBusinessError(models.ErrorCodeStockInconsistent,
			fmt.Sprintf("reserved quantity of product '%s' is lower than its reservation", productID), nil)
	}
	if err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to update stock")
		return nil, fmt.Errorf("failed to update stock: %w", err)
	}

	return &record, nil
}

// GetReservation retrieves a reservation by product and order
func (r *StockRepository) GetReservation(ctx context.Context, productID, orderID string) (*models.Reservation, error) {
	return r.getReservation(ctx, r.db, productID, orderID)
}

func (r *StockRepository) getReservation(ctx context.Context, q sqlx.QueryerContext, productID, orderID string) (*models.Reservation, error) {
	var reservation models.Reservation
	query := `SELECT ` + reservationColumns + ` FROM reservation WHERE product_id = $1 AND order_id = $2`

	err := sqlx.GetContext(ctx, q, &reservation, query, productID, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Str("product_id", productID).Str("order_id", orderID).Msg("Failed to get reservation")
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	return &reservation, nil
}

// ListExpiredReservations retrieves reservations whose TTL elapsed, oldest first
func (r *StockRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var reservations []models.Reservation
	query := `SELECT ` + reservationColumns + `
			  FROM reservation
			  WHERE expires_at < $1
			  ORDER BY expires_at ASC
			  LIMIT $2`

	err := r.db.SelectContext(ctx, &reservations, query, now, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get expired reservations")
		return nil, fmt.Errorf("failed to get expired reservations: %w", err)
	}

	return reservations, nil
}

// Ping checks the database connection
func (r *StockRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// writeEvents stores the stock event and the resulting state snapshot in the outbox
func (r *StockRepository) writeEvents(ctx context.Context, tx *sqlx.Tx, eventType string, m models.StockMutation, record *models.StockRecord, reservationID *uuid.UUID) error {
	event := models.NewStockEvent(eventType, m, record, reservationID)
	if err := r.outbox.InsertOutboxEvent(ctx, tx, eventType, record.ProductID, event); err != nil {
		return err
	}
	return r.outbox.InsertOutboxEvent(ctx, tx, models.EventTypeStockState, record.ProductID, models.NewStockState(record))
}

// inTx runs fn in a transaction, committing only when fn succeeds
func (r *StockRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin transaction")
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error().Err(err).Msg("Failed to rollback transaction")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
