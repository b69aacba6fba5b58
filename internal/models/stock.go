package models

import (
	"time"

	"github.com/google/uuid"
)

// StockRecord represents the stock table structure, one row per product
type StockRecord struct {
	ProductID    string    `db:"product_id" json:"product_id"`
	AvailableQty int       `db:"available_qty" json:"available_qty"`
	ReservedQty  int       `db:"reserved_qty" json:"reserved_qty"`
	Version      int64     `db:"version" json:"version"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// TotalOnHand is the physical quantity still owned by the warehouse
func (s *StockRecord) TotalOnHand() int {
	return s.AvailableQty + s.ReservedQty
}

// Reservation represents the reservation table structure.
// A reservation is identified by its (ProductID, OrderID) pair.
type Reservation struct {
	ReservationID uuid.UUID `db:"reservation_id" json:"reservation_id"`
	ProductID     string    `db:"product_id" json:"product_id"`
	OrderID       string    `db:"order_id" json:"order_id"`
	UserID        string    `db:"user_id" json:"user_id,omitempty"`
	Qty           int       `db:"qty" json:"qty"`
	ExpiresAt     time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the reservation outlived its TTL at the given instant
func (r *Reservation) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// StockMutation carries the arguments shared by reserve, release and confirm
type StockMutation struct {
	ProductID string
	OrderID   string
	UserID    string
	Qty       int
}

// StockLevel is an initial stock quantity for a product
type StockLevel struct {
	ProductID    string
	AvailableQty int
}

// StockCheck is the result of a non-binding availability pre-check
type StockCheck struct {
	ProductID    string `json:"product_id"`
	Requested    int    `json:"requested"`
	Available    bool   `json:"available"`
	CurrentStock int    `json:"current_stock"`
}

// LineItem is a single product/quantity pair of an order
type LineItem struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// Item statuses reported to the order workflow
const (
	ItemStatusReserved  = "reserved"
	ItemStatusReleased  = "released"
	ItemStatusConfirmed = "confirmed"
	ItemStatusFailed    = "failed"
)

// ItemResult is returned for every line item of a successful batch reservation
type ItemResult struct {
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	ReservationID uuid.UUID `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ItemOutcome is the per-item result of a best-effort release or confirm
type ItemOutcome struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Failed reports whether the item could not be processed
func (o ItemOutcome) Failed() bool {
	return o.Status == ItemStatusFailed
}

// CountFailed returns how many outcomes failed
func CountFailed(outcomes []ItemOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}
