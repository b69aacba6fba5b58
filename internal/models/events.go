package models

import (
	"time"

	"github.com/google/uuid"
)

// Stock event types published to the events topic
const (
	EventTypeStockReserved  = "stock_reserved"
	EventTypeStockReleased  = "stock_released"
	EventTypeStockConfirmed = "stock_confirmed"
	EventTypeStockExpired   = "stock_expired"
	EventTypeStockAdjusted  = "stock_adjusted"
	EventTypeStockState     = "stock_state"
)

// Order lifecycle event types consumed from the order workflow
const (
	OrderEventCancelled = "order_cancelled"
	OrderEventFulfilled = "order_fulfilled"
)

// OutboxEvent represents the outbox table used for reliable event publishing
type OutboxEvent struct {
	ID              int64     `db:"id" json:"id"`
	EventType       string    `db:"event_type" json:"event_type"`
	Key             string    `db:"key" json:"key"`
	Payload         string    `db:"payload" json:"payload"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	Published       bool      `db:"published" json:"published"`
	PublishAttempts int       `db:"publish_attempts" json:"publish_attempts"`
	LastError       *string   `db:"last_error" json:"last_error,omitempty"`
}

// IsState reports whether the row targets the state topic
func (e *OutboxEvent) IsState() bool {
	return e.EventType == EventTypeStockState
}

// StockEvent is published for every stock mutation
type StockEvent struct {
	EventID       string     `json:"event_id"`
	EventType     string     `json:"event_type"`
	ProductID     string     `json:"product_id"`
	OrderID       string     `json:"order_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	Qty           int        `json:"qty"`
	Version       int64      `json:"version"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// NewStockEvent builds an event for a mutation that produced record
func NewStockEvent(eventType string, m StockMutation, record *StockRecord, reservationID *uuid.UUID) *StockEvent {
	return &StockEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		ProductID:     m.ProductID,
		OrderID:       m.OrderID,
		UserID:        m.UserID,
		Qty:           m.Qty,
		Version:       record.Version,
		ReservationID: reservationID,
		Timestamp:     time.Now().UTC(),
	}
}

// StockState represents the current state published to the state topic
type StockState struct {
	ProductID    string    `json:"product_id"`
	AvailableQty int       `json:"available_qty"`
	ReservedQty  int       `json:"reserved_qty"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewStockState snapshots a stock record
func NewStockState(record *StockRecord) *StockState {
	return &StockState{
		ProductID:    record.ProductID,
		AvailableQty: record.AvailableQty,
		ReservedQty:  record.ReservedQty,
		Version:      record.Version,
		UpdatedAt:    record.UpdatedAt,
	}
}

// Record converts the state back into a stock record
func (s *StockState) Record() *StockRecord {
	return &StockRecord{
		ProductID:    s.ProductID,
		AvailableQty: s.AvailableQty,
		ReservedQty:  s.ReservedQty,
		Version:      s.Version,
		UpdatedAt:    s.UpdatedAt,
	}
}

// OrderEvent is emitted by the order workflow when an order is cancelled or fulfilled
type OrderEvent struct {
	EventID   string     `json:"event_id"`
	EventType string     `json:"event_type"`
	OrderID   string     `json:"order_id"`
	UserID    string     `json:"user_id,omitempty"`
	Items     []LineItem `json:"items"`
	Timestamp time.Time  `json:"timestamp"`
}
