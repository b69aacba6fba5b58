package models

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	ProblemTypeValidationError = "validation-error"
	ProblemTypeBusinessError   = "business-logic-error"
	ProblemTypeNotFound        = "not-found"
	ProblemTypeInternalError   = "internal-error"
)

// API Request Models

// ReserveItemsRequest is the order workflow's batch reservation payload
type ReserveItemsRequest struct {
	UserID string     `json:"user_id"`
	Items  []LineItem `json:"items" binding:"required,min=1,dive"`
}

// OrderItemsRequest is the payload of the best-effort release and confirm endpoints
type OrderItemsRequest struct {
	UserID string     `json:"user_id"`
	Items  []LineItem `json:"items" binding:"required,min=1,dive"`
}

// StockOperationRequest is the payload of single item reserve, release and confirm
type StockOperationRequest struct {
	OrderID  string `json:"order_id" binding:"required"`
	UserID   string `json:"user_id"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
}

// SetStockRequest sets the available quantity of a product
type SetStockRequest struct {
	AvailableQty *int `json:"available_qty" binding:"required,min=0"`
}

// StockCheckQuery is the query string of the availability pre-check
type StockCheckQuery struct {
	Quantity int `form:"quantity" json:"quantity" binding:"required,min=1"`
}

// API Response Models

// ReserveItemsResponse is returned when every line item of an order was reserved
type ReserveItemsResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	OrderID string       `json:"order_id"`
	Items   []ItemResult `json:"items"`
}

// OrderItemsResponse lists per-item outcomes of a best-effort release or confirm
type OrderItemsResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	OrderID string        `json:"order_id"`
	Results []ItemOutcome `json:"results"`
}

// FailureResponse is the error envelope of the order workflow endpoints
type FailureResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

// ReservationResponse describes a single reservation
type ReservationResponse struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	ProductID     string    `json:"product_id"`
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id,omitempty"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// NewReservationResponse builds the response for a freshly created reservation
func NewReservationResponse(r *Reservation) *ReservationResponse {
	return &ReservationResponse{
		ReservationID: r.ReservationID,
		ProductID:     r.ProductID,
		OrderID:       r.OrderID,
		UserID:        r.UserID,
		Quantity:      r.Qty,
		Status:        ItemStatusReserved,
		ExpiresAt:     r.ExpiresAt,
	}
}

// AvailabilityResponse represents the response for stock availability
type AvailabilityResponse struct {
	ProductID    string    `json:"product_id"`
	AvailableQty int       `json:"available_qty"`
	ReservedQty  int       `json:"reserved_qty"`
	TotalQty     int       `json:"total_qty"`
	Version      int64     `json:"version"`
	CacheHit     bool      `json:"cache_hit"`
	LastUpdated  time.Time `json:"last_updated"`
}

// NewAvailabilityResponse converts a stock record into an availability response
func NewAvailabilityResponse(s *StockRecord, cacheHit bool) *AvailabilityResponse {
	return &AvailabilityResponse{
		ProductID:    s.ProductID,
		AvailableQty: s.AvailableQty,
		ReservedQty:  s.ReservedQty,
		TotalQty:     s.TotalOnHand(),
		Version:      s.Version,
		CacheHit:     cacheHit,
		LastUpdated:  s.UpdatedAt,
	}
}

// ProblemDetails follows RFC 7807
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Field    string `json:"field,omitempty"`
	Code     string `json:"code,omitempty"`
	Errors   any    `json:"errors,omitempty"`
}

// NewValidationProblem creates a validation error problem
func NewValidationProblem(field, message string, code ErrorCode) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeValidationError,
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: message,
		Field:  field,
		Code:   string(code),
	}
}

// NewMultiValidationProblem creates a multi-field validation error problem
func NewMultiValidationProblem(violations []ValidationError) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeValidationError,
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: "Multiple validation errors occurred",
		Errors: violations,
	}
}

// NewBusinessLogicProblem creates a business logic error problem
func NewBusinessLogicProblem(status int, title, detail string, code ErrorCode) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeBusinessError,
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   string(code),
	}
}

// NewNotFoundProblem creates a not found error problem
func NewNotFoundProblem(resource, detail string, code ErrorCode) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeNotFound,
		Title:  resource + " Not Found",
		Status: http.StatusNotFound,
		Detail: detail,
		Code:   string(code),
	}
}

// NewInternalErrorProblem creates an internal server error problem
func NewInternalErrorProblem() *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeInternalError,
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "An unexpected error occurred",
		Code:   string(ErrorCodeInternalError),
	}
}
