package models

import (
	"errors"
	"fmt"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	ErrorCodeInvalidField           ErrorCode = "INVALID_FIELD"
	ErrorCodeInvalidFormat          ErrorCode = "INVALID_FORMAT"
	ErrorCodeValidationError        ErrorCode = "VALIDATION_ERROR"
	ErrorCodeInsufficientStock      ErrorCode = "INSUFFICIENT_STOCK"
	ErrorCodeReservationNotFound    ErrorCode = "RESERVATION_NOT_FOUND"
	ErrorCodeReservationExists      ErrorCode = "RESERVATION_EXISTS"
	ErrorCodeReservationQtyExceeded ErrorCode = "RESERVATION_QUANTITY_EXCEEDED"
	ErrorCodeStockNotFound          ErrorCode = "STOCK_NOT_FOUND"
	ErrorCodeStockInconsistent      ErrorCode = "STOCK_INCONSISTENT"
	ErrorCodeStoreError             ErrorCode = "STORE_ERROR"
	ErrorCodeInternalError          ErrorCode = "INTERNAL_ERROR"
)

// ValidationError represents validation errors with detailed field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Value   any    `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// InsufficientStockError is returned when the atomic reserve step finds
// fewer available units than requested
type InsufficientStockError struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product '%s': requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// ReservationNotFoundError is returned when release or confirm targets a
// reservation that does not exist
type ReservationNotFoundError struct {
	ProductID string `json:"product_id"`
	OrderID   string `json:"order_id"`
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("reservation for product '%s' and order '%s' not found", e.ProductID, e.OrderID)
}

// StoreError wraps failures of the underlying persistence layer
type StoreError struct {
	Op        string `json:"op"`
	ProductID string `json:"product_id,omitempty"`
	Cause     error  `json:"-"`
}

func (e *StoreError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("store error during %s for product '%s': %v", e.Op, e.ProductID, e.Cause)
	}
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// BusinessError represents business rule violations that are not covered by a dedicated type
type BusinessError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFoundError represents resource not found errors
type NotFoundError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID '%s' not found", e.Resource, e.ID)
}

// ConflictError represents resource conflict errors
type ConflictError struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict with %s: %s", e.Resource, e.Reason)
}

// BatchReservationError reports the line item that stopped a batch reservation
// together with the outcome of every compensating release.
type BatchReservationError struct {
	OrderID       string        `json:"order_id"`
	ProductID     string        `json:"product_id"`
	Index         int           `json:"index"`
	Cause         error         `json:"-"`
	Compensations []ItemOutcome `json:"compensations,omitempty"`
}

func (e *BatchReservationError) Error() string {
	return fmt.Sprintf("reservation of order '%s' failed at product '%s': %v", e.OrderID, e.ProductID, e.Cause)
}

func (e *BatchReservationError) Unwrap() error {
	return e.Cause
}

// CompensationFailed reports whether at least one rollback release failed
func (e *BatchReservationError) CompensationFailed() bool {
	return CountFailed(e.Compensations) > 0
}

// Error factory functions for common scenarios

func NewValidationError(field, message string, value any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

func NewInsufficientStockError(productID string, requested, available int) *InsufficientStockError {
	return &InsufficientStockError{
		ProductID: productID,
		Requested: requested,
		Available: available,
	}
}

func NewReservationNotFoundError(productID, orderID string) *ReservationNotFoundError {
	return &ReservationNotFoundError{
		ProductID: productID,
		OrderID:   orderID,
	}
}

func NewStoreError(op, productID string, cause error) *StoreError {
	return &StoreError{
		Op:        op,
		ProductID: productID,
		Cause:     cause,
	}
}

func NewBusinessError(code ErrorCode, message string, details any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

func NewStockNotFoundError(productID string) *NotFoundError {
	return NewNotFoundError("stock record", productID)
}

func NewConflictError(resource, reason string) *ConflictError {
	return &ConflictError{
		Resource: resource,
		Reason:   reason,
	}
}

// Error type guards, all of them see through wrapping

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsInsufficientStockError(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}

func IsReservationNotFoundError(err error) bool {
	var target *ReservationNotFoundError
	return errors.As(err, &target)
}

func IsStoreError(err error) bool {
	var target *StoreError
	return errors.As(err, &target)
}

func IsBusinessError(err error) bool {
	var target *BusinessError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflictError(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsDomainError reports whether err is an expected outcome of a stock
// operation rather than an infrastructure failure
func IsDomainError(err error) bool {
	return IsValidationError(err) ||
		IsInsufficientStockError(err) ||
		IsReservationNotFoundError(err) ||
		IsBusinessError(err) ||
		IsNotFoundError(err) ||
		IsConflictError(err)
}

// GetErrorCode extracts error code from various error types
func GetErrorCode(err error) ErrorCode {
	var (
		validationErr   *ValidationError
		insufficientErr *InsufficientStockError
		reservationErr  *ReservationNotFoundError
		businessErr     *BusinessError
		notFoundErr     *NotFoundError
		conflictErr     *ConflictError
		storeErr        *StoreError
	)

	switch {
	case errors.As(err, &validationErr):
		return ErrorCodeValidationError
	case errors.As(err, &insufficientErr):
		return ErrorCodeInsufficientStock
	case errors.As(err, &reservationErr):
		return ErrorCodeReservationNotFound
	case errors.As(err, &businessErr):
		return businessErr.Code
	case errors.As(err, &notFoundErr):
		return ErrorCodeStockNotFound
	case errors.As(err, &conflictErr):
		return ErrorCodeReservationExists
	case errors.As(err, &storeErr):
		return ErrorCodeStoreError
	default:
		return ErrorCodeInternalError
	}
}
