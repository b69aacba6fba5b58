package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stock-reservation-service/internal/models"
)

const namespace = "stock_reservation"

// Outcome labels
const (
	ResultOK           = "ok"
	ResultInvalid      = "invalid"
	ResultInsufficient = "insufficient_stock"
	ResultNotFound     = "not_found"
	ResultConflict     = "conflict"
	ResultRejected     = "rejected"
	ResultError        = "error"
)

// Metrics groups the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Compensations     *prometheus.CounterVec
	Expirations       prometheus.Counter
	OrderEvents       *prometheus.CounterVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Stock operations by operation and result.",
		}, []string{"operation", "result"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of stock operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Releases issued while rolling back a failed batch reservation.",
		}, []string{"result"}),
		Expirations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_reservations_total",
			Help:      "Reservations released by the expiration sweeper.",
		}),
		OrderEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_events_total",
			Help:      "Order lifecycle events consumed by type.",
		}, []string{"event_type"}),
	}
}

// ObserveOperation records the outcome and latency of one stock operation
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, Result(err)).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveCompensation records one rollback release
func (m *Metrics) ObserveCompensation(err error) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(Result(err)).Inc()
}

// ObserveExpirations adds n swept reservations
func (m *Metrics) ObserveExpirations(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Expirations.Add(float64(n))
}

// ObserveOrderEvent counts a consumed order lifecycle event
func (m *Metrics) ObserveOrderEvent(eventType string) {
	if m == nil {
		return
	}
	m.OrderEvents.WithLabelValues(eventType).Inc()
}

// Result maps an operation error to its label
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case models.IsValidationError(err):
		return ResultInvalid
	case models.IsInsufficientStockError(err):
		return ResultInsufficient
	case models.IsReservationNotFoundError(err), models.IsNotFoundError(err):
		return ResultNotFound
	case models.IsConflictError(err):
		return ResultConflict
	case models.IsBusinessError(err):
		return ResultRejected
	default:
		return ResultError
	}
}
