package api

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/models"
)

var registerTagNames sync.Once

// NewRouter creates a gin engine with the middleware shared by all binaries
func NewRouter(corsMethods string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	// report validation failures under their JSON names
	registerTagNames.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterTagNameFunc(func(field reflect.StructField) string {
				name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
				if name == "-" {
					return ""
				}
				return name
			})
		}
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLoggerMiddleware())
	r.Use(ErrorHandlerMiddleware())
	r.Use(CORSMiddleware(corsMethods))
	return r
}

// RegisterMetrics exposes the Prometheus registry on /metrics. A nil gatherer disables it.
func RegisterMetrics(r *gin.Engine, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		return
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// RequestLoggerMiddleware logs every request with zerolog
func RequestLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		default:
			event = log.Debug()
		}

		event.
			Str("request_id", getRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}

// CORSMiddleware handles CORS headers
func CORSMiddleware(methods string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-Request-ID, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// ErrorHandlerMiddleware renders errors attached with c.Error as problem details
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last()
		switch err.Type {
		case gin.ErrorTypeBind:
			handleValidationError(c, err.Err)
		default:
			Response.DomainError(c, err.Err)
		}
	}
}

// ResponseHelpers provides methods for REST-native responses
type ResponseHelpers struct{}

// Success sends the resource directly (no wrapper)
func (h *ResponseHelpers) Success(c *gin.Context, resource any) {
	c.JSON(http.StatusOK, resource)
}

// Created sends a 201 created response with the created resource
func (h *ResponseHelpers) Created(c *gin.Context, resource any) {
	c.JSON(http.StatusCreated, resource)
}

// DomainError maps a service error to its problem details response
func (h *ResponseHelpers) DomainError(c *gin.Context, err error) {
	var (
		validationErr   *models.ValidationError
		insufficientErr *models.InsufficientStockError
		reservationErr  *models.ReservationNotFoundError
		notFoundErr     *models.NotFoundError
		conflictErr     *models.ConflictError
		businessErr     *models.BusinessError
	)

	switch {
	case errors.As(err, &validationErr):
		h.send(c, models.NewValidationProblem(validationErr.Field, validationErr.Message, models.ErrorCodeInvalidField))
	case errors.As(err, &insufficientErr):
		h.send(c, models.NewBusinessLogicProblem(http.StatusConflict, "Insufficient Stock", err.Error(), models.ErrorCodeInsufficientStock))
	case errors.As(err, &reservationErr):
		h.send(c, models.NewNotFoundProblem("Reservation", err.Error(), models.ErrorCodeReservationNotFound))
	case errors.As(err, &notFoundErr):
		h.send(c, models.NewNotFoundProblem("Stock", err.Error(), models.ErrorCodeStockNotFound))
	case errors.As(err, &conflictErr):
		h.send(c, models.NewBusinessLogicProblem(http.StatusConflict, "Reservation Exists", err.Error(), models.ErrorCodeReservationExists))
	case errors.As(err, &businessErr):
		h.send(c, models.NewBusinessLogicProblem(http.StatusUnprocessableEntity, "Business Rule Violation", businessErr.Message, businessErr.Code))
	default:
		h.InternalError(c, err)
	}
}

// Failure sends the order workflow failure envelope
func (h *ResponseHelpers) Failure(c *gin.Context, message string, err error) {
	response := models.FailureResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
		Code:    string(models.GetErrorCode(err)),
	}

	var batchErr *models.BatchReservationError
	if errors.As(err, &batchErr) {
		response.ProductID = batchErr.ProductID
		response.Error = batchErr.Cause.Error()
	}

	status := failureStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", getRequestID(c)).Msg("Order request failed")
	}

	h.setRequestIDHeader(c)
	c.JSON(status, response)
}

// failureStatus follows the order workflow contract: every rejected
// reservation is a 400 except duplicates and store failures
func failureStatus(err error) int {
	switch {
	case models.IsConflictError(err):
		return http.StatusConflict
	case models.IsDomainError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// InternalError sends a 500 internal server error response
func (h *ResponseHelpers) InternalError(c *gin.Context, err error) {
	// Log the error for debugging but don't expose internals
	log.Error().
		Err(err).
		Str("request_id", getRequestID(c)).
		Msg("Internal server error")

	h.send(c, models.NewInternalErrorProblem())
}

func (h *ResponseHelpers) send(c *gin.Context, problem *models.ProblemDetails) {
	h.setRequestIDHeader(c)
	problem.Instance = c.Request.URL.Path
	c.JSON(problem.Status, problem)
}

func (h *ResponseHelpers) setRequestIDHeader(c *gin.Context) {
	if requestID := getRequestID(c); requestID != "" {
		c.Header("X-Request-ID", requestID)
	}
}

func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		return requestID.(string)
	}
	return ""
}

func handleValidationError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		violations := make([]models.ValidationError, 0, len(validationErrors))
		for _, validationError := range validationErrors {
			violations = append(violations, models.ValidationError{
				Field:   validationError.Field(),
				Message: getValidationMessage(validationError),
				Code:    validationError.Tag(),
			})
		}

		Response.send(c, models.NewMultiValidationProblem(violations))
		return
	}

	// malformed JSON or a type mismatch
	Response.send(c, models.NewValidationProblem("body", err.Error(), models.ErrorCodeInvalidFormat))
}

// bindingMessage flattens a bind error for the failure envelope
func bindingMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}

	parts := make([]string, 0, len(validationErrors))
	for _, validationError := range validationErrors {
		parts = append(parts, validationError.Namespace()+": "+getValidationMessage(validationError))
	}
	return strings.Join(parts, "; ")
}

func getValidationMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value is too small"
	case "max":
		return "Value is too large"
	default:
		return "Invalid value"
	}
}

// Response is the shared response helper
var Response = &ResponseHelpers{}
