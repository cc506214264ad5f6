package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"jieyou_pet/internal/progress"
	"jieyou_pet/internal/session"
	"jieyou_pet/internal/shop"
	"jieyou_pet/internal/storage"
)

// ErrorCode represents different error types
type ErrorCode string

const (
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeValidationError    ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT"
	ErrCodeStateNotReady      ErrorCode = "STATE_NOT_READY"
	ErrCodeInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeItemLocked         ErrorCode = "ITEM_LOCKED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// APIError represents a structured API error
type APIError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func newAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message, Timestamp: time.Now()}
}

// ErrorResponse represents the complete error response
type ErrorResponse struct {
	Error   *APIError `json:"error"`
	Success bool      `json:"success"`
}

// ErrorHandler turns errors into JSON responses.
type ErrorHandler struct {
	log logrus.FieldLogger
}

func NewErrorHandler(log logrus.FieldLogger) *ErrorHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ErrorHandler{log: log}
}

// HandleError handles an error and writes appropriate response
func (eh *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := classifyError(err)
	apiErr.RequestID = middleware.GetReqID(r.Context())
	eh.logError(r, err, apiErr, status)
	writeError(w, apiErr, status)
}

// classifyError maps sentinel errors onto codes and statuses.
func classifyError(err error) (*APIError, int) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, statusForCode(apiErr.Code)
	}

	switch {
	case errors.Is(err, progress.ErrStateNotReady):
		return newAPIError(ErrCodeStateNotReady, "User or pet is not loaded"), http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		return newAPIError(ErrCodeConflict, "Session expired, retry the request"), http.StatusConflict
	case errors.Is(err, progress.ErrInsufficientCoins):
		return newAPIError(ErrCodeInsufficientFunds, "Insufficient coins"), http.StatusPaymentRequired
	case errors.Is(err, progress.ErrInvalidAmount):
		return newAPIError(ErrCodeValidationError, "Amount must be positive"), http.StatusBadRequest
	case errors.Is(err, shop.ErrUnknownItem):
		return newAPIError(ErrCodeNotFound, "Unknown shop item"), http.StatusNotFound
	case errors.Is(err, shop.ErrLocked):
		return newAPIError(ErrCodeItemLocked, "Item is locked at the current pet level"), http.StatusForbidden
	case errors.Is(err, session.ErrInvalidToken):
		return newAPIError(ErrCodeUnauthorized, "Invalid or expired session"), http.StatusUnauthorized
	case errors.Is(err, storage.ErrNotFound):
		return newAPIError(ErrCodeNotFound, "Resource not found"), http.StatusNotFound
	case errors.Is(err, storage.ErrStaleProgress):
		return newAPIError(ErrCodeConflict, "Pet was updated concurrently, retry"), http.StatusConflict
	default:
		return newAPIError(ErrCodeInternalError, "Internal server error"), http.StatusInternalServerError
	}
}

func statusForCode(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest, ErrCodeValidationError:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeItemLocked:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeStateNotReady, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeInsufficientFunds:
		return http.StatusPaymentRequired
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (eh *ErrorHandler) logError(r *http.Request, err error, apiErr *APIError, status int) {
	// Client errors are expected traffic.
	if status < 500 {
		return
	}
	eh.log.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"error_code": apiErr.Code,
		"request_id": apiErr.RequestID,
	}).WithError(err).Error("request failed")
}

func writeError(w http.ResponseWriter, apiErr *APIError, status int) {
	writeJSON(w, status, ErrorResponse{Error: apiErr, Success: false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RecoveryMiddleware handles panics and converts them to errors
func (eh *ErrorHandler) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				eh.log.WithFields(logrus.Fields{
					"panic":      fmt.Sprint(rec),
					"path":       r.URL.Path,
					"request_id": middleware.GetReqID(r.Context()),
					"stack":      stackTrace(),
				}).Error("panic recovered")

				apiErr := newAPIError(ErrCodeInternalError, "Internal server error")
				apiErr.RequestID = middleware.GetReqID(r.Context())
				writeError(w, apiErr, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func stackTrace() string {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}
