// Package errors defines the structured error envelope returned by every
// API endpoint and the error taxonomy shared across the service layers.
package errors

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"
)

// Error codes used across the license validation pipeline.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeSecurityViolation  = "SECURITY_VIOLATION"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeLicenseNotFound    = "LICENSE_NOT_FOUND"
	CodeLicenseExpired     = "LICENSE_EXPIRED"
	CodeDeviceLimit        = "DEVICE_LIMIT_REACHED"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeActivationCooldown = "ACTIVATION_COOLDOWN"
	CodeInternal           = "INTERNAL_ERROR"
)

// APIError is a structured API error. It implements both error and the
// render.Renderer interface, so handlers can return it directly.
type APIError struct {
	StatusCode int       `json:"status"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Details    any       `json:"details,omitempty"`

	// RetryAfter, when non-zero, is surfaced as a Retry-After header and
	// a retry_after detail on 429 responses.
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds()+0.5)))
	}
	render.Status(r, e.StatusCode)
	return nil
}

// ErrorResponse is the wire envelope for failed requests.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// Render implements the render.Renderer interface.
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}

// Respond writes the error envelope with its mapped HTTP status.
func Respond(w http.ResponseWriter, r *http.Request, err *APIError) {
	_ = render.Render(w, r, &ErrorResponse{Success: false, Error: err})
}

// New creates an APIError with the given status, code and message.
func New(statusCode int, code, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
}

// WithDetails attaches a details payload and returns the error.
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// Invalid creates a 400 malformed-request error.
func Invalid(message string) *APIError {
	return New(http.StatusBadRequest, CodeInvalidRequest, message)
}

// Validation creates a 400 validation error with field details.
func Validation(message string, details any) *APIError {
	return New(http.StatusBadRequest, CodeValidationFailed, message).WithDetails(details)
}

// Security creates a 403 security-violation error. The violation list is
// logged, never echoed back to the caller.
func Security() *APIError {
	return New(http.StatusForbidden, CodeSecurityViolation, "request blocked")
}

// RateLimited creates a retryable 429 error carrying a retry-after hint.
func RateLimited(retryAfter time.Duration) *APIError {
	e := New(http.StatusTooManyRequests, CodeRateLimited,
		"too many requests, please try again later")
	e.RetryAfter = retryAfter
	e.Details = map[string]any{"retry_after": int(retryAfter.Seconds() + 0.5)}
	return e
}

// Cooldown creates a retryable 429 error for the activation cooldown.
func Cooldown(retryAfter time.Duration) *APIError {
	e := New(http.StatusTooManyRequests, CodeActivationCooldown,
		"activation attempted too soon, please try again later")
	e.RetryAfter = retryAfter
	e.Details = map[string]any{"retry_after": int(retryAfter.Seconds() + 0.5)}
	return e
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *APIError {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden creates a 403 ownership/role/profile error.
func Forbidden(message string) *APIError {
	return New(http.StatusForbidden, CodeForbidden, message)
}

// LicenseNotFound creates a 404 error for an absent license.
func LicenseNotFound() *APIError {
	return New(http.StatusNotFound, CodeLicenseNotFound, "license not found")
}

// DeviceNotFound creates a 404 error for a fingerprint with no active
// device on the license.
func DeviceNotFound() *APIError {
	return New(http.StatusNotFound, CodeDeviceNotFound, "device not found")
}

// Expired creates a 403 error for a license past its grace period.
func Expired(expiredAt time.Time) *APIError {
	return New(http.StatusForbidden, CodeLicenseExpired,
		"license expired, please renew to continue").
		WithDetails(map[string]any{"expired_at": expiredAt.UTC().Format(time.RFC3339)})
}

// DeviceLimit creates a 403 error when the device budget is exhausted.
func DeviceLimit(current, max int) *APIError {
	return New(http.StatusForbidden, CodeDeviceLimit,
		"maximum number of devices reached").
		WithDetails(map[string]any{"current_devices": current, "max_devices": max})
}

// Internal creates a 500 error that hides the underlying cause from the
// caller.
func Internal() *APIError {
	return New(http.StatusInternalServerError, CodeInternal, "internal server error")
}

// IsRetryable reports whether the error carries a retry-after semantic.
func IsRetryable(e *APIError) bool {
	return e != nil && e.StatusCode == http.StatusTooManyRequests
}
