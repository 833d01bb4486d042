package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a specific failure class for error handling and
// operator alerting.
type ErrorCode string

const (
	// Configuration errors. Fatal at setup or topology-update time,
	// never discovered lazily per request.
	ErrCodeInvalidPolicy         ErrorCode = "INVALID_POLICY"
	ErrCodeInvalidAffinityMode   ErrorCode = "INVALID_AFFINITY_MODE"
	ErrCodeInvalidFailurePolicy  ErrorCode = "INVALID_FAILURE_POLICY"
	ErrCodeInvalidProbeTransport ErrorCode = "INVALID_PROBE_TRANSPORT"
	ErrCodeConfigLoad            ErrorCode = "CONFIG_LOAD_FAILED"

	// Per-request errors.
	ErrCodeNoAvailableDestination  ErrorCode = "NO_AVAILABLE_DESTINATION"
	ErrCodeBackendNotFound         ErrorCode = "BACKEND_NOT_FOUND"
	ErrCodeDestinationNotFound     ErrorCode = "DESTINATION_NOT_FOUND"
	ErrCodeAffinityExtraction      ErrorCode = "AFFINITY_EXTRACTION_FAILED"
	ErrCodeAffinityDestinationGone ErrorCode = "AFFINITY_DESTINATION_NOT_FOUND"
	ErrCodeRequestCanceled         ErrorCode = "REQUEST_CANCELED"

	// Prober errors. Folded into health-state hysteresis, never
	// propagated out of the prober loop.
	ErrCodeProbeFailed ErrorCode = "PROBE_FAILED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// StatusNoDestinations is the status code surfaced when every candidate
// was filtered out. It is deliberately distinct from upstream 5xx codes
// so operators can alert on it separately from backend errors.
const StatusNoDestinations = 521

// ProxyError is a structured error with a code and originating component.
type ProxyError struct {
	Code      ErrorCode
	Component string
	Message   string
	Timestamp time.Time
	Cause     error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code.
func (e *ProxyError) Is(target error) bool {
	var pe *ProxyError
	if errors.As(target, &pe) {
		return e.Code == pe.Code
	}
	return false
}

// HTTPStatusCode maps the error to the status code written to the client.
func (e *ProxyError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeNoAvailableDestination:
		return StatusNoDestinations
	case ErrCodeBackendNotFound:
		return http.StatusNotFound
	case ErrCodeAffinityExtraction:
		return http.StatusBadRequest
	case ErrCodeAffinityDestinationGone:
		return http.StatusServiceUnavailable
	case ErrCodeRequestCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// New creates a ProxyError.
func New(code ErrorCode, component, message string) *ProxyError {
	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap creates a ProxyError with an underlying cause.
func Wrap(err error, code ErrorCode, component, message string) *ProxyError {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// NewNoAvailableDestination reports that every candidate for a backend was
// filtered out.
func NewNoAvailableDestination(backendID string) *ProxyError {
	return New(
		ErrCodeNoAvailableDestination,
		"load_balancer",
		fmt.Sprintf("no available destinations for backend %q", backendID),
	)
}

// NewBackendNotFound reports a lookup for an unknown backend id.
func NewBackendNotFound(backendID string) *ProxyError {
	return New(
		ErrCodeBackendNotFound,
		"runtime_model",
		fmt.Sprintf("backend %q not found", backendID),
	)
}

// NewInvalidPolicy reports an unknown load-balancing policy id.
func NewInvalidPolicy(policy string) *ProxyError {
	return New(
		ErrCodeInvalidPolicy,
		"load_balancer",
		fmt.Sprintf("unknown load-balancing policy %q", policy),
	)
}

// NewInvalidAffinityMode reports an unknown session-affinity mode id.
func NewInvalidAffinityMode(mode string) *ProxyError {
	return New(
		ErrCodeInvalidAffinityMode,
		"affinity",
		fmt.Sprintf("unknown affinity mode %q", mode),
	)
}

// NewInvalidFailurePolicy reports an unknown affinity-failure policy id.
func NewInvalidFailurePolicy(policy string) *ProxyError {
	return New(
		ErrCodeInvalidFailurePolicy,
		"affinity",
		fmt.Sprintf("unknown affinity failure policy %q", policy),
	)
}

// NewInvalidProbeTransport reports an unknown health-probe transport id.
func NewInvalidProbeTransport(transport string) *ProxyError {
	return New(
		ErrCodeInvalidProbeTransport,
		"health_prober",
		fmt.Sprintf("unknown probe transport %q", transport),
	)
}

// Code extracts the error code, defaulting to INTERNAL_ERROR.
func Code(err error) ErrorCode {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternal
}

// HTTPStatusCode extracts the status code for an arbitrary error.
func HTTPStatusCode(err error) int {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return Code(err) == code
}
