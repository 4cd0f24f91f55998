// Package errors provides a structured error system for unicache with error codes, categories, and context.
package errors

import (
	stderr "errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Value transform errors
	ErrCodeSerialization   ErrorCode = "SERIALIZATION_FAILED"
	ErrCodeDeserialization ErrorCode = "DESERIALIZATION_FAILED"
	ErrCodeEncryption      ErrorCode = "ENCRYPTION_FAILED"

	// Durable store errors
	ErrCodePersistence            ErrorCode = "PERSISTENCE_FAILED"
	ErrCodePersistenceUnavailable ErrorCode = "PERSISTENCE_UNAVAILABLE"

	// Cross-process coordination errors
	ErrCodeSyncTransport            ErrorCode = "SYNC_TRANSPORT_FAILED"
	ErrCodeSyncTransportUnavailable ErrorCode = "SYNC_TRANSPORT_UNAVAILABLE"

	// Offline queue errors
	ErrCodeOfflineQueueExhausted ErrorCode = "OFFLINE_QUEUE_EXHAUSTED"
	ErrCodeOfflineReplay         ErrorCode = "OFFLINE_REPLAY_FAILED"

	// Caller-supplied logic
	ErrCodeFetchFailed ErrorCode = "FETCH_FAILED"

	// Input validation
	ErrCodeInvalidKey     ErrorCode = "INVALID_KEY"
	ErrCodeInvalidPattern ErrorCode = "INVALID_PATTERN"

	// State errors
	ErrCodeNotInitialized   ErrorCode = "NOT_INITIALIZED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategorySerialization ErrorCategory = "serialization"
	CategoryPersistence   ErrorCategory = "persistence"
	CategorySync          ErrorCategory = "sync"
	CategoryOffline       ErrorCategory = "offline"
	CategoryFetch         ErrorCategory = "fetch"
	CategoryInput         ErrorCategory = "input"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *CacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new cache error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case codeStr == string(ErrCodeInvalidConfig) || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "SERIALIZATION_") || strings.HasPrefix(codeStr, "DESERIALIZATION_") ||
		strings.HasPrefix(codeStr, "ENCRYPTION_"):
		return CategorySerialization
	case strings.HasPrefix(codeStr, "PERSISTENCE_"):
		return CategoryPersistence
	case strings.HasPrefix(codeStr, "SYNC_"):
		return CategorySync
	case strings.HasPrefix(codeStr, "OFFLINE_"):
		return CategoryOffline
	case strings.HasPrefix(codeStr, "FETCH_"):
		return CategoryFetch
	case codeStr == string(ErrCodeInvalidKey) || codeStr == string(ErrCodeInvalidPattern):
		return CategoryInput
	case strings.HasPrefix(codeStr, "NOT_INITIALIZED") || strings.HasPrefix(codeStr, "COMPONENT_"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodePersistence:   true,
		ErrCodeSyncTransport: true,
		ErrCodeOfflineReplay: true,
		ErrCodeInternalError: true,
	}
	return retryableCodes[code]
}

// IsInfrastructure reports whether err originates in supporting infrastructure
// (durable store, sync transport, offline replay, encryption). Infrastructure
// failures degrade the cache; they are never surfaced to cache callers.
func IsInfrastructure(err error) bool {
	var cacheErr *CacheError
	if !stderr.As(err, &cacheErr) {
		return false
	}
	switch cacheErr.Category {
	case CategoryPersistence, CategorySync, CategoryOffline:
		return true
	}
	return cacheErr.Code == ErrCodeEncryption
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	var cacheErr *CacheError
	for err != nil {
		if stderr.As(err, &cacheErr) {
			if cacheErr.Code == code {
				return true
			}
			err = cacheErr.Cause
			continue
		}
		return false
	}
	return false
}

// Serialization wraps a failure to encode or decode a cached value.
func Serialization(operation string, cause error) *CacheError {
	return NewError(ErrCodeSerialization, "value cannot be serialized").
		WithComponent("transform").
		WithOperation(operation).
		WithCause(cause)
}

// Persistence wraps a durable store failure.
func Persistence(operation string, cause error) *CacheError {
	return NewError(ErrCodePersistence, "durable store operation failed").
		WithComponent("store").
		WithOperation(operation).
		WithCause(cause)
}

// SyncTransport wraps a broadcast failure.
func SyncTransport(transport string, cause error) *CacheError {
	return NewError(ErrCodeSyncTransport, "broadcast failed").
		WithComponent("coordination").
		WithOperation("publish").
		WithContext("transport", transport).
		WithCause(cause)
}

// OfflineExhausted reports an offline write that exceeded its retry budget.
func OfflineExhausted(key string, attempts int, cause error) *CacheError {
	return NewError(ErrCodeOfflineQueueExhausted, "offline write exceeded max retries").
		WithComponent("offline").
		WithOperation("replay").
		WithContext("key", key).
		WithDetail("attempts", attempts).
		WithCause(cause)
}

// WithContext adds contextual information to an error
func (e *CacheError) WithContext(key, value string) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *CacheError) WithRetryable(retryable bool) *CacheError {
	e.Retryable = retryable
	return e
}
