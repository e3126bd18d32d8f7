package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/wallet-insights/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents invalid caller input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents unresolvable wallet, project or cohort ids
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryTransition represents rejected privacy mode changes
	CategoryTransition ErrorCategory = "invalid_transition"
	// CategoryConflict represents concurrent writers racing on one wallet
	CategoryConflict ErrorCategory = "conflict"
	// CategoryPrivacy represents a read that would bypass privacy enforcement
	CategoryPrivacy ErrorCategory = "privacy"
	// CategoryUpstream represents failures of the indexer or grant collaborators
	CategoryUpstream ErrorCategory = "upstream"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryAuth represents requests without an identified caller
	CategoryAuth ErrorCategory = "auth"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInvalidTransitionError rejects a privacy mode change before any write
func NewInvalidTransitionError(from, to types.PrivacyMode, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransition,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "INVALID_PRIVACY_TRANSITION",
		Message:    fmt.Sprintf("cannot change privacy mode from %q to %q: %s", from, to, reason),
		Details: map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	}
}

// NewConflictError reports a write that lost a race on a wallet row after its retry
func NewConflictError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONCURRENT_UPDATE_CONFLICT",
		Message:    fmt.Sprintf("concurrent update conflict on %s %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewPrivacyViolationError creates a privacy violation error
func NewPrivacyViolationError(walletID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPrivacy,
		StatusCode: http.StatusForbidden,
		Code:       "PRIVACY_VIOLATION",
		Message:    "wallet data is not readable in this context",
		Details: map[string]interface{}{
			"walletId": walletID,
		},
	}
}

// NewUnauthorizedError is returned when a request carries no caller identity
func NewUnauthorizedError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuth,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    reason,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewUpstreamUnavailableError wraps a failing or timed-out collaborator call
func NewUpstreamUnavailableError(collaborator string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "UPSTREAM_UNAVAILABLE",
		Message:    fmt.Sprintf("upstream unavailable: %s", collaborator),
		Cause:      cause,
		Details: map[string]interface{}{
			"collaborator": collaborator,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error, looking through wrapping
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	ce := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case "INVALID_PARAMETER", "MALFORMED_TRANSACTION":
		ce.Category, ce.StatusCode = CategoryValidation, http.StatusBadRequest
	case "NOT_FOUND", "WALLET_NOT_FOUND", "PROJECT_NOT_FOUND", "COHORT_NOT_FOUND":
		ce.Category, ce.StatusCode = CategoryNotFound, http.StatusNotFound
	case "INVALID_PRIVACY_TRANSITION":
		ce.Category, ce.StatusCode = CategoryTransition, http.StatusUnprocessableEntity
	case "CONCURRENT_UPDATE_CONFLICT":
		ce.Category, ce.StatusCode = CategoryConflict, http.StatusConflict
	default:
		ce.Category, ce.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return ce
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryUpstream, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsNotFound reports whether err is a NotFound error
func IsNotFound(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryNotFound
}

// IsConflict reports whether err is a concurrent update conflict
func IsConflict(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryConflict
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
