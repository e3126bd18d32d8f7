package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallet-insights/internal/types"
)

func TestCategorize_WrappedError(t *testing.T) {
	base := NewNotFoundError("wallet", "w-1")
	wrapped := fmt.Errorf("loading wallet: %w", base)

	cat := Categorize(wrapped)
	assert.Equal(t, CategoryNotFound, cat.Category)
	assert.Equal(t, http.StatusNotFound, cat.StatusCode)
	assert.True(t, IsNotFound(wrapped))
}

func TestCategorize_ServiceError(t *testing.T) {
	cat := Categorize(&types.ServiceError{Code: "INVALID_PRIVACY_TRANSITION", Message: "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, cat.StatusCode)

	cat = Categorize(&types.ServiceError{Code: "SOMETHING_ELSE", Message: "boom"})
	assert.Equal(t, CategorySystem, cat.Category)
}

func TestCategorize_PlainError(t *testing.T) {
	cat := Categorize(fmt.Errorf("boom"))
	assert.Equal(t, "INTERNAL_ERROR", cat.Code)
	assert.Nil(t, Categorize(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"upstream", NewUpstreamUnavailableError("indexer", fmt.Errorf("timeout")), true},
		{"database", NewDatabaseError("insert", fmt.Errorf("conn reset")), true},
		{"not found", NewNotFoundError("wallet", "x"), false},
		{"transition", NewInvalidTransitionError(types.PrivacyPrivate, "bogus", "unknown mode"), false},
		{"conflict", NewConflictError("wallet", "x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestStatusCodes(t *testing.T) {
	assert.Equal(t, http.StatusConflict, GetHTTPStatusCode(NewConflictError("wallet", "x")))
	assert.Equal(t, http.StatusForbidden, GetHTTPStatusCode(NewPrivacyViolationError("x")))
	assert.Equal(t, http.StatusServiceUnavailable, GetHTTPStatusCode(NewUpstreamUnavailableError("grants", nil)))
	assert.True(t, IsUserError(NewInvalidParameterError("limit", "must be positive")))
	assert.True(t, IsConflict(fmt.Errorf("wrap: %w", NewConflictError("wallet", "x"))))
	assert.Equal(t, http.StatusUnauthorized, GetHTTPStatusCode(NewUnauthorizedError("no caller")))
	assert.False(t, IsRetryable(NewUnauthorizedError("no caller")))
}
