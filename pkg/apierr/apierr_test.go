package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected int
	}{
		{"unauthorized", Unauthorized("bad credentials"), http.StatusUnauthorized},
		{"forbidden", Forbidden("subject mismatch"), http.StatusForbidden},
		{"not found", NotFound("no such org", nil), http.StatusNotFound},
		{"invalid request", InvalidRequest("timestamp out of range", nil), http.StatusBadRequest},
		{"invalid config", InvalidConfig("label not in pricebook", nil), http.StatusBadRequest},
		{"already used", AlreadyUsed("retrieval token replayed"), http.StatusBadRequest},
		{"quota exceeded", QuotaExceeded("all quotas exceeded", nil), http.StatusTooManyRequests},
		{"internal", Internal("boom"), http.StatusInternalServerError},
		{"service unavailable", ServiceUnavailable("store down"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.HTTPStatus())
		})
	}
}

func TestFromPreservesTypedError(t *testing.T) {
	orig := InvalidConfig("bad ladder", map[string]any{"label": "premium"})
	wrapped := fmt.Errorf("upsert org: %w", orig)

	got := From(wrapped)
	assert.Equal(t, CodeInvalidConfig, got.Code)
	assert.Equal(t, "bad ladder", got.Message)
}

func TestFromWrapsUnknownError(t *testing.T) {
	got := From(errors.New("disk full"))
	assert.Equal(t, CodeInternal, got.Code)
	assert.ErrorContains(t, got, "disk full")
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("selection: %w", QuotaExceeded("all exceeded", nil))
	assert.True(t, IsCode(err, CodeQuotaExceeded))
	assert.False(t, IsCode(err, CodeUnauthorized))
	assert.False(t, IsCode(errors.New("plain"), CodeQuotaExceeded))
}
