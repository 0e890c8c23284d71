package apierror_test

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ammofeeds/ingestor/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestNewAPIError(t *testing.T) {
	apiErr := apierror.NewAPIError(apierror.ErrInternalServer, "Something went wrong", "details")

	assert.Equal(t, apierror.ErrInternalServer, apiErr.Code)
	assert.Equal(t, "Something went wrong", apiErr.Message)
	assert.Equal(t, "details", apiErr.Details)
	assert.Equal(t, "INTERNAL_SERVER_ERROR: Something went wrong", apiErr.Error())
}

func TestAPIError_Unwrap(t *testing.T) {
	apiErr := apierror.NewAPIError(apierror.ErrNotFound, "Feed not found", sql.ErrNoRows)
	wrapped := fmt.Errorf("load feed: %w", apiErr)

	assert.ErrorIs(t, wrapped, sql.ErrNoRows)
	assert.True(t, apierror.Is(wrapped, apierror.ErrNotFound))
	assert.False(t, apierror.Is(wrapped, apierror.ErrConflict))
	assert.False(t, apierror.Is(errors.New("plain"), apierror.ErrNotFound))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", apierror.NewAPIError(apierror.ErrNotFound, "Resource not found", nil), http.StatusNotFound},
		{"conflict", apierror.NewAPIError(apierror.ErrConflict, "Conflict", nil), http.StatusConflict},
		{"invalid input", apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid", nil), http.StatusBadRequest},
		{"bad request", apierror.NewAPIError(apierror.ErrBadRequest, "Bad", nil), http.StatusBadRequest},
		{"internal", apierror.NewAPIError(apierror.ErrInternalServer, "Oops", nil), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("x: %w", apierror.NewAPIError(apierror.ErrNotFound, "nf", nil)), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apierror.MapErrorToHTTPStatus(tt.err))
		})
	}
}
