package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_IsMatchesByType(t *testing.T) {
	err := fmt.Errorf("apply: %w", NewInvalidTransitionError("Realizada", "Agendada"))

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "INVALID_TRANSITION")
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("redis unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestIsBusinessRule(t *testing.T) {
	assert.True(t, IsBusinessRule(NewConcurrentSessionError("c1")))
	assert.True(t, IsBusinessRule(NewParticipantsNotPresentError("c1")))
	assert.True(t, IsBusinessRule(NewNotFoundError("consultation c1")))
	assert.False(t, IsBusinessRule(NewTransientError("db", errors.New("timeout"))))
	assert.False(t, IsBusinessRule(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(NewInvalidTransitionError("a", "b")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(NewConcurrentSessionError("c")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(NewParticipantsNotPresentError("c")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NewNotFoundError("x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(NewValidationError("bad", nil)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
