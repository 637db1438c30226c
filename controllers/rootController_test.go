package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		checks map[string]HealthCheck
		want   int
	}{
		{"all up", map[string]HealthCheck{"redis": func(context.Context) error { return nil }}, http.StatusOK},
		{"one down", map[string]HealthCheck{
			"redis":    func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			SetupRootRoute(router, tt.checks)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.want, w.Code)
			if tt.want != http.StatusOK {
				assert.Contains(t, w.Body.String(), "connection refused")
			}
		})
	}
}
