package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/factline/internal/adapter/httpserver"
	"github.com/fairyhunter13/factline/internal/app"
	"github.com/fairyhunter13/factline/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, app.ParseOrigins(" , "))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example, https://b.example "))
}

func testRouter(t *testing.T, cfg config.Config, ready func(context.Context) error) http.Handler {
	t.Helper()
	if cfg.RateLimitPerMin == 0 {
		cfg.RateLimitPerMin = 100
	}
	srv := httpserver.NewServer(cfg, nil)
	return app.BuildRouter(cfg, srv, ready)
}

func TestHealthz(t *testing.T) {
	h := testRouter(t, config.Config{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	// Hardening headers ride on every response.
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestReadyz(t *testing.T) {
	h := testRouter(t, config.Config{}, func(context.Context) error { return nil })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = testRouter(t, config.Config{}, func(context.Context) error { return errors.New("db down") })
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMutatingRoutesRequireAuthWhenConfigured(t *testing.T) {
	hash, err := httpserver.HashPassword("s3cret", httpserver.DefaultArgon2Params())
	require.NoError(t, err)
	h := testRouter(t, config.Config{AdminUsername: "ops", AdminPasswordHash: hash}, nil)

	// Mutating route without credentials is rejected before any handler runs.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/stuck/reset", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Read-only views stay open.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	h := testRouter(t, config.Config{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
