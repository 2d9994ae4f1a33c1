package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func TestHandlerHealthz(t *testing.T) {
	var healthErr error
	h := NewHandler(ServerOption{
		Gatherer: prometheus.NewRegistry(),
		Health:   func(context.Context) error { return healthErr },
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	healthErr = errors.New("gave up")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "gave up")
}

func TestHandlerStatus(t *testing.T) {
	h := NewHandler(ServerOption{
		Gatherer: prometheus.NewRegistry(),
		Status: func(context.Context) (any, error) {
			return map[string]any{"state": "open", "confirmed": 2}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Header().Get(middleware.RequestIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "open", body["state"])
	assert.EqualValues(t, 2, body["confirmed"])
}

func TestHandlerStatusMissing(t *testing.T) {
	h := NewHandler(ServerOption{Gatherer: prometheus.NewRegistry()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.IncDispatch()
	m.SetReachable(true)

	h := NewHandler(ServerOption{Gatherer: reg})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "calsync_dispatches_total 1"), body)
	assert.True(t, strings.Contains(body, "calsync_network_reachable 1"), body)
}

func TestServerRunStops(t *testing.T) {
	s := NewServer(ServerOption{Addr: "127.0.0.1:0", Gatherer: prometheus.NewRegistry()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
