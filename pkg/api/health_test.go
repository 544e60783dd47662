package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	hs := NewHealthServer()

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request succeeds", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request fails", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "DELETE request fails", method: http.MethodDelete, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()

			hs.GetHandler().ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, Version, response.Version)
				assert.NotZero(t, response.Timestamp)
			}
		})
	}
}

func TestReadyHandler(t *testing.T) {
	ok := ReadinessCheck{Name: "storage", Check: func() error { return nil }}
	failing := ReadinessCheck{Name: "channel", Check: func() error { return errors.New("not listening") }}

	tests := []struct {
		name           string
		checks         []ReadinessCheck
		expectedStatus int
		expectedChecks map[string]string
		message        string
	}{
		{
			name:           "no checks is ready",
			expectedStatus: http.StatusOK,
			expectedChecks: map[string]string{},
		},
		{
			name:           "all checks pass",
			checks:         []ReadinessCheck{ok},
			expectedStatus: http.StatusOK,
			expectedChecks: map[string]string{"storage": "ok"},
		},
		{
			name:           "one failing check",
			checks:         []ReadinessCheck{ok, failing},
			expectedStatus: http.StatusServiceUnavailable,
			expectedChecks: map[string]string{"storage": "ok", "channel": "error: not listening"},
			message:        "channel not ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServer(tt.checks...)
			w := httptest.NewRecorder()
			hs.GetHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			var response ReadyResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedChecks, response.Checks)
			assert.Equal(t, tt.message, response.Message)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	hs := NewHealthServer()
	w := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "scanplane_")
}

func TestTCPCheck(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	check := TCPCheck("channel", addr, time.Second)
	assert.Equal(t, "channel", check.Name)
	assert.NoError(t, check.Check())

	require.NoError(t, lis.Close())
	assert.Error(t, check.Check())
}
