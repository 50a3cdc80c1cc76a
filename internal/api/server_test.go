package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fleet.report/internal/broker"
	"github.com/banshee-data/fleet.report/internal/enrich"
	"github.com/banshee-data/fleet.report/internal/monitoring"
)

type stubPublisher struct {
	connected atomic.Bool
}

func (s *stubPublisher) PublishRecord(ctx context.Context, meta broker.DeviceMeta, rec *enrich.Record) error {
	return nil
}

func (s *stubPublisher) Connected() bool { return s.connected.Load() }

func newTestServer(grace time.Duration) (*Server, *stubPublisher, *monitoring.Metrics) {
	pub := &stubPublisher{}
	pub.connected.Store(true)
	metrics := &monitoring.Metrics{}
	return NewServer(pub, metrics, grace, log.New(io.Discard)), pub, metrics
}

func getHealth(t *testing.T, s *Server) (int, health) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var h health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	return rec.Code, h
}

func TestHealthOKWhileBrokerConnected(t *testing.T) {
	s, _, metrics := newTestServer(time.Minute)
	metrics.ActiveConnections.Store(12)

	code, h := getHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.BrokerConnected)
	assert.Equal(t, int64(12), h.ActiveConnections)
	assert.GreaterOrEqual(t, h.UptimeS, 0.0)
}

func TestHealthDegradesAfterBrokerGrace(t *testing.T) {
	s, pub, _ := newTestServer(50 * time.Millisecond)
	pub.connected.Store(false)

	// First probe starts the disconnection clock and still passes.
	code, h := getHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, h.BrokerConnected)

	time.Sleep(80 * time.Millisecond)
	code, h = getHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", h.Status)

	// Reconnection clears the clock immediately.
	pub.connected.Store(true)
	code, _ = getHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
}

func TestStatsDumpsCounters(t *testing.T) {
	s, _, metrics := newTestServer(time.Minute)
	metrics.RecordsParsed.Add(42)
	metrics.DecodeErrors.Add(3)

	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap monitoring.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, int64(42), snap.RecordsParsed)
	assert.Equal(t, int64(3), snap.DecodeErrors)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(time.Minute)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
