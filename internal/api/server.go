// Package api serves the node's health and stats endpoints. It is a
// sidecar to the device listener: probes hit it, devices never do.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/banshee-data/fleet.report/internal/broker"
	"github.com/banshee-data/fleet.report/internal/monitoring"
)

// Server answers /healthz and /api/stats.
type Server struct {
	pub         broker.Publisher
	metrics     *monitoring.Metrics
	brokerGrace time.Duration
	log         *log.Logger
	started     time.Time

	mu               sync.Mutex
	disconnectedFrom time.Time
}

// NewServer builds the API surface. brokerGrace is how long the broker
// may be down before readiness flips to 503.
func NewServer(pub broker.Publisher, metrics *monitoring.Metrics, brokerGrace time.Duration, logger *log.Logger) *Server {
	return &Server{
		pub:         pub,
		metrics:     metrics,
		brokerGrace: brokerGrace,
		log:         logger,
		started:     time.Now(),
	}
}

// ServeMux registers the handlers.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/api/stats", s.statsHandler)
	return mux
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.ServeMux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("health endpoint up", "addr", addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

type health struct {
	Status            string  `json:"status"`
	UptimeS           float64 `json:"uptime_s"`
	ActiveConnections int64   `json:"active_connections"`
	BrokerConnected   bool    `json:"broker_connected"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connected := s.pub.Connected()
	h := health{
		Status:            "ok",
		UptimeS:           time.Since(s.started).Seconds(),
		ActiveConnections: s.metrics.ActiveConnections.Load(),
		BrokerConnected:   connected,
	}

	code := http.StatusOK
	if s.brokerDownPast(connected) {
		h.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(h)
}

// brokerDownPast tracks how long the broker has been disconnected and
// reports whether that exceeds the grace period.
func (s *Server) brokerDownPast(connected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connected {
		s.disconnectedFrom = time.Time{}
		return false
	}
	if s.disconnectedFrom.IsZero() {
		s.disconnectedFrom = time.Now()
		return false
	}
	return time.Since(s.disconnectedFrom) > s.brokerGrace
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.metrics.Snapshot())
}
