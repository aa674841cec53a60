package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/fleetlink/errors"
	"github.com/c360/fleetlink/health"
)

// Server exposes the metrics registry over HTTP at the configured path,
// plus an aggregate health endpoint at /healthz when a health monitor is
// provided.
type Server struct {
	port     int
	path     string
	server   *http.Server
	registry *Registry
	monitor  *health.Monitor
	mu       sync.Mutex // protects server field
}

// NewServer creates a new metrics server with the provided registry. The
// health monitor may be nil, in which case /healthz is not served.
func NewServer(port int, path string, registry *Registry, monitor *health.Monitor) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		monitor:  monitor,
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}

	if s.registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{},
	))

	if s.monitor != nil {
		mux.HandleFunc("/healthz", s.handleHealthz)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Server failed after startup; nothing to propagate from here
			_ = err
		}
	}()

	return nil
}

// handleHealthz serves the aggregated system health as JSON. Returns 503
// when the aggregate is unhealthy so load balancers can act on it.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	agg := s.monitor.AggregateHealth("fleetlink")

	w.Header().Set("Content-Type", "application/json")
	if agg.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(agg)
}

// Stop gracefully shuts down the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown")
	}
	return nil
}
