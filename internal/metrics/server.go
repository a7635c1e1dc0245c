package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the relay is healthy and returns a
// JSON-serializable body describing why.
type HealthFunc func() (healthy bool, body any)

// Server serves /metrics and /healthz.
type Server struct {
	addr     string
	registry *prometheus.Registry
	health   HealthFunc
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a metrics server listening on addr. A nil health
// func always reports healthy.
func NewServer(addr string, reg *prometheus.Registry, health HealthFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = func() (bool, any) { return true, map[string]string{"status": "ok"} }
	}
	s := &Server{
		addr:     addr,
		registry: reg,
		health:   health,
		logger:   logger,
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routing mux without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Listen binds the configured address. Pair it with Serve.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}
	return ln, nil
}

// Serve serves on ln until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting metrics server", "address", ln.Addr().String())

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, body := s.health()
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write health response", "error", err)
	}
}
