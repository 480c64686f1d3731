package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/linkfailover/pkg/logx"
)

// StatusFunc returns the current daemon status for the health endpoint
type StatusFunc func() interface{}

// Server exposes /metrics and /health over HTTP
type Server struct {
	registry *Registry
	status   StatusFunc
	logger   *logx.Logger

	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server. status may be nil.
func NewServer(registry *Registry, status StatusFunc, logger *logx.Logger) *Server {
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Server{registry: registry, status: status, logger: logger}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var body interface{} = map[string]string{"status": "ok"}
	if s.status != nil {
		body = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode health response", "error", err)
	}
}

// Start listens on port (0 picks a free port) and serves in the background
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server stopped", "error", err)
		}
	}()

	s.logger.Info("Metrics server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting briefly for in-flight requests
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("Metrics server shutdown error", "error", err)
	}
}
