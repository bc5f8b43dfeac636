package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server runs the HTTP surface exposing /metrics, /health and /ready.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer builds the server for the given bind address.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", health.ServeHealth)
	mux.HandleFunc("/ready", health.ServeReady)

	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux},
		log: log,
	}
}

// Start binds the listener and serves in a goroutine. A bind failure is
// returned synchronously so the caller can abort startup.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		s.log.Info("health server listening", "addr", s.srv.Addr)
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
