package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foxzi/campaignd/internal/ipfilter"
)

// Server serves Prometheus metrics over HTTP
type Server struct {
	httpServer *http.Server
	addr       string
	path       string
	logger     *slog.Logger
}

// ServerConfig configures the metrics listener
type ServerConfig struct {
	Addr       string
	Path       string
	AllowedIPs []string
}

// NewServer creates a metrics server. Entries in AllowedIPs may be single
// addresses or CIDRs; invalid entries are logged and ignored.
func NewServer(m *Metrics, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	logger = logger.With("component", "metrics")

	filter := ipfilter.New(cfg.AllowedIPs, logger)
	if filter.Enabled() {
		logger.Info("metrics IP filtering enabled", "allowed_networks", filter.Count())
	}

	s := &Server{
		addr:   cfg.Addr,
		path:   cfg.Path,
		logger: logger,
	}

	r := chi.NewRouter()
	r.With(filter.Middleware).Handle(cfg.Path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	// Unfiltered, for load balancers
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the metrics HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting metrics server", "addr", s.addr, "path", s.path)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}
