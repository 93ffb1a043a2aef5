// Package api exposes the campaign service over a JSON HTTP API.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/campaignd/internal/campaign"
	"github.com/foxzi/campaignd/internal/config"
	"github.com/foxzi/campaignd/internal/ipfilter"
	"github.com/foxzi/campaignd/internal/metrics"
	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/sandbox"
)

// Campaigns is the campaign service as used by the API
type Campaigns interface {
	Submit(ctx context.Context, req campaign.CreateRequest) (*models.Campaign, error)
	Get(ctx context.Context, id string) (*models.Campaign, error)
	ChannelStats(ctx context.Context, id string) ([]models.ChannelStats, error)
	List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error)
	Results(ctx context.Context, id string, filter models.ResultFilter) ([]models.Result, error)
	Cancel(ctx context.Context, id string, version int) (*models.Campaign, error)
	Retry(ctx context.Context, id string, version int) (*models.Campaign, error)
	ProcessOverdue(ctx context.Context) (int, error)
}

// StatusCounter reports stored campaigns per status
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
}

// Options wires the API to the rest of the service. Only Campaigns is
// required; routes for missing optional parts are not registered.
type Options struct {
	Campaigns     Campaigns
	Stats         StatusCounter
	Contacts      Contacts
	Templates     Templates
	Sandbox       *sandbox.Storage
	RateLimits    RateLimits
	Notifications Notifications
	Collector     *metrics.Collector
	TLS           *tls.Config // serve HTTPS when set
	Version       string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  Campaigns
	stats      StatusCounter
	tlsConfig  *tls.Config
	config     *config.APIConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time

	// sha256 of keys that already passed the bcrypt check
	verifiedKeys sync.Map
}

// NewServer creates a new API server
func NewServer(cfg *config.APIConfig, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: opts.Campaigns,
		stats:     opts.Stats,
		tlsConfig: opts.TLS,
		config:    cfg,
		logger:    logger.With("component", "api"),
		version:   opts.Version,
		startTime: time.Now(),
	}

	s.setupRoutes(opts)
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(opts Options) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware(opts.Collector))
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	filter := ipfilter.New(s.config.AllowedIPs, s.logger)
	if filter.Enabled() {
		s.logger.Info("API IP filtering enabled", "allowed_networks", filter.Count())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(filter.Middleware)
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Get("/{id}", s.handleGetCampaign)
			r.Get("/{id}/results", s.handleResults)
			r.Get("/{id}/events", s.handleEvents)
			r.Post("/{id}/retry", s.handleRetry)
			r.Post("/{id}/cancel", s.handleCancel)
		})
		r.Post("/scheduler/process-overdue", s.handleProcessOverdue)

		if opts.Contacts != nil {
			NewContactServer(opts.Contacts, s.config.MaxImportBytes, s.logger).RegisterRoutes(r)
		}
		if opts.Templates != nil {
			NewTemplateServer(opts.Templates, opts.Contacts).RegisterRoutes(r)
		}
		if opts.Sandbox != nil {
			NewSandboxServer(opts.Sandbox).RegisterRoutes(r)
		}
		NewManagementServer(opts.RateLimits, opts.Notifications).RegisterRoutes(r)
	})
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		TLSConfig:      s.tlsConfig,
	}

	var err error
	if s.tlsConfig != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
