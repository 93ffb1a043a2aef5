package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaignd/internal/api"
	"github.com/foxzi/campaignd/internal/campaign"
	"github.com/foxzi/campaignd/internal/certificate"
	"github.com/foxzi/campaignd/internal/config"
	"github.com/foxzi/campaignd/internal/db"
	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/delivery/email"
	"github.com/foxzi/campaignd/internal/delivery/whatsapp"
	"github.com/foxzi/campaignd/internal/dkim"
	"github.com/foxzi/campaignd/internal/metrics"
	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/notify"
	"github.com/foxzi/campaignd/internal/ratelimit"
	"github.com/foxzi/campaignd/internal/repository"
	"github.com/foxzi/campaignd/internal/sandbox"
	apitls "github.com/foxzi/campaignd/internal/tls"
)

// App is the main application
type App struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	db    *db.DB
	state *bolt.DB
	redis *redis.Client

	campaigns *repository.CampaignRepository
	contacts  *repository.ContactRepository
	templates *repository.TemplateRepository

	service   *campaign.Service
	scheduler *campaign.Scheduler

	apiServer      *api.Server
	acmeServer     *http.Server
	metricsServer  *metrics.Server
	collector      *metrics.Collector
	rateLimiter    *ratelimit.Limiter
	sandboxStorage *sandbox.Storage
}

// New creates a new application. Nothing is started until Run.
func New(cfg *config.Config, version string) (*App, error) {
	logger := NewLogger(cfg.Logging)

	a := &App{
		config:  cfg,
		logger:  logger,
		version: version,
	}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	var err error

	// Campaign, contact and template records
	a.db, err = db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := a.db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	a.campaigns = repository.NewCampaignRepository(a.db.DB)
	a.contacts = repository.NewContactRepository(a.db.DB)
	a.templates = repository.NewTemplateRepository(a.db.DB)

	// Sandbox captures, rate-limit counters and persisted metrics
	a.state, err = openState(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(a.state, m, a.campaigns, cfg.Database.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
		}, logger)
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	if cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(a.state, rateLimitConfig(cfg.RateLimit))
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiting enabled")
	}

	backends, err := a.setupBackends()
	if err != nil {
		return nil, err
	}
	registry := delivery.NewRegistry(backends...)
	registry.Wrap(func(b delivery.Backend) delivery.Backend {
		if a.rateLimiter != nil {
			b = delivery.WithRateLimit(b, a.rateLimiter, logger.With("component", "ratelimit"), a.trackRateLimit)
		}
		return delivery.WithTimeout(b, cfg.Dispatch.SendTimeout)
	})

	dispatchCfg := campaign.DispatcherConfig{
		Concurrency: cfg.Dispatch.Concurrency,
	}
	if cfg.Certificates.Dir != "" {
		resolver, err := certificate.NewFileResolver(cfg.Certificates.Dir, cfg.Certificates.PublicBaseURL, cfg.Certificates.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create certificate resolver: %w", err)
		}
		dispatchCfg.Certificates = resolver
		logger.Info("certificate attachments enabled", "dir", cfg.Certificates.Dir)
	}
	if a.collector != nil {
		dispatchCfg.Observer = a.collector
	}

	notifier, recent, err := a.setupNotifier()
	if err != nil {
		return nil, err
	}
	dispatchCfg.Notifier = notifier

	dispatcher := campaign.NewDispatcher(a.campaigns, registry, dispatchCfg, logger)
	a.scheduler = campaign.NewScheduler(a.campaigns, a.contacts, dispatcher, campaign.SchedulerConfig{
		Interval:   cfg.Dispatch.SweepInterval,
		StaleAfter: cfg.Dispatch.StaleAfter,
		BatchSize:  cfg.Dispatch.SweepBatch,
	}, logger)
	retry := campaign.NewRetryCoordinator(a.campaigns, a.contacts, dispatcher, logger)

	a.service = campaign.NewService(campaign.ServiceConfig{
		Store:      a.campaigns,
		Contacts:   a.contacts,
		Templates:  a.templates,
		Dispatcher: dispatcher,
		Scheduler:  a.scheduler,
		Retry:      retry,
	}, logger)

	opts := api.Options{
		Campaigns: a.service,
		Stats:     a.campaigns,
		Contacts:  a.contacts,
		Templates: a.templates,
		Sandbox:   a.sandboxStorage,
		Collector: a.collector,
		Version:   version,
	}
	if a.rateLimiter != nil {
		opts.RateLimits = a.rateLimiter
	}
	if recent != nil {
		opts.Notifications = recent
	}
	opts.TLS, err = a.setupTLS()
	if err != nil {
		return nil, err
	}
	a.apiServer = api.NewServer(&cfg.API, opts, logger)

	ready = true
	return a, nil
}

// setupTLS returns the API listener TLS settings, or nil for plain HTTP
func (a *App) setupTLS() (*tls.Config, error) {
	cfg := a.config.API.TLS
	switch {
	case cfg.ACME.Enabled:
		manager := apitls.NewACMEManager(cfg.ACME.Email, cfg.ACME.Domains, cfg.ACME.CacheDir)
		a.acmeServer = manager.ChallengeServer(cfg.ACME.HTTPAddr)
		a.logger.Info("ACME (Let's Encrypt) enabled", "domains", manager.Domains())
		return manager.TLSConfig(), nil
	case cfg.CertFile != "":
		cert, err := apitls.LoadCertificate(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		info := cert.Info()
		if info.ExpiresWithin(now, apitls.ExpiryWarning) {
			a.logger.Warn("API certificate expires soon", "not_after", info.NotAfter, "days_left", info.DaysLeft(now))
		}
		a.logger.Info("TLS enabled with certificate files", "subject", info.Subject)
		return cert.Config(), nil
	}
	return nil, nil
}

// openState opens the bbolt file shared by sandbox, rate limiter and metrics
func openState(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	// A running server holds the file lock
	state, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state storage %s: %w", path, err)
	}
	return state, nil
}

// setupBackends creates the channel backends. In sandbox mode every channel
// is captured and only reaches a provider when a redirect is configured.
func (a *App) setupBackends() ([]delivery.Backend, error) {
	cfg := a.config
	providers := make(map[models.Channel]delivery.Backend)

	if cfg.Email.Enabled {
		b, err := email.New(email.Config{
			Host:               cfg.Email.Host,
			Port:               cfg.Email.Port,
			Username:           cfg.Email.Username,
			Password:           cfg.Email.Password,
			TLSMode:            cfg.Email.TLS,
			InsecureSkipVerify: cfg.Email.InsecureSkipVerify,
			Hostname:           cfg.Email.Hostname,
			From:               cfg.Email.From,
			FromName:           cfg.Email.FromName,
			ReplyTo:            cfg.Email.ReplyTo,
			Timeout:            cfg.Email.Timeout,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create email backend: %w", err)
		}

		if cfg.Email.DKIM.Enabled {
			signer, err := dkim.NewSignerFromFile(cfg.Email.DKIM.KeyFile, cfg.Email.DKIM.Domain, cfg.Email.DKIM.Selector)
			if err != nil {
				return nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			b.SetDKIMSigner(signer)
			a.logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
		}

		providers[models.ChannelEmail] = b
		a.logger.Info("email channel enabled", "host", cfg.Email.Host, "port", cfg.Email.Port)
	}

	if cfg.WhatsApp.Enabled {
		b, err := whatsapp.New(whatsapp.Config{
			BaseURL:    cfg.WhatsApp.BaseURL,
			AccountSID: cfg.WhatsApp.AccountSID,
			AuthToken:  cfg.WhatsApp.AuthToken,
			From:       cfg.WhatsApp.From,
			StatusURL:  cfg.WhatsApp.StatusURL,
			Timeout:    cfg.WhatsApp.Timeout,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsapp backend: %w", err)
		}
		providers[models.ChannelWhatsApp] = b
		a.logger.Info("whatsapp channel enabled", "from", cfg.WhatsApp.From)
	}

	if !cfg.Sandbox.Enabled {
		backends := make([]delivery.Backend, 0, len(providers))
		for _, b := range providers {
			backends = append(backends, b)
		}
		return backends, nil
	}

	storage, err := sandbox.NewStorage(a.state)
	if err != nil {
		return nil, err
	}
	a.sandboxStorage = storage

	redirects := map[models.Channel]string{
		models.ChannelEmail:    cfg.Sandbox.RedirectEmail,
		models.ChannelWhatsApp: cfg.Sandbox.RedirectPhone,
	}

	var backends []delivery.Backend
	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelWhatsApp} {
		sb := sandbox.NewBackend(ch, providers[ch], storage, a.logger)
		if to := redirects[ch]; to != "" {
			if err := sb.SetRedirect(to); err != nil {
				return nil, fmt.Errorf("failed to configure %s sandbox: %w", ch, err)
			}
		}
		sb.SetErrorSimulation(cfg.Sandbox.ErrorProbability, cfg.Sandbox.ErrorSeed)
		backends = append(backends, sb)
	}

	a.logger.Warn("sandbox mode enabled, messages are captured",
		"redirect_email", cfg.Sandbox.RedirectEmail,
		"redirect_phone", cfg.Sandbox.RedirectPhone,
		"error_probability", cfg.Sandbox.ErrorProbability,
	)
	return backends, nil
}

// setupNotifier builds the terminal-status notifier. The returned Redis
// notifier, if any, also serves recent events to the API.
func (a *App) setupNotifier() (notify.Notifier, *notify.Redis, error) {
	cfg := a.config.Notify

	var notifiers notify.Multi
	if cfg.Log {
		notifiers = append(notifiers, notify.NewLog(a.logger))
	}

	var recent *notify.Redis
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.Timeout)
		defer cancel()

		client, err := notify.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client

		recent = notify.NewRedis(client, notify.RedisConfig{
			Channel: cfg.Redis.Channel,
			ListKey: cfg.Redis.ListKey,
			MaxLen:  cfg.Redis.MaxLen,
			Timeout: cfg.Redis.Timeout,
		}, a.logger)
		notifiers = append(notifiers, recent)
		a.logger.Info("redis notifications enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	if a.collector != nil {
		collector := a.collector
		notifiers = append(notifiers, notify.Func(func(ctx context.Context, e notify.Event) {
			collector.TrackNotification(string(e.Kind))
		}))
	}

	return notifiers, recent, nil
}

func (a *App) trackRateLimit(level ratelimit.Level) {
	if a.collector != nil {
		a.collector.TrackRateLimitExceeded(string(level))
		return
	}
	metrics.IncRateLimitExceeded(string(level))
}

func rateLimitConfig(cfg config.RateLimitConfig) *ratelimit.Config {
	rl := &ratelimit.Config{
		Global:           limitConfig(cfg.Global),
		DefaultCampaign:  limitConfig(cfg.DefaultCampaign),
		DefaultRecipient: limitConfig(cfg.DefaultRecipient),
		FlushInterval:    cfg.FlushInterval,
	}
	if len(cfg.Channels) > 0 {
		rl.Channels = make(map[string]*ratelimit.LimitConfig, len(cfg.Channels))
		for ch, v := range cfg.Channels {
			rl.Channels[ch] = limitConfig(v)
		}
	}
	return rl
}

func limitConfig(v *config.LimitValues) *ratelimit.LimitConfig {
	if v == nil {
		return nil
	}
	return &ratelimit.LimitConfig{
		MessagesPerHour: v.MessagesPerHour,
		MessagesPerDay:  v.MessagesPerDay,
	}
}

// Service returns the campaign service
func (a *App) Service() *campaign.Service {
	return a.service
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting campaignd",
		"version", a.version,
		"api_addr", a.config.API.ListenAddr,
		"database", a.config.Database.Path,
		"sandbox", a.config.Sandbox.Enabled,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	a.scheduler.Start()

	if a.sandboxStorage != nil && a.config.Sandbox.RetentionMaxAge > 0 {
		go a.sandboxRetention(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 3)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.acmeServer != nil {
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.acmeServer.Addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// sandboxRetention drops captured messages older than the retention age
func (a *App) sandboxRetention(ctx context.Context) {
	maxAge := a.config.Sandbox.RetentionMaxAge
	interval := min(maxAge, time.Hour)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.sandboxStorage.Clear(ctx, "", maxAge)
			if err != nil {
				a.logger.Error("sandbox cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("sandbox cleanup", "deleted", n, "max_age", maxAge)
			}
		}
	}
}

// Shutdown gracefully shuts down all components. Dispatch passes in flight
// are allowed to finish so their counters are final.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting new campaigns first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	a.scheduler.Stop()
	a.service.Wait()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage without running the servers. Used by CLI commands.
func (a *App) Close() {
	if a.service != nil {
		a.service.Wait()
	}
	a.close()
}

func (a *App) close() {
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}

	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Error("state storage close error", "error", err)
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
