package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/mail"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	API          APIConfig         `yaml:"api"`
	Database     DatabaseConfig    `yaml:"database"`
	Storage      StorageConfig     `yaml:"storage"`
	Dispatch     DispatchConfig    `yaml:"dispatch"`
	Email        EmailConfig       `yaml:"email"`
	WhatsApp     WhatsAppConfig    `yaml:"whatsapp"`
	Certificates CertificateConfig `yaml:"certificates"`
	Sandbox      SandboxConfig     `yaml:"sandbox"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit"`
	Notify       NotifyConfig      `yaml:"notify"`
	Metrics      MetricsConfig     `yaml:"metrics"`
	Logging      LoggingConfig     `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"` // bcrypt hash, see `campaignd apikey hash`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"` // not applied to the events stream
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	EventsInterval time.Duration `yaml:"events_interval"` // progress stream poll interval
	MaxImportBytes int64         `yaml:"max_import_bytes"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to call /api/v1
	TLS            APITLSConfig  `yaml:"tls"`
}

// APITLSConfig serves the API over HTTPS from files or Let's Encrypt
type APITLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// Enabled reports whether the API listens with TLS
func (c *APITLSConfig) Enabled() bool {
	return c.CertFile != "" || c.ACME.Enabled
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
	HTTPAddr string   `yaml:"http_addr"` // HTTP-01 challenge listener
}

// DatabaseConfig contains the campaign database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig contains the bbolt store used for sandbox captures,
// rate limit counters and persisted metrics
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig contains dispatcher and scheduler settings
type DispatchConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

// EmailConfig contains the SMTP relay used by the email backend
type EmailConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls"` // starttls, implicit, none
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Hostname           string        `yaml:"hostname"` // HELO name
	From               string        `yaml:"from"`
	FromName           string        `yaml:"from_name"`
	ReplyTo            string        `yaml:"reply_to"`
	Timeout            time.Duration `yaml:"timeout"`
	DKIM               DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// WhatsAppConfig contains the messaging provider settings
type WhatsAppConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	AccountSID string        `yaml:"account_sid"`
	AuthToken  string        `yaml:"auth_token"`
	From       string        `yaml:"from"`
	StatusURL  string        `yaml:"status_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CertificateConfig points at the directory of rendered certificates
type CertificateConfig struct {
	Dir           string `yaml:"dir"`
	PublicBaseURL string `yaml:"public_base_url"`
	MaxSize       int64  `yaml:"max_size"`
}

// SandboxConfig replaces providers with a capture store
type SandboxConfig struct {
	Enabled          bool          `yaml:"enabled"`
	RedirectEmail    string        `yaml:"redirect_email"`    // deliver captured email here instead
	RedirectPhone    string        `yaml:"redirect_phone"`    // deliver captured whatsapp here instead
	ErrorProbability float64       `yaml:"error_probability"` // 0..1
	ErrorSeed        int64         `yaml:"error_seed"`
	RetentionMaxAge  time.Duration `yaml:"retention_max_age"`
}

// RateLimitConfig contains provider rate limiting settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Global limits across all channels
	Global *LimitValues `yaml:"global,omitempty"`

	// Per-channel limits keyed by channel name
	Channels map[string]*LimitValues `yaml:"channels,omitempty"`

	// Default limits for one campaign
	DefaultCampaign *LimitValues `yaml:"default_campaign,omitempty"`

	// Default limits for one recipient address
	DefaultRecipient *LimitValues `yaml:"default_recipient,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// NotifyConfig selects campaign notification emitters
type NotifyConfig struct {
	Log   bool        `yaml:"log"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig contains the redis emitter settings
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Channel  string        `yaml:"channel"`
	ListKey  string        `yaml:"list_key"`
	MaxLen   int64         `yaml:"max_len"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file. A .env file next to it is
// loaded first; variables already set in the environment win. ${VAR}
// references in the file are expanded from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses, defaults and validates configuration from YAML
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.EventsInterval == 0 {
		c.API.EventsInterval = time.Second
	}
	if c.API.MaxImportBytes == 0 {
		c.API.MaxImportBytes = 10 << 20 // 10 MB
	}
	if c.API.TLS.ACME.Enabled {
		if c.API.TLS.ACME.CacheDir == "" {
			c.API.TLS.ACME.CacheDir = "/var/lib/campaignd/certs"
		}
		if c.API.TLS.ACME.HTTPAddr == "" {
			c.API.TLS.ACME.HTTPAddr = ":80"
		}
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/campaignd/campaignd.db"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/campaignd/state.db"
	}

	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 5
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 30 * time.Second
	}
	if c.Dispatch.SweepInterval == 0 {
		c.Dispatch.SweepInterval = time.Minute
	}
	if c.Dispatch.SweepBatch == 0 {
		c.Dispatch.SweepBatch = 100
	}
	if c.Dispatch.StaleAfter == 0 {
		c.Dispatch.StaleAfter = 30 * time.Minute
	}

	if c.Email.Port == 0 {
		c.Email.Port = 587
	}
	if c.Email.TLS == "" {
		c.Email.TLS = "starttls"
	}
	if c.Email.Timeout == 0 {
		c.Email.Timeout = 30 * time.Second
	}
	if c.Email.DKIM.Selector == "" {
		c.Email.DKIM.Selector = "default"
	}

	if c.WhatsApp.BaseURL == "" {
		c.WhatsApp.BaseURL = "https://api.twilio.com"
	}
	if c.WhatsApp.Timeout == 0 {
		c.WhatsApp.Timeout = 30 * time.Second
	}

	if c.Certificates.MaxSize == 0 {
		c.Certificates.MaxSize = 10 * 1024 * 1024 // 10MB
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Notify.Redis.Addr == "" {
		c.Notify.Redis.Addr = "localhost:6379"
	}
	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "campaignd:events"
	}
	if c.Notify.Redis.ListKey == "" {
		c.Notify.Redis.ListKey = "campaignd:notifications"
	}
	if c.Notify.Redis.MaxLen == 0 {
		c.Notify.Redis.MaxLen = 1000
	}
	if c.Notify.Redis.Timeout == 0 {
		c.Notify.Redis.Timeout = 5 * time.Second
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !c.Email.Enabled && !c.WhatsApp.Enabled && !c.Sandbox.Enabled {
		return fmt.Errorf("at least one of email, whatsapp or sandbox must be enabled")
	}

	if err := c.validateAPITLS(); err != nil {
		return err
	}

	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be positive")
	}

	if err := c.validateEmail(); err != nil {
		return err
	}
	if err := c.validateWhatsApp(); err != nil {
		return err
	}

	if c.Sandbox.ErrorProbability < 0 || c.Sandbox.ErrorProbability > 1 {
		return fmt.Errorf("sandbox.error_probability must be between 0 and 1")
	}
	if c.Sandbox.RedirectEmail != "" && !c.Email.Enabled {
		return fmt.Errorf("sandbox.redirect_email requires email to be enabled")
	}
	if c.Sandbox.RedirectPhone != "" && !c.WhatsApp.Enabled {
		return fmt.Errorf("sandbox.redirect_phone requires whatsapp to be enabled")
	}

	if c.Certificates.PublicBaseURL != "" && c.Certificates.Dir == "" {
		return fmt.Errorf("certificates.dir is required when public_base_url is set")
	}

	for ch := range c.RateLimit.Channels {
		if ch != "email" && ch != "whatsapp" {
			return fmt.Errorf("invalid rate_limit.channels key: %s (must be email or whatsapp)", ch)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateEmail validates the email backend and its DKIM settings
func (c *Config) validateEmail() error {
	if !c.Email.Enabled {
		return nil
	}

	if c.Email.Host == "" {
		return fmt.Errorf("email.host is required when email is enabled")
	}
	if _, err := mail.ParseAddress(c.Email.From); err != nil {
		return fmt.Errorf("invalid email.from: %q", c.Email.From)
	}

	validTLS := map[string]bool{"starttls": true, "implicit": true, "none": true}
	if !validTLS[c.Email.TLS] {
		return fmt.Errorf("invalid email.tls: %s (must be starttls, implicit or none)", c.Email.TLS)
	}

	if c.Email.DKIM.Enabled {
		if c.Email.DKIM.KeyFile == "" {
			return fmt.Errorf("email.dkim.key_file is required when DKIM is enabled")
		}
		if c.Email.DKIM.Domain == "" {
			return fmt.Errorf("email.dkim.domain is required when DKIM is enabled")
		}
	}

	return nil
}

// validateAPITLS validates the API listener TLS settings
func (c *Config) validateAPITLS() error {
	t := c.API.TLS
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file must be set together")
	}
	if t.ACME.Enabled {
		if t.CertFile != "" {
			return fmt.Errorf("api.tls.acme cannot be combined with cert_file")
		}
		if len(t.ACME.Domains) == 0 {
			return fmt.Errorf("api.tls.acme.domains is required when ACME is enabled")
		}
	}
	return nil
}

// validateWhatsApp validates the provider credentials
func (c *Config) validateWhatsApp() error {
	if !c.WhatsApp.Enabled {
		return nil
	}

	if c.WhatsApp.AccountSID == "" {
		return fmt.Errorf("whatsapp.account_sid is required when whatsapp is enabled")
	}
	if c.WhatsApp.AuthToken == "" {
		return fmt.Errorf("whatsapp.auth_token is required when whatsapp is enabled")
	}
	if c.WhatsApp.From == "" {
		return fmt.Errorf("whatsapp.from is required when whatsapp is enabled")
	}

	return nil
}

// HasAuth reports whether the API requires a key
func (c *APIConfig) HasAuth() bool {
	return c.APIKey != "" || c.APIKeyHash != ""
}
