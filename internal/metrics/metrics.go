// Package metrics exposes campaignd Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for campaignd
type Metrics struct {
	// Delivery
	DeliveriesTotal         *prometheus.CounterVec
	DeliveryDurationSeconds *prometheus.HistogramVec
	DispatchPassesTotal     *prometheus.CounterVec
	CampaignsFinalizedTotal *prometheus.CounterVec
	SweepClaimsTotal        *prometheus.CounterVec
	Campaigns               *prometheus.GaugeVec
	NotificationsTotal      *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_deliveries_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"channel", "status"},
		),
		DeliveryDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaignd_delivery_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"channel"},
		),
		DispatchPassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_dispatch_passes_total",
				Help: "Total number of dispatch passes started",
			},
			[]string{"kind"},
		),
		CampaignsFinalizedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_campaigns_finalized_total",
				Help: "Total number of campaigns finalized by resulting status",
			},
			[]string{"status"},
		),
		SweepClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_sweep_claims_total",
				Help: "Scheduler claim attempts on due campaigns",
			},
			[]string{"result"},
		),
		Campaigns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "campaignd_campaigns",
				Help: "Number of stored campaigns by status",
			},
			[]string{"status"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_notifications_total",
				Help: "Total number of campaign notifications emitted",
			},
			[]string{"kind"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaignd_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_ratelimit_exceeded_total",
				Help: "Total number of sends denied by the rate limiter",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_storage_used_bytes",
				Help: "Database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryDurationSeconds,
		m.DispatchPassesTotal,
		m.CampaignsFinalizedTotal,
		m.SweepClaimsTotal,
		m.Campaigns,
		m.NotificationsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncNotifications increments the emitted notification counter
func IncNotifications(kind string) {
	if m := Global(); m != nil {
		m.NotificationsTotal.WithLabelValues(kind).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
