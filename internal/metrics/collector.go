package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaignd/internal/models"
)

// CampaignStatsProvider reports stored campaigns per status
type CampaignStatsProvider interface {
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
}

var bucketMetrics = []byte("metrics")

// ShadowCounters stores counter values for persistence
type ShadowCounters struct {
	Deliveries         map[string]float64 `json:"deliveries"`
	DispatchPasses     map[string]float64 `json:"dispatch_passes"`
	CampaignsFinalized map[string]float64 `json:"campaigns_finalized"`
	SweepClaims        map[string]float64 `json:"sweep_claims"`
	Notifications      map[string]float64 `json:"notifications"`
	APIRequests        map[string]float64 `json:"api_requests"`
	APIErrors          map[string]float64 `json:"api_errors"`
	RateLimitExceeded  map[string]float64 `json:"ratelimit_exceeded"`
}

// Collector keeps counters across restarts and refreshes gauges. It also
// receives dispatch telemetry from the campaign package.
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	campaignStats CampaignStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	shadow ShadowCounters
	mu     sync.Mutex
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(db *bolt.DB, m *Metrics, campaignStats CampaignStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		campaignStats: campaignStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		shadow: ShadowCounters{
			Deliveries:         make(map[string]float64),
			DispatchPasses:     make(map[string]float64),
			CampaignsFinalized: make(map[string]float64),
			SweepClaims:        make(map[string]float64),
			Notifications:      make(map[string]float64),
			APIRequests:        make(map[string]float64),
			APIErrors:          make(map[string]float64),
			RateLimitExceeded:  make(map[string]float64),
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Metrics returns the metrics the collector updates
func (c *Collector) Metrics() *Metrics {
	return c.metrics
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.collectGauges(ctx)
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateGauges(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stop.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters loads persisted counter values from BoltDB
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		for k, v := range shadow.Deliveries {
			channel, status := splitLabelKey(k)
			c.shadow.Deliveries[k] = v
			c.metrics.DeliveriesTotal.WithLabelValues(channel, status).Add(v)
		}
		restore(shadow.DispatchPasses, c.shadow.DispatchPasses, c.metrics.DispatchPassesTotal)
		restore(shadow.CampaignsFinalized, c.shadow.CampaignsFinalized, c.metrics.CampaignsFinalizedTotal)
		restore(shadow.SweepClaims, c.shadow.SweepClaims, c.metrics.SweepClaimsTotal)
		restore(shadow.Notifications, c.shadow.Notifications, c.metrics.NotificationsTotal)

		for k, v := range shadow.APIRequests {
			method, path, status := splitTripleLabelKey(k)
			c.shadow.APIRequests[k] = v
			c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Add(v)
		}
		restore(shadow.APIErrors, c.shadow.APIErrors, c.metrics.APIErrorsTotal)
		restore(shadow.RateLimitExceeded, c.shadow.RateLimitExceeded, c.metrics.RateLimitExceededTotal)

		return nil
	})
}

type counterVec interface {
	WithLabelValues(lvs ...string) prometheus.Counter
}

// restore copies single-label counters from a persisted snapshot
func restore(from, to map[string]float64, vec counterVec) {
	for k, v := range from {
		to[k] = v
		vec.WithLabelValues(k).Add(v)
	}
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.shadow)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put([]byte("counters"), data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateGauges periodically refreshes gauges
func (c *Collector) updateGauges(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectGauges(ctx)
		}
	}
}

// collectGauges collects current system and campaign state
func (c *Collector) collectGauges(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.campaignStats != nil {
		counts, err := c.campaignStats.CountByStatus(ctx)
		if err == nil {
			for _, status := range []models.Status{
				models.StatusPending, models.StatusScheduled, models.StatusSending,
				models.StatusCompleted, models.StatusPartial, models.StatusFailed, models.StatusCancelled,
			} {
				c.metrics.Campaigns.WithLabelValues(string(status)).Set(float64(counts[status]))
			}
		}
	}
}

// DeliveryAttempted tracks one delivery outcome
func (c *Collector) DeliveryAttempted(channel models.Channel, status models.ResultStatus, d time.Duration) {
	c.mu.Lock()
	c.shadow.Deliveries[makeLabelKey(string(channel), string(status))]++
	c.mu.Unlock()
	c.metrics.DeliveriesTotal.WithLabelValues(string(channel), string(status)).Inc()
	c.metrics.DeliveryDurationSeconds.WithLabelValues(string(channel)).Observe(d.Seconds())
}

// PassStarted tracks a dispatch pass
func (c *Collector) PassStarted(kind string) {
	c.inc(c.shadow.DispatchPasses, c.metrics.DispatchPassesTotal, kind)
}

// CampaignFinalized tracks a campaign reaching a terminal status
func (c *Collector) CampaignFinalized(status models.Status) {
	c.inc(c.shadow.CampaignsFinalized, c.metrics.CampaignsFinalizedTotal, string(status))
}

// SweepClaim tracks a scheduler claim attempt
func (c *Collector) SweepClaim(won bool) {
	result := "lost"
	if won {
		result = "won"
	}
	c.inc(c.shadow.SweepClaims, c.metrics.SweepClaimsTotal, result)
}

// TrackNotification tracks an emitted notification
func (c *Collector) TrackNotification(kind string) {
	c.inc(c.shadow.Notifications, c.metrics.NotificationsTotal, kind)
}

// TrackAPIRequest tracks an API request and updates shadow counter
func (c *Collector) TrackAPIRequest(method, path, status string) {
	key := makeTripleLabelKey(method, path, status)
	c.mu.Lock()
	c.shadow.APIRequests[key]++
	c.mu.Unlock()
	c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// TrackAPIError tracks an API error and updates shadow counter
func (c *Collector) TrackAPIError(errorType string) {
	c.inc(c.shadow.APIErrors, c.metrics.APIErrorsTotal, errorType)
}

// TrackRateLimitExceeded tracks a send denied by the rate limiter
func (c *Collector) TrackRateLimitExceeded(level string) {
	c.inc(c.shadow.RateLimitExceeded, c.metrics.RateLimitExceededTotal, level)
}

func (c *Collector) inc(shadow map[string]float64, vec counterVec, label string) {
	c.mu.Lock()
	shadow[label]++
	c.mu.Unlock()
	vec.WithLabelValues(label).Inc()
}

// Helper functions for label key serialization
func makeLabelKey(a, b string) string {
	return a + "|" + b
}

func splitLabelKey(key string) (string, string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func makeTripleLabelKey(a, b, c string) string {
	return a + "|" + b + "|" + c
}

func splitTripleLabelKey(key string) (string, string, string) {
	parts := strings.SplitN(key, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}
