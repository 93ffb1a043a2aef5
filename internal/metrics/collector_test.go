package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaignd/internal/models"
)

type staticCampaignStats map[models.Status]int

func (s staticCampaignStats) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	return s, nil
}

func openBolt(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openBolt(t, path)

	c, err := NewCollector(db, New(), nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	c.DeliveryAttempted(models.ChannelEmail, models.ResultSent, 10*time.Millisecond)
	c.DeliveryAttempted(models.ChannelEmail, models.ResultSent, 10*time.Millisecond)
	c.DeliveryAttempted(models.ChannelWhatsApp, models.ResultFailed, time.Second)
	c.CampaignFinalized(models.StatusPartial)
	c.TrackRateLimitExceeded("email")

	if err := c.Stop(); err != nil {
		t.Fatalf("Failed to stop collector: %v", err)
	}
	db.Close()

	db2 := openBolt(t, path)
	defer db2.Close()

	m2 := New()
	c2, err := NewCollector(db2, m2, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to recreate collector: %v", err)
	}
	defer c2.Stop()

	if got := c2.shadow.Deliveries["email|sent"]; got != 2 {
		t.Errorf("Deliveries[email|sent] = %v, want 2", got)
	}
	if got := c2.shadow.CampaignsFinalized["partial"]; got != 1 {
		t.Errorf("CampaignsFinalized[partial] = %v, want 1", got)
	}

	counter, err := m2.DeliveriesTotal.GetMetricWithLabelValues("whatsapp", "failed")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("restored whatsapp failures = %v, want 1", metric.Counter.GetValue())
	}
}

func TestCollectorTrackMethods(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openBolt(t, path)
	defer db.Close()

	c, err := NewCollector(db, New(), nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c.Stop()

	c.PassStarted("initial")
	if c.shadow.DispatchPasses["initial"] != 1 {
		t.Error("PassStarted failed")
	}

	c.SweepClaim(true)
	c.SweepClaim(false)
	c.SweepClaim(false)
	if c.shadow.SweepClaims["won"] != 1 || c.shadow.SweepClaims["lost"] != 2 {
		t.Errorf("SweepClaim counters = %v", c.shadow.SweepClaims)
	}

	c.TrackNotification("campaign.completed")
	if c.shadow.Notifications["campaign.completed"] != 1 {
		t.Error("TrackNotification failed")
	}

	c.TrackAPIRequest("GET", "/api/v1/campaigns/{id}", "200")
	if c.shadow.APIRequests["GET|/api/v1/campaigns/{id}|200"] != 1 {
		t.Error("TrackAPIRequest failed")
	}

	c.TrackAPIError("conflict")
	if c.shadow.APIErrors["conflict"] != 1 {
		t.Error("TrackAPIError failed")
	}
}

func TestCollectorCampaignGauge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openBolt(t, path)
	defer db.Close()

	m := New()
	stats := staticCampaignStats{models.StatusScheduled: 3, models.StatusCompleted: 7}
	c, err := NewCollector(db, m, stats, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	tests := map[string]float64{"scheduled": 3, "completed": 7, "failed": 0}
	for status, want := range tests {
		var metric dto.Metric
		if err := m.Campaigns.WithLabelValues(status).Write(&metric); err != nil {
			t.Fatalf("Failed to write metric: %v", err)
		}
		if metric.Gauge.GetValue() != want {
			t.Errorf("campaigns{status=%s} = %v, want %v", status, metric.Gauge.GetValue(), want)
		}
	}
}

func TestLabelKeyHelpers(t *testing.T) {
	a, b := splitLabelKey(makeLabelKey("email", "sent"))
	if a != "email" || b != "sent" {
		t.Errorf("Expected (email, sent), got (%s, %s)", a, b)
	}

	m, p, s := splitTripleLabelKey(makeTripleLabelKey("GET", "/api", "200"))
	if m != "GET" || p != "/api" || s != "200" {
		t.Errorf("Expected (GET, /api, 200), got (%s, %s, %s)", m, p, s)
	}
}
