package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaignd/internal/api"
	"github.com/foxzi/campaignd/internal/campaign"
	"github.com/foxzi/campaignd/internal/config"
	"github.com/foxzi/campaignd/internal/models"
)

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	data := fmt.Sprintf(`
database:
  path: %s
storage:
  path: %s
sandbox:
  enabled: true
metrics:
  enabled: true
  listen_addr: "127.0.0.1:0"
logging:
  level: error
  format: text
%s`, filepath.Join(dir, "campaignd.db"), filepath.Join(dir, "state.db"), extra)

	cfg, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func TestNewSandboxStack(t *testing.T) {
	cfg := testConfig(t, `
rate_limit:
  enabled: true
  channels:
    email:
      messages_per_hour: 1
`)

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	var ids []string
	for _, c := range []models.Contact{
		{Name: "Amal", Email: "amal@example.com"},
		{Name: "Omar", Email: "omar@example.com"},
	} {
		if err := a.contacts.Create(ctx, &c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		ids = append(ids, c.ID)
	}

	c, err := a.Service().Submit(ctx, campaign.CreateRequest{
		Name:         "Launch",
		Type:         models.TypeEmail,
		Subject:      "Hi {{name}}",
		EmailMessage: "Hello {{name}}",
		RecipientIDs: ids,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	a.Service().Wait()

	got, err := a.Service().Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	// the second email is over the hourly channel limit
	if got.Status != models.StatusPartial || got.SentCount != 1 || got.FailedCount != 1 {
		t.Errorf("campaign = %+v", got)
	}

	stats, err := a.sandboxStorage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 || stats.ByChannel["email"] != 1 {
		t.Errorf("sandbox stats = %+v", stats)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimits/email", nil)
	w := httptest.NewRecorder()
	a.apiServer.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ratelimits status = %d: %s", w.Code, w.Body.String())
	}
	var usage api.RateLimitResponse
	if err := json.NewDecoder(w.Body).Decode(&usage); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if usage.Usage.HourlyCount != 1 {
		t.Errorf("email usage = %+v", usage.Usage)
	}

	// notifications are only served with redis
	req = httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	w = httptest.NewRecorder()
	a.apiServer.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("notifications status = %d, want 404", w.Code)
	}
}

func TestNewReleasesStorageOnError(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Email = config.EmailConfig{
		Enabled: true,
		Host:    "smtp.example.com",
		Port:    587,
		TLS:     "starttls",
		From:    "news@example.com",
		DKIM: config.DKIMConfig{
			Enabled:  true,
			Selector: "default",
			Domain:   "example.com",
			KeyFile:  filepath.Join(t.TempDir(), "missing.key"),
		},
	}

	if _, err := New(cfg, "test"); err == nil {
		t.Fatal("New() with a missing DKIM key should fail")
	}

	state, err := bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("state storage still locked: %v", err)
	}
	state.Close()
}

func TestShutdown(t *testing.T) {
	a, err := New(testConfig(t, ""), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.scheduler.Start()

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestRateLimitConfig(t *testing.T) {
	rl := rateLimitConfig(config.RateLimitConfig{
		Global:   &config.LimitValues{MessagesPerHour: 100, MessagesPerDay: 1000},
		Channels: map[string]*config.LimitValues{"whatsapp": {MessagesPerDay: 50}},
	})

	if rl.Global == nil || rl.Global.MessagesPerHour != 100 || rl.Global.MessagesPerDay != 1000 {
		t.Errorf("global = %+v", rl.Global)
	}
	if rl.Channels["whatsapp"] == nil || rl.Channels["whatsapp"].MessagesPerDay != 50 {
		t.Errorf("channels = %+v", rl.Channels)
	}
	if rl.DefaultCampaign != nil || rl.DefaultRecipient != nil {
		t.Error("unset limits should stay nil")
	}
}
