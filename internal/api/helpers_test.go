package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/campaignd/internal/campaign"
	"github.com/foxzi/campaignd/internal/config"
	"github.com/foxzi/campaignd/internal/db"
	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/repository"
)

// stubBackend fails every address containing "fail"
type stubBackend struct {
	channel models.Channel
}

func (b *stubBackend) Channel() models.Channel {
	return b.channel
}

func (b *stubBackend) Send(ctx context.Context, contact models.Contact, msg *delivery.Message) (string, error) {
	if strings.Contains(contact.Address(b.channel), "fail") {
		return "", delivery.Permanent("mailbox unavailable")
	}
	return "provider-" + contact.ID, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testStack struct {
	server    *Server
	service   *campaign.Service
	campaigns *repository.CampaignRepository
	contacts  *repository.ContactRepository
	templates *repository.TemplateRepository
	clock     *testClock
}

func newTestStack(t *testing.T, cfg *config.APIConfig, opts ...func(*Options)) *testStack {
	t.Helper()

	d, err := db.New(db.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := &testStack{
		campaigns: repository.NewCampaignRepository(d.DB),
		contacts:  repository.NewContactRepository(d.DB),
		templates: repository.NewTemplateRepository(d.DB),
		clock:     &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	registry := delivery.NewRegistry(
		&stubBackend{channel: models.ChannelEmail},
		&stubBackend{channel: models.ChannelWhatsApp},
	)
	dispatcher := campaign.NewDispatcher(st.campaigns, registry, campaign.DispatcherConfig{Concurrency: 2}, logger)
	scheduler := campaign.NewScheduler(st.campaigns, st.contacts, dispatcher, campaign.SchedulerConfig{
		Interval: time.Hour,
		Now:      st.clock.Now,
	}, logger)
	retry := campaign.NewRetryCoordinator(st.campaigns, st.contacts, dispatcher, logger)
	st.service = campaign.NewService(campaign.ServiceConfig{
		Store:      st.campaigns,
		Contacts:   st.contacts,
		Templates:  st.templates,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Retry:      retry,
		Now:        st.clock.Now,
	}, logger)
	t.Cleanup(st.service.Wait)

	if cfg == nil {
		cfg = &config.APIConfig{}
	}
	if cfg.EventsInterval == 0 {
		cfg.EventsInterval = 10 * time.Millisecond
	}

	options := Options{
		Campaigns: st.service,
		Stats:     st.campaigns,
		Contacts:  st.contacts,
		Templates: st.templates,
		Version:   "test",
	}
	for _, opt := range opts {
		opt(&options)
	}
	st.server = NewServer(cfg, options, logger)
	return st
}

// do performs a request against the router and returns the recorder
func (st *testStack) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	st.server.Handler().ServeHTTP(w, req)
	return w
}

func (st *testStack) addContact(t *testing.T, c models.Contact) string {
	t.Helper()
	if err := st.contacts.Create(context.Background(), &c); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}
	return c.ID
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, want, w.Body.String())
	}
}
