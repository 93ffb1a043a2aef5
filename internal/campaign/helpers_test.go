package campaign

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/campaignd/internal/certificate"
	"github.com/foxzi/campaignd/internal/db"
	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/notify"
	"github.com/foxzi/campaignd/internal/repository"
)

type fakeBackend struct {
	channel models.Channel
	delay   time.Duration

	mu       sync.Mutex
	calls    []string
	fail     map[string]string
	inflight int
	maxSeen  int
	last     map[string]*delivery.Message
}

func newFakeBackend(ch models.Channel) *fakeBackend {
	return &fakeBackend{
		channel: ch,
		fail:    make(map[string]string),
		last:    make(map[string]*delivery.Message),
	}
}

func (b *fakeBackend) Channel() models.Channel { return b.channel }

func (b *fakeBackend) Send(ctx context.Context, c models.Contact, msg *delivery.Message) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, c.ID)
	b.last[c.ID] = msg
	b.inflight++
	if b.inflight > b.maxSeen {
		b.maxSeen = b.inflight
	}
	reason, failing := b.fail[c.ID]
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
		}
	}

	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()

	if failing {
		return "", delivery.Permanent("%s", reason)
	}
	return "msg-" + c.ID, nil
}

func (b *fakeBackend) setFail(id, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[id] = reason
}

func (b *fakeBackend) clearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = make(map[string]string)
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

type blockingBackend struct {
	channel models.Channel
}

func (b blockingBackend) Channel() models.Channel { return b.channel }

func (b blockingBackend) Send(ctx context.Context, c models.Contact, msg *delivery.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

type testEnv struct {
	campaigns *repository.CampaignRepository
	contacts  *repository.ContactRepository
	templates *repository.TemplateRepository

	email    *fakeBackend
	whatsapp *fakeBackend
	notifier *recordingNotifier
	clock    *fakeClock

	dispatcher *Dispatcher
	scheduler  *Scheduler
	retry      *RetryCoordinator
	service    *Service
}

type envOption func(*DispatcherConfig)

func withCertificates(r certificate.Resolver) envOption {
	return func(cfg *DispatcherConfig) { cfg.Certificates = r }
}

func withConcurrency(n int) envOption {
	return func(cfg *DispatcherConfig) { cfg.Concurrency = n }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
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
	env := &testEnv{
		campaigns: repository.NewCampaignRepository(d.DB),
		contacts:  repository.NewContactRepository(d.DB),
		templates: repository.NewTemplateRepository(d.DB),
		email:     newFakeBackend(models.ChannelEmail),
		whatsapp:  newFakeBackend(models.ChannelWhatsApp),
		notifier:  &recordingNotifier{},
		clock:     newFakeClock(),
	}

	registry := delivery.NewRegistry(env.email, env.whatsapp)
	cfg := DispatcherConfig{Concurrency: 4, Notifier: env.notifier}
	for _, opt := range opts {
		opt(&cfg)
	}

	env.dispatcher = NewDispatcher(env.campaigns, registry, cfg, logger)
	env.scheduler = NewScheduler(env.campaigns, env.contacts, env.dispatcher, SchedulerConfig{
		Interval:   time.Hour,
		StaleAfter: 10 * time.Minute,
		Now:        env.clock.Now,
	}, logger)
	env.retry = NewRetryCoordinator(env.campaigns, env.contacts, env.dispatcher, logger)
	env.service = NewService(ServiceConfig{
		Store:      env.campaigns,
		Contacts:   env.contacts,
		Templates:  env.templates,
		Dispatcher: env.dispatcher,
		Scheduler:  env.scheduler,
		Retry:      env.retry,
		Now:        env.clock.Now,
	}, logger)
	t.Cleanup(env.service.Wait)

	return env
}

func (e *testEnv) addContacts(t *testing.T, contacts ...models.Contact) []string {
	t.Helper()
	ids := make([]string, len(contacts))
	for i := range contacts {
		if err := e.contacts.Create(context.Background(), &contacts[i]); err != nil {
			t.Fatalf("failed to create contact: %v", err)
		}
		ids[i] = contacts[i].ID
	}
	return ids
}

func (e *testEnv) get(t *testing.T, id string) *models.Campaign {
	t.Helper()
	c, err := e.campaigns.GetByID(context.Background(), id)
	if err != nil || c == nil {
		t.Fatalf("failed to get campaign %s: %v", id, err)
	}
	return c
}

// submitAndWait submits a campaign and waits for the background pass
func (e *testEnv) submitAndWait(t *testing.T, req CreateRequest) *models.Campaign {
	t.Helper()
	c, err := e.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	e.service.Wait()
	return e.get(t, c.ID)
}

func emailRequest(ids []string) CreateRequest {
	return CreateRequest{
		Name:         "Spring certificates",
		Type:         models.TypeEmail,
		Subject:      "Hello {{name}}",
		EmailMessage: "Dear {{name}}, your certificate {{certificate}} is ready.",
		RecipientIDs: ids,
	}
}

func resultsByKey(t *testing.T, e *testEnv, id string) map[Delivery]models.Result {
	t.Helper()
	results, err := e.campaigns.Results(context.Background(), id, models.ResultFilter{})
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	out := make(map[Delivery]models.Result, len(results))
	for _, r := range results {
		out[Delivery{ContactID: r.ContactID, Channel: r.Channel}] = r
	}
	return out
}
