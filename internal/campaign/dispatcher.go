package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/campaignd/internal/certificate"
	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/notify"
	"github.com/foxzi/campaignd/internal/personalize"
	"github.com/foxzi/campaignd/internal/repository"
)

// Pass kinds
const (
	PassInitial = "initial"
	PassRetry   = "retry"
)

// Failure reasons recorded by the dispatcher itself
const (
	ReasonContactNotFound = "contact not found"
	ReasonMissingEmail    = "missing email"
	ReasonMissingPhone    = "missing phone"
	ReasonInterrupted     = "interrupted"
)

// DispatcherConfig holds dispatcher dependencies and limits
type DispatcherConfig struct {
	Concurrency  int
	Certificates certificate.Resolver
	Notifier     notify.Notifier
	Observer     Observer
}

// Dispatcher sends every delivery of a claimed campaign through the channel
// backends and keeps the stored campaign current as outcomes arrive.
type Dispatcher struct {
	store       Store
	backends    *delivery.Registry
	certs       certificate.Resolver
	notifier    notify.Notifier
	observer    Observer
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}

	notifications sync.WaitGroup
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store Store, backends *delivery.Registry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if backends == nil {
		backends = delivery.NewRegistry()
	}

	return &Dispatcher{
		store:       store,
		backends:    backends,
		certs:       cfg.Certificates,
		notifier:    cfg.Notifier,
		observer:    cfg.Observer,
		concurrency: cfg.Concurrency,
		logger:      logger.With("component", "dispatcher"),
		active:      make(map[string]struct{}),
	}
}

// HasCertificates reports whether certificate attachments can be resolved
func (d *Dispatcher) HasCertificates() bool {
	return d.certs != nil
}

// Active reports whether a pass for the campaign is running in this process
func (d *Dispatcher) Active(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[id]
	return ok
}

// emit hands event to the notifier without waiting for it
func (d *Dispatcher) emit(ctx context.Context, event notify.Event) {
	ctx = context.WithoutCancel(ctx)
	d.notifications.Add(1)
	go func() {
		defer d.notifications.Done()
		d.notifier.Notify(ctx, event)
	}()
}

// WaitNotifications blocks until every emitted notification was handled
func (d *Dispatcher) WaitNotifications() {
	d.notifications.Wait()
}

// Dispatch runs a full pass over every recipient and channel of a campaign
// already claimed into sending. recipients are the resolved contacts; ids
// with no matching contact are recorded as failed.
func (d *Dispatcher) Dispatch(ctx context.Context, c *models.Campaign, recipients []models.Contact) (*models.Campaign, error) {
	p, err := d.Prepare(c, recipients)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx)
}

// Prepare builds the initial pass for c without running it
func (d *Dispatcher) Prepare(c *models.Campaign, recipients []models.Contact) (*Pass, error) {
	deliveries := deliveriesFor(c.Type, c.RecipientIDs)
	if len(deliveries) == 0 {
		return nil, invalid("recipient_ids", "at least one recipient is required")
	}
	return d.newPass(c, PassInitial, deliveries, recipients), nil
}

func (d *Dispatcher) newPass(c *models.Campaign, kind string, deliveries []Delivery, recipients []models.Contact) *Pass {
	byID := make(map[string]models.Contact, len(recipients))
	for _, r := range recipients {
		byID[r.ID] = r
	}
	return &Pass{
		d:          d,
		campaign:   c,
		kind:       kind,
		deliveries: deliveries,
		contacts:   byID,
		certs:      make(map[string]certOutcome),
	}
}

// Pass is one dispatch pass over a set of deliveries
type Pass struct {
	d          *Dispatcher
	campaign   *models.Campaign
	kind       string
	deliveries []Delivery
	contacts   map[string]models.Contact

	certMu sync.Mutex
	certs  map[string]certOutcome
}

type certOutcome struct {
	files *certificate.Files
	err   error
}

// Campaign returns the campaign as it was when the pass was prepared
func (p *Pass) Campaign() *models.Campaign {
	return p.campaign
}

// Deliveries returns the deliveries the pass will attempt
func (p *Pass) Deliveries() []Delivery {
	return p.deliveries
}

// Run sends every delivery and finalizes the campaign. Per-delivery
// failures are recorded as results; only storage errors are returned.
// Cancelling ctx does not stop a started pass: every outcome is recorded.
func (p *Pass) Run(ctx context.Context) (*models.Campaign, error) {
	ctx = context.WithoutCancel(ctx)
	d := p.d
	c := p.campaign
	logger := d.logger.With("campaign_id", c.ID, "pass", p.kind)

	d.mu.Lock()
	if _, busy := d.active[c.ID]; busy {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: pass already running for %s", ErrConflict, c.ID)
	}
	d.active[c.ID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, c.ID)
		d.mu.Unlock()
	}()

	pending := make([]models.Result, len(p.deliveries))
	for i, dl := range p.deliveries {
		pending[i] = models.Result{ContactID: dl.ContactID, Channel: dl.Channel}
	}
	if err := d.store.InitResults(ctx, c.ID, pending); err != nil {
		return nil, fmt.Errorf("failed to init results: %w", err)
	}

	var errMu sync.Mutex
	var storeErr error
	record := func(res *models.Result) {
		if _, err := d.store.RecordResult(ctx, res); err != nil {
			logger.Error("failed to record result",
				"contact_id", res.ContactID,
				"channel", res.Channel,
				"error", err,
			)
			errMu.Lock()
			if storeErr == nil {
				storeErr = err
			}
			errMu.Unlock()
		}
	}

	d.observer.PassStarted(p.kind)
	start := time.Now()

	// Deliveries with no address fail up front without a send slot
	sendable := make([]Delivery, 0, len(p.deliveries))
	for _, dl := range p.deliveries {
		if res := p.precheck(dl); res != nil {
			record(res)
			continue
		}
		sendable = append(sendable, dl)
	}

	logger.Info("dispatch started",
		"deliveries", len(p.deliveries),
		"unreachable", len(p.deliveries)-len(sendable),
		"concurrency", d.concurrency,
	)

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for _, dl := range sendable {
		sem <- struct{}{}
		wg.Add(1)

		go func(dl Delivery) {
			defer func() {
				<-sem
				wg.Done()
			}()
			record(p.deliver(ctx, dl))
		}(dl)
	}
	wg.Wait()

	if storeErr != nil {
		return nil, fmt.Errorf("failed to record results: %w", storeErr)
	}

	final, err := d.finalize(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	logger.Info("dispatch finished",
		"status", final.Status,
		"sent", final.SentCount,
		"failed", final.FailedCount,
		"recipients", final.RecipientCount,
		"duration", time.Since(start),
	)
	return final, nil
}

func (d *Dispatcher) finalize(ctx context.Context, id string) (*models.Campaign, error) {
	final, err := d.store.Finalize(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %s is no longer sending", ErrConflict, id)
		}
		return nil, fmt.Errorf("failed to finalize campaign: %w", err)
	}
	if final == nil {
		return nil, ErrNotFound
	}

	d.observer.CampaignFinalized(final.Status)
	if event, ok := notify.EventFor(final); ok {
		d.emit(ctx, event)
	}
	return final, nil
}

// precheck returns the failed result of a delivery that has no contact or
// no address for its channel, or nil when it can be sent.
func (p *Pass) precheck(dl Delivery) *models.Result {
	contact, ok := p.contacts[dl.ContactID]
	switch {
	case !ok:
		return p.failed(dl, ReasonContactNotFound)
	case contact.Address(dl.Channel) != "":
		return nil
	case dl.Channel == models.ChannelWhatsApp:
		return p.failed(dl, ReasonMissingPhone)
	default:
		return p.failed(dl, ReasonMissingEmail)
	}
}

func (p *Pass) failed(dl Delivery, reason string) *models.Result {
	return &models.Result{
		CampaignID: p.campaign.ID,
		ContactID:  dl.ContactID,
		Channel:    dl.Channel,
		Status:     models.ResultFailed,
		Error:      reason,
	}
}

// deliver sends one prechecked delivery. It never returns an error: every
// failure becomes a failed result with a reason.
func (p *Pass) deliver(ctx context.Context, dl Delivery) *models.Result {
	res := &models.Result{
		CampaignID: p.campaign.ID,
		ContactID:  dl.ContactID,
		Channel:    dl.Channel,
	}
	fail := func(reason string) *models.Result {
		res.Status = models.ResultFailed
		res.Error = reason
		return res
	}

	contact := p.contacts[dl.ContactID]

	backend, ok := p.d.backends.Get(dl.Channel)
	if !ok {
		return fail(fmt.Sprintf("no %s backend configured", dl.Channel))
	}

	msg, err := p.render(ctx, dl.Channel, contact)
	if err != nil {
		return fail(err.Error())
	}

	start := time.Now()
	providerID, err := backend.Send(ctx, contact, msg)
	elapsed := time.Since(start)

	if err != nil {
		res.Status = models.ResultFailed
		res.Error = delivery.Reason(err)
		p.d.logger.Warn("delivery failed",
			"campaign_id", p.campaign.ID,
			"contact_id", dl.ContactID,
			"channel", dl.Channel,
			"error", res.Error,
		)
	} else {
		res.Status = models.ResultSent
		res.ProviderID = providerID
	}
	p.d.observer.DeliveryAttempted(dl.Channel, res.Status, elapsed)
	return res
}

// render personalizes the channel message for contact and attaches the
// certificate when one is requested.
func (p *Pass) render(ctx context.Context, ch models.Channel, contact models.Contact) (*delivery.Message, error) {
	c := p.campaign
	msg := &delivery.Message{
		CampaignID:   c.ID,
		CampaignName: c.Name,
		Body:         personalize.Render(c.MessageFor(ch), contact),
	}
	if ch == models.ChannelEmail {
		msg.Subject = personalize.Render(c.Subject, contact)
	}

	if c.Certificate == nil {
		return msg, nil
	}

	files, id, err := p.certificate(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("certificate unavailable: %v", err)
	}

	switch ch {
	case models.ChannelEmail:
		if files.PDF != nil {
			msg.Attachments = append(msg.Attachments, delivery.Attachment{
				Filename:    id + ".pdf",
				ContentType: "application/pdf",
				Data:        files.PDF,
			})
		}
		if files.JPG != nil {
			msg.Attachments = append(msg.Attachments, delivery.Attachment{
				Filename:    id + ".jpg",
				ContentType: "image/jpeg",
				Data:        files.JPG,
			})
		}
	case models.ChannelWhatsApp:
		msg.MediaURL = files.JPGURL
		if msg.MediaURL == "" {
			msg.MediaURL = files.PDFURL
		}
		if msg.MediaURL == "" {
			return nil, fmt.Errorf("certificate unavailable: no public url for %s", id)
		}
	}
	return msg, nil
}

// certificate resolves the campaign certificate for contact. The id may
// contain tokens such as {{certificate}}; resolutions are cached per pass.
func (p *Pass) certificate(ctx context.Context, contact models.Contact) (*certificate.Files, string, error) {
	att := p.campaign.Certificate
	id := personalize.Render(att.CertificateID, contact)
	if p.d.certs == nil {
		return nil, id, fmt.Errorf("no certificate resolver configured")
	}

	p.certMu.Lock()
	defer p.certMu.Unlock()

	if out, ok := p.certs[id]; ok {
		return out.files, id, out.err
	}
	files, err := p.d.certs.Resolve(ctx, id, certificate.Formats{PDF: att.PDF, JPG: att.JPG})
	p.certs[id] = certOutcome{files: files, err: err}
	return files, id, err
}
