// Package campaign implements campaign submission, dispatch, scheduling
// and retry on top of the campaign store and the delivery backends.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/notify"
)

// CreateRequest is a request to create a campaign
type CreateRequest struct {
	Name               string                        `json:"name"`
	Type               models.CampaignType           `json:"type"`
	Subject            string                        `json:"subject"`
	EmailMessage       string                        `json:"email_message"`
	WhatsAppMessage    string                        `json:"whatsapp_message"`
	EmailTemplateID    string                        `json:"email_template_id"`
	WhatsAppTemplateID string                        `json:"whatsapp_template_id"`
	RecipientIDs       []string                      `json:"recipient_ids"`
	AllContacts        bool                          `json:"all_contacts"`
	ScheduledAt        *time.Time                    `json:"scheduled_at"`
	Certificate        *models.CertificateAttachment `json:"certificate_attachment"`
}

// Service is the entry point for the API and CLI
type Service struct {
	store      Store
	contacts   Contacts
	templates  Templates
	dispatcher *Dispatcher
	scheduler  *Scheduler
	retry      *RetryCoordinator
	now        func() time.Time
	logger     *slog.Logger

	passes sync.WaitGroup
}

// ServiceConfig wires the service components
type ServiceConfig struct {
	Store      Store
	Contacts   Contacts
	Templates  Templates
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
	Retry      *RetryCoordinator
	Now        func() time.Time
}

// NewService creates a campaign service
func NewService(cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:      cfg.Store,
		contacts:   cfg.Contacts,
		templates:  cfg.Templates,
		dispatcher: cfg.Dispatcher,
		scheduler:  cfg.Scheduler,
		retry:      cfg.Retry,
		now:        cfg.Now,
		logger:     logger.With("component", "campaigns"),
	}
}

// Submit validates and creates a campaign. A campaign without a schedule is
// claimed immediately and dispatched in the background; the returned record
// is then in sending.
func (s *Service) Submit(ctx context.Context, req CreateRequest) (*models.Campaign, error) {
	c, err := s.build(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("campaign created",
		"campaign_id", c.ID,
		"type", c.Type,
		"status", c.Status,
		"recipients", c.RecipientCount,
	)

	if c.Status == models.StatusScheduled {
		return c, nil
	}

	p, err := s.claim(ctx, c)
	if err != nil {
		return nil, err
	}
	s.launch(p)
	return p.Campaign(), nil
}

// build validates the request and produces the campaign record
func (s *Service) build(ctx context.Context, req CreateRequest) (*models.Campaign, error) {
	if !req.Type.Valid() {
		return nil, invalid("type", "must be one of email, whatsapp, both")
	}

	c := &models.Campaign{
		Name:            strings.TrimSpace(req.Name),
		Type:            req.Type,
		Subject:         req.Subject,
		EmailMessage:    req.EmailMessage,
		WhatsAppMessage: req.WhatsAppMessage,
		Certificate:     req.Certificate,
	}

	if err := s.applyTemplates(ctx, c, req); err != nil {
		return nil, err
	}

	if c.Type.Includes(models.ChannelEmail) {
		if strings.TrimSpace(c.Subject) == "" {
			return nil, invalid("subject", "is required for email campaigns")
		}
		if strings.TrimSpace(c.EmailMessage) == "" {
			return nil, invalid("email_message", "is required for email campaigns")
		}
	}
	if c.Type.Includes(models.ChannelWhatsApp) && strings.TrimSpace(c.WhatsAppMessage) == "" {
		return nil, invalid("whatsapp_message", "is required for whatsapp campaigns")
	}

	if att := c.Certificate; att != nil {
		if strings.TrimSpace(att.CertificateID) == "" {
			return nil, invalid("certificate_attachment.certificate_id", "is required")
		}
		if !att.PDF && !att.JPG {
			return nil, invalid("certificate_attachment", "select at least one format")
		}
		if !s.dispatcher.HasCertificates() {
			return nil, invalid("certificate_attachment", "certificates are not configured")
		}
	}

	ids := req.RecipientIDs
	if req.AllContacts {
		all, err := s.contacts.GetAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load contacts: %w", err)
		}
		ids = make([]string, len(all))
		for i, contact := range all {
			ids[i] = contact.ID
		}
	}
	c.RecipientIDs = uniqueIDs(ids)
	if len(c.RecipientIDs) == 0 {
		return nil, invalid("recipient_ids", "at least one recipient is required")
	}
	c.RecipientCount = len(c.RecipientIDs) * len(c.Type.Channels())

	c.Status = models.StatusPending
	if req.ScheduledAt != nil {
		if !req.ScheduledAt.After(s.now()) {
			return nil, invalid("scheduled_at", "must be in the future")
		}
		at := req.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.Status = models.StatusScheduled
	}

	return c, nil
}

// applyTemplates copies template text onto the campaign. Explicit message
// fields take precedence over templates.
func (s *Service) applyTemplates(ctx context.Context, c *models.Campaign, req CreateRequest) error {
	load := func(field, id string, ch models.Channel) (*models.MessageTemplate, error) {
		if s.templates == nil {
			return nil, invalid(field, "templates are not available")
		}
		t, err := s.templates.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get template: %w", err)
		}
		if t == nil {
			return nil, invalid(field, "template %s not found", id)
		}
		if t.Type != ch {
			return nil, invalid(field, "template %s is a %s template", id, t.Type)
		}
		return t, nil
	}

	if req.EmailTemplateID != "" {
		t, err := load("email_template_id", req.EmailTemplateID, models.ChannelEmail)
		if err != nil {
			return err
		}
		if c.EmailMessage == "" {
			c.EmailMessage = t.Content
		}
		if c.Subject == "" {
			c.Subject = t.Subject
		}
	}
	if req.WhatsAppTemplateID != "" {
		t, err := load("whatsapp_template_id", req.WhatsAppTemplateID, models.ChannelWhatsApp)
		if err != nil {
			return err
		}
		if c.WhatsAppMessage == "" {
			c.WhatsAppMessage = t.Content
		}
	}
	return nil
}

// claim moves a pending campaign to sending and prepares its pass
func (s *Service) claim(ctx context.Context, c *models.Campaign) (*Pass, error) {
	ok, err := s.store.Transition(ctx, c.ID, models.StatusPending, models.StatusSending, c.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to claim campaign: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is no longer pending", ErrConflict, c.ID)
	}
	c.Status = models.StatusSending
	c.Version++

	recipients, err := s.contacts.GetByIDs(context.WithoutCancel(ctx), c.RecipientIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}
	return s.dispatcher.Prepare(c, recipients)
}

// launch runs a pass in the background. Passes outlive the request that
// started them; Wait blocks until all have finished.
func (s *Service) launch(p *Pass) {
	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		if _, err := p.Run(context.Background()); err != nil {
			s.logger.Error("dispatch pass failed", "campaign_id", p.Campaign().ID, "error", err)
		}
	}()
}

// Wait blocks until every background pass has finished and its
// notifications were handled
func (s *Service) Wait() {
	s.passes.Wait()
	s.dispatcher.WaitNotifications()
}

// Execute dispatches a pending campaign synchronously
func (s *Service) Execute(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrConflict, id, c.Status)
	}
	p, err := s.claim(ctx, c)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx)
}

// Get returns a campaign
func (s *Service) Get(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// ChannelStats returns per-channel counts for a campaign
func (s *Service) ChannelStats(ctx context.Context, id string) ([]models.ChannelStats, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ChannelStats(ctx, id)
}

// List returns campaigns matching filter and the total count
func (s *Service) List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	return s.store.List(ctx, filter)
}

// Results returns the per-delivery results of a campaign
func (s *Service) Results(ctx context.Context, id string, filter models.ResultFilter) ([]models.Result, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Results(ctx, id, filter)
}

// Cancel cancels a scheduled campaign that the sweep has not claimed yet.
// With a non-zero version the campaign must still be at that version.
func (s *Service) Cancel(ctx context.Context, id string, version int) (*models.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.StatusScheduled {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, c.Status)
	}

	ok, err := s.store.Transition(ctx, id, models.StatusScheduled, models.StatusCancelled, version)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel campaign: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign was claimed or changed", ErrNotCancellable)
	}

	c, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("campaign cancelled", "campaign_id", id)
	if event, ok := notify.EventFor(c); ok {
		s.dispatcher.emit(ctx, event)
	}
	return c, nil
}

// Retry starts a retry pass over the failed deliveries in the background
// and returns the campaign as claimed.
func (s *Service) Retry(ctx context.Context, id string, version int) (*models.Campaign, error) {
	p, err := s.retry.Prepare(ctx, id, version)
	if err != nil {
		return nil, err
	}
	s.launch(p)
	return p.Campaign(), nil
}

// RetryAndWait runs a retry pass to completion
func (s *Service) RetryAndWait(ctx context.Context, id string) (*models.Campaign, error) {
	return s.retry.Retry(ctx, id)
}

// ProcessOverdue dispatches every due scheduled campaign now
func (s *Service) ProcessOverdue(ctx context.Context) (int, error) {
	return s.scheduler.ProcessOverdue(ctx)
}
