// Package sandbox captures campaign deliveries instead of contacting the
// providers. Captured messages are kept in BoltDB for inspection.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/models"
)

// Sandbox modes
const (
	ModeCapture  = "capture"  // store only
	ModeRedirect = "redirect" // store and deliver to a fixed test recipient
)

var simulatedErrors = []struct {
	reason    string
	temporary bool
}{
	{"550 User not found", false},
	{"451 Temporary failure", true},
	{"recipient is not a valid WhatsApp user", false},
	{"421 Service not available", true},
}

// Backend wraps a channel and captures every message sent through it
type Backend struct {
	channel models.Channel
	next    delivery.Backend
	storage *Storage
	logger  *slog.Logger

	mode       string
	redirectTo string

	mu               sync.Mutex
	rnd              *rand.Rand
	errorProbability float64
}

// NewBackend creates a capturing backend for channel. next is only used in
// redirect mode and may be nil otherwise.
func NewBackend(channel models.Channel, next delivery.Backend, storage *Storage, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		channel: channel,
		next:    next,
		storage: storage,
		logger:  logger.With("component", "sandbox", "channel", channel),
		mode:    ModeCapture,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRedirect delivers every message to recipient (an email address or a
// phone number) through the wrapped backend instead of the contact.
func (b *Backend) SetRedirect(recipient string) error {
	if b.next == nil {
		return fmt.Errorf("redirect requires a %s backend", b.channel)
	}
	if recipient == "" {
		return fmt.Errorf("redirect recipient is required")
	}
	b.mode = ModeRedirect
	b.redirectTo = recipient
	return nil
}

// SetErrorSimulation fails the given share of sends with a random provider
// error. probability must be within [0, 1].
func (b *Backend) SetErrorSimulation(probability float64, seed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probability < 0 {
		probability = 0
	}
	if probability > 1 {
		probability = 1
	}
	b.errorProbability = probability
	if seed != 0 {
		b.rnd = rand.New(rand.NewSource(seed))
	}
}

func (b *Backend) Channel() models.Channel {
	return b.channel
}

// Send captures msg for contact
func (b *Backend) Send(ctx context.Context, contact models.Contact, msg *delivery.Message) (string, error) {
	recipient := contact.Address(b.channel)
	if recipient == "" {
		return "", delivery.Permanent("missing %s", missingField(b.channel))
	}

	captured := &Message{
		ID:           uuid.New().String(),
		CampaignID:   msg.CampaignID,
		CampaignName: msg.CampaignName,
		ContactID:    contact.ID,
		Channel:      string(b.channel),
		Recipient:    recipient,
		Subject:      msg.Subject,
		Body:         msg.Body,
		MediaURL:     msg.MediaURL,
		Mode:         b.mode,
		CapturedAt:   time.Now().UTC(),
	}
	for _, a := range msg.Attachments {
		captured.Attachments = append(captured.Attachments, a.Filename)
	}

	simErr := b.simulate()
	if simErr != nil {
		captured.SimulatedErr = simErr.Reason
	}
	if b.mode == ModeRedirect {
		captured.RedirectedTo = b.redirectTo
	}

	if err := b.storage.Save(ctx, captured); err != nil {
		return "", delivery.Temporary("sandbox: failed to save message: %v", err)
	}

	if simErr != nil {
		b.logger.Info("sandbox: simulated failure",
			"campaign_id", msg.CampaignID,
			"contact_id", contact.ID,
			"error", simErr.Reason,
		)
		return "", simErr
	}

	if b.mode == ModeRedirect {
		redirected := contact
		switch b.channel {
		case models.ChannelEmail:
			redirected.Email = b.redirectTo
		case models.ChannelWhatsApp:
			redirected.Phone = b.redirectTo
		}
		b.logger.Info("redirect: delivering to test recipient",
			"campaign_id", msg.CampaignID,
			"contact_id", contact.ID,
			"redirect_to", b.redirectTo,
		)
		if _, err := b.next.Send(ctx, redirected, msg); err != nil {
			return "", err
		}
		return captured.ID, nil
	}

	b.logger.Debug("sandbox: message captured",
		"id", captured.ID,
		"campaign_id", msg.CampaignID,
		"contact_id", contact.ID,
	)
	return captured.ID, nil
}

func (b *Backend) simulate() *delivery.Error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.errorProbability <= 0 || b.rnd.Float64() >= b.errorProbability {
		return nil
	}
	e := simulatedErrors[b.rnd.Intn(len(simulatedErrors))]
	return &delivery.Error{Reason: e.reason, Temporary: e.temporary}
}

func missingField(ch models.Channel) string {
	if ch == models.ChannelWhatsApp {
		return "phone"
	}
	return "email"
}
