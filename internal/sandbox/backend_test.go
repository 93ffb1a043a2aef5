package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/models"
)

type recordingBackend struct {
	channel models.Channel
	got     []models.Contact
	err     error
}

func (r *recordingBackend) Channel() models.Channel { return r.channel }

func (r *recordingBackend) Send(ctx context.Context, c models.Contact, msg *delivery.Message) (string, error) {
	r.got = append(r.got, c)
	return "real-id", r.err
}

func TestBackendCapture(t *testing.T) {
	storage := newTestStorage(t)
	b := NewBackend(models.ChannelEmail, nil, storage, nil)
	ctx := context.Background()

	id, err := b.Send(ctx, models.Contact{ID: "c1", Email: "amal@example.com"}, &delivery.Message{
		CampaignID:  "camp-1",
		Subject:     "Hello",
		Body:        "Hi Amal",
		Attachments: []delivery.Attachment{{Filename: "CERT-1.pdf"}},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := storage.Get(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("captured message not found: %v", err)
	}
	if got.Recipient != "amal@example.com" || got.Channel != "email" || got.Mode != ModeCapture {
		t.Errorf("unexpected capture: %+v", got)
	}
	if len(got.Attachments) != 1 {
		t.Errorf("expected attachment name, got %v", got.Attachments)
	}
}

func TestBackendMissingAddress(t *testing.T) {
	b := NewBackend(models.ChannelWhatsApp, nil, newTestStorage(t), nil)

	_, err := b.Send(context.Background(), models.Contact{ID: "c1", Email: "a@example.com"}, &delivery.Message{})
	if delivery.Reason(err) != "missing phone" {
		t.Errorf("Send() error = %v, want missing phone", err)
	}
}

func TestBackendErrorSimulation(t *testing.T) {
	storage := newTestStorage(t)
	b := NewBackend(models.ChannelEmail, nil, storage, nil)
	b.SetErrorSimulation(1, 42)

	_, err := b.Send(context.Background(), models.Contact{ID: "c1", Email: "a@example.com"}, &delivery.Message{CampaignID: "x"})
	if err == nil {
		t.Fatal("expected simulated error")
	}

	stats, _ := storage.Stats(context.Background())
	if stats.Total != 1 || stats.Failed != 1 {
		t.Errorf("simulated failures should be captured, got %+v", stats)
	}

	b.SetErrorSimulation(0, 0)
	if _, err := b.Send(context.Background(), models.Contact{ID: "c1", Email: "a@example.com"}, &delivery.Message{}); err != nil {
		t.Errorf("Send() with simulation off error = %v", err)
	}
}

func TestBackendRedirect(t *testing.T) {
	inner := &recordingBackend{channel: models.ChannelWhatsApp}
	storage := newTestStorage(t)
	b := NewBackend(models.ChannelWhatsApp, inner, storage, nil)
	if err := b.SetRedirect("+971500000000"); err != nil {
		t.Fatalf("SetRedirect() error = %v", err)
	}

	id, err := b.Send(context.Background(), models.Contact{ID: "c1", Phone: "+971501234567"}, &delivery.Message{Body: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(inner.got) != 1 || inner.got[0].Phone != "+971500000000" {
		t.Errorf("expected delivery to redirect number, got %+v", inner.got)
	}

	captured, _ := storage.Get(context.Background(), id)
	if captured == nil || captured.Recipient != "+971501234567" || captured.RedirectedTo != "+971500000000" {
		t.Errorf("unexpected capture: %+v", captured)
	}

	inner.err = errors.New("boom")
	if _, err := b.Send(context.Background(), models.Contact{ID: "c2", Phone: "+971501234568"}, &delivery.Message{}); err == nil {
		t.Error("expected error from redirected backend")
	}
}

func TestSetRedirectRequiresBackend(t *testing.T) {
	b := NewBackend(models.ChannelEmail, nil, newTestStorage(t), nil)
	if err := b.SetRedirect("qa@example.com"); err == nil {
		t.Error("expected error without wrapped backend")
	}
}
