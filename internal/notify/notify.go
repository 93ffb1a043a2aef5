// Package notify emits campaign lifecycle notifications. Emission is fire
// and forget: a failing emitter is logged and never affects a campaign.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/foxzi/campaignd/internal/models"
)

// Kind identifies a notification
type Kind string

const (
	KindCompleted Kind = "campaign.completed"
	KindPartial   Kind = "campaign.partial"
	KindFailed    Kind = "campaign.failed"
	KindCancelled Kind = "campaign.cancelled"
)

// Event is the notification payload
type Event struct {
	Kind           Kind      `json:"kind"`
	CampaignID     string    `json:"campaign_id"`
	CampaignName   string    `json:"campaign_name,omitempty"`
	Status         string    `json:"status"`
	RecipientCount int       `json:"recipient_count"`
	SentCount      int       `json:"sent_count"`
	FailedCount    int       `json:"failed_count"`
	Time           time.Time `json:"time"`
}

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// KindFor maps a campaign status to its notification kind
func KindFor(status models.Status) (Kind, bool) {
	switch status {
	case models.StatusCompleted:
		return KindCompleted, true
	case models.StatusPartial:
		return KindPartial, true
	case models.StatusFailed:
		return KindFailed, true
	case models.StatusCancelled:
		return KindCancelled, true
	}
	return "", false
}

// EventFor builds the event for a campaign in a notifiable status
func EventFor(c *models.Campaign) (Event, bool) {
	kind, ok := KindFor(c.Status)
	if !ok {
		return Event{}, false
	}
	return Event{
		Kind:           kind,
		CampaignID:     c.ID,
		CampaignName:   c.Name,
		Status:         string(c.Status),
		RecipientCount: c.RecipientCount,
		SentCount:      c.SentCount,
		FailedCount:    c.FailedCount,
		Time:           time.Now().UTC(),
	}, true
}

// Log writes events to a structured logger
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Notify(ctx context.Context, e Event) {
	level := slog.LevelInfo
	if e.Kind == KindFailed || e.Kind == KindPartial {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "campaign notification",
		"kind", e.Kind,
		"campaign_id", e.CampaignID,
		"campaign", e.CampaignName,
		"recipients", e.RecipientCount,
		"sent", e.SentCount,
		"failed", e.FailedCount,
	)
}

// Multi fans an event out to several notifiers
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// Func adapts a function to a Notifier
type Func func(ctx context.Context, e Event)

func (f Func) Notify(ctx context.Context, e Event) {
	f(ctx, e)
}

// Nop discards events
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
