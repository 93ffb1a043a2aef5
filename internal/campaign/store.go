package campaign

import (
	"context"
	"time"

	"github.com/foxzi/campaignd/internal/models"
)

// Store persists campaigns and their per-delivery results. Counter updates
// and status changes must be atomic; see repository.CampaignRepository.
type Store interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error)
	Transition(ctx context.Context, id string, from, to models.Status, version int) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error)
	ListStale(ctx context.Context, before time.Time) ([]models.Campaign, error)
	InitResults(ctx context.Context, campaignID string, pending []models.Result) error
	RecordResult(ctx context.Context, res *models.Result) (*models.Campaign, error)
	Finalize(ctx context.Context, id string) (*models.Campaign, error)
	BeginRetry(ctx context.Context, id string, from models.Status, version int) ([]models.Result, error)
	Results(ctx context.Context, id string, filter models.ResultFilter) ([]models.Result, error)
	ChannelStats(ctx context.Context, id string) ([]models.ChannelStats, error)
}

// Contacts is the read side of the contact repository
type Contacts interface {
	GetAll(ctx context.Context) ([]models.Contact, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Contact, error)
}

// Templates resolves message templates by id
type Templates interface {
	GetByID(ctx context.Context, id string) (*models.MessageTemplate, error)
}

// Observer receives dispatch telemetry
type Observer interface {
	DeliveryAttempted(channel models.Channel, status models.ResultStatus, d time.Duration)
	PassStarted(kind string)
	CampaignFinalized(status models.Status)
	SweepClaim(won bool)
}

type nopObserver struct{}

func (nopObserver) DeliveryAttempted(models.Channel, models.ResultStatus, time.Duration) {}
func (nopObserver) PassStarted(string)                                                   {}
func (nopObserver) CampaignFinalized(models.Status)                                      {}
func (nopObserver) SweepClaim(bool)                                                      {}

// Delivery identifies one (contact, channel) send within a campaign
type Delivery struct {
	ContactID string
	Channel   models.Channel
}

// deliveriesFor expands recipients over the campaign's channels, channel
// major, skipping duplicate recipient ids.
func deliveriesFor(t models.CampaignType, recipientIDs []string) []Delivery {
	ids := uniqueIDs(recipientIDs)
	channels := t.Channels()
	out := make([]Delivery, 0, len(ids)*len(channels))
	for _, ch := range channels {
		for _, id := range ids {
			out = append(out, Delivery{ContactID: id, Channel: ch})
		}
	}
	return out
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
