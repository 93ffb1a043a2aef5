package models

import "time"

// Channel is a delivery medium
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether ch is a known channel.
func (ch Channel) Valid() bool {
	return ch == ChannelEmail || ch == ChannelWhatsApp
}

// CampaignType selects the channels a campaign is delivered on
type CampaignType string

const (
	TypeEmail    CampaignType = "email"
	TypeWhatsApp CampaignType = "whatsapp"
	TypeBoth     CampaignType = "both"
)

// Channels returns the channels required by the type, in a fixed order.
func (t CampaignType) Channels() []Channel {
	switch t {
	case TypeEmail:
		return []Channel{ChannelEmail}
	case TypeWhatsApp:
		return []Channel{ChannelWhatsApp}
	case TypeBoth:
		return []Channel{ChannelEmail, ChannelWhatsApp}
	}
	return nil
}

// Includes reports whether the type delivers on ch.
func (t CampaignType) Includes(ch Channel) bool {
	for _, c := range t.Channels() {
		if c == ch {
			return true
		}
	}
	return false
}

// Valid reports whether t is a known campaign type.
func (t CampaignType) Valid() bool {
	return len(t.Channels()) > 0
}

// Status of a campaign
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Retryable reports whether failed deliveries of a campaign in this status may be re-sent.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusPartial
}

// DeriveStatus computes the terminal status from the aggregate counters.
// Callers only use it once every delivery has resolved.
func DeriveStatus(total, sent, failed int) Status {
	switch {
	case failed == 0 && sent == total:
		return StatusCompleted
	case sent == 0 && failed > 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// CertificateAttachment requests a rendered certificate to be sent along
type CertificateAttachment struct {
	CertificateID string `json:"certificate_id"`
	PDF           bool   `json:"pdf"`
	JPG           bool   `json:"jpg"`
}

// Campaign is a bulk messaging request over one or more channels
type Campaign struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name,omitempty"`
	Type            CampaignType           `json:"type"`
	Subject         string                 `json:"subject,omitempty"`
	EmailMessage    string                 `json:"email_message,omitempty"`
	WhatsAppMessage string                 `json:"whatsapp_message,omitempty"`
	RecipientIDs    []string               `json:"recipient_ids"`
	Status          Status                 `json:"status"`
	ScheduledAt     *time.Time             `json:"scheduled_at,omitempty"`
	SentAt          *time.Time             `json:"sent_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	RecipientCount  int                    `json:"recipient_count"`
	SentCount       int                    `json:"sent_count"`
	FailedCount     int                    `json:"failed_count"`
	Certificate     *CertificateAttachment `json:"certificate_attachment,omitempty"`
	Version         int                    `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// MessageFor returns the message body configured for the channel.
func (c *Campaign) MessageFor(ch Channel) string {
	if ch == ChannelEmail {
		return c.EmailMessage
	}
	return c.WhatsAppMessage
}

// Resolved is the number of deliveries with a terminal outcome.
func (c *Campaign) Resolved() int {
	return c.SentCount + c.FailedCount
}

// ResultStatus is the outcome of one (contact, channel) delivery
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultSent    ResultStatus = "sent"
	ResultFailed  ResultStatus = "failed"
)

// Result is keyed by (campaign, contact, channel); a retry overwrites it
type Result struct {
	CampaignID  string       `json:"campaign_id"`
	ContactID   string       `json:"contact_id"`
	Channel     Channel      `json:"channel"`
	Status      ResultStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	ProviderID  string       `json:"provider_id,omitempty"`
	Attempts    int          `json:"attempts"`
	AttemptedAt *time.Time   `json:"attempted_at,omitempty"`
}

// ChannelStats holds per-channel aggregates for a campaign
type ChannelStats struct {
	Channel Channel `json:"channel"`
	Total   int     `json:"total"`
	Sent    int     `json:"sent"`
	Failed  int     `json:"failed"`
	Pending int     `json:"pending"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Status Status
	Type   CampaignType
	Limit  int
	Offset int
}

// ResultFilter for filtering campaign results
type ResultFilter struct {
	Status  ResultStatus
	Channel Channel
}
