// Package whatsapp delivers campaign messages through a Twilio-compatible
// WhatsApp messaging API.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/models"
)

// DefaultBaseURL is the Twilio REST API endpoint
const DefaultBaseURL = "https://api.twilio.com"

// Config contains provider settings
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string // sender number in E.164 format
	StatusURL  string // optional delivery status callback
	Timeout    time.Duration
}

// MessageResponse is the provider's reply to a send request
type MessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// ErrorResponse is returned by the provider for rejected requests
type ErrorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Backend sends WhatsApp messages, one HTTP request per message
type Backend struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a WhatsApp backend
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account sid and auth token are required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Backend{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "whatsapp"),
	}, nil
}

func (b *Backend) Channel() models.Channel {
	return models.ChannelWhatsApp
}

// Send posts one message to the provider and returns its message SID
func (b *Backend) Send(ctx context.Context, contact models.Contact, msg *delivery.Message) (string, error) {
	to, err := NormalizePhone(contact.Phone)
	if err != nil {
		return "", delivery.Permanent("%v", err)
	}

	form := url.Values{}
	form.Set("From", "whatsapp:"+b.cfg.From)
	form.Set("To", "whatsapp:"+to)
	form.Set("Body", msg.Body)
	if msg.MediaURL != "" {
		form.Set("MediaUrl", msg.MediaURL)
	}
	if b.cfg.StatusURL != "" {
		form.Set("StatusCallback", b.cfg.StatusURL)
	}

	resp, err := b.request(ctx, form)
	if err != nil {
		return "", err
	}

	b.logger.Debug("message accepted",
		"campaign_id", msg.CampaignID,
		"campaign", msg.CampaignName,
		"contact_id", contact.ID,
		"sid", resp.SID,
		"status", resp.Status,
	)
	return resp.SID, nil
}

// request performs the send request against the messages endpoint
func (b *Backend) request(ctx context.Context, form url.Values) (*MessageResponse, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", b.cfg.BaseURL, url.PathEscape(b.cfg.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(b.cfg.AccountSID, b.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, delivery.ErrTimeout
		}
		return nil, delivery.Temporary("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, delivery.Temporary("failed to read response: %v", err)
	}

	if resp.StatusCode >= 400 {
		return nil, providerError(resp.StatusCode, body)
	}

	var result MessageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, delivery.Temporary("decode response: %v", err)
	}
	if result.Status == "failed" || result.Status == "undelivered" {
		reason := result.ErrorMessage
		if reason == "" {
			reason = "message " + result.Status
		}
		return nil, delivery.Permanent("%s", reason)
	}

	return &result, nil
}

// providerError maps an HTTP error reply to a delivery error. 429 and 5xx
// are temporary, other 4xx replies are permanent rejections.
func providerError(status int, body []byte) error {
	reason := fmt.Sprintf("HTTP %d", status)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		reason = errResp.Message
		if errResp.Code != 0 {
			reason = fmt.Sprintf("%s (code %d)", errResp.Message, errResp.Code)
		}
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		return delivery.Temporary("%s", reason)
	}
	return delivery.Permanent("%s", reason)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// NormalizePhone converts a phone number to E.164 form. Spaces, dashes,
// dots and parentheses are dropped and a leading 00 becomes +.
func NormalizePhone(phone string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("invalid phone number: %s", phone)
		}
	}

	n := b.String()
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	if len(n) < 8 || len(n) > 16 {
		return "", fmt.Errorf("invalid phone number: %s", phone)
	}
	return n, nil
}
