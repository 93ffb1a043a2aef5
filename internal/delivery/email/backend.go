// Package email delivers campaign messages over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/dkim"
	"github.com/foxzi/campaignd/internal/models"
)

// TLS modes
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
	TLSNone     = "none"
)

// Config contains SMTP relay settings
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLSMode            string
	InsecureSkipVerify bool
	Hostname           string // HELO name
	From               string
	FromName           string
	ReplyTo            string
	Timeout            time.Duration
}

// Backend sends one message per SMTP session to a configured relay
type Backend struct {
	cfg    Config
	from   mail.Address
	signer *dkim.Signer
	logger *slog.Logger
	now    func() time.Time
}

// New creates an email backend
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", cfg.From, err)
	}
	if cfg.FromName != "" {
		from.Name = cfg.FromName
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSStartTLS
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Backend{
		cfg:    cfg,
		from:   *from,
		logger: logger.With("component", "email"),
		now:    time.Now,
	}, nil
}

// SetDKIMSigner enables DKIM signing for messages from the signer's domain
func (b *Backend) SetDKIMSigner(signer *dkim.Signer) {
	b.signer = signer
}

func (b *Backend) Channel() models.Channel {
	return models.ChannelEmail
}

// Send delivers msg to the contact's email address in a single SMTP session
func (b *Backend) Send(ctx context.Context, contact models.Contact, msg *delivery.Message) (string, error) {
	to, err := mail.ParseAddress(contact.Email)
	if err != nil {
		return "", delivery.Permanent("invalid email address: %s", contact.Email)
	}
	to.Name = contact.Name

	data := buildMessage(envelope{
		From:    b.from,
		To:      *to,
		ReplyTo: b.cfg.ReplyTo,
		Subject: msg.Subject,
		Date:    b.now(),
	}, msg)

	// Sign message with DKIM if signer is configured for this sender
	if b.signer != nil && b.signer.Matches(b.from.Address) {
		signed, err := b.signer.Sign(data)
		if err != nil {
			b.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", b.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	if err := b.deliver(ctx, to.Address, data); err != nil {
		return "", err
	}

	b.logger.Debug("message delivered",
		"campaign_id", msg.CampaignID,
		"contact_id", contact.ID,
		"relay", b.cfg.Host,
	)
	return "", nil
}

func (b *Backend) deliver(ctx context.Context, rcpt string, data []byte) error {
	addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         b.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: b.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: b.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return delivery.Temporary("connection failed to %s: %v", addr, err)
	}

	// Set deadline
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(b.cfg.Timeout)
	}
	conn.SetDeadline(deadline)

	if b.cfg.TLSMode == TLSImplicit {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return delivery.Temporary("TLS handshake with %s failed: %v", addr, err)
		}
		conn = tlsConn
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(b.cfg.Hostname); err != nil {
		return categorize(err, "HELO")
	}

	if b.cfg.TLSMode == TLSStartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return categorize(err, "STARTTLS")
		}
	}

	if b.cfg.Username != "" {
		auth := sasl.NewPlainClient("", b.cfg.Username, b.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return categorize(err, "AUTH")
		}
	}

	if err := client.Mail(b.from.Address, nil); err != nil {
		return categorize(err, "MAIL FROM")
	}
	if err := client.Rcpt(rcpt, nil); err != nil {
		return categorize(err, "RCPT TO")
	}

	wc, err := client.Data()
	if err != nil {
		return categorize(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return delivery.Temporary("failed to write message data: %v", err)
	}
	if err := wc.Close(); err != nil {
		return categorize(err, "DATA close")
	}

	client.Quit()
	return nil
}

// categorize maps an SMTP error to a delivery error; 5xx replies are permanent
func categorize(err error, stage string) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return delivery.ErrTimeout
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		msg := fmt.Sprintf("%s rejected: %d %s", stage, smtpErr.Code, smtpErr.Message)
		if smtpErr.Code >= 500 {
			return delivery.Permanent("%s", msg)
		}
		return delivery.Temporary("%s", msg)
	}

	// Assume temporary by default
	return delivery.Temporary("%s failed: %v", stage, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
