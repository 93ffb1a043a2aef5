package delivery

import (
	"context"
	"log/slog"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/ratelimit"
)

// ErrRateLimited is returned when a provider quota is exhausted
var ErrRateLimited = &Error{Reason: "rate limit exceeded", Temporary: true}

// Limiter decides whether a delivery may proceed
type Limiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

type rateLimitedBackend struct {
	next    Backend
	limiter Limiter
	logger  *slog.Logger
	onDeny  func(level ratelimit.Level)
}

// WithRateLimit consults limiter before every Send of next. Denied deliveries
// fail with ErrRateLimited without reaching the provider.
func WithRateLimit(next Backend, limiter Limiter, logger *slog.Logger, onDeny func(level ratelimit.Level)) Backend {
	if limiter == nil {
		return next
	}
	return &rateLimitedBackend{
		next:    next,
		limiter: limiter,
		logger:  logger,
		onDeny:  onDeny,
	}
}

func (b *rateLimitedBackend) Channel() models.Channel {
	return b.next.Channel()
}

func (b *rateLimitedBackend) Send(ctx context.Context, contact models.Contact, msg *Message) (string, error) {
	ch := b.next.Channel()
	result, err := b.limiter.Allow(ctx, &ratelimit.Request{
		Channel:    string(ch),
		CampaignID: msg.CampaignID,
		Recipient:  contact.Address(ch),
	})
	if err != nil {
		b.logger.Error("rate limit check error", "error", err)
		return b.next.Send(ctx, contact, msg) // Don't block on errors
	}

	if !result.Allowed {
		b.logger.Warn("rate limit exceeded",
			"channel", ch,
			"level", result.DeniedBy,
			"key", result.DeniedKey,
			"retry_after", result.RetryAfter,
		)
		if b.onDeny != nil {
			b.onDeny(result.DeniedBy)
		}
		return "", ErrRateLimited
	}

	return b.next.Send(ctx, contact, msg)
}
