package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/ratelimit"
)

type funcBackend struct {
	channel models.Channel
	calls   atomic.Int32
	send    func(ctx context.Context) (string, error)
}

func (b *funcBackend) Channel() models.Channel { return b.channel }

func (b *funcBackend) Send(ctx context.Context, _ models.Contact, _ *Message) (string, error) {
	b.calls.Add(1)
	return b.send(ctx)
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("dial: %w", context.DeadlineExceeded), "timeout"},
		{Permanent("mailbox %s unavailable", "a@example.com"), "mailbox a@example.com unavailable"},
		{fmt.Errorf("wrapped: %w", Temporary("busy")), "busy"},
		{errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIsTemporary(t *testing.T) {
	if IsTemporary(Permanent("no")) {
		t.Error("permanent error reported as temporary")
	}
	if !IsTemporary(Temporary("later")) {
		t.Error("temporary error reported as permanent")
	}
	if !IsTemporary(errors.New("unknown")) {
		t.Error("unknown errors should be treated as temporary")
	}
}

func TestWithTimeout(t *testing.T) {
	stuck := &funcBackend{channel: models.ChannelEmail, send: func(ctx context.Context) (string, error) {
		// ignores ctx on purpose
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	}}

	b := WithTimeout(stuck, 20*time.Millisecond)
	start := time.Now()
	_, err := b.Send(context.Background(), models.Contact{}, &Message{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send() error = %v, want ErrTimeout", err)
	}
	if Reason(err) != "timeout" {
		t.Errorf("Reason() = %q, want timeout", Reason(err))
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Send() took %v, expected to return at the deadline", elapsed)
	}
	if b.Channel() != models.ChannelEmail {
		t.Errorf("Channel() = %q", b.Channel())
	}
}

func TestWithTimeoutContextAware(t *testing.T) {
	aware := &funcBackend{channel: models.ChannelWhatsApp, send: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("request failed: %w", ctx.Err())
	}}

	_, err := WithTimeout(aware, 10*time.Millisecond).Send(context.Background(), models.Contact{}, &Message{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send() error = %v, want ErrTimeout", err)
	}
}

func TestWithTimeoutPassesResult(t *testing.T) {
	ok := &funcBackend{channel: models.ChannelEmail, send: func(ctx context.Context) (string, error) {
		return "msg-1", nil
	}}
	id, err := WithTimeout(ok, time.Second).Send(context.Background(), models.Contact{}, &Message{})
	if err != nil || id != "msg-1" {
		t.Errorf("Send() = %q, %v", id, err)
	}

	if WithTimeout(ok, 0) != Backend(ok) {
		t.Error("zero timeout should return the backend unchanged")
	}
}

type fakeLimiter struct {
	allow int
	reqs  []ratelimit.Request
}

func (l *fakeLimiter) Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error) {
	l.reqs = append(l.reqs, *req)
	if l.allow > 0 {
		l.allow--
		return &ratelimit.Result{Allowed: true}, nil
	}
	return &ratelimit.Result{Allowed: false, DeniedBy: ratelimit.LevelChannel, DeniedKey: "channel:email"}, nil
}

func TestWithRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	next := &funcBackend{channel: models.ChannelEmail, send: func(ctx context.Context) (string, error) {
		return "ok", nil
	}}
	limiter := &fakeLimiter{allow: 1}
	var denied []ratelimit.Level

	b := WithRateLimit(next, limiter, logger, func(level ratelimit.Level) { denied = append(denied, level) })
	contact := models.Contact{Email: "amal@example.com", Phone: "+971500000000"}

	if _, err := b.Send(context.Background(), contact, &Message{CampaignID: "c1"}); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	_, err := b.Send(context.Background(), contact, &Message{CampaignID: "c1"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Send() error = %v, want ErrRateLimited", err)
	}

	if next.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", next.calls.Load())
	}
	if len(denied) != 1 || denied[0] != ratelimit.LevelChannel {
		t.Errorf("denied = %v", denied)
	}
	req := limiter.reqs[0]
	if req.Channel != "email" || req.CampaignID != "c1" || req.Recipient != "amal@example.com" {
		t.Errorf("limiter request = %+v", req)
	}
}

func TestRegistry(t *testing.T) {
	email := &funcBackend{channel: models.ChannelEmail}
	wa := &funcBackend{channel: models.ChannelWhatsApp}
	r := NewRegistry(email, nil, wa)

	if b, ok := r.Get(models.ChannelEmail); !ok || b != Backend(email) {
		t.Error("email backend not registered")
	}

	wrapped := 0
	r.Wrap(func(b Backend) Backend {
		wrapped++
		return WithTimeout(b, time.Second)
	})
	if wrapped != 2 {
		t.Errorf("Wrap() visited %d backends, want 2", wrapped)
	}
	if b, _ := r.Get(models.ChannelWhatsApp); b.Channel() != models.ChannelWhatsApp {
		t.Error("wrapped backend lost its channel")
	}
}
