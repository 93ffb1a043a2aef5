package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/notify"
	"github.com/foxzi/campaignd/internal/ratelimit"
)

type stubNotifications struct {
	events []notify.Event
	err    error
	asked  int64
}

func (s *stubNotifications) Recent(ctx context.Context, n int64) ([]notify.Event, error) {
	s.asked = n
	if s.err != nil {
		return nil, s.err
	}
	return s.events[:min(int(n), len(s.events))], nil
}

func TestManagementDisabled(t *testing.T) {
	st := newTestStack(t, nil)

	expectStatus(t, st.do(t, http.MethodGet, "/api/v1/ratelimits/email", nil), http.StatusNotFound)
	expectStatus(t, st.do(t, http.MethodGet, "/api/v1/notifications", nil), http.StatusNotFound)
}

func TestRateLimitStats(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open bolt: %v", err)
	}
	defer db.Close()

	limiter, err := ratelimit.NewLimiter(db, &ratelimit.Config{
		Global:   &ratelimit.LimitConfig{MessagesPerHour: 100},
		Channels: map[string]*ratelimit.LimitConfig{"email": {MessagesPerHour: 10}},
	})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer limiter.Stop()

	for range 3 {
		if _, err := limiter.Allow(context.Background(), &ratelimit.Request{Channel: "email", Recipient: "a@example.com"}); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
	}

	st := newTestStack(t, nil, func(o *Options) { o.RateLimits = limiter })

	w := st.do(t, http.MethodGet, "/api/v1/ratelimits/email", nil)
	expectStatus(t, w, http.StatusOK)
	resp := decode[RateLimitResponse](t, w)
	if resp.Channel != models.ChannelEmail {
		t.Errorf("channel = %s", resp.Channel)
	}
	if resp.Global.HourlyCount != 3 || resp.Usage.HourlyCount != 3 {
		t.Errorf("global = %+v, usage = %+v", resp.Global, resp.Usage)
	}
	if resp.Usage.HourStart.IsZero() {
		t.Error("expected hour start")
	}

	w = st.do(t, http.MethodGet, "/api/v1/ratelimits/whatsapp", nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[RateLimitResponse](t, w); resp.Usage.HourlyCount != 0 || !resp.Usage.HourStart.IsZero() {
		t.Errorf("whatsapp usage = %+v", resp.Usage)
	}

	expectStatus(t, st.do(t, http.MethodGet, "/api/v1/ratelimits/sms", nil), http.StatusBadRequest)
}

func TestNotifications(t *testing.T) {
	source := &stubNotifications{}
	for i := range 30 {
		source.events = append(source.events, notify.Event{
			Kind:       notify.KindCompleted,
			CampaignID: "c" + string(rune('a'+i%26)),
			Status:     string(models.StatusCompleted),
			Time:       time.Now(),
		})
	}
	st := newTestStack(t, nil, func(o *Options) { o.Notifications = source })

	w := st.do(t, http.MethodGet, "/api/v1/notifications", nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[NotificationsResponse](t, w); len(resp.Events) != 20 || source.asked != 20 {
		t.Errorf("events = %d, asked = %d, want 20", len(resp.Events), source.asked)
	}

	w = st.do(t, http.MethodGet, "/api/v1/notifications?limit=5", nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[NotificationsResponse](t, w); len(resp.Events) != 5 {
		t.Errorf("events = %d, want 5", len(resp.Events))
	}

	source.err = errors.New("connection refused")
	expectStatus(t, st.do(t, http.MethodGet, "/api/v1/notifications", nil), http.StatusInternalServerError)
}
