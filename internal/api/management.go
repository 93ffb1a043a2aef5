package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/notify"
	"github.com/foxzi/campaignd/internal/ratelimit"
)

// RateLimits reports limiter counters
type RateLimits interface {
	GetStats(ctx context.Context, level ratelimit.Level, key string) (*ratelimit.Stats, error)
}

// Notifications returns recently emitted campaign events
type Notifications interface {
	Recent(ctx context.Context, n int64) ([]notify.Event, error)
}

// ManagementServer handles rate limit and notification inspection
type ManagementServer struct {
	rateLimits    RateLimits
	notifications Notifications
}

// NewManagementServer creates a new management server. Either part may
// be nil; its routes then answer 404.
func NewManagementServer(rateLimits RateLimits, notifications Notifications) *ManagementServer {
	return &ManagementServer{rateLimits: rateLimits, notifications: notifications}
}

// RegisterRoutes registers management API routes
func (m *ManagementServer) RegisterRoutes(r chi.Router) {
	r.Get("/ratelimits/{channel}", m.handleRateLimitStats)
	r.Get("/notifications", m.handleNotifications)
}

// LimitUsage is the counter state of one limiter key
type LimitUsage struct {
	Level       ratelimit.Level `json:"level"`
	Key         string          `json:"key"`
	HourlyCount int             `json:"hourly_count"`
	DailyCount  int             `json:"daily_count"`
	HourStart   time.Time       `json:"hour_start,omitzero"`
	DayStart    time.Time       `json:"day_start,omitzero"`
}

// RateLimitResponse is the response for GET /api/v1/ratelimits/{channel}
type RateLimitResponse struct {
	Channel models.Channel `json:"channel"`
	Global  LimitUsage     `json:"global"`
	Usage   LimitUsage     `json:"usage"`
}

// handleRateLimitStats handles GET /api/v1/ratelimits/{channel}
func (m *ManagementServer) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if m.rateLimits == nil {
		sendError(w, http.StatusNotFound, "Rate limiting is disabled")
		return
	}

	ch := models.Channel(chi.URLParam(r, "channel"))
	if !ch.Valid() {
		sendError(w, http.StatusBadRequest, "channel must be email or whatsapp")
		return
	}

	global, err := m.rateLimits.GetStats(r.Context(), ratelimit.LevelGlobal, "global")
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get rate limit stats")
		return
	}
	usage, err := m.rateLimits.GetStats(r.Context(), ratelimit.LevelChannel, string(ch))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get rate limit stats")
		return
	}

	sendJSON(w, http.StatusOK, RateLimitResponse{
		Channel: ch,
		Global:  usageOf(global),
		Usage:   usageOf(usage),
	})
}

func usageOf(s *ratelimit.Stats) LimitUsage {
	return LimitUsage{
		Level:       s.Level,
		Key:         s.Key,
		HourlyCount: s.HourlyCount,
		DailyCount:  s.DailyCount,
		HourStart:   s.HourStart,
		DayStart:    s.DayStart,
	}
}

// NotificationsResponse is the response for GET /api/v1/notifications
type NotificationsResponse struct {
	Events []notify.Event `json:"events"`
}

// handleNotifications handles GET /api/v1/notifications
func (m *ManagementServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if m.notifications == nil {
		sendError(w, http.StatusNotFound, "Notification store is not configured")
		return
	}

	n := int64(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.ParseInt(v, 10, 64); err == nil && l > 0 {
			n = min(l, maxListLimit)
		}
	}

	events, err := m.notifications.Recent(r.Context(), n)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to read notifications")
		return
	}
	if events == nil {
		events = []notify.Event{}
	}
	sendJSON(w, http.StatusOK, NotificationsResponse{Events: events})
}
