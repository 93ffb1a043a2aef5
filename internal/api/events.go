package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaignd/internal/models"
)

// ProgressEvent is one server-sent update of a campaign's counters
type ProgressEvent struct {
	ID             string        `json:"id"`
	Status         models.Status `json:"status"`
	RecipientCount int           `json:"recipient_count"`
	SentCount      int           `json:"sent_count"`
	FailedCount    int           `json:"failed_count"`
	Version        int           `json:"version"`
}

func progressOf(c *models.Campaign) ProgressEvent {
	return ProgressEvent{
		ID:             c.ID,
		Status:         c.Status,
		RecipientCount: c.RecipientCount,
		SentCount:      c.SentCount,
		FailedCount:    c.FailedCount,
		Version:        c.Version,
	}
}

// handleEvents handles GET /api/v1/campaigns/{id}/events. It streams a
// "progress" event whenever the counters or status change and ends with a
// "done" event once the campaign is terminal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	// The stream outlives the server write timeout
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.config.EventsInterval)
	defer ticker.Stop()

	last := ProgressEvent{Version: -1}
	for {
		if p := progressOf(c); p != last {
			writeEvent(w, "progress", p)
			flusher.Flush()
			last = p
		}
		if c.Status.Terminal() {
			writeEvent(w, "done", last)
			flusher.Flush()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c, err = s.campaigns.Get(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("events stream failed", "campaign_id", id, "error", err)
				writeEvent(w, "error", ErrorResponse{Error: "failed to load campaign"})
				flusher.Flush()
			}
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
