package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaignd/internal/campaign"
	"github.com/foxzi/campaignd/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string                `json:"status"`
	Version   string                `json:"version"`
	Uptime    string                `json:"uptime"`
	Campaigns map[models.Status]int `json:"campaigns,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// CampaignResponse is a campaign with its per-channel counts
type CampaignResponse struct {
	*models.Campaign
	Channels []models.ChannelStats `json:"channels,omitempty"`
}

// CampaignListResponse is the response for GET /api/v1/campaigns
type CampaignListResponse struct {
	Campaigns []models.Campaign `json:"campaigns"`
	Total     int               `json:"total"`
}

// ResultsResponse is the response for GET /api/v1/campaigns/{id}/results
type ResultsResponse struct {
	Results []models.Result `json:"results"`
	Total   int             `json:"total"`
}

// VersionRequest carries the optimistic lock for retry and cancel
type VersionRequest struct {
	Version int `json:"version"`
}

// ProcessOverdueResponse is the response for POST /api/v1/scheduler/process-overdue
type ProcessOverdueResponse struct {
	Processed int `json:"processed"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if s.stats != nil {
		counts, err := s.stats.CountByStatus(r.Context())
		if err != nil {
			s.logger.Error("failed to count campaigns", "error", err)
			resp.Status = "degraded"
			sendJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Campaigns = counts
	}

	sendJSON(w, http.StatusOK, resp)
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.campaigns.Submit(r.Context(), req)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	status := http.StatusAccepted
	if c.Status == models.StatusScheduled {
		status = http.StatusCreated
	}
	sendJSON(w, status, c)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.CampaignListFilter{
		Status: models.Status(q.Get("status")),
		Type:   models.CampaignType(q.Get("type")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		sendError(w, http.StatusBadRequest, "invalid type")
		return
	}
	filter.Limit, filter.Offset = pagination(r)

	campaigns, total, err := s.campaigns.List(r.Context(), filter)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: campaigns, Total: total})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	stats, err := s.campaigns.ChannelStats(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, CampaignResponse{Campaign: c, Channels: stats})
}

// handleResults handles GET /api/v1/campaigns/{id}/results
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ResultFilter{
		Status:  models.ResultStatus(q.Get("status")),
		Channel: models.Channel(q.Get("channel")),
	}
	if filter.Channel != "" && !filter.Channel.Valid() {
		sendError(w, http.StatusBadRequest, "invalid channel")
		return
	}

	results, err := s.campaigns.Results(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, ResultsResponse{Results: results, Total: len(results)})
}

// handleRetry handles POST /api/v1/campaigns/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req VersionRequest
	if err := decodeOptional(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.campaigns.Retry(r.Context(), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusAccepted, c)
}

// handleCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req VersionRequest
	if err := decodeOptional(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.campaigns.Cancel(r.Context(), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, c)
}

// handleProcessOverdue handles POST /api/v1/scheduler/process-overdue
func (s *Server) handleProcessOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := s.campaigns.ProcessOverdue(r.Context())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, ProcessOverdueResponse{Processed: n})
}

// sendServiceError maps campaign errors to status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	var verr *campaign.ValidationError
	switch {
	case errors.As(err, &verr):
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, campaign.ErrValidation):
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, campaign.ErrRetryPrecondition),
		errors.Is(err, campaign.ErrNotCancellable),
		errors.Is(err, campaign.ErrConflict):
		sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		sendError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeOptional decodes a JSON body if one was sent
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// pagination reads limit and offset with bounds
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = min(l, maxListLimit)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
