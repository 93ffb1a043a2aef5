package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaignd/internal/sandbox"
)

// SandboxServer handles sandbox API endpoints
type SandboxServer struct {
	storage *sandbox.Storage
}

// NewSandboxServer creates a new sandbox server
func NewSandboxServer(storage *sandbox.Storage) *SandboxServer {
	return &SandboxServer{storage: storage}
}

// RegisterRoutes registers sandbox API routes
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", s.handleList)
		r.Get("/messages/{id}", s.handleGet)
		r.Delete("/messages", s.handleClear)
		r.Get("/stats", s.handleStats)
	})
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// SandboxClearResponse is the response for DELETE /api/v1/sandbox/messages
type SandboxClearResponse struct {
	Deleted int `json:"deleted"`
}

// handleList handles GET /api/v1/sandbox/messages
func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := sandbox.ListFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Channel:    r.URL.Query().Get("channel"),
	}
	filter.Limit, filter.Offset = pagination(r)

	messages, err := s.storage.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{Messages: messages, Total: len(messages)})
}

// handleGet handles GET /api/v1/sandbox/messages/{id}
func (s *SandboxServer) handleGet(w http.ResponseWriter, r *http.Request) {
	msg, err := s.storage.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get message")
		return
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
		return
	}
	sendJSON(w, http.StatusOK, msg)
}

// handleClear handles DELETE /api/v1/sandbox/messages
func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, "Invalid older_than duration")
			return
		}
		olderThan = d
	}

	n, err := s.storage.Clear(r.Context(), r.URL.Query().Get("campaign_id"), olderThan)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}
	sendJSON(w, http.StatusOK, SandboxClearResponse{Deleted: n})
}

// handleStats handles GET /api/v1/sandbox/stats
func (s *SandboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}
