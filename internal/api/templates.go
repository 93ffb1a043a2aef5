package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/personalize"
)

// Templates is the message template store used by the API
type Templates interface {
	Create(ctx context.Context, t *models.MessageTemplate) error
	GetByID(ctx context.Context, id string) (*models.MessageTemplate, error)
	List(ctx context.Context, filter models.TemplateListFilter) ([]models.MessageTemplate, error)
	Update(ctx context.Context, t *models.MessageTemplate) error
	Delete(ctx context.Context, id string) error
}

// TemplateServer handles template API endpoints
type TemplateServer struct {
	templates Templates
	contacts  Contacts
}

// NewTemplateServer creates a new template server. contacts may be nil,
// then previews need an inline contact.
func NewTemplateServer(templates Templates, contacts Contacts) *TemplateServer {
	return &TemplateServer{templates: templates, contacts: contacts}
}

// RegisterRoutes registers template API routes
func (s *TemplateServer) RegisterRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/preview", s.handlePreview)
	})
}

// TemplateRequest is the request for creating or updating a template
type TemplateRequest struct {
	Name    string         `json:"name"`
	Type    models.Channel `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Content string         `json:"content"`
}

func (req *TemplateRequest) validate() string {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return "name is required"
	case !req.Type.Valid():
		return "type must be email or whatsapp"
	case strings.TrimSpace(req.Content) == "":
		return "content is required"
	case req.Type == models.ChannelWhatsApp && req.Subject != "":
		return "subject is only allowed for email templates"
	}
	return ""
}

// TemplateListResponse is the response for GET /api/v1/templates
type TemplateListResponse struct {
	Templates []models.MessageTemplate `json:"templates"`
	Total     int                      `json:"total"`
}

// PreviewRequest is the request for POST /api/v1/templates/{id}/preview
type PreviewRequest struct {
	ContactID string          `json:"contact_id,omitempty"`
	Contact   *models.Contact `json:"contact,omitempty"`
}

// PreviewResponse is the rendered template for one contact
type PreviewResponse struct {
	Subject       string   `json:"subject,omitempty"`
	Content       string   `json:"content"`
	UnknownTokens []string `json:"unknown_tokens,omitempty"`
}

func (s *TemplateServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := models.TemplateListFilter{
		Type:   models.Channel(r.URL.Query().Get("type")),
		Search: r.URL.Query().Get("search"),
	}
	filter.Limit, filter.Offset = pagination(r)

	templates, err := s.templates.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	sendJSON(w, http.StatusOK, TemplateListResponse{Templates: templates, Total: len(templates)})
}

func (s *TemplateServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		sendError(w, http.StatusBadRequest, msg)
		return
	}

	t := &models.MessageTemplate{
		Name:    req.Name,
		Type:    req.Type,
		Subject: req.Subject,
		Content: req.Content,
	}
	if err := s.templates.Create(r.Context(), t); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to create template")
		return
	}
	sendJSON(w, http.StatusCreated, t)
}

func (s *TemplateServer) handleGet(w http.ResponseWriter, r *http.Request) {
	t := s.load(w, r)
	if t == nil {
		return
	}
	sendJSON(w, http.StatusOK, t)
}

// handleUpdate handles PUT /api/v1/templates/{id}. Existing campaigns keep
// the text they were created with.
func (s *TemplateServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	t := s.load(w, r)
	if t == nil {
		return
	}

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		sendError(w, http.StatusBadRequest, msg)
		return
	}

	t.Name, t.Type, t.Subject, t.Content = req.Name, req.Type, req.Subject, req.Content
	if err := s.templates.Update(r.Context(), t); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to update template")
		return
	}
	sendJSON(w, http.StatusOK, t)
}

func (s *TemplateServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.load(w, r) == nil {
		return
	}
	if err := s.templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePreview renders a template for a stored or inline contact
func (s *TemplateServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	t := s.load(w, r)
	if t == nil {
		return
	}

	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var contact models.Contact
	switch {
	case req.Contact != nil:
		contact = *req.Contact
	case req.ContactID != "" && s.contacts != nil:
		c, err := s.contacts.GetByID(r.Context(), req.ContactID)
		if err != nil {
			sendError(w, http.StatusInternalServerError, "Failed to get contact")
			return
		}
		if c == nil {
			sendError(w, http.StatusNotFound, "Contact not found")
			return
		}
		contact = *c
	default:
		sendError(w, http.StatusBadRequest, "contact or contact_id is required")
		return
	}

	unknown := personalize.Unknown(t.Content)
	if t.Subject != "" {
		unknown = append(unknown, personalize.Unknown(t.Subject)...)
	}
	sendJSON(w, http.StatusOK, PreviewResponse{
		Subject:       personalize.Render(t.Subject, contact),
		Content:       personalize.Render(t.Content, contact),
		UnknownTokens: unknown,
	})
}

// load fetches the template named in the URL or writes an error
func (s *TemplateServer) load(w http.ResponseWriter, r *http.Request) *models.MessageTemplate {
	t, err := s.templates.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get template")
		return nil
	}
	if t == nil {
		sendError(w, http.StatusNotFound, "Template not found")
		return nil
	}
	return t
}
