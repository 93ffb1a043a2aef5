package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaignd/internal/models"
)

// Contacts is the contact store used by the API
type Contacts interface {
	Create(ctx context.Context, c *models.Contact) error
	GetByID(ctx context.Context, id string) (*models.Contact, error)
	List(ctx context.Context, filter models.ContactFilter) ([]models.Contact, int, error)
	Delete(ctx context.Context, id string) error
	ImportCSV(ctx context.Context, r io.Reader) (*models.ContactImportResult, error)
}

// ContactServer handles contact API endpoints
type ContactServer struct {
	contacts       Contacts
	maxImportBytes int64
	logger         *slog.Logger
}

// NewContactServer creates a new contact server
func NewContactServer(contacts Contacts, maxImportBytes int64, logger *slog.Logger) *ContactServer {
	return &ContactServer{contacts: contacts, maxImportBytes: maxImportBytes, logger: logger}
}

// RegisterRoutes registers contact API routes
func (s *ContactServer) RegisterRoutes(r chi.Router) {
	r.Route("/contacts", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Post("/import", s.handleImport)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
	})
}

// ContactListResponse is the response for GET /api/v1/contacts
type ContactListResponse struct {
	Contacts []models.Contact `json:"contacts"`
	Total    int              `json:"total"`
}

func (s *ContactServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := models.ContactFilter{Search: r.URL.Query().Get("search")}
	filter.Limit, filter.Offset = pagination(r)

	contacts, total, err := s.contacts.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list contacts", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list contacts")
		return
	}
	sendJSON(w, http.StatusOK, ContactListResponse{Contacts: contacts, Total: total})
}

func (s *ContactServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var c models.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !c.HasIdentity() {
		sendError(w, http.StatusBadRequest, "name, email or phone is required")
		return
	}

	if err := s.contacts.Create(r.Context(), &c); err != nil {
		s.logger.Error("failed to create contact", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to create contact")
		return
	}
	sendJSON(w, http.StatusCreated, c)
}

// handleImport handles POST /api/v1/contacts/import with a CSV body
func (s *ContactServer) handleImport(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if s.maxImportBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxImportBytes)
	}

	result, err := s.contacts.ImportCSV(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "CSV too large")
			return
		}
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("contacts imported", "total", result.Total, "imported", result.Imported, "skipped", result.Skipped)
	sendJSON(w, http.StatusOK, result)
}

func (s *ContactServer) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.contacts.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}
	if c == nil {
		sendError(w, http.StatusNotFound, "Contact not found")
		return
	}
	sendJSON(w, http.StatusOK, c)
}

func (s *ContactServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.contacts.GetByID(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}
	if c == nil {
		sendError(w, http.StatusNotFound, "Contact not found")
		return
	}

	if err := s.contacts.Delete(r.Context(), id); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to delete contact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
