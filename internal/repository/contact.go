package repository

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/google/uuid"
)

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

const contactColumns = `id, name, email, phone, certificate_number, rera_awardee_no, professional, created_at`

func scanContact(row rowScanner) (*models.Contact, error) {
	c := &models.Contact{}
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.CertificateNumber, &c.ReraAwardeeNo, &c.Professional, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create adds a new contact
func (r *ContactRepository) Create(ctx context.Context, c *models.Contact) error {
	return r.create(ctx, r.db, c)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *ContactRepository) create(ctx context.Context, e execer, c *models.Contact) error {
	if !c.HasIdentity() {
		return fmt.Errorf("contact requires a name, email or phone")
	}
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()

	_, err := e.ExecContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Email, c.Phone, c.CertificateNumber, c.ReraAwardeeNo, c.Professional, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID returns a contact by ID
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetAll returns every contact
func (r *ContactRepository) GetAll(ctx context.Context) ([]models.Contact, error) {
	return r.query(ctx, `SELECT `+contactColumns+` FROM contacts ORDER BY created_at, id`)
}

// GetByIDs returns the contacts with the given IDs. Unknown IDs are skipped.
func (r *ContactRepository) GetByIDs(ctx context.Context, ids []string) ([]models.Contact, error) {
	contacts := []models.Contact{}
	const chunk = 500

	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]

		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")

		found, err := r.query(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, found...)
	}

	return contacts, nil
}

// List returns contacts with optional search
func (r *ContactRepository) List(ctx context.Context, filter models.ContactFilter) ([]models.Contact, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Search != "" {
		where += " AND (name LIKE ? OR email LIKE ? OR phone LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + contactColumns + ` FROM contacts` + where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	contacts, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return contacts, total, nil
}

// Delete deletes a contact. Campaigns keep referring to it by id.
func (r *ContactRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM contacts WHERE id = ?", id)
	return err
}

// ImportCSV imports contacts from a CSV with a header row
func (r *ContactRepository) ImportCSV(ctx context.Context, reader io.Reader) (*models.ContactImportResult, error) {
	result := &models.ContactImportResult{}
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1

	// Read header
	header, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	// Find column indices
	cols := map[string]int{}
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(col))
		switch col {
		case "name", "full_name", "fullname":
			cols["name"] = i
		case "email", "e-mail", "email_address":
			cols["email"] = i
		case "phone", "mobile", "whatsapp", "phone_number":
			cols["phone"] = i
		case "certificate", "certificate_number", "certificate_no":
			cols["certificate"] = i
		case "rera", "rera_awardee_no", "rera_no":
			cols["rera"] = i
		case "professional", "profession":
			cols["professional"] = i
		}
	}

	_, hasName := cols["name"]
	_, hasEmail := cols["email"]
	_, hasPhone := cols["phone"]
	if !hasName && !hasEmail && !hasPhone {
		return nil, fmt.Errorf("CSV must have a name, email or phone column")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		result.Total++
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", result.Total, err))
			result.Skipped++
			continue
		}

		field := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		contact := &models.Contact{
			Name:              field("name"),
			Email:             field("email"),
			Phone:             field("phone"),
			CertificateNumber: field("certificate"),
			ReraAwardeeNo:     field("rera"),
			Professional:      field("professional"),
		}
		if !contact.HasIdentity() {
			result.Skipped++
			continue
		}

		if err := r.create(ctx, tx, contact); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", result.Total, err))
			result.Skipped++
			continue
		}
		result.Imported++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit import: %w", err)
	}
	return result, nil
}

func (r *ContactRepository) query(ctx context.Context, query string, args ...any) ([]models.Contact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}
