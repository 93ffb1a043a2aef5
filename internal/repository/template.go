package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/google/uuid"
)

type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) Create(ctx context.Context, t *models.MessageTemplate) error {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_templates (id, name, type, subject, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Type, t.Subject, t.Content, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.MessageTemplate, error) {
	t := &models.MessageTemplate{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, type, subject, content, created_at, updated_at
		FROM message_templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Type, &t.Subject, &t.Content, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TemplateRepository) List(ctx context.Context, filter models.TemplateListFilter) ([]models.MessageTemplate, error) {
	query := `SELECT id, name, type, subject, content, created_at, updated_at FROM message_templates WHERE 1=1`
	args := []any{}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.Search != "" {
		query += " AND (name LIKE ? OR subject LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := []models.MessageTemplate{}
	for rows.Next() {
		var t models.MessageTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.Subject, &t.Content, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// Update overwrites a template. Campaigns hold their own copy of the text,
// so edits only affect campaigns created afterwards.
func (r *TemplateRepository) Update(ctx context.Context, t *models.MessageTemplate) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_templates SET name = ?, type = ?, subject = ?, content = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Type, t.Subject, t.Content, t.UpdatedAt, t.ID,
	)
	return err
}

func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM message_templates WHERE id = ?", id)
	return err
}
