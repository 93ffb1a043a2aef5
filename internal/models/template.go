package models

import "time"

// MessageTemplate is a reusable message body for one channel
type MessageTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      Channel   `json:"type"`
	Subject   string    `json:"subject,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TemplateListFilter for filtering template list
type TemplateListFilter struct {
	Type   Channel
	Search string
	Limit  int
	Offset int
}
