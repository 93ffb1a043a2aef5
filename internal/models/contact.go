package models

import "time"

// Contact represents a campaign recipient
type Contact struct {
	ID                string    `json:"id"`
	Name              string    `json:"name,omitempty"`
	Email             string    `json:"email,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	CertificateNumber string    `json:"certificate_number,omitempty"`
	ReraAwardeeNo     string    `json:"rera_awardee_no,omitempty"`
	Professional      string    `json:"professional,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// HasIdentity reports whether the contact has at least one of name, email or phone.
func (c *Contact) HasIdentity() bool {
	return c.Name != "" || c.Email != "" || c.Phone != ""
}

// Address returns the destination for the given channel, empty if absent.
func (c *Contact) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelWhatsApp:
		return c.Phone
	}
	return ""
}

// ContactFilter for filtering contacts
type ContactFilter struct {
	Search string
	Limit  int
	Offset int
}

// ContactImportResult holds the result of an import operation
type ContactImportResult struct {
	Total    int      `json:"total"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}
