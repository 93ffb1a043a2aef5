// Package personalize renders message templates against contact fields.
package personalize

import (
	"regexp"
	"strings"

	"github.com/foxzi/campaignd/internal/models"
)

// DefaultName is used when a contact has no name
const DefaultName = "Valued Customer"

// Token is a supported placeholder name
type Token string

const (
	TokenName         Token = "name"
	TokenCertificate  Token = "certificate"
	TokenRera         Token = "rera"
	TokenProfessional Token = "professional"
	TokenEmail        Token = "email"
	TokenPhone        Token = "phone"
)

// token pattern for template substitution: {{token}}
var tokenPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

var resolvers = map[Token]func(c *models.Contact) string{
	TokenName: func(c *models.Contact) string {
		if strings.TrimSpace(c.Name) == "" {
			return DefaultName
		}
		return c.Name
	},
	TokenCertificate:  func(c *models.Contact) string { return c.CertificateNumber },
	TokenRera:         func(c *models.Contact) string { return c.ReraAwardeeNo },
	TokenProfessional: func(c *models.Contact) string { return c.Professional },
	TokenEmail:        func(c *models.Contact) string { return c.Email },
	TokenPhone:        func(c *models.Contact) string { return c.Phone },
}

// Tokens returns the supported tokens.
func Tokens() []Token {
	return []Token{TokenName, TokenCertificate, TokenRera, TokenProfessional, TokenEmail, TokenPhone}
}

// Render substitutes supported tokens in template with the contact's fields.
// Token names are case-insensitive. Unknown tokens are kept verbatim.
func Render(template string, contact models.Contact) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}

	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := Token(strings.ToLower(strings.TrimSpace(match[2 : len(match)-2])))
		if resolve, ok := resolvers[name]; ok {
			return resolve(&contact)
		}
		return match
	})
}

// Unknown returns the placeholders in template that Render would leave as is.
func Unknown(template string) []string {
	var unknown []string
	for _, m := range tokenPattern.FindAllStringSubmatch(template, -1) {
		name := Token(strings.ToLower(strings.TrimSpace(m[1])))
		if _, ok := resolvers[name]; !ok {
			unknown = append(unknown, m[0])
		}
	}
	return unknown
}
