// Package dkim signs outgoing campaign mail.
package dkim

import (
	"bytes"
	"crypto"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// headers covered by the signature, in addition to From
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "Reply-To", "MIME-Version", "Content-Type"}

// Signer signs messages for one domain
type Signer struct {
	key      crypto.Signer
	domain   string
	selector string
}

// NewSigner creates a new DKIM signer
func NewSigner(key crypto.Signer, domain, selector string) *Signer {
	return &Signer{
		key:      key,
		domain:   strings.ToLower(domain),
		selector: selector,
	}
}

// NewSignerFromFile creates a new DKIM signer from a PEM key file
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}

	return NewSigner(key, domain, selector), nil
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signed.Bytes(), nil
}

// Matches reports whether mail from the given address belongs to the signing domain
func (s *Signer) Matches(from string) bool {
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.TrimSuffix(from[at+1:], ">"))
	return domain == s.domain || strings.HasSuffix(domain, "."+s.domain)
}

func (s *Signer) Domain() string {
	return s.domain
}

func (s *Signer) Selector() string {
	return s.selector
}
