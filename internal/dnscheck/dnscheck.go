// Package dnscheck verifies the DNS records a campaign sender domain needs
// for its mail to be accepted: SPF, DKIM, DMARC and MX.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Domain validation errors
var (
	ErrInvalidDomain   = errors.New("invalid domain name")
	ErrInvalidSelector = errors.New("invalid DKIM selector")
)

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid. Empty is allowed.
func ValidateSelector(selector string) error {
	if selector == "" {
		return nil
	}
	if len(selector) > 63 || !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// Resolver is the subset of net.Resolver used by the checks
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// DomainCheckResult contains all DNS check results for a domain
type DomainCheckResult struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary contains check statistics
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// Healthy reports whether nothing failed or is missing
func (s Summary) Healthy() bool {
	return s.Errors == 0 && s.NotFound == 0
}

// CheckOptions selects the checks to run. With none selected all run.
type CheckOptions struct {
	MX    bool
	SPF   bool
	DKIM  bool
	DMARC bool

	Selector  string // DKIM selector, "default" when empty
	PublicKey string // expected DKIM p= value, compared when set
}

// Checker runs DNS checks against a resolver
type Checker struct {
	resolver Resolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// CheckDomain performs DNS checks for a domain
func (c *Checker) CheckDomain(ctx context.Context, domain string, opts CheckOptions) (*DomainCheckResult, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(opts.Selector); err != nil {
		return nil, err
	}
	if opts.Selector == "" {
		opts.Selector = "default"
	}

	result := &DomainCheckResult{
		Domain:  domain,
		Results: make([]CheckResult, 0, 4),
	}

	all := !opts.MX && !opts.SPF && !opts.DKIM && !opts.DMARC
	if all || opts.SPF {
		result.Results = append(result.Results, c.CheckSPF(ctx, domain))
	}
	if all || opts.DKIM {
		result.Results = append(result.Results, c.CheckDKIM(ctx, domain, opts.Selector, opts.PublicKey))
	}
	if all || opts.DMARC {
		result.Results = append(result.Results, c.CheckDMARC(ctx, domain))
	}
	if all || opts.MX {
		result.Results = append(result.Results, c.CheckMX(ctx, domain))
	}

	for _, r := range result.Results {
		switch r.Status {
		case StatusOK:
			result.Summary.OK++
		case StatusWarning:
			result.Summary.Warnings++
		case StatusError:
			result.Summary.Errors++
		case StatusNotFound:
			result.Summary.NotFound++
		}
	}

	return result, nil
}

// CheckMX checks MX records. Bounces and replies to campaign mail go there.
func (c *Checker) CheckMX(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "MX Records"}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(result, err)
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "No MX records found, replies and bounces will be lost"
		return result
	}

	values := make([]string, 0, len(records))
	for _, mx := range records {
		values = append(values, fmt.Sprintf("%s (priority %d)", mx.Host, mx.Pref))
	}
	result.Status = StatusOK
	result.Value = strings.Join(values, ", ")
	result.Message = fmt.Sprintf("%d MX record(s) found", len(records))
	return result
}

// CheckSPF checks the SPF record
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "SPF Record"}

	records, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(result, err)
	}

	var spf []string
	for _, txt := range records {
		if strings.HasPrefix(txt, "v=spf1") {
			spf = append(spf, txt)
		}
	}

	switch {
	case len(spf) == 0:
		result.Status = StatusNotFound
		result.Message = "No SPF record found"
	case len(spf) > 1:
		result.Status = StatusError
		result.Value = strings.Join(spf, " | ")
		result.Message = "Multiple SPF records found, receivers will treat SPF as failed"
	default:
		result.Status = StatusOK
		result.Value = spf[0]
		switch {
		case strings.Contains(spf[0], "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all (allows any sender), use ~all or -all"
		case strings.Contains(spf[0], "-all"):
			result.Message = "SPF configured with strict policy (-all)"
		case strings.Contains(spf[0], "~all"):
			result.Message = "SPF configured with soft fail (~all)"
		}
	}
	return result
}

// CheckDKIM checks the DKIM record of a selector. When publicKey is set
// the published key must match it.
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, publicKey string) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM Record (%s._domainkey)", selector)}

	records, err := c.resolver.LookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(result, err)
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = fmt.Sprintf("No DKIM record found for selector '%s'", selector)
		return result
	}

	// Long keys are split over several strings
	record := strings.Join(records, "")
	result.Value = truncateString(record, 100)

	tags := parseTags(record)
	if tags["v"] != "DKIM1" {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DKIM record"
		return result
	}

	p, ok := tags["p"]
	switch {
	case !ok:
		result.Status = StatusWarning
		result.Message = "DKIM record missing public key (p=)"
	case p == "":
		result.Status = StatusError
		result.Message = "DKIM key has been revoked (empty p=)"
	case publicKey != "" && p != publicKey:
		result.Status = StatusError
		result.Message = "Published DKIM key does not match the configured signing key"
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("DKIM configured with %s key", strings.ToUpper(defaultString(tags["k"], "rsa")))
		if publicKey != "" {
			result.Message += " matching the signing key"
		}
	}
	return result
}

// CheckDMARC checks the DMARC record
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC Record"}

	records, err := c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(result, err)
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "No DMARC record found"
		return result
	}

	record := strings.Join(records, "")
	result.Value = record

	tags := parseTags(record)
	if tags["v"] != "DMARC1" {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DMARC record"
		return result
	}

	result.Status = StatusOK
	switch tags["p"] {
	case "reject":
		result.Message = "DMARC configured with reject policy (strict)"
	case "quarantine":
		result.Message = "DMARC configured with quarantine policy"
	case "none":
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	default:
		result.Status = StatusWarning
		result.Message = "DMARC record has no valid policy (p=)"
	}
	return result
}

// parseTags splits a "k=v; k=v" record. Whitespace inside values is
// dropped since DNS tools wrap long keys.
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.Join(strings.Fields(v), "")
	}
	return tags
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func lookupFailed(result CheckResult, err error) CheckResult {
	result.Status = StatusError
	result.Message = fmt.Sprintf("Lookup failed: %v", err)
	return result
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
