package tls

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// ACMEManager manages automatic TLS certificates from Let's Encrypt
type ACMEManager struct {
	manager *autocert.Manager
	domains []string
}

// NewACMEManager creates a new ACME manager
func NewACMEManager(email string, domains []string, cacheDir string) *ACMEManager {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      email,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	return &ACMEManager{
		manager: m,
		domains: domains,
	}
}

// Domains returns the list of configured domains
func (a *ACMEManager) Domains() []string {
	return a.domains
}

// TLSConfig returns TLS configuration for use with servers
func (a *ACMEManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.manager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// ChallengeServer returns a plain HTTP server answering HTTP-01
// challenges. Every other request is redirected to HTTPS.
func (a *ACMEManager) ChallengeServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.manager.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}
