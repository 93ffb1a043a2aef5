// Package tls builds TLS settings for the API listener from certificate
// files or Let's Encrypt.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// ExpiryWarning is how close to expiry a file certificate gets reported
const ExpiryWarning = 14 * 24 * time.Hour

// Certificate is a key pair loaded from files along with its parsed leaf
type Certificate struct {
	pair tls.Certificate
	leaf *x509.Certificate
}

// LoadCertificate loads a PEM certificate chain and its private key
func LoadCertificate(certFile, keyFile string) (*Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	leaf := pair.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(pair.Certificate[0]); err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}
	return &Certificate{pair: pair, leaf: leaf}, nil
}

// Config returns listener settings presenting the certificate
func (c *Certificate) Config() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.pair},
		MinVersion:   tls.VersionTLS12,
	}
}

// Info describes the leaf certificate
func (c *Certificate) Info() CertificateInfo {
	return infoFrom(c.leaf)
}

// CertificateInfo is what the CLI and startup checks show about a certificate
type CertificateInfo struct {
	Subject   string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
	DNSNames  []string
}

// DaysLeft returns whole days until expiry, negative once expired
func (i CertificateInfo) DaysLeft(now time.Time) int {
	return int(i.NotAfter.Sub(now).Hours() / 24)
}

// ExpiresWithin reports whether the certificate is invalid at now+d
func (i CertificateInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	return now.Add(d).After(i.NotAfter)
}

// ReadCertificateInfo returns the first certificate of a PEM file. Other
// blocks, such as the key of a combined file, are skipped.
func ReadCertificateInfo(certFile string) (*CertificateInfo, error) {
	rest, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in %s", certFile)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		info := infoFrom(cert)
		return &info, nil
	}
}

func infoFrom(cert *x509.Certificate) CertificateInfo {
	return CertificateInfo{
		Subject:   cert.Subject.CommonName,
		Issuer:    cert.Issuer.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		DNSNames:  cert.DNSNames,
	}
}
