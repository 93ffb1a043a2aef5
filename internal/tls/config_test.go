package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func generateTestCertificate() (certPEM, keyPEM []byte, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "api.example.com",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"api.example.com"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	return certPEM, keyPEM, nil
}

func TestLoadCertificate(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")

	certPEM, keyPEM, err := generateTestCertificate()
	if err != nil {
		t.Fatalf("failed to generate test certificate: %v", err)
	}

	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}

	t.Run("valid certificate", func(t *testing.T) {
		cert, err := LoadCertificate(certFile, keyFile)
		if err != nil {
			t.Fatalf("unexpected error loading valid certificate: %v", err)
		}
		cfg := cert.Config()
		if len(cfg.Certificates) != 1 || cfg.MinVersion != tls.VersionTLS12 {
			t.Errorf("unexpected config %+v", cfg)
		}
		if info := cert.Info(); info.Subject != "api.example.com" {
			t.Errorf("Subject = %q", info.Subject)
		}
	})

	t.Run("key of another certificate", func(t *testing.T) {
		_, otherKey, err := generateTestCertificate()
		if err != nil {
			t.Fatal(err)
		}
		otherKeyFile := filepath.Join(tmpDir, "other.pem")
		if err := os.WriteFile(otherKeyFile, otherKey, 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCertificate(certFile, otherKeyFile); err == nil {
			t.Error("expected error for mismatched key")
		}
	})

	t.Run("non-existent cert file", func(t *testing.T) {
		_, err := LoadCertificate("/nonexistent/cert.pem", "/nonexistent/key.pem")
		if err == nil {
			t.Error("expected error for non-existent files")
		}
	})

	t.Run("invalid cert", func(t *testing.T) {
		invalidCert := filepath.Join(tmpDir, "invalid.pem")
		if err := os.WriteFile(invalidCert, []byte("invalid"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := LoadCertificate(invalidCert, keyFile)
		if err == nil {
			t.Error("expected error for invalid certificate")
		}
	})
}

func TestReadCertificateInfo(t *testing.T) {
	certPEM, keyPEM, err := generateTestCertificate()
	if err != nil {
		t.Fatalf("failed to generate test certificate: %v", err)
	}
	dir := t.TempDir()

	// key first, as in some combined files
	combined := filepath.Join(dir, "combined.pem")
	if err := os.WriteFile(combined, append(keyPEM, certPEM...), 0600); err != nil {
		t.Fatal(err)
	}

	info, err := ReadCertificateInfo(combined)
	if err != nil {
		t.Fatalf("ReadCertificateInfo: %v", err)
	}
	if info.Subject != "api.example.com" {
		t.Errorf("Subject = %q", info.Subject)
	}
	if len(info.DNSNames) != 1 || info.DNSNames[0] != "api.example.com" {
		t.Errorf("DNSNames = %v", info.DNSNames)
	}

	now := time.Now()
	if d := info.DaysLeft(now); d != 0 {
		t.Errorf("DaysLeft = %d, want 0 for a one day certificate", d)
	}
	if !info.ExpiresWithin(now, ExpiryWarning) {
		t.Error("one day certificate should be within the expiry warning")
	}
	if info.ExpiresWithin(now, time.Hour) {
		t.Error("certificate should be valid for the next hour")
	}

	keyOnly := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(keyOnly, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadCertificateInfo(keyOnly); err == nil {
		t.Error("expected error for a file without a certificate")
	}
	if _, err := ReadCertificateInfo("/nonexistent/cert.pem"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestChallengeServerRedirects(t *testing.T) {
	m := NewACMEManager("ops@example.com", []string{"api.example.com"}, t.TempDir())
	srv := m.ChallengeServer(":0")

	req := httptest.NewRequest("GET", "http://api.example.com/api/v1/campaigns?status=sent", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMovedPermanently)
	}
	if loc := rec.Header().Get("Location"); loc != "https://api.example.com/api/v1/campaigns?status=sent" {
		t.Errorf("Location = %q", loc)
	}
	if cfg := m.TLSConfig(); cfg.GetCertificate == nil {
		t.Error("TLSConfig should fetch certificates from the manager")
	}
}
