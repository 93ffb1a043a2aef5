package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
)

const testMessage = "From: Campaigns <campaigns@example.com>\r\n" +
	"To: amal@example.org\r\n" +
	"Subject: Your certificate\r\n" +
	"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Dear Amal, your certificate is attached.\r\n"

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKey("example.com", "campaigns", 1024)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestSignVerifies(t *testing.T) {
	kp := testKeyPair(t)
	signer := NewSigner(kp.PrivateKey, "Example.com", "campaigns")

	signed, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Fatal("signed message should start with DKIM-Signature header")
	}
	if !bytes.Contains(signed, []byte("d=example.com")) || !bytes.Contains(signed, []byte("s=campaigns")) {
		t.Error("signature should name domain and selector")
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != kp.DNSName() {
				t.Errorf("lookup for %q, want %q", domain, kp.DNSName())
			}
			return []string{kp.DNSRecord()}, nil
		},
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err != nil {
		t.Fatalf("verification = %+v", verifications)
	}
}

func TestSignerFromFile(t *testing.T) {
	kp := testKeyPair(t)
	path := filepath.Join(t.TempDir(), "keys", "campaigns.pem")
	if err := kp.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	signer, err := NewSignerFromFile(path, "example.com", "campaigns")
	if err != nil {
		t.Fatalf("NewSignerFromFile failed: %v", err)
	}
	if signer.Domain() != "example.com" || signer.Selector() != "campaigns" {
		t.Errorf("signer = %s/%s", signer.Domain(), signer.Selector())
	}

	if _, err := NewSignerFromFile(filepath.Join(t.TempDir(), "missing.pem"), "example.com", "s"); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestMatches(t *testing.T) {
	signer := NewSigner(nil, "example.com", "s")

	tests := []struct {
		from string
		want bool
	}{
		{"campaigns@example.com", true},
		{"Campaigns <campaigns@Example.COM>", true},
		{"news@mail.example.com", true},
		{"someone@notexample.com", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		if got := signer.Matches(tt.from); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestDNSRecord(t *testing.T) {
	kp := testKeyPair(t)

	if got := kp.DNSName(); got != "campaigns._domainkey.example.com" {
		t.Errorf("DNSName() = %q", got)
	}
	if rec := kp.DNSRecord(); !strings.HasPrefix(rec, "v=DKIM1; k=rsa; p=") {
		t.Errorf("DNSRecord() = %q", rec)
	}
}
