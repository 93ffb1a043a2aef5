package email

import (
	"encoding/base64"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/campaignd/internal/delivery"
)

func TestBuildMessage(t *testing.T) {
	env := envelope{
		From:    mail.Address{Name: "Team", Address: "team@example.com"},
		To:      mail.Address{Name: "Amal", Address: "amal@example.org"},
		ReplyTo: "support@example.com",
		Subject: "Certificate ready ✓",
		Date:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	data := string(buildMessage(env, &delivery.Message{Body: "Hello Amal"}))

	for _, want := range []string{
		`From: "Team" <team@example.com>`,
		`To: "Amal" <amal@example.org>`,
		"Reply-To: support@example.com",
		"Subject: =?utf-8?q?",
		"Date: Mon, 01 Jan 2024 12:00:00 +0000",
		"@example.com>",
		"multipart/alternative",
		"text/html; charset=utf-8",
		base64.StdEncoding.EncodeToString([]byte("Hello Amal")),
	} {
		if !strings.Contains(data, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if strings.Contains(data, "multipart/mixed") {
		t.Error("message without attachments should not be multipart/mixed")
	}
}

func TestBodies(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantText string
		wantHTML string
	}{
		{"plain", "Hi\nthere", "Hi\nthere", "<html><body>Hi<br>\nthere</body></html>"},
		{"escaped", "a < b", "a < b", "<html><body>a &lt; b</body></html>"},
		{"html", "<p>Hi &amp; welcome</p>", "Hi & welcome", "<p>Hi &amp; welcome</p>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, html := bodies(tt.body)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if html != tt.wantHTML {
				t.Errorf("html = %q, want %q", html, tt.wantHTML)
			}
		})
	}
}

func TestWriteBase64LineLength(t *testing.T) {
	env := envelope{From: mail.Address{Address: "a@example.com"}, To: mail.Address{Address: "b@example.com"}}
	data := string(buildMessage(env, &delivery.Message{
		Body:        "x",
		Attachments: []delivery.Attachment{{Filename: "big.jpg", Data: make([]byte, 1000)}},
	}))

	for _, line := range strings.Split(data, "\r\n") {
		if len(line) > 998 {
			t.Fatalf("line exceeds RFC 5322 limit: %d", len(line))
		}
	}
	if !strings.Contains(data, "application/octet-stream") {
		t.Error("attachment without type should default to application/octet-stream")
	}
}
