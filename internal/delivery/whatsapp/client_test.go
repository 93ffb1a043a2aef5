package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/campaignd/internal/delivery"
	"github.com/foxzi/campaignd/internal/models"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b, err := New(Config{
		BaseURL:    srv.URL + "/",
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "+14155238886",
		Timeout:    time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func TestSend(t *testing.T) {
	var gotForm map[string]string
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(MessageResponse{SID: "SM42", Status: "queued"})
	})

	sid, err := b.Send(context.Background(), models.Contact{ID: "c1", Phone: "+971 50-123 4567"}, &delivery.Message{
		Body:     "Hi Amal",
		MediaURL: "https://certs.example.com/CERT-1.jpg",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sid != "SM42" {
		t.Errorf("Send() sid = %q, want SM42", sid)
	}

	want := map[string]string{
		"From":     "whatsapp:+14155238886",
		"To":       "whatsapp:+971501234567",
		"Body":     "Hi Amal",
		"MediaUrl": "https://certs.example.com/CERT-1.jpg",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form %s = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestSendProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason string
		temporary  bool
	}{
		{"invalid number", 400, `{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`,
			"The 'To' number is not a valid phone number. (code 21211)", false},
		{"throttled", 429, `{"code":20429,"message":"Too Many Requests","status":429}`, "Too Many Requests (code 20429)", true},
		{"server error", 503, `oops`, "HTTP 503", true},
		{"failed status", 201, `{"sid":"SM1","status":"failed","error_message":"Unreachable destination"}`, "Unreachable destination", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := b.Send(context.Background(), models.Contact{Phone: "+971501234567"}, &delivery.Message{Body: "x"})
			if err == nil {
				t.Fatal("Send() should fail")
			}
			if got := delivery.Reason(err); got != tt.wantReason {
				t.Errorf("Reason() = %q, want %q", got, tt.wantReason)
			}
			if delivery.IsTemporary(err) != tt.temporary {
				t.Errorf("IsTemporary() = %v, want %v", delivery.IsTemporary(err), tt.temporary)
			}
		})
	}
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Send(ctx, models.Contact{Phone: "+971501234567"}, &delivery.Message{Body: "x"})
	if !errors.Is(err, delivery.ErrTimeout) {
		t.Errorf("Send() error = %v, want ErrTimeout", err)
	}
}

func TestSendInvalidPhone(t *testing.T) {
	called := false
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := b.Send(context.Background(), models.Contact{Phone: "call me"}, &delivery.Message{Body: "x"})
	if err == nil || delivery.IsTemporary(err) {
		t.Errorf("Send() error = %v, want permanent error", err)
	}
	if called {
		t.Error("provider should not be called for an invalid number")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+971501234567", "+971501234567", false},
		{"00971 50 123 4567", "+971501234567", false},
		{"(415) 523-8886", "+4155238886", false},
		{"971.50.123.4567", "+971501234567", false},
		{"12345", "", true},
		{"+97150abc", "", true},
		{"50+1234567", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if !strings.HasPrefix(DefaultBaseURL, "https://") {
		t.Error("default base URL should use https")
	}
}
