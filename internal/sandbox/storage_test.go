package sandbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "sandbox.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}

func TestStorage(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	msg := &Message{
		ID:          "msg-1",
		CampaignID:  "camp-1",
		ContactID:   "contact-1",
		Channel:     "email",
		Recipient:   "amal@example.com",
		Subject:     "Your certificate",
		Body:        "Hi Amal",
		Attachments: []string{"CERT-1.pdf"},
		Mode:        ModeCapture,
		CapturedAt:  time.Now(),
	}
	if err := storage.Save(ctx, msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	got, err := storage.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if got == nil {
		t.Fatal("expected message, got nil")
	}
	if got.Recipient != msg.Recipient || got.Body != msg.Body {
		t.Errorf("got %+v, want %+v", got, msg)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "CERT-1.pdf" {
		t.Errorf("expected attachment names to be kept, got %v", got.Attachments)
	}

	missing, err := storage.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown message")
	}
}

func TestStorageList(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs := []*Message{
		{ID: "1", CampaignID: "a", Channel: "email", CapturedAt: base},
		{ID: "2", CampaignID: "a", Channel: "whatsapp", CapturedAt: base.Add(time.Second)},
		{ID: "3", CampaignID: "b", Channel: "email", CapturedAt: base.Add(2 * time.Second)},
		{ID: "4", CampaignID: "a", Channel: "email", CapturedAt: base.Add(3 * time.Second)},
	}
	for _, m := range msgs {
		if err := storage.Save(ctx, m); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"all newest first", ListFilter{}, []string{"4", "3", "2", "1"}},
		{"by campaign", ListFilter{CampaignID: "a"}, []string{"4", "2", "1"}},
		{"by channel", ListFilter{Channel: "email"}, []string{"4", "3", "1"}},
		{"limit and offset", ListFilter{CampaignID: "a", Offset: 1, Limit: 1}, []string{"2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() returned %d messages, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("List()[%d].ID = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestStorageClearAndStats(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	storage.Save(ctx, &Message{ID: "old", CampaignID: "a", Channel: "email", CapturedAt: old})
	storage.Save(ctx, &Message{ID: "new", CampaignID: "a", Channel: "whatsapp", CapturedAt: time.Now(), SimulatedErr: "451 Temporary failure"})
	storage.Save(ctx, &Message{ID: "other", CampaignID: "b", Channel: "email", CapturedAt: time.Now()})

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 3 || stats.ByChannel["email"] != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	n, err := storage.Clear(ctx, "a", 24*time.Hour)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear() removed %d, want 1", n)
	}

	n, err = storage.Clear(ctx, "", 0)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Clear() removed %d, want 2", n)
	}
}
