package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

type DB struct {
	*sql.DB
}

// New opens the sqlite database at path. Write transactions take the
// database lock on BEGIN so concurrent counter updates serialize.
func New(path string) (*DB, error) {
	if path == MemoryPath {
		db, err := sql.Open("sqlite3", MemoryPath+"?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
		return &DB{db}, nil
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationContacts,
		migrationMessageTemplates,
		migrationCampaigns,
		migrationCampaignResults,
		migrationIndexes,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    certificate_number TEXT NOT NULL DEFAULT '',
    rera_awardee_no TEXT NOT NULL DEFAULT '',
    professional TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationMessageTemplates = `
CREATE TABLE IF NOT EXISTS message_templates (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    email_message TEXT NOT NULL DEFAULT '',
    whatsapp_message TEXT NOT NULL DEFAULT '',
    recipient_ids JSON NOT NULL,
    status TEXT NOT NULL,
    scheduled_at TIMESTAMP,
    sent_at TIMESTAMP,
    completed_at TIMESTAMP,
    recipient_count INTEGER NOT NULL DEFAULT 0,
    sent_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    certificate_id TEXT NOT NULL DEFAULT '',
    certificate_pdf INTEGER NOT NULL DEFAULT 0,
    certificate_jpg INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    CHECK (sent_count >= 0 AND failed_count >= 0 AND sent_count + failed_count <= recipient_count)
);
`

const migrationCampaignResults = `
CREATE TABLE IF NOT EXISTS campaign_results (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    contact_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    provider_id TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    attempted_at TIMESTAMP,
    PRIMARY KEY (campaign_id, contact_id, channel)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_campaigns_status_scheduled ON campaigns(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_campaign_results_status ON campaign_results(campaign_id, status);
CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts(email);
`
