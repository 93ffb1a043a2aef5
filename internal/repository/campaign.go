package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/google/uuid"
)

// ErrStatusConflict is returned when a conditional status change lost to a concurrent writer
var ErrStatusConflict = errors.New("campaign status changed concurrently")

// ErrUnresolved is returned when finalizing a campaign that still has deliveries in flight
var ErrUnresolved = errors.New("campaign has unresolved deliveries")

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// CampaignPatch holds editable fields; nil fields are left unchanged
type CampaignPatch struct {
	Name            *string
	Subject         *string
	EmailMessage    *string
	WhatsAppMessage *string
	ScheduledAt     *time.Time
}

const campaignColumns = `id, name, type, subject, email_message, whatsapp_message, recipient_ids, status,
	scheduled_at, sent_at, completed_at, recipient_count, sent_count, failed_count,
	certificate_id, certificate_pdf, certificate_jpg, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var recipientIDs string
	var scheduledAt, sentAt, completedAt sql.NullTime
	var certID string
	var certPDF, certJPG bool

	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Subject, &c.EmailMessage, &c.WhatsAppMessage, &recipientIDs, &c.Status,
		&scheduledAt, &sentAt, &completedAt, &c.RecipientCount, &c.SentCount, &c.FailedCount,
		&certID, &certPDF, &certJPG, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(recipientIDs), &c.RecipientIDs); err != nil {
		return nil, fmt.Errorf("failed to parse recipient ids: %w", err)
	}
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if sentAt.Valid {
		c.SentAt = &sentAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	if certID != "" {
		c.Certificate = &models.CertificateAttachment{CertificateID: certID, PDF: certPDF, JPG: certJPG}
	}

	return c, nil
}

// Create creates a new campaign. Status and recipient count must be set by the caller.
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.Version = 1
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	if c.RecipientIDs == nil {
		c.RecipientIDs = []string{}
	}
	recipientIDs, err := json.Marshal(c.RecipientIDs)
	if err != nil {
		return fmt.Errorf("failed to encode recipient ids: %w", err)
	}

	var certID string
	var certPDF, certJPG bool
	if c.Certificate != nil {
		certID, certPDF, certJPG = c.Certificate.CertificateID, c.Certificate.PDF, c.Certificate.JPG
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, type, subject, email_message, whatsapp_message, recipient_ids, status,
			scheduled_at, recipient_count, certificate_id, certificate_pdf, certificate_jpg, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Type, c.Subject, c.EmailMessage, c.WhatsAppMessage, string(recipientIDs), c.Status,
		utcPtr(c.ScheduledAt), c.RecipientCount, certID, certPDF, certJPG, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns with optional filtering, newest first
func (r *CampaignRepository) List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		where += " AND type = ?"
		args = append(args, filter.Type)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	campaigns, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// Update applies a patch to a campaign that has not started sending yet.
// Returns ErrStatusConflict if the campaign is no longer pending or scheduled.
func (r *CampaignRepository) Update(ctx context.Context, id string, patch CampaignPatch) error {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Subject != nil {
		sets = append(sets, "subject = ?")
		args = append(args, *patch.Subject)
	}
	if patch.EmailMessage != nil {
		sets = append(sets, "email_message = ?")
		args = append(args, *patch.EmailMessage)
	}
	if patch.WhatsAppMessage != nil {
		sets = append(sets, "whatsapp_message = ?")
		args = append(args, *patch.WhatsAppMessage)
	}
	if patch.ScheduledAt != nil {
		sets = append(sets, "scheduled_at = ?")
		args = append(args, patch.ScheduledAt.UTC())
	}

	args = append(args, id, models.StatusPending, models.StatusScheduled)
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND status IN (?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	return expectOne(res)
}

// Transition atomically moves a campaign from one status to another.
// A non-zero version additionally requires the campaign to be at that version.
// Returns false if another writer changed the campaign first.
func (r *CampaignRepository) Transition(ctx context.Context, id string, from, to models.Status, version int) (bool, error) {
	query := `UPDATE campaigns SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status = ?`
	args := []any{to, time.Now().UTC(), id, from}
	if version > 0 {
		query += " AND version = ?"
		args = append(args, version)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListDue returns scheduled campaigns whose scheduled time is at or before now
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at`
	args := []any{models.StatusScheduled, now.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

// ListStale returns sending campaigns without progress since before
func (r *CampaignRepository) ListStale(ctx context.Context, before time.Time) ([]models.Campaign, error) {
	return r.query(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at`, models.StatusSending, before.UTC())
}

// CountByStatus returns the number of campaigns per status
func (r *CampaignRepository) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM campaigns GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// InitResults inserts pending result rows for deliveries that have none yet
func (r *CampaignRepository) InitResults(ctx context.Context, campaignID string, pending []models.Result) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO campaign_results (campaign_id, contact_id, channel, status)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, res := range pending {
		if _, err := stmt.ExecContext(ctx, campaignID, res.ContactID, res.Channel, models.ResultPending); err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}

	return tx.Commit()
}

// RecordResult stores the outcome of one delivery, overwriting any previous
// outcome for the same contact and channel, and adjusts the campaign counters
// in the same transaction. The updated campaign is returned.
func (r *CampaignRepository) RecordResult(ctx context.Context, res *models.Result) (*models.Campaign, error) {
	if res.Status != models.ResultSent && res.Status != models.ResultFailed {
		return nil, fmt.Errorf("invalid result status: %s", res.Status)
	}
	if res.AttemptedAt == nil {
		now := time.Now().UTC()
		res.AttemptedAt = &now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous models.ResultStatus
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT status, attempts FROM campaign_results
		WHERE campaign_id = ? AND contact_id = ? AND channel = ?`,
		res.CampaignID, res.ContactID, res.Channel,
	).Scan(&previous, &attempts)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	res.Attempts = attempts + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaign_results (campaign_id, contact_id, channel, status, error, provider_id, attempts, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, contact_id, channel) DO UPDATE SET
			status = excluded.status, error = excluded.error, provider_id = excluded.provider_id,
			attempts = excluded.attempts, attempted_at = excluded.attempted_at`,
		res.CampaignID, res.ContactID, res.Channel, res.Status, res.Error, res.ProviderID, res.Attempts, res.AttemptedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store result: %w", err)
	}

	sentDelta, failedDelta := counterDelta(previous, res.Status)
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = sent_count + ?, failed_count = failed_count + ?, updated_at = ?
		WHERE id = ?`,
		sentDelta, failedDelta, time.Now().UTC(), res.CampaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update counters: %w", err)
	}

	c, err := scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, res.CampaignID))
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit result: %w", err)
	}
	return c, nil
}

func counterDelta(previous, next models.ResultStatus) (sent, failed int) {
	switch previous {
	case models.ResultSent:
		sent--
	case models.ResultFailed:
		failed--
	}
	switch next {
	case models.ResultSent:
		sent++
	case models.ResultFailed:
		failed++
	}
	return sent, failed
}

// Finalize derives the terminal status of a sending campaign from its counters.
// Returns ErrUnresolved if some deliveries have no outcome yet.
func (r *CampaignRepository) Finalize(ctx context.Context, id string) (*models.Campaign, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign: %w", err)
	}
	if c.Status != models.StatusSending {
		return nil, ErrStatusConflict
	}
	if c.Resolved() < c.RecipientCount {
		return nil, ErrUnresolved
	}

	now := time.Now().UTC()
	c.Status = models.DeriveStatus(c.RecipientCount, c.SentCount, c.FailedCount)
	if c.SentAt == nil {
		c.SentAt = &now
	}
	c.CompletedAt = &now
	c.UpdatedAt = now
	c.Version++

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, sent_at = ?, completed_at = ?, updated_at = ?, version = ?
		WHERE id = ?`,
		c.Status, c.SentAt.UTC(), now, now, c.Version, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize campaign: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit campaign: %w", err)
	}
	return c, nil
}

// BeginRetry moves a failed or partial campaign back to sending and resets
// its failed deliveries to pending, all in one transaction. The claim only
// succeeds if the campaign is still in status from at the given version.
// The reset deliveries are returned; none means nothing was changed.
func (r *CampaignRepository) BeginRetry(ctx context.Context, id string, from models.Status, version int) ([]models.Result, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	failed, err := queryResults(ctx, tx, `
		SELECT campaign_id, contact_id, channel, status, error, provider_id, attempts, attempted_at
		FROM campaign_results WHERE campaign_id = ? AND status = ?
		ORDER BY contact_id, channel`, id, models.ResultFailed)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, failed_count = failed_count - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		models.StatusSending, len(failed), time.Now().UTC(), id, from, version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim campaign for retry: %w", err)
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE campaign_results SET status = ?, error = ''
		WHERE campaign_id = ? AND status = ?`,
		models.ResultPending, id, models.ResultFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reset failed results: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit retry: %w", err)
	}
	return failed, nil
}

// Results returns the per-delivery results of a campaign
func (r *CampaignRepository) Results(ctx context.Context, id string, filter models.ResultFilter) ([]models.Result, error) {
	query := `SELECT campaign_id, contact_id, channel, status, error, provider_id, attempts, attempted_at
		FROM campaign_results WHERE campaign_id = ?`
	args := []any{id}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Channel != "" {
		query += " AND channel = ?"
		args = append(args, filter.Channel)
	}
	query += " ORDER BY contact_id, channel"

	return queryResults(ctx, r.db, query, args...)
}

// ChannelStats returns aggregated result counts per channel
func (r *CampaignRepository) ChannelStats(ctx context.Context, id string) ([]models.ChannelStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT channel,
			COUNT(*) as total,
			SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END) as sent,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END) as pending
		FROM campaign_results WHERE campaign_id = ?
		GROUP BY channel ORDER BY channel`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []models.ChannelStats{}
	for rows.Next() {
		var s models.ChannelStats
		if err := rows.Scan(&s.Channel, &s.Total, &s.Sent, &s.Failed, &s.Pending); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Delete deletes a campaign and its results
func (r *CampaignRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM campaigns WHERE id = ?", id)
	return err
}

func (r *CampaignRepository) query(ctx context.Context, query string, args ...any) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryResults(ctx context.Context, q querier, query string, args ...any) ([]models.Result, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []models.Result{}
	for rows.Next() {
		var res models.Result
		var attemptedAt sql.NullTime
		err := rows.Scan(&res.CampaignID, &res.ContactID, &res.Channel, &res.Status, &res.Error,
			&res.ProviderID, &res.Attempts, &attemptedAt)
		if err != nil {
			return nil, err
		}
		if attemptedAt.Valid {
			res.AttemptedAt = &attemptedAt.Time
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrStatusConflict
	}
	return nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
