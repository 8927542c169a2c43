package repository

import (
	"database/sql"
	"strings"
	"time"

	"github.com/unclebandit/mailreach-backend/internal/model"
)

type TrackingRepositoryInterface interface {
	Create(rec *model.TrackingRecord) error
	GetByID(trackingID string) (*model.TrackingRecord, error)
	ListByCampaign(campaignID string) ([]*model.TrackingRecord, error)
	TrackedEmails(campaignID string) (map[string]bool, error)
	UnsubscribedEmails() (map[string]bool, error)
	MarkBounced(campaignID, recipientEmail, reason string, at time.Time) (bool, error)
	MarkBouncedByTrackingID(trackingID, reason string, at time.Time) (bool, error)
	RecordOpen(trackingID string, at time.Time) error
	RecordClick(trackingID string, at time.Time) error
}

type TrackingRepository struct {
	DB *sql.DB
}

const trackingColumns = `tracking_id, campaign_id, sender_email, recipient_email, recipient_name,
		subject, message, sent_at, delivered, bounced, application_error,
		bounce_reason, bounce_date, error_reason, error_date,
		opens, clicks, replies, first_open, first_click, unsubscribed, unsubscribe_date`

func (r *TrackingRepository) Create(rec *model.TrackingRecord) error {
	query := `
        INSERT INTO email_tracking (` + trackingColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
                $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
    `
	_, err := r.DB.Exec(query,
		rec.TrackingID, rec.CampaignID, rec.SenderEmail, rec.RecipientEmail, rec.RecipientName,
		rec.Subject, rec.Message, rec.SentAt.UTC(), rec.Delivered, rec.Bounced, rec.ApplicationError,
		nullIfEmpty(rec.BounceReason), rec.BounceDate, nullIfEmpty(rec.ErrorReason), rec.ErrorDate,
		rec.Opens, rec.Clicks, rec.Replies, rec.FirstOpen, rec.FirstClick, rec.Unsubscribed, rec.UnsubscribeDate,
	)
	return err
}

func (r *TrackingRepository) GetByID(trackingID string) (*model.TrackingRecord, error) {
	query := `SELECT ` + trackingColumns + ` FROM email_tracking WHERE tracking_id=$1`
	rec, err := scanTracking(r.DB.QueryRow(query, trackingID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *TrackingRepository) ListByCampaign(campaignID string) ([]*model.TrackingRecord, error) {
	query := `SELECT ` + trackingColumns + ` FROM email_tracking WHERE campaign_id=$1 ORDER BY sent_at`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*model.TrackingRecord{}
	for rows.Next() {
		rec, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TrackedEmails returns the lowercased set of recipient addresses that
// already have a record for this campaign. The recovery coordinator
// subtracts it from the full recipient list to avoid duplicate sends.
func (r *TrackingRepository) TrackedEmails(campaignID string) (map[string]bool, error) {
	rows, err := r.DB.Query(`SELECT recipient_email FROM email_tracking WHERE campaign_id=$1`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := map[string]bool{}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails[strings.ToLower(email)] = true
	}
	return emails, rows.Err()
}

// UnsubscribedEmails is the global opt-out set across all campaigns.
func (r *TrackingRepository) UnsubscribedEmails() (map[string]bool, error) {
	rows, err := r.DB.Query(`SELECT DISTINCT recipient_email FROM email_tracking WHERE unsubscribed = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := map[string]bool{}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails[strings.ToLower(email)] = true
	}
	return emails, rows.Err()
}

// MarkBounced flags the (campaign, recipient) record as bounced unless it
// already is. Returns whether a row was actually updated.
func (r *TrackingRepository) MarkBounced(campaignID, recipientEmail, reason string, at time.Time) (bool, error) {
	query := `
        UPDATE email_tracking
        SET bounced=TRUE, bounce_reason=$1, bounce_date=$2
        WHERE campaign_id=$3 AND LOWER(recipient_email)=LOWER($4) AND bounced=FALSE
    `
	res, err := r.DB.Exec(query, reason, at.UTC(), campaignID, recipientEmail)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *TrackingRepository) MarkBouncedByTrackingID(trackingID, reason string, at time.Time) (bool, error) {
	query := `
        UPDATE email_tracking
        SET bounced=TRUE, bounce_reason=$1, bounce_date=$2
        WHERE tracking_id=$3
    `
	res, err := r.DB.Exec(query, reason, at.UTC(), trackingID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *TrackingRepository) RecordOpen(trackingID string, at time.Time) error {
	query := `
        UPDATE email_tracking
        SET opens = opens + 1, first_open = COALESCE(first_open, $1)
        WHERE tracking_id=$2
    `
	_, err := r.DB.Exec(query, at.UTC(), trackingID)
	return err
}

func (r *TrackingRepository) RecordClick(trackingID string, at time.Time) error {
	query := `
        UPDATE email_tracking
        SET clicks = clicks + 1, first_click = COALESCE(first_click, $1)
        WHERE tracking_id=$2
    `
	_, err := r.DB.Exec(query, at.UTC(), trackingID)
	return err
}

func scanTracking(row rowScanner) (*model.TrackingRecord, error) {
	var rec model.TrackingRecord
	var bounceReason, errorReason sql.NullString
	err := row.Scan(
		&rec.TrackingID, &rec.CampaignID, &rec.SenderEmail, &rec.RecipientEmail, &rec.RecipientName,
		&rec.Subject, &rec.Message, &rec.SentAt, &rec.Delivered, &rec.Bounced, &rec.ApplicationError,
		&bounceReason, &rec.BounceDate, &errorReason, &rec.ErrorDate,
		&rec.Opens, &rec.Clicks, &rec.Replies, &rec.FirstOpen, &rec.FirstClick,
		&rec.Unsubscribed, &rec.UnsubscribeDate,
	)
	if err != nil {
		return nil, err
	}
	rec.BounceReason = bounceReason.String
	rec.ErrorReason = errorReason.String
	rec.SentAt = rec.SentAt.UTC()
	return &rec, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ TrackingRepositoryInterface = (*TrackingRepository)(nil)
