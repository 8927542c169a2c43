package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(c *model.Campaign) error
	GetByID(id string) (*model.Campaign, error)
	GetStatus(id string) (string, error)
	UpdateStatus(id, status string) error
	UpdateStatusWithError(id, status, errText string) error
	MarkCompleted(id string, completedAt time.Time) error
	UpdateCounts(id string, sent, failed int) error
	ListByUserAndStatuses(userID string, statuses []string) ([]*model.Campaign, error)
	ListByStatuses(statuses []string) ([]*model.Campaign, error)
	ListCampaigns(offset, limit int, userID, status string) ([]*model.Campaign, int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `campaign_id, user_id, mailbox_id, sender_email, subject, message,
		recipients, start_time, duration, send_interval, total_recipients,
		sent_count, failed_count, status, error, created_at, updated_at, completed_at`

func (r *CampaignRepository) Create(c *model.Campaign) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.StatusScheduled
	}

	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO campaigns (` + campaignColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
    `
	_, err = r.DB.Exec(query,
		c.CampaignID, c.UserID, c.MailboxID, c.SenderEmail, c.Subject, c.Message,
		recipients, c.StartTime.UTC(), c.DurationHours, c.SendIntervalMin, c.TotalRecipients,
		c.SentCount, c.FailedCount, c.Status, c.Error, c.CreatedAt, c.UpdatedAt, c.CompletedAt,
	)
	return err
}

func (r *CampaignRepository) GetByID(id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE campaign_id=$1`
	c, err := scanCampaign(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

// GetStatus is the cheap per-iteration poll the dispatcher uses to observe
// an external stop signal.
func (r *CampaignRepository) GetStatus(id string) (string, error) {
	var status string
	err := r.DB.QueryRow(`SELECT status FROM campaigns WHERE campaign_id=$1`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", appErrors.NewCampaignNotFound(id)
		}
		return "", err
	}
	return status, nil
}

// UpdateStatus writes a status transition. Stopped and failed are
// terminal; the guard refuses to overwrite them so a stop recorded while
// a run is suspended survives the run waking up.
func (r *CampaignRepository) UpdateStatus(id, status string) error {
	query := `
        UPDATE campaigns SET status=$1, updated_at=$2
        WHERE campaign_id=$3 AND status NOT IN ($4, $5)
    `
	_, err := r.DB.Exec(query, status, time.Now().UTC(), id, model.StatusStopped, model.StatusFailed)
	return err
}

func (r *CampaignRepository) UpdateStatusWithError(id, status, errText string) error {
	query := `
        UPDATE campaigns SET status=$1, error=$2, updated_at=$3
        WHERE campaign_id=$4 AND status NOT IN ($5, $6)
    `
	_, err := r.DB.Exec(query, status, errText, time.Now().UTC(), id, model.StatusStopped, model.StatusFailed)
	return err
}

// MarkCompleted finalizes a run. It refuses to overwrite stopped/failed so
// a stop signal observed mid-run stays sticky.
func (r *CampaignRepository) MarkCompleted(id string, completedAt time.Time) error {
	query := `
        UPDATE campaigns SET status=$1, completed_at=$2, updated_at=$3
        WHERE campaign_id=$4 AND status NOT IN ($5, $6)
    `
	_, err := r.DB.Exec(query, model.StatusCompleted, completedAt.UTC(), time.Now().UTC(),
		id, model.StatusStopped, model.StatusFailed)
	return err
}

func (r *CampaignRepository) UpdateCounts(id string, sent, failed int) error {
	query := `UPDATE campaigns SET sent_count=$1, failed_count=$2, updated_at=$3 WHERE campaign_id=$4`
	_, err := r.DB.Exec(query, sent, failed, time.Now().UTC(), id)
	return err
}

func (r *CampaignRepository) ListByUserAndStatuses(userID string, statuses []string) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE user_id=$1 AND status = ANY($2)`
	rows, err := r.DB.Query(query, userID, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func (r *CampaignRepository) ListByStatuses(statuses []string) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = ANY($1)`
	rows, err := r.DB.Query(query, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func (r *CampaignRepository) ListCampaigns(offset, limit int, userID, status string) ([]*model.Campaign, int, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if userID != "" {
		query += fmt.Sprintf(" AND user_id=$%d", argPos)
		args = append(args, userID)
		argPos++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns, err := scanCampaigns(rows)
	if err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	argPosCount := 1
	if userID != "" {
		countQuery += fmt.Sprintf(" AND user_id=$%d", argPosCount)
		argsCount = append(argsCount, userID)
		argPosCount++
	}
	if status != "" {
		countQuery += fmt.Sprintf(" AND status=$%d", argPosCount)
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRow(countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var recipients []byte
	var errText sql.NullString
	err := row.Scan(
		&c.CampaignID, &c.UserID, &c.MailboxID, &c.SenderEmail, &c.Subject, &c.Message,
		&recipients, &c.StartTime, &c.DurationHours, &c.SendIntervalMin, &c.TotalRecipients,
		&c.SentCount, &c.FailedCount, &c.Status, &errText, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if errText.Valid {
		c.Error = errText.String
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients for campaign %s: %w", c.CampaignID, err)
		}
	}
	// All timestamps entering the core are UTC.
	c.StartTime = c.StartTime.UTC()
	return &c, nil
}

func scanCampaigns(rows *sql.Rows) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
