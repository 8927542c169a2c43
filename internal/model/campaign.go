// internal/model/campaign.go
package model

import "time"

// Campaign statuses. A campaign is created as "scheduled" when its start
// time is in the future and "active" otherwise. "stopped" is sticky: once
// set it is never overwritten back to active/completed.
const (
	StatusScheduled = "scheduled"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

type Campaign struct {
	CampaignID      string      `db:"campaign_id" json:"campaign_id"`
	UserID          string      `db:"user_id" json:"user_id"`
	MailboxID       string      `db:"mailbox_id" json:"mailbox_id"`
	SenderEmail     string      `db:"sender_email" json:"sender_email"`
	Subject         string      `db:"subject" json:"subject"`
	Message         string      `db:"message" json:"message"`
	Recipients      []Recipient `db:"recipients" json:"recipients"`
	StartTime       time.Time   `db:"start_time" json:"start_time"`
	DurationHours   float64     `db:"duration" json:"duration"`
	SendIntervalMin float64     `db:"send_interval" json:"send_interval"`
	TotalRecipients int         `db:"total_recipients" json:"total_recipients"`
	SentCount       int         `db:"sent_count" json:"sent_count"`
	FailedCount     int         `db:"failed_count" json:"failed_count"`
	Status          string      `db:"status" json:"status"`
	Error           string      `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// EndTime is start_time + duration. The activity window is half-open:
// [start, end).
func (c *Campaign) EndTime() time.Time {
	return c.StartTime.Add(time.Duration(c.DurationHours * float64(time.Hour)))
}

// IsTemporallyActive reports whether now falls inside the campaign window.
func (c *Campaign) IsTemporallyActive(now time.Time) bool {
	return !now.Before(c.StartTime) && now.Before(c.EndTime())
}

// IsTerminal reports whether the status can no longer change.
func (c *Campaign) IsTerminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusStopped || c.Status == StatusFailed
}
