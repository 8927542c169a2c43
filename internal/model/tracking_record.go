// internal/model/tracking_record.go
package model

import "time"

// TrackingRecord is one per-recipient send attempt. It is created by the
// dispatcher at send time (success or failure) and mutated afterwards by
// the bounce reconciler and the open/click tracking endpoints.
type TrackingRecord struct {
	TrackingID     string     `db:"tracking_id" json:"tracking_id"`
	CampaignID     string     `db:"campaign_id" json:"campaign_id"`
	SenderEmail    string     `db:"sender_email" json:"sender_email"`
	RecipientEmail string     `db:"recipient_email" json:"recipient_email"`
	RecipientName  string     `db:"recipient_name" json:"recipient_name"`
	Subject        string     `db:"subject" json:"subject"`
	Message        string     `db:"message" json:"message"`
	SentAt         time.Time  `db:"sent_at" json:"sent_at"`

	Delivered        bool       `db:"delivered" json:"delivered"`
	Bounced          bool       `db:"bounced" json:"bounced"`
	ApplicationError bool       `db:"application_error" json:"application_error"`
	BounceReason     string     `db:"bounce_reason" json:"bounce_reason,omitempty"`
	BounceDate       *time.Time `db:"bounce_date" json:"bounce_date,omitempty"`
	ErrorReason      string     `db:"error_reason" json:"error_reason,omitempty"`
	ErrorDate        *time.Time `db:"error_date" json:"error_date,omitempty"`

	Opens      int        `db:"opens" json:"opens"`
	Clicks     int        `db:"clicks" json:"clicks"`
	Replies    int        `db:"replies" json:"replies"`
	FirstOpen  *time.Time `db:"first_open" json:"first_open,omitempty"`
	FirstClick *time.Time `db:"first_click" json:"first_click,omitempty"`

	Unsubscribed    bool       `db:"unsubscribed" json:"unsubscribed"`
	UnsubscribeDate *time.Time `db:"unsubscribe_date" json:"unsubscribe_date,omitempty"`
}
