// internal/errors/errors.go
package appErrors

import "fmt"

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrMailboxNotFound struct {
	MailboxID string
}

func (e *ErrMailboxNotFound) Error() string {
	return fmt.Sprintf("mailbox %s not found", e.MailboxID)
}

func NewMailboxNotFound(id string) error {
	return &ErrMailboxNotFound{MailboxID: id}
}

// ConflictWindow describes one campaign whose send window overlaps the
// window being admitted.
type ConflictWindow struct {
	CampaignID string `json:"campaign_id"`
	Subject    string `json:"subject"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
}

// ErrCampaignConflict carries the full list of overlapping campaigns so the
// caller can pick a new slot instead of probing one conflict at a time.
type ErrCampaignConflict struct {
	Conflicts []ConflictWindow
}

func (e *ErrCampaignConflict) Error() string {
	return fmt.Sprintf("campaign window overlaps %d existing campaign(s)", len(e.Conflicts))
}

func NewCampaignConflict(conflicts []ConflictWindow) error {
	return &ErrCampaignConflict{Conflicts: conflicts}
}
