// internal/service/campaign_service.go
package service

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

var emailAddressPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// CampaignService owns campaign admission and external control: conflict
// checking, recipient filtering, interval calculation, persistence, and
// handing the campaign to the dispatcher.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	TrackingRepo repository.TrackingRepositoryInterface
	MailboxRepo  repository.MailboxRepositoryInterface
	Conflicts    *ConflictDetector
	Dispatcher   *Dispatcher

	MinIntervalMin float64
	Now            func() time.Time
}

type CreateCampaignInput struct {
	UserID          string
	MailboxID       string
	Subject         string
	Message         string
	Recipients      []model.Recipient
	StartTime       *time.Time
	DurationHours   float64
	SendIntervalMin float64
}

// Result struct for CreateCampaign
type CreateCampaignResult struct {
	Campaign          *model.Campaign
	InvalidRecipients []string
	UnsubscribedCount int
}

func (s *CampaignService) CreateCampaign(input CreateCampaignInput) (*CreateCampaignResult, error) {
	if strings.TrimSpace(input.Subject) == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(input.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if len(input.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if input.MailboxID == "" {
		return nil, fmt.Errorf("mailbox_id is required")
	}
	if input.DurationHours <= 0 {
		input.DurationHours = 24
	}
	if input.SendIntervalMin <= 0 {
		input.SendIntervalMin = 5
	}

	mailbox, err := s.MailboxRepo.GetByID(input.MailboxID)
	if err != nil {
		return nil, err
	}

	// Normalize to UTC at the boundary; a start in the past resets to now
	// so the duration still means what the caller asked for.
	now := s.now()
	startTime := now
	if input.StartTime != nil {
		startTime = input.StartTime.UTC()
	}
	if startTime.Before(now) {
		log.Printf("campaign: start time %s is in the past, resetting to now", startTime.Format(time.RFC3339))
		startTime = now
	}

	conflicts, err := s.Conflicts.Check(input.UserID, startTime, input.DurationHours)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, appErrors.NewCampaignConflict(conflicts)
	}

	// Recipients on the global opt-out list never get another attempt.
	unsubscribed, err := s.TrackingRepo.UnsubscribedEmails()
	if err != nil {
		return nil, err
	}

	valid := []model.Recipient{}
	invalid := []string{}
	unsubCount := 0
	for _, r := range input.Recipients {
		email := strings.TrimSpace(r.Email)
		if !emailAddressPattern.MatchString(email) {
			invalid = append(invalid, email)
			continue
		}
		if unsubscribed[strings.ToLower(email)] {
			unsubCount++
			continue
		}
		r.Email = email
		valid = append(valid, r)
	}

	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid recipients (%d invalid, %d unsubscribed)", len(invalid), unsubCount)
	}

	interval := s.calculateInterval(input.DurationHours, input.SendIntervalMin, len(valid))

	status := model.StatusActive
	if startTime.After(now) {
		status = model.StatusScheduled
	}

	campaign := &model.Campaign{
		CampaignID:      uuid.NewString(),
		UserID:          input.UserID,
		MailboxID:       input.MailboxID,
		SenderEmail:     mailbox.Email,
		Subject:         input.Subject,
		Message:         input.Message,
		Recipients:      valid,
		StartTime:       startTime,
		DurationHours:   input.DurationHours,
		SendIntervalMin: interval,
		TotalRecipients: len(valid),
		Status:          status,
	}

	if err := s.CampaignRepo.Create(campaign); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.Dispatcher.Start(campaign, valid)
	log.Printf("campaign: %s admitted for user %s (%d recipients, %.1fh window, %.1fm interval)",
		campaign.CampaignID, input.UserID, len(valid), input.DurationHours, interval)

	return &CreateCampaignResult{
		Campaign:          campaign,
		InvalidRecipients: invalid,
		UnsubscribedCount: unsubCount,
	}, nil
}

// calculateInterval spreads sends over 95% of the window when that spacing
// is wider than what the caller asked for, and enforces the floor.
func (s *CampaignService) calculateInterval(durationHours, requestedMin float64, recipientCount int) float64 {
	interval := requestedMin
	if recipientCount > 1 {
		effectiveMinutes := durationHours * 60 * 0.95
		calculated := effectiveMinutes / float64(recipientCount)
		if calculated > interval {
			log.Printf("campaign: widening interval from %.1fm to %.2fm to fill the window", interval, calculated)
			interval = calculated
		}
	}
	min := s.MinIntervalMin
	if min <= 0 {
		min = 1.0
	}
	if interval < min {
		interval = min
	}
	return interval
}

// StopCampaign writes the sticky stopped status and wakes the live
// dispatcher so the run ends without waiting out its current suspension.
func (s *CampaignService) StopCampaign(id string) error {
	if _, err := s.CampaignRepo.GetStatus(id); err != nil {
		return err
	}
	if err := s.CampaignRepo.UpdateStatus(id, model.StatusStopped); err != nil {
		return err
	}
	s.Dispatcher.Cancel(id)
	log.Printf("campaign: %s stopped", id)
	return nil
}

// CampaignStatus is the live progress view for external observers.
type CampaignStatus struct {
	CampaignID      string  `json:"campaign_id"`
	Status          string  `json:"status"`
	IsActive        bool    `json:"is_active"`
	SentCount       int     `json:"sent_count"`
	FailedCount     int     `json:"failed_count"`
	TotalRecipients int     `json:"total_recipients"`
	Progress        float64 `json:"progress"`
	StartTime       string  `json:"start_time"`
	DurationHours   float64 `json:"duration"`
	SendIntervalMin float64 `json:"send_interval"`
}

func (s *CampaignService) GetCampaignStatus(id string) (*CampaignStatus, error) {
	campaign, err := s.CampaignRepo.GetByID(id)
	if err != nil {
		return nil, err
	}

	progress := 0.0
	if campaign.TotalRecipients > 0 {
		progress = float64(campaign.SentCount) / float64(campaign.TotalRecipients) * 100
	}

	return &CampaignStatus{
		CampaignID:      campaign.CampaignID,
		Status:          campaign.Status,
		IsActive:        campaign.IsTemporallyActive(s.now()),
		SentCount:       campaign.SentCount,
		FailedCount:     campaign.FailedCount,
		TotalRecipients: campaign.TotalRecipients,
		Progress:        progress,
		StartTime:       campaign.StartTime.Format(time.RFC3339),
		DurationHours:   campaign.DurationHours,
		SendIntervalMin: campaign.SendIntervalMin,
	}, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(page, pageSize int, userID, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(offset, pageSize, userID, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
