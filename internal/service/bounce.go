// internal/service/bounce.go
package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/unclebandit/mailreach-backend/internal/mail"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

const (
	defaultInboxWindow = 14 * 24 * time.Hour
	defaultFetchTop    = 200
)

// BouncedEmail is one audit entry produced by a reconcile pass.
type BouncedEmail struct {
	Email        string    `json:"email"`
	BounceReason string    `json:"bounce_reason"`
	BounceDate   time.Time `json:"bounce_date"`
}

// BounceReconciler scans the sending mailbox's recent inbox for
// non-delivery reports and retroactively flags tracking records. The
// transport's accepted response never guarantees final delivery, so this
// is the only place true bounces get reconciled. Matching is heuristic:
// a message that matches nothing updates nothing.
type BounceReconciler struct {
	CampaignRepo repository.CampaignRepositoryInterface
	TrackingRepo repository.TrackingRepositoryInterface
	MailboxRepo  repository.MailboxRepositoryInterface
	Transport    mail.Transport
	Events       queue.Publisher

	InboxWindow time.Duration
	FetchTop    int
	Now         func() time.Time
}

func NewBounceReconciler(
	campaignRepo repository.CampaignRepositoryInterface,
	trackingRepo repository.TrackingRepositoryInterface,
	mailboxRepo repository.MailboxRepositoryInterface,
	transport mail.Transport,
	events queue.Publisher,
) *BounceReconciler {
	return &BounceReconciler{
		CampaignRepo: campaignRepo,
		TrackingRepo: trackingRepo,
		MailboxRepo:  mailboxRepo,
		Transport:    transport,
		Events:       events,
		InboxWindow:  defaultInboxWindow,
		FetchTop:     defaultFetchTop,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// CheckCampaign reconciles bounces for one campaign and returns the newly
// flagged recipients.
func (b *BounceReconciler) CheckCampaign(ctx context.Context, campaignID string) ([]BouncedEmail, error) {
	campaign, err := b.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return nil, err
	}

	records, err := b.TrackingRepo.ListByCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []BouncedEmail{}, nil
	}

	// Lowercased address -> original spelling, for the matcher.
	recipients := map[string]string{}
	for _, rec := range records {
		if rec.RecipientEmail != "" {
			recipients[strings.ToLower(rec.RecipientEmail)] = rec.RecipientEmail
		}
	}

	mailbox, err := b.MailboxRepo.GetByID(campaign.MailboxID)
	if err != nil {
		return nil, err
	}

	since := b.Now().Add(-b.InboxWindow)
	messages, err := b.Transport.FetchInbox(ctx, mailbox.AccessToken, since, b.FetchTop)
	if err != nil {
		return nil, fmt.Errorf("fetch inbox for mailbox %s: %w", campaign.MailboxID, err)
	}

	bounced := []BouncedEmail{}
	for _, msg := range messages {
		if !IsLikelyNDR(msg.Subject, msg.BodyPreview, msg.SenderAddress) {
			continue
		}

		// The list endpoint only carries a preview; pull the full body for
		// address extraction. A fetch failure degrades to preview-only.
		body, err := b.Transport.FetchMessageBody(ctx, mailbox.AccessToken, msg.ID)
		if err != nil {
			log.Printf("bounce: could not fetch body of message %s: %v", msg.ID, err)
			body = ""
		}

		allText := msg.Subject + " " + msg.BodyPreview + " " + StripHTML(body)

		found := ExtractAddresses(allText)
		matched := MatchRecipient(found, recipients)
		if matched == "" {
			continue
		}

		reason := ExtractBounceReason(msg.Subject, allText)
		now := b.Now()

		updated, err := b.TrackingRepo.MarkBounced(campaignID, matched, reason, now)
		if err != nil {
			return bounced, err
		}
		if !updated {
			// Already bounced on a prior pass; leave the first reason.
			continue
		}

		log.Printf("bounce: marked %s bounced for campaign %s: %s", matched, campaignID, reason)
		bounced = append(bounced, BouncedEmail{Email: matched, BounceReason: reason, BounceDate: now})
		if b.Events != nil {
			if perr := b.Events.Publish("tracking.bounced", campaignID, map[string]string{
				"recipient": matched,
				"reason":    reason,
			}); perr != nil {
				log.Printf("bounce: publish failed: %v", perr)
			}
		}
	}

	return bounced, nil
}

// Sweep reconciles every campaign whose window ended inside the inbox
// lookback. Wired to a cron schedule in the server.
func (b *BounceReconciler) Sweep(ctx context.Context) {
	campaigns, err := b.CampaignRepo.ListByStatuses([]string{
		model.StatusActive, model.StatusCompleted, model.StatusStopped,
	})
	if err != nil {
		log.Printf("bounce: sweep could not list campaigns: %v", err)
		return
	}

	cutoff := b.Now().Add(-b.InboxWindow)
	for _, campaign := range campaigns {
		if campaign.EndTime().Before(cutoff) {
			continue
		}
		if _, err := b.CheckCampaign(ctx, campaign.CampaignID); err != nil {
			log.Printf("bounce: sweep failed for campaign %s: %v", campaign.CampaignID, err)
		}
	}
}
