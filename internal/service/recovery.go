// internal/service/recovery.go
package service

import (
	"log"
	"strings"
	"time"

	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

// RecoveryCoordinator runs once at startup and re-attaches dispatchers to
// campaigns interrupted by an unclean shutdown. Recovery is at-least-once:
// recipients are deduplicated by the tracking records already in the
// ledger, never by in-memory state.
type RecoveryCoordinator struct {
	CampaignRepo repository.CampaignRepositoryInterface
	TrackingRepo repository.TrackingRepositoryInterface
	Dispatcher   *Dispatcher

	Now func() time.Time
}

func NewRecoveryCoordinator(
	campaignRepo repository.CampaignRepositoryInterface,
	trackingRepo repository.TrackingRepositoryInterface,
	dispatcher *Dispatcher,
) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		CampaignRepo: campaignRepo,
		TrackingRepo: trackingRepo,
		Dispatcher:   dispatcher,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// ResumeInterrupted scans for campaigns left active or scheduled and
// either restarts their dispatch, finalizes them, or re-arms them to wait
// for their start time. Returns how many were resumed and how many had
// already expired.
func (rc *RecoveryCoordinator) ResumeInterrupted() (resumed, expired int, err error) {
	campaigns, err := rc.CampaignRepo.ListByStatuses([]string{model.StatusActive, model.StatusScheduled})
	if err != nil {
		return 0, 0, err
	}

	for _, campaign := range campaigns {
		now := rc.Now()
		endTime := campaign.EndTime()

		switch {
		case !now.Before(endTime):
			// Window already elapsed; no further sends are attempted.
			if err := rc.CampaignRepo.MarkCompleted(campaign.CampaignID, endTime); err != nil {
				log.Printf("recovery: could not finalize expired campaign %s: %v", campaign.CampaignID, err)
				continue
			}
			expired++
			log.Printf("recovery: campaign %s expired, marked completed", campaign.CampaignID)

		case now.Before(campaign.StartTime):
			// Still pending. After a restart no dispatcher can be live,
			// but the registry guards the first-boot case where the
			// admission path already started one.
			if rc.Dispatcher.IsLive(campaign.CampaignID) {
				continue
			}
			if rc.Dispatcher.Start(campaign, campaign.Recipients) {
				resumed++
				log.Printf("recovery: campaign %s re-armed, starts at %s",
					campaign.CampaignID, campaign.StartTime.Format(time.RFC3339))
			}

		default:
			// Inside the window: resume with only the recipients that have
			// no tracking record yet, keeping the original pacing.
			tracked, err := rc.TrackingRepo.TrackedEmails(campaign.CampaignID)
			if err != nil {
				log.Printf("recovery: could not load tracking for campaign %s: %v", campaign.CampaignID, err)
				continue
			}

			remaining := make([]model.Recipient, 0, len(campaign.Recipients))
			for _, r := range campaign.Recipients {
				if !tracked[strings.ToLower(r.Email)] {
					remaining = append(remaining, r)
				}
			}

			if len(remaining) == 0 {
				if err := rc.CampaignRepo.MarkCompleted(campaign.CampaignID, now); err != nil {
					log.Printf("recovery: could not finalize campaign %s: %v", campaign.CampaignID, err)
					continue
				}
				log.Printf("recovery: campaign %s already fully sent, marked completed", campaign.CampaignID)
				continue
			}

			if rc.Dispatcher.Start(campaign, remaining) {
				resumed++
				log.Printf("recovery: campaign %s resumed with %d remaining recipients",
					campaign.CampaignID, len(remaining))
			}
		}
	}

	if resumed > 0 || expired > 0 {
		log.Printf("recovery: complete, %d resumed, %d expired", resumed, expired)
	}
	return resumed, expired, nil
}
