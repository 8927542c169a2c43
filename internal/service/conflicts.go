// internal/service/conflicts.go
package service

import (
	"time"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

// ConflictDetector rejects a new campaign whose send window overlaps any
// active or scheduled campaign owned by the same user. Windows are
// half-open [start, end): back-to-back campaigns do not conflict.
type ConflictDetector struct {
	CampaignRepo repository.CampaignRepositoryInterface
}

// Check returns every conflicting campaign, not just the first, so the
// caller can pick a free slot.
func (d *ConflictDetector) Check(userID string, start time.Time, durationHours float64) ([]appErrors.ConflictWindow, error) {
	newStart := start.UTC()
	newEnd := newStart.Add(time.Duration(durationHours * float64(time.Hour)))

	existing, err := d.CampaignRepo.ListByUserAndStatuses(userID, []string{
		model.StatusActive, model.StatusScheduled,
	})
	if err != nil {
		return nil, err
	}

	conflicts := []appErrors.ConflictWindow{}
	for _, c := range existing {
		existStart := c.StartTime
		existEnd := c.EndTime()

		if newStart.Before(existEnd) && newEnd.After(existStart) {
			conflicts = append(conflicts, appErrors.ConflictWindow{
				CampaignID: c.CampaignID,
				Subject:    c.Subject,
				StartTime:  existStart.Format(time.RFC3339),
				EndTime:    existEnd.Format(time.RFC3339),
			})
		}
	}
	return conflicts, nil
}
