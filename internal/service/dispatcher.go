// internal/service/dispatcher.go
package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/mailreach-backend/internal/mail"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/ratelimit"
	"github.com/unclebandit/mailreach-backend/internal/repository"
)

const (
	maxConsecutiveFailures = 5
	ledgerWriteAttempts    = 3
	ledgerWriteBackoff     = time.Second
)

// Dispatcher owns one goroutine per running campaign. Each run paces its
// recipient list across the campaign window, shares the process-wide rate
// limiter with every other run, and writes campaign/tracking state to the
// ledger after every attempt. The liveness registry keeps the recovery
// coordinator and the admission path from double-starting a campaign.
type Dispatcher struct {
	CampaignRepo repository.CampaignRepositoryInterface
	TrackingRepo repository.TrackingRepositoryInterface
	MailboxRepo  repository.MailboxRepositoryInterface
	Transport    mail.Transport
	Tokens       mail.TokenRefresher
	Limiter      *ratelimit.Limiter
	Events       queue.Publisher
	BaseURL      string

	// Now and Sleep are swappable so dispatch runs can be tested without
	// wall time.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	live map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func NewDispatcher(
	campaignRepo repository.CampaignRepositoryInterface,
	trackingRepo repository.TrackingRepositoryInterface,
	mailboxRepo repository.MailboxRepositoryInterface,
	transport mail.Transport,
	tokens mail.TokenRefresher,
	limiter *ratelimit.Limiter,
	events queue.Publisher,
	baseURL string,
) *Dispatcher {
	return &Dispatcher{
		CampaignRepo: campaignRepo,
		TrackingRepo: trackingRepo,
		MailboxRepo:  mailboxRepo,
		Transport:    transport,
		Tokens:       tokens,
		Limiter:      limiter,
		Events:       events,
		BaseURL:      baseURL,
		Now:          func() time.Time { return time.Now().UTC() },
		Sleep:        sleepCtx,
		live:         map[string]context.CancelFunc{},
	}
}

// Start launches the dispatch run for a campaign unless one is already
// live. recipients is the (possibly recovery-filtered) list to process;
// pacing always derives from the campaign's original start_time and
// send_interval.
func (d *Dispatcher) Start(campaign *model.Campaign, recipients []model.Recipient) bool {
	d.mu.Lock()
	if _, ok := d.live[campaign.CampaignID]; ok {
		d.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.live[campaign.CampaignID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(campaign.CampaignID)
		d.run(ctx, campaign, recipients)
	}()
	return true
}

// IsLive reports whether a dispatch goroutine currently owns the campaign.
func (d *Dispatcher) IsLive(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.live[campaignID]
	return ok
}

// Cancel wakes a live run out of any suspension. The caller must have
// written the stopped status to the ledger first; cancellation is the
// prompt signal, the status poll is the bounded fallback.
func (d *Dispatcher) Cancel(campaignID string) {
	d.mu.Lock()
	cancel, ok := d.live[campaignID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every dispatch run has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) release(campaignID string) {
	d.mu.Lock()
	if cancel, ok := d.live[campaignID]; ok {
		cancel()
		delete(d.live, campaignID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, campaign *model.Campaign, recipients []model.Recipient) {
	log.Printf("dispatcher: campaign %s started (%d recipients, interval %.1fm)",
		campaign.CampaignID, len(recipients), campaign.SendIntervalMin)

	if err := d.execute(ctx, campaign, recipients); err != nil {
		log.Printf("dispatcher: campaign %s failed: %v", campaign.CampaignID, err)
		if uerr := d.CampaignRepo.UpdateStatusWithError(campaign.CampaignID, model.StatusFailed, err.Error()); uerr != nil {
			log.Printf("dispatcher: campaign %s: could not record failure: %v", campaign.CampaignID, uerr)
		}
		d.publish("campaign.failed", campaign.CampaignID, map[string]string{"error": err.Error()})
	}
}

// execute is the dispatch loop. A nil return means the run ended in a
// terminal state it already recorded (completed or stopped); a non-nil
// return is an unrecoverable internal error and the caller marks the
// campaign failed.
func (d *Dispatcher) execute(ctx context.Context, campaign *model.Campaign, recipients []model.Recipient) error {
	endTime := campaign.EndTime()
	interval := time.Duration(campaign.SendIntervalMin * float64(time.Minute))

	// Suspend until start_time. Only this campaign's goroutine waits.
	if wait := campaign.StartTime.Sub(d.Now()); wait > 0 {
		log.Printf("dispatcher: campaign %s scheduled, waiting %.1f minutes", campaign.CampaignID, wait.Minutes())
		if err := d.Sleep(ctx, wait); err != nil {
			return d.observeStop(campaign.CampaignID)
		}
	}

	// A stop can land in the ledger while the run is suspended; re-read
	// before going active so the stopped status stays sticky.
	status, err := d.CampaignRepo.GetStatus(campaign.CampaignID)
	if err != nil {
		return err
	}
	if status == model.StatusStopped {
		log.Printf("dispatcher: campaign %s stopped before start, aborting", campaign.CampaignID)
		return nil
	}

	if err := d.writeLedger(ctx, func() error {
		return d.CampaignRepo.UpdateStatus(campaign.CampaignID, model.StatusActive)
	}); err != nil {
		return err
	}
	d.publish("campaign.active", campaign.CampaignID, nil)

	// On a recovery resume the persisted counts carry the records created
	// before the restart, so the counters stay in step with the ledger.
	sentCount := campaign.SentCount
	failedCount := campaign.FailedCount
	consecutiveFailures := 0

	target := campaign.StartTime
	for i, rcpt := range recipients {
		// Observe the stop signal before each send.
		status, err := d.CampaignRepo.GetStatus(campaign.CampaignID)
		if err != nil {
			return err
		}
		if status == model.StatusStopped || ctx.Err() != nil {
			log.Printf("dispatcher: campaign %s stopped, aborting remaining sends", campaign.CampaignID)
			return nil
		}

		if i > 0 {
			target = target.Add(interval)
		}
		if target.After(endTime) {
			log.Printf("dispatcher: campaign %s duration exhausted at recipient %d/%d",
				campaign.CampaignID, i, len(recipients))
			break
		}

		// Paced wait; when behind schedule send immediately and let the
		// rate limiter bound any catch-up.
		if wait := target.Sub(d.Now()); wait > 0 {
			if err := d.Sleep(ctx, wait); err != nil {
				return d.observeStop(campaign.CampaignID)
			}
		}
		if err := d.Limiter.Acquire(ctx); err != nil {
			return d.observeStop(campaign.CampaignID)
		}

		outcome := d.sendOne(ctx, campaign, rcpt)

		if err := d.writeLedger(ctx, func() error {
			return d.TrackingRepo.Create(outcome)
		}); err != nil {
			return err
		}

		if outcome.Delivered {
			sentCount++
			consecutiveFailures = 0
		} else {
			failedCount++
			consecutiveFailures++
		}

		// Live progress after every attempt, not batched.
		if err := d.writeLedger(ctx, func() error {
			return d.CampaignRepo.UpdateCounts(campaign.CampaignID, sentCount, failedCount)
		}); err != nil {
			return err
		}
		d.publish("campaign.send", campaign.CampaignID, map[string]any{
			"recipient": rcpt.Email,
			"delivered": outcome.Delivered,
			"bounced":   outcome.Bounced,
		})

		if consecutiveFailures >= maxConsecutiveFailures {
			reason := fmt.Sprintf("Campaign stopped due to %d consecutive failures", consecutiveFailures)
			log.Printf("dispatcher: campaign %s: %s", campaign.CampaignID, reason)
			if err := d.writeLedger(ctx, func() error {
				return d.CampaignRepo.UpdateStatusWithError(campaign.CampaignID, model.StatusStopped, reason)
			}); err != nil {
				return err
			}
			d.publish("campaign.stopped", campaign.CampaignID, map[string]string{"reason": reason})
			return nil
		}
	}

	// MarkCompleted leaves stopped/failed in place.
	if err := d.writeLedger(ctx, func() error {
		return d.CampaignRepo.MarkCompleted(campaign.CampaignID, d.Now())
	}); err != nil {
		return err
	}
	log.Printf("dispatcher: campaign %s completed (sent %d, failed %d)", campaign.CampaignID, sentCount, failedCount)
	d.publish("campaign.completed", campaign.CampaignID, map[string]int{
		"sent_count":   sentCount,
		"failed_count": failedCount,
	})
	return nil
}

// sendOne renders, instruments, and sends a single email, then classifies
// the outcome into a tracking record. Transport-level problems never
// surface as errors here; they are recorded on the record.
func (d *Dispatcher) sendOne(ctx context.Context, campaign *model.Campaign, rcpt model.Recipient) *model.TrackingRecord {
	subject := RenderTemplate(campaign.Subject, rcpt)
	message := RenderTemplate(campaign.Message, rcpt)

	trackingID := uuid.NewString()
	htmlBody := InstrumentHTML(message, d.BaseURL, trackingID)

	now := d.Now()
	rec := &model.TrackingRecord{
		TrackingID:     trackingID,
		CampaignID:     campaign.CampaignID,
		SenderEmail:    campaign.SenderEmail,
		RecipientEmail: rcpt.Email,
		RecipientName:  rcpt.DisplayName(),
		Subject:        subject,
		Message:        message,
		SentAt:         now,
	}

	statusCode, err := d.sendWithRefresh(ctx, campaign.MailboxID, mail.OutboundMessage{
		RecipientEmail: rcpt.Email,
		RecipientName:  rcpt.DisplayName(),
		Subject:        subject,
		HTMLBody:       htmlBody,
	})

	switch {
	case err == nil && (statusCode == 200 || statusCode == 202):
		rec.Delivered = true
		log.Printf("dispatcher: sent to %s (campaign %s)", rcpt.Email, campaign.CampaignID)

	case err == nil && statusCode >= 400 && statusCode < 500 && statusCode != 401:
		// Permanent rejection from the mail server.
		rec.Bounced = true
		rec.BounceReason = fmt.Sprintf("HTTP %d", statusCode)
		rec.BounceDate = &now
		rec.ErrorReason = fmt.Sprintf("HTTP %d", statusCode)
		log.Printf("dispatcher: send to %s bounced: HTTP %d", rcpt.Email, statusCode)

	case err == nil:
		rec.ApplicationError = true
		rec.ErrorReason = fmt.Sprintf("HTTP %d", statusCode)
		rec.ErrorDate = &now
		log.Printf("dispatcher: send to %s failed: HTTP %d (not delivered)", rcpt.Email, statusCode)

	default:
		rec.ApplicationError = true
		rec.ErrorReason = fmt.Sprintf("Application error: %v", err)
		rec.ErrorDate = &now
		log.Printf("dispatcher: send to %s failed: %v", rcpt.Email, err)
	}

	return rec
}

// sendWithRefresh performs the transport call with exactly one token
// refresh + retry on 401. A failed refresh surfaces the original 401,
// which the caller classifies as an application error.
func (d *Dispatcher) sendWithRefresh(ctx context.Context, mailboxID string, msg mail.OutboundMessage) (int, error) {
	mailbox, err := d.MailboxRepo.GetByID(mailboxID)
	if err != nil {
		return 0, err
	}

	statusCode, err := d.Transport.Send(ctx, mailbox.AccessToken, msg)
	if err != nil || statusCode != 401 {
		return statusCode, err
	}

	log.Printf("dispatcher: access token expired for mailbox %s, refreshing", mailboxID)
	tokens, rerr := d.Tokens.Refresh(ctx, mailbox.RefreshToken)
	if rerr != nil {
		log.Printf("dispatcher: token refresh failed for mailbox %s: %v", mailboxID, rerr)
		return statusCode, nil
	}
	if uerr := d.MailboxRepo.UpdateTokens(mailboxID, tokens.AccessToken, tokens.RefreshToken); uerr != nil {
		log.Printf("dispatcher: could not persist refreshed tokens for mailbox %s: %v", mailboxID, uerr)
	}

	return d.Transport.Send(ctx, tokens.AccessToken, msg)
}

// writeLedger retries transient ledger writes before propagating.
func (d *Dispatcher) writeLedger(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= ledgerWriteAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < ledgerWriteAttempts {
			log.Printf("dispatcher: ledger write failed (attempt %d/%d): %v", attempt, ledgerWriteAttempts, err)
			if serr := d.Sleep(ctx, ledgerWriteBackoff); serr != nil {
				break
			}
		}
	}
	return fmt.Errorf("ledger write failed after %d attempts: %w", ledgerWriteAttempts, err)
}

// observeStop is called when a suspension was cancelled. A cancelled run
// whose status is stopped ended normally; anything else (process shutdown)
// leaves the campaign for the recovery coordinator.
func (d *Dispatcher) observeStop(campaignID string) error {
	status, err := d.CampaignRepo.GetStatus(campaignID)
	if err == nil && status == model.StatusStopped {
		log.Printf("dispatcher: campaign %s stopped during wait", campaignID)
	}
	return nil
}

func (d *Dispatcher) publish(event, campaignID string, payload any) {
	if d.Events == nil {
		return
	}
	if err := d.Events.Publish(event, campaignID, payload); err != nil {
		log.Printf("dispatcher: publish %s for campaign %s failed: %v", event, campaignID, err)
	}
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
