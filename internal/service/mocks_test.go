package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/mail"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/ratelimit"
)

// fakeClock drives Now/Sleep without wall time. Sleep advances the clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MockCampaignRepo stores campaigns in memory
type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign

	// When set, GetStatus reports stopped after this many polls.
	stopAfterPolls int
	statusPolls    int

	// When set, the next UpdateCounts calls fail, one per count.
	countFailures int
}

func NewMockCampaignRepo() *MockCampaignRepo {
	return &MockCampaignRepo{campaigns: map[string]*model.Campaign{}}
}

func (m *MockCampaignRepo) Create(c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.CampaignID] = &cp
	return nil
}

func (m *MockCampaignRepo) GetByID(id string) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) GetStatus(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return "", appErrors.NewCampaignNotFound(id)
	}
	m.statusPolls++
	if m.stopAfterPolls > 0 && m.statusPolls > m.stopAfterPolls {
		c.Status = model.StatusStopped
	}
	return c.Status, nil
}

func (m *MockCampaignRepo) UpdateStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
		// Stopped/failed are terminal, matching the SQL guard.
		if c.Status == model.StatusStopped || c.Status == model.StatusFailed {
			return nil
		}
		c.Status = status
	}
	return nil
}

func (m *MockCampaignRepo) UpdateStatusWithError(id, status, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
		if c.Status == model.StatusStopped || c.Status == model.StatusFailed {
			return nil
		}
		c.Status = status
		c.Error = errText
	}
	return nil
}

func (m *MockCampaignRepo) MarkCompleted(id string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
		if c.Status != model.StatusStopped && c.Status != model.StatusFailed {
			c.Status = model.StatusCompleted
			at := completedAt
			c.CompletedAt = &at
		}
	}
	return nil
}

func (m *MockCampaignRepo) UpdateCounts(id string, sent, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countFailures > 0 {
		m.countFailures--
		return fmt.Errorf("counts update unavailable")
	}
	if c, ok := m.campaigns[id]; ok {
		c.SentCount = sent
		c.FailedCount = failed
	}
	return nil
}

func (m *MockCampaignRepo) ListByUserAndStatuses(userID string, statuses []string) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range m.campaigns {
		if c.UserID != userID {
			continue
		}
		for _, s := range statuses {
			if c.Status == s {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (m *MockCampaignRepo) ListByStatuses(statuses []string) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range m.campaigns {
		for _, s := range statuses {
			if c.Status == s {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (m *MockCampaignRepo) ListCampaigns(offset, limit int, userID, status string) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range m.campaigns {
		if userID != "" && c.UserID != userID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

// MockTrackingRepo stores tracking records in memory
type MockTrackingRepo struct {
	mu      sync.Mutex
	records []*model.TrackingRecord

	// When set, the next Create calls fail, one per count.
	createFailures int
}

func (m *MockTrackingRepo) Create(rec *model.TrackingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createFailures > 0 {
		m.createFailures--
		return fmt.Errorf("tracking insert unavailable")
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MockTrackingRepo) GetByID(trackingID string) (*model.TrackingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.TrackingID == trackingID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockTrackingRepo) ListByCampaign(campaignID string) ([]*model.TrackingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.TrackingRecord{}
	for _, rec := range m.records {
		if rec.CampaignID == campaignID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockTrackingRepo) TrackedEmails(campaignID string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	emails := map[string]bool{}
	for _, rec := range m.records {
		if rec.CampaignID == campaignID {
			emails[strings.ToLower(rec.RecipientEmail)] = true
		}
	}
	return emails, nil
}

func (m *MockTrackingRepo) UnsubscribedEmails() (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	emails := map[string]bool{}
	for _, rec := range m.records {
		if rec.Unsubscribed {
			emails[strings.ToLower(rec.RecipientEmail)] = true
		}
	}
	return emails, nil
}

func (m *MockTrackingRepo) MarkBounced(campaignID, recipientEmail, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.CampaignID == campaignID &&
			strings.EqualFold(rec.RecipientEmail, recipientEmail) &&
			!rec.Bounced {
			rec.Bounced = true
			rec.BounceReason = reason
			t := at
			rec.BounceDate = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *MockTrackingRepo) MarkBouncedByTrackingID(trackingID, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.TrackingID == trackingID {
			rec.Bounced = true
			rec.BounceReason = reason
			t := at
			rec.BounceDate = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *MockTrackingRepo) RecordOpen(trackingID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.TrackingID == trackingID {
			rec.Opens++
			if rec.FirstOpen == nil {
				t := at
				rec.FirstOpen = &t
			}
		}
	}
	return nil
}

func (m *MockTrackingRepo) RecordClick(trackingID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.TrackingID == trackingID {
			rec.Clicks++
			if rec.FirstClick == nil {
				t := at
				rec.FirstClick = &t
			}
		}
	}
	return nil
}

// MockMailboxRepo holds a single mailbox
type MockMailboxRepo struct {
	mu      sync.Mutex
	mailbox model.Mailbox
}

func (m *MockMailboxRepo) GetByID(id string) (*model.Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mailbox.MailboxID != id {
		return nil, appErrors.NewMailboxNotFound(id)
	}
	cp := m.mailbox
	return &cp, nil
}

func (m *MockMailboxRepo) UpdateTokens(id, accessToken, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mailbox.MailboxID == id {
		m.mailbox.AccessToken = accessToken
		m.mailbox.RefreshToken = refreshToken
	}
	return nil
}

// FakeTransport records outbound sends and serves a canned inbox.
type FakeTransport struct {
	mu sync.Mutex

	// SendFunc decides the outcome per message; default is 202 accepted.
	SendFunc func(accessToken string, msg mail.OutboundMessage) (int, error)
	Sent     []mail.OutboundMessage
	Tokens   []string // access token used per send, in order

	Inbox  []mail.InboxMessage
	Bodies map[string]string
}

func (t *FakeTransport) Send(ctx context.Context, accessToken string, msg mail.OutboundMessage) (int, error) {
	t.mu.Lock()
	fn := t.SendFunc
	t.mu.Unlock()

	status := 202
	var err error
	if fn != nil {
		status, err = fn(accessToken, msg)
	}

	// Only successful hand-offs count as attempts the server accepted,
	// but record every attempt for assertions.
	t.mu.Lock()
	t.Sent = append(t.Sent, msg)
	t.Tokens = append(t.Tokens, accessToken)
	t.mu.Unlock()
	return status, err
}

func (t *FakeTransport) SentTo() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Sent))
	for i, msg := range t.Sent {
		out[i] = msg.RecipientEmail
	}
	return out
}

func (t *FakeTransport) FetchInbox(ctx context.Context, accessToken string, since time.Time, top int) ([]mail.InboxMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mail.InboxMessage{}, t.Inbox...), nil
}

func (t *FakeTransport) FetchMessageBody(ctx context.Context, accessToken, messageID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Bodies[messageID], nil
}

// FakeRefresher hands out one set of refreshed tokens.
type FakeRefresher struct {
	mu     sync.Mutex
	Result mail.Tokens
	Err    error
	Calls  int
}

func (f *FakeRefresher) Refresh(ctx context.Context, refreshToken string) (mail.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return mail.Tokens{}, f.Err
	}
	return f.Result, nil
}

// testDispatcher wires a dispatcher around the mocks with a fake clock.
func testDispatcher(clock *fakeClock, campaigns *MockCampaignRepo, tracking *MockTrackingRepo, mailboxes *MockMailboxRepo, transport *FakeTransport, refresher *FakeRefresher) *Dispatcher {
	limiter := ratelimit.New(30)
	limiter.Now = clock.Now
	limiter.Sleep = clock.Sleep

	d := NewDispatcher(campaigns, tracking, mailboxes, transport, refresher, limiter, queue.NoopPublisher{}, "http://localhost:8080")
	d.Now = clock.Now
	d.Sleep = clock.Sleep
	return d
}

func testMailbox() *MockMailboxRepo {
	return &MockMailboxRepo{mailbox: model.Mailbox{
		MailboxID:    "mb-1",
		UserID:       "user-1",
		Email:        "sender@example.com",
		AccessToken:  "token-1",
		RefreshToken: "refresh-1",
	}}
}
