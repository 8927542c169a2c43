package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailreach-backend/internal/controller"
	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/mail"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/ratelimit"
	"github.com/unclebandit/mailreach-backend/internal/service"
)

// --- Mock Repositories ---

type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
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
	return c.Status, nil
}

func (m *MockCampaignRepo) UpdateStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
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
		}
	}
	return nil
}

func (m *MockCampaignRepo) UpdateCounts(id string, sent, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	return nil, nil
}

func (m *MockCampaignRepo) ListCampaigns(offset, limit int, userID, status string) ([]*model.Campaign, int, error) {
	return []*model.Campaign{}, 0, nil
}

type MockTrackingRepo struct{}

func (m *MockTrackingRepo) Create(rec *model.TrackingRecord) error { return nil }
func (m *MockTrackingRepo) GetByID(id string) (*model.TrackingRecord, error) {
	return nil, nil
}
func (m *MockTrackingRepo) ListByCampaign(id string) ([]*model.TrackingRecord, error) {
	return []*model.TrackingRecord{}, nil
}
func (m *MockTrackingRepo) TrackedEmails(id string) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (m *MockTrackingRepo) UnsubscribedEmails() (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (m *MockTrackingRepo) MarkBounced(campaignID, email, reason string, at time.Time) (bool, error) {
	return false, nil
}
func (m *MockTrackingRepo) MarkBouncedByTrackingID(id, reason string, at time.Time) (bool, error) {
	return false, nil
}
func (m *MockTrackingRepo) RecordOpen(id string, at time.Time) error  { return nil }
func (m *MockTrackingRepo) RecordClick(id string, at time.Time) error { return nil }

type MockMailboxRepo struct{}

func (m *MockMailboxRepo) GetByID(id string) (*model.Mailbox, error) {
	if id != "mb-1" {
		return nil, appErrors.NewMailboxNotFound(id)
	}
	return &model.Mailbox{MailboxID: "mb-1", Email: "sender@example.com", AccessToken: "token-1"}, nil
}

func (m *MockMailboxRepo) UpdateTokens(id, accessToken, refreshToken string) error { return nil }

type StubTransport struct{}

func (s StubTransport) Send(ctx context.Context, token string, msg mail.OutboundMessage) (int, error) {
	return 202, nil
}
func (s StubTransport) FetchInbox(ctx context.Context, token string, since time.Time, top int) ([]mail.InboxMessage, error) {
	return nil, nil
}
func (s StubTransport) FetchMessageBody(ctx context.Context, token, id string) (string, error) {
	return "", nil
}

type StubRefresher struct{}

func (s StubRefresher) Refresh(ctx context.Context, refreshToken string) (mail.Tokens, error) {
	return mail.Tokens{}, nil
}

func newTestController(campaigns *MockCampaignRepo) *controller.CampaignController {
	dispatcher := service.NewDispatcher(
		campaigns, &MockTrackingRepo{}, &MockMailboxRepo{},
		StubTransport{}, StubRefresher{},
		ratelimit.New(30), queue.NoopPublisher{}, "http://localhost:8080",
	)
	// No real waiting in handler tests.
	dispatcher.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	svc := &service.CampaignService{
		CampaignRepo: campaigns,
		TrackingRepo: &MockTrackingRepo{},
		MailboxRepo:  &MockMailboxRepo{},
		Conflicts:    &service.ConflictDetector{CampaignRepo: campaigns},
		Dispatcher:   dispatcher,
	}
	return &controller.CampaignController{CampaignService: svc}
}

func testRouter(ctrl *controller.CampaignController) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/api/campaigns", ctrl.CreateCampaign)
	r.Get("/api/campaigns/{id}/status", ctrl.GetCampaignStatus)
	r.Post("/api/campaigns/{id}/stop", ctrl.StopCampaign)
	return r
}

// --- Test Functions ---

func TestCreateCampaignRequiresUserHeader(t *testing.T) {
	ctrl := newTestController(NewMockCampaignRepo())

	req := httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	ctrl.CreateCampaign(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Result().StatusCode)
	}
}

func TestCreateCampaignSuccess(t *testing.T) {
	ctrl := newTestController(NewMockCampaignRepo())

	body := map[string]interface{}{
		"mailbox_id": "mb-1",
		"subject":    "Hello {name}",
		"message":    "Hi {name}, quick question.",
		"recipients": []map[string]string{
			{"email": "a@example.com", "name": "Alice"},
			{"email": "b@example.com", "name": "Bob"},
		},
		"duration":      2,
		"send_interval": 5,
	}
	b, _ := json.Marshal(body)

	req := httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(b))
	req.Header.Set("X-User-Id", "user-1")
	w := httptest.NewRecorder()
	ctrl.CreateCampaign(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res["success"] != true {
		t.Errorf("expected success, got %v", res)
	}
	if res["total_recipients"].(float64) != 2 {
		t.Errorf("expected 2 recipients, got %v", res["total_recipients"])
	}
	if res["campaign_id"].(string) == "" {
		t.Error("expected a campaign_id")
	}
}

func TestCreateCampaignConflictReturns409(t *testing.T) {
	campaigns := NewMockCampaignRepo()
	start := time.Now().UTC().Add(time.Hour)
	campaigns.Create(&model.Campaign{
		CampaignID:    "c-existing",
		UserID:        "user-1",
		Subject:       "Existing",
		StartTime:     start,
		DurationHours: 4,
		Status:        model.StatusScheduled,
	})

	ctrl := newTestController(campaigns)

	body := map[string]interface{}{
		"mailbox_id": "mb-1",
		"subject":    "s",
		"message":    "m",
		"recipients": []map[string]string{{"email": "a@example.com"}},
		"start_time": start.Add(time.Hour).Format(time.RFC3339),
		"duration":   1,
	}
	b, _ := json.Marshal(body)

	req := httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(b))
	req.Header.Set("X-User-Id", "user-1")
	w := httptest.NewRecorder()
	ctrl.CreateCampaign(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	var res struct {
		Error      string                     `json:"error"`
		Conflicts  []appErrors.ConflictWindow `json:"conflicts"`
		Suggestion string                     `json:"suggestion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].CampaignID != "c-existing" {
		t.Errorf("unexpected conflicts: %+v", res.Conflicts)
	}
	if !strings.Contains(res.Suggestion, "Try scheduling after") {
		t.Errorf("expected a scheduling suggestion, got %q", res.Suggestion)
	}
}

func TestCreateCampaignUnknownMailboxReturns404(t *testing.T) {
	ctrl := newTestController(NewMockCampaignRepo())

	body := map[string]interface{}{
		"mailbox_id": "mb-missing",
		"subject":    "s",
		"message":    "m",
		"recipients": []map[string]string{{"email": "a@example.com"}},
	}
	b, _ := json.Marshal(body)

	req := httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(b))
	req.Header.Set("X-User-Id", "user-1")
	w := httptest.NewRecorder()
	ctrl.CreateCampaign(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Result().StatusCode)
	}
}

func TestGetCampaignStatusNotFound(t *testing.T) {
	router := testRouter(newTestController(NewMockCampaignRepo()))

	req := httptest.NewRequest("GET", "/api/campaigns/nope/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Result().StatusCode)
	}
}

func TestStopCampaignEndpoint(t *testing.T) {
	campaigns := NewMockCampaignRepo()
	campaigns.Create(&model.Campaign{
		CampaignID:    "c-1",
		UserID:        "user-1",
		StartTime:     time.Now().UTC(),
		DurationHours: 2,
		Status:        model.StatusActive,
	})
	router := testRouter(newTestController(campaigns))

	req := httptest.NewRequest("POST", "/api/campaigns/c-1/stop", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Result().StatusCode)
	}
	status, _ := campaigns.GetStatus("c-1")
	if status != model.StatusStopped {
		t.Errorf("expected stopped, got %s", status)
	}
}
