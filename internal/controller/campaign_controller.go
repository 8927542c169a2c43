// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/model"
	"github.com/unclebandit/mailreach-backend/internal/service"
)

type CampaignController struct {
	CampaignService  *service.CampaignService
	BounceReconciler *service.BounceReconciler
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		http.Error(w, "X-User-Id header is required", http.StatusBadRequest)
		return
	}

	var body struct {
		Recipients   []model.Recipient `json:"recipients"`
		Subject      string            `json:"subject"`
		Message      string            `json:"message"`
		MailboxID    string            `json:"mailbox_id"`
		StartTime    *time.Time        `json:"start_time"`
		Duration     float64           `json:"duration"`
		SendInterval float64           `json:"send_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.CreateCampaign(service.CreateCampaignInput{
		UserID:          userID,
		MailboxID:       body.MailboxID,
		Subject:         body.Subject,
		Message:         body.Message,
		Recipients:      body.Recipients,
		StartTime:       body.StartTime,
		DurationHours:   body.Duration,
		SendIntervalMin: body.SendInterval,
	})
	if err != nil {
		var conflict *appErrors.ErrCampaignConflict
		if errors.As(err, &conflict) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":      "Campaign time conflict detected",
				"conflicts":  conflict.Conflicts,
				"message":    fmt.Sprintf("This campaign would overlap with %d existing campaign(s). Please choose a different start time or duration.", len(conflict.Conflicts)),
				"suggestion": fmt.Sprintf("Try scheduling after %s", conflict.Conflicts[0].EndTime),
			})
			return
		}
		var noMailbox *appErrors.ErrMailboxNotFound
		if errors.As(err, &noMailbox) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	campaign := result.Campaign
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":            true,
		"campaign_id":        campaign.CampaignID,
		"status":             campaign.Status,
		"total_recipients":   campaign.TotalRecipients,
		"start_time":         campaign.StartTime.Format(time.RFC3339),
		"duration":           campaign.DurationHours,
		"send_interval":      campaign.SendIntervalMin,
		"invalid_recipients": result.InvalidRecipients,
		"unsubscribed_count": result.UnsubscribedCount,
	})
}

func (c *CampaignController) StopCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	if err := c.CampaignService.StopCampaign(campaignID); err != nil {
		var notFound *appErrors.ErrCampaignNotFound
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Campaign stopped",
	})
}

func (c *CampaignController) GetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	status, err := c.CampaignService.GetCampaignStatus(campaignID)
	if err != nil {
		var notFound *appErrors.ErrCampaignNotFound
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")
	userID := r.Header.Get("X-User-Id")

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(page, pageSize, userID, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) CheckBounces(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	bounced, err := c.BounceReconciler.CheckCampaign(r.Context(), campaignID)
	if err != nil {
		var notFound *appErrors.ErrCampaignNotFound
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":        true,
		"bounced_emails": bounced,
		"updated_count":  len(bounced),
	})
}
