// internal/controller/tracking_controller.go
package controller

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailreach-backend/internal/repository"
)

// 1x1 transparent GIF returned by the open-tracking pixel.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x04, 0x01, 0x00, 0x3b,
}

// TrackingController serves the inbound engagement endpoints that mutate
// tracking records: the open pixel, the click redirect, and manual bounce
// marking.
type TrackingController struct {
	TrackingRepo repository.TrackingRepositoryInterface
}

// TrackOpen always returns the pixel, even when the record lookup fails —
// a broken image in the recipient's client would leak the tracking.
func (c *TrackingController) TrackOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "id")

	if err := c.TrackingRepo.RecordOpen(trackingID, time.Now().UTC()); err != nil {
		log.Printf("tracking: record open for %s failed: %v", trackingID, err)
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Write(trackingPixel)
}

func (c *TrackingController) TrackClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "id")

	url := r.URL.Query().Get("url")
	if url == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if err := c.TrackingRepo.RecordClick(trackingID, time.Now().UTC()); err != nil {
		log.Printf("tracking: record click for %s failed: %v", trackingID, err)
	}

	http.Redirect(w, r, url, http.StatusFound)
}

func (c *TrackingController) GetTracking(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "id")

	rec, err := c.TrackingRepo.GetByID(trackingID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "tracking record not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (c *TrackingController) MarkBounced(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "id")

	var body struct {
		BounceReason string `json:"bounce_reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	if body.BounceReason == "" {
		body.BounceReason = "Manually marked as bounced"
	}

	updated, err := c.TrackingRepo.MarkBouncedByTrackingID(trackingID, body.BounceReason, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !updated {
		http.Error(w, "tracking record not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":     true,
		"message":     "Email marked as bounced",
		"tracking_id": trackingID,
	})
}
