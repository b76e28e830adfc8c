package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/failure"

	"github.com/go-resty/resty/v2"
)

// DeliveryHeader carries the dispatch id so receivers can correlate retries.
const DeliveryHeader = "X-Alertwatch-Delivery"

// WebhookPayload is the JSON body of one webhook POST.
type WebhookPayload struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      WebhookData `json:"data"`
}

type WebhookData struct {
	AlertID    any          `json:"alert_id"`
	AreaID     string       `json:"area_id"`
	AreaName   string       `json:"area_name"`
	AlertDate  string       `json:"alert_date"`
	Confidence *int         `json:"confidence"`
	Category   string       `json:"category,omitempty"`
	Distance   *float64     `json:"distance,omitempty"`
	HotspotID  string       `json:"hotspot_id,omitempty"`
	Coords     *alert.Point `json:"coordinates,omitempty"`
	EventID    string       `json:"event_id,omitempty"`
	AreaHa     *float64     `json:"area_ha,omitempty"`
	Centroid   *alert.Point `json:"centroid,omitempty"`
	Test       bool         `json:"test,omitempty"`
}

// NewWebhookPayload builds the body for one alert.
func NewWebhookPayload(r alert.Record, now time.Time) WebhookPayload {
	d := WebhookData{
		AreaID:     r.AreaID,
		AreaName:   r.AreaName,
		AlertDate:  r.AlertDate.Format("2006-01-02"),
		Confidence: r.Confidence,
	}
	switch {
	case r.Hazard != nil:
		h := r.Hazard
		d.AlertID = h.ID
		d.Category = string(h.Category)
		d.Distance = h.Distance
		d.HotspotID = h.HotspotID
		loc := h.Location
		d.Coords = &loc
	case r.Loss != nil:
		d.AlertID = r.Loss.ID
		d.EventID = r.Loss.EventID
		d.AreaHa = r.Loss.AreaHa
		d.Centroid = r.Loss.Centroid
	}
	return WebhookPayload{Type: r.Kind.WebhookType(), Timestamp: now.UTC().Format(time.RFC3339), Data: d}
}

// Poster delivers one webhook body.
type Poster interface {
	Post(ctx context.Context, url, deliveryID string, p WebhookPayload) error
}

// WebhookClient posts JSON with resty.
type WebhookClient struct {
	c *resty.Client
}

func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "alertwatch")
	return &WebhookClient{c: c}
}

// Post treats any non-2xx status as a transient failure.
func (w *WebhookClient) Post(ctx context.Context, url, deliveryID string, p WebhookPayload) error {
	if strings.TrimSpace(url) == "" {
		return failure.Config(errors.New("webhook url not configured"))
	}
	resp, err := w.c.R().
		SetContext(ctx).
		SetHeader(DeliveryHeader, deliveryID).
		SetBody(p).
		Post(url)
	if err != nil {
		return failure.Transient(fmt.Errorf("webhook post: %w", err))
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		body := strings.TrimSpace(resp.String())
		if len(body) > 200 {
			body = body[:200]
		}
		return failure.Transient(fmt.Errorf("webhook status %d: %s", resp.StatusCode(), body))
	}
	return nil
}
