// internal/alerting/channels.go
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a webhook send exceeds its budget.
var ErrRateLimited = errors.New("alerting: webhook rate limit exceeded")

// WebhookChannel posts alerts as JSON to an HTTP endpoint.
type WebhookChannel struct {
	url         string
	client      *http.Client
	limiter     *rate.Limiter
	minSeverity Severity
}

// NewWebhookChannel creates a webhook channel. perMinute bounds the send
// rate; zero disables the limit.
func NewWebhookChannel(url string, minSeverity Severity, perMinute int) *WebhookChannel {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &WebhookChannel{
		url:         url,
		client:      &http.Client{},
		limiter:     limiter,
		minSeverity: minSeverity,
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Accepts(s Severity) bool {
	return s.Rank() >= w.minSeverity.Rank()
}

func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	if !w.limiter.Allow() {
		return ErrRateLimited
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return postJSON(ctx, w.client, w.url, body)
}

// PagerChannel triggers incidents through a PagerDuty Events v2 style API.
// It only accepts critical alerts.
type PagerChannel struct {
	url        string
	routingKey string
	source     string
	client     *http.Client
}

// NewPagerChannel creates a paging channel.
func NewPagerChannel(url, routingKey, source string) *PagerChannel {
	return &PagerChannel{
		url:        url,
		routingKey: routingKey,
		source:     source,
		client:     &http.Client{},
	}
}

type pagerEvent struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     pagerPayload `json:"payload"`
}

type pagerPayload struct {
	Summary       string                 `json:"summary"`
	Severity      string                 `json:"severity"`
	Source        string                 `json:"source"`
	Timestamp     string                 `json:"timestamp"`
	Class         string                 `json:"class"`
	CustomDetails map[string]interface{} `json:"custom_details,omitempty"`
}

func (p *PagerChannel) Name() string { return "pager" }

func (p *PagerChannel) Accepts(s Severity) bool {
	return s == SeverityCritical
}

func (p *PagerChannel) Send(ctx context.Context, alert Alert) error {
	event := pagerEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    alert.ID,
		Payload: pagerPayload{
			Summary:       alert.Message,
			Severity:      string(alert.Severity),
			Source:        p.source,
			Timestamp:     alert.Timestamp.UTC().Format(time.RFC3339),
			Class:         alert.Type,
			CustomDetails: alert.Details,
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal pager event: %w", err)
	}
	return postJSON(ctx, p.client, p.url, body)
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
