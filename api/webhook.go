/*
webhook.go - Webhook event publisher

PURPOSE:
  Delivers marketplace events (offers available, payment failed, quote
  expired/selected, low balance) to configured HTTP endpoints so external
  systems can reconcile state without polling.

DELIVERY SEMANTICS:
  Best-effort, at-most-once. A failed delivery is logged and dropped; the
  domain operation that emitted the event has already committed and is never
  rolled back over a webhook failure. Consumers needing stronger guarantees
  should reconcile from the audit log.

SEE ALSO:
  - lead/notify.go: Event and EventPublisher contracts
  - cmd/server/main.go: Endpoint configuration from environment
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haulbid/lead-engine/lead"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookEndpoint is one delivery target.
type WebhookEndpoint struct {
	URL    string
	Secret string
	// Events filters delivery by type. Empty means all events.
	Events []string
}

// WebhookPublisher implements lead.EventPublisher over HTTP POST.
type WebhookPublisher struct {
	Endpoints []WebhookEndpoint
	Client    *http.Client

	delivery atomic.Int64
}

// NewWebhookPublisher creates a publisher for the given endpoints.
func NewWebhookPublisher(endpoints []WebhookEndpoint) *WebhookPublisher {
	return &WebhookPublisher{
		Endpoints: endpoints,
		Client:    &http.Client{Timeout: defaultWebhookTimeout},
	}
}

type webhookBody struct {
	DeliveryID int64          `json:"delivery_id"`
	Type       string         `json:"type"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload"`
}

// Publish posts the event to every matching endpoint. Failures are logged
// per endpoint; Publish itself never returns an error.
func (p *WebhookPublisher) Publish(ctx context.Context, e lead.Event) error {
	if len(p.Endpoints) == 0 {
		return nil
	}

	body := webhookBody{
		DeliveryID: p.delivery.Add(1),
		Type:       string(e.Type),
		TS:         time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    e.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("[Webhook] marshal %s failed: %v", e.Type, err)
		return nil
	}

	for _, ep := range p.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			continue
		}
		if !matchEvent(ep.Events, string(e.Type)) {
			continue
		}
		if err := p.post(ctx, ep, body.DeliveryID, string(e.Type), data); err != nil {
			log.Printf("[Webhook] deliver %s to %s failed: %v", e.Type, ep.URL, err)
		}
	}
	return nil
}

func (p *WebhookPublisher) post(ctx context.Context, ep WebhookEndpoint, deliveryID int64, eventType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-HaulBid-Event", eventType)
	req.Header.Set("X-HaulBid-Delivery", fmt.Sprintf("%d", deliveryID))
	if strings.TrimSpace(ep.Secret) != "" {
		req.Header.Set("X-HaulBid-Secret", ep.Secret)
	}

	res, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func matchEvent(filter []string, eventType string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if strings.TrimSpace(f) == eventType {
			return true
		}
	}
	return false
}
