/*
notify.go - Notification and event contracts

PURPOSE:
  The engine DECIDES what to notify; it never DELIVERS anything. Delivery
  (email, SMS, portal push) is an external collaborator behind the
  NotificationSink interface, and machine-readable reconciliation events go
  to an EventPublisher (webhooks, message bus, whatever the deployment
  wires in).

BEST-EFFORT SEMANTICS:
  Everything here is fire-and-forget from the engine's perspective. A failed
  notification or event after a committed settlement is logged and dropped;
  the financial state has already committed and must not be rolled back for
  a non-critical side effect.

SEE ALSO:
  - settlement/settlement.go: Emits settlement decisions
  - lifecycle/lifecycle.go: Emits warning/expiry decisions
  - api/webhook.go: HTTP EventPublisher implementation
*/
package lead

import (
	"context"
	"log"
	"sync"
)

// =============================================================================
// NOTIFICATION DECISIONS
// =============================================================================

type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
	ChannelPortal Channel = "portal"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type EventType string

const (
	EventOffersAvailable EventType = "QUOTE_OFFERS_AVAILABLE"
	EventPaymentFailed   EventType = "LEAD_PAYMENT_FAILED"
	EventQuoteExpired    EventType = "QUOTE_EXPIRED"
	EventExpiryWarning   EventType = "QUOTE_EXPIRY_WARNING"
	EventQuoteSelected   EventType = "QUOTE_SELECTED"
	EventLowBalance      EventType = "WALLET_LOW_BALANCE"
)

type Notification struct {
	RecipientID string
	Title       string
	Message     string
	Channels    []Channel
	Priority    Priority
	EventType   EventType
	Payload     map[string]any
}

// NotificationSink receives notification decisions. Implementations own
// delivery; a sink that fails must not fail the caller.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// =============================================================================
// EVENTS - machine-readable, for external reconciliation
// =============================================================================

// Event carries enough structured data for an external system to reconcile
// state: quote id, offer id if any, amounts.
type Event struct {
	Type    EventType
	Payload map[string]any
}

type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// =============================================================================
// FAN-OUT - best-effort dispatch across multiple sinks
// =============================================================================

// FanOutSink delivers to every underlying sink concurrently and waits for
// all of them. Individual failures are logged and swallowed; the fan-out as
// a whole never fails the caller.
type FanOutSink struct {
	Sinks []NotificationSink
}

func (f *FanOutSink) Notify(ctx context.Context, n Notification) error {
	var wg sync.WaitGroup
	for _, sink := range f.Sinks {
		wg.Add(1)
		go func(s NotificationSink) {
			defer wg.Done()
			if err := s.Notify(ctx, n); err != nil {
				log.Printf("[Notify] sink failed for %s/%s: %v", n.EventType, n.RecipientID, err)
			}
		}(sink)
	}
	wg.Wait()
	return nil
}

// LogSink writes every notification to the process log. It is the baseline
// delivery channel for deployments without an email/SMS gateway, and usually
// sits inside a FanOutSink next to the real ones.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) error {
	log.Printf("[Notify] %s -> %s (%s): %s", n.EventType, n.RecipientID, n.Priority, n.Title)
	return nil
}

// NopSink discards everything. Default when no sink is wired.
type NopSink struct{}

func (NopSink) Notify(context.Context, Notification) error { return nil }

// NopPublisher discards everything. Default when no publisher is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
