/*
Package lifecycle drives a quote through its time-bounded state machine.

STATES:
  DRAFT -> SUBMITTED -> MATCHING -> OFFERS_AVAILABLE -> SELECTED (terminal)
  MATCHING and OFFERS_AVAILABLE may move to EXPIRED or CANCELLED (terminal)
  at any time before selection. Terminal states never change again.

TIMERS vs SWEEP:
  In-process timers (time.AfterFunc) are NOT durable - a restart loses every
  pending callback. The periodic sweep (CheckExpiredQuotes, run by
  api.Sweeper) is therefore the authoritative source of truth and the timer
  is only a latency optimization. Both paths funnel into Expire, which is
  idempotent and uses a conditional status transition, so the sweep, the
  timer, and a racing selection can all fire concurrently and the quote
  still ends in exactly one terminal state. Selection and cancellation
  always win over expiry: they represent a completed business outcome.

WARNINGS:
  A timer started with warnings enabled notifies each partner holding a
  PENDING offer shortly before expiry with the minutes remaining.

SEE ALSO:
  - lead/store.go: TransitionQuote / ExpirePendingOffers contracts
  - api/sweeper.go: The recurring sweep job
*/
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haulbid/lead-engine/lead"
)

// DefaultWarningThreshold is how long before expiry the warning fires.
const DefaultWarningThreshold = 10 * time.Minute

// Manager owns quote timers and status transitions.
type Manager struct {
	Store            lead.TxStore
	Sink             lead.NotificationSink
	Publisher        lead.EventPublisher
	WarningThreshold time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	timers map[lead.QuoteID]*quoteTimers
}

type quoteTimers struct {
	warning *time.Timer
	expiry  *time.Timer
}

func NewManager(store lead.TxStore, sink lead.NotificationSink, pub lead.EventPublisher) *Manager {
	if sink == nil {
		sink = lead.NopSink{}
	}
	if pub == nil {
		pub = lead.NopPublisher{}
	}
	return &Manager{
		Store:            store,
		Sink:             sink,
		Publisher:        pub,
		WarningThreshold: DefaultWarningThreshold,
		Now:              time.Now,
		timers:           make(map[lead.QuoteID]*quoteTimers),
	}
}

// =============================================================================
// TIMER OPERATIONS
// =============================================================================

// StartTimer sets the quote's deadline, moves it to MATCHING, and schedules
// best-effort warning and expiry callbacks.
func (m *Manager) StartTimer(ctx context.Context, quoteID lead.QuoteID, duration time.Duration, enableWarnings bool) error {
	q, err := m.Store.GetQuote(ctx, quoteID)
	if err != nil {
		return fmt.Errorf("load quote: %w", err)
	}
	if q == nil {
		return lead.ErrQuoteNotFound
	}
	if q.Status.IsTerminal() {
		return &lead.QuoteClosedError{QuoteID: quoteID, Status: q.Status}
	}

	expiresAt := m.Now().Add(duration)

	err = m.Store.WithTx(ctx, func(s lead.Store) error {
		if err := s.SetQuoteExpiry(ctx, quoteID, expiresAt); err != nil {
			return err
		}
		// Already-MATCHING quotes keep their status; restarting the timer
		// is allowed.
		if _, err := s.TransitionQuote(ctx, quoteID,
			[]lead.QuoteStatus{lead.QuoteSubmitted, lead.QuoteDraft}, lead.QuoteMatching); err != nil {
			return err
		}
		return s.AppendAudit(ctx, lead.AuditEntry{
			ID:      uuid.NewString(),
			At:      m.Now().UTC(),
			Action:  lead.AuditTimerStarted,
			QuoteID: quoteID,
			Payload: map[string]any{
				"expires_at":       expiresAt.UTC().Format(time.RFC3339),
				"duration_minutes": duration.Minutes(),
				"warnings":         enableWarnings,
			},
		})
	})
	if err != nil {
		return err
	}

	m.schedule(quoteID, expiresAt, enableWarnings)
	return nil
}

// ExtendTimer pushes the deadline forward by the given amount. Remaining
// time is always re-derived from the stored deadline, never accumulated.
func (m *Manager) ExtendTimer(ctx context.Context, quoteID lead.QuoteID, additional time.Duration) error {
	q, err := m.Store.GetQuote(ctx, quoteID)
	if err != nil {
		return fmt.Errorf("load quote: %w", err)
	}
	if q == nil {
		return lead.ErrQuoteNotFound
	}
	if q.ExpiresAt == nil {
		return lead.ErrTimerNotStarted
	}
	if q.Status.IsTerminal() {
		return &lead.QuoteClosedError{QuoteID: quoteID, Status: q.Status}
	}

	expiresAt := q.ExpiresAt.Add(additional)

	err = m.Store.WithTx(ctx, func(s lead.Store) error {
		if err := s.SetQuoteExpiry(ctx, quoteID, expiresAt); err != nil {
			return err
		}
		return s.AppendAudit(ctx, lead.AuditEntry{
			ID:      uuid.NewString(),
			At:      m.Now().UTC(),
			Action:  lead.AuditTimerExtended,
			QuoteID: quoteID,
			Payload: map[string]any{
				"expires_at":         expiresAt.UTC().Format(time.RFC3339),
				"additional_minutes": additional.Minutes(),
			},
		})
	})
	if err != nil {
		return err
	}

	m.schedule(quoteID, expiresAt, true)
	return nil
}

// RemainingTime reports the deadline state for display.
type RemainingTime struct {
	ExpiresAt        time.Time
	RemainingMinutes int
	HasExpired       bool
}

func (m *Manager) RemainingTime(ctx context.Context, quoteID lead.QuoteID) (*RemainingTime, error) {
	q, err := m.Store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, lead.ErrQuoteNotFound
	}
	if q.ExpiresAt == nil {
		return nil, lead.ErrTimerNotStarted
	}

	remaining := q.ExpiresAt.Sub(m.Now())
	if remaining < 0 {
		remaining = 0
	}
	return &RemainingTime{
		ExpiresAt:        *q.ExpiresAt,
		RemainingMinutes: int(math.Ceil(remaining.Minutes())),
		HasExpired:       remaining == 0,
	}, nil
}

// =============================================================================
// EXPIRY
// =============================================================================

// Expire moves an open quote to EXPIRED and cascades its PENDING offers.
// Idempotent: a quote that is already terminal (SELECTED, CANCELLED, or a
// previous EXPIRED) is left untouched and no error is returned - selection
// always wins over a late-firing timer or a redundant sweep.
func (m *Manager) Expire(ctx context.Context, quoteID lead.QuoteID) error {
	var (
		expired  bool
		cascaded int
	)

	err := m.Store.WithTx(ctx, func(s lead.Store) error {
		ok, err := s.TransitionQuote(ctx, quoteID,
			[]lead.QuoteStatus{lead.QuoteMatching, lead.QuoteOffersAvailable}, lead.QuoteExpired)
		if err != nil {
			return err
		}
		if !ok {
			// Already terminal, or a concurrent transition won. No-op.
			return nil
		}
		expired = true

		cascaded, err = s.ExpirePendingOffers(ctx, quoteID)
		if err != nil {
			return err
		}

		return s.AppendAudit(ctx, lead.AuditEntry{
			ID:      uuid.NewString(),
			At:      m.Now().UTC(),
			Action:  lead.AuditQuoteExpired,
			QuoteID: quoteID,
			Payload: map[string]any{
				"expired_at":     m.Now().UTC().Format(time.RFC3339),
				"offers_expired": cascaded,
			},
		})
	})
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}

	m.cancelTimers(quoteID)

	if err := m.Publisher.Publish(ctx, lead.Event{
		Type: lead.EventQuoteExpired,
		Payload: map[string]any{
			"quote_id":       string(quoteID),
			"offers_expired": cascaded,
		},
	}); err != nil {
		log.Printf("[Lifecycle] expiry event publish failed for %s: %v", quoteID, err)
	}
	return nil
}

// CheckExpiredQuotes scans for quotes whose deadline has passed while still
// open and expires each. This is the durability backstop for any timer lost
// to a restart; Expire's idempotency makes it safe to run redundantly and
// concurrently with in-memory timers. Returns how many quotes were swept.
func (m *Manager) CheckExpiredQuotes(ctx context.Context) (int, error) {
	overdue, err := m.Store.OverdueQuotes(ctx, m.Now())
	if err != nil {
		return 0, fmt.Errorf("scan overdue quotes: %w", err)
	}

	n := 0
	for _, q := range overdue {
		if err := m.Expire(ctx, q.ID); err != nil {
			log.Printf("[Lifecycle] sweep failed to expire quote %s: %v", q.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// =============================================================================
// SELECTION - applied on behalf of the external selection workflow
// =============================================================================

// MarkSelected applies the shipper's choice idempotently: the quote becomes
// SELECTED, the chosen offer becomes SELECTED, and sibling PENDING offers
// are REJECTED. Calling it again for the same offer is a no-op.
func (m *Manager) MarkSelected(ctx context.Context, quoteID lead.QuoteID, offerID lead.OfferID) error {
	offer, err := m.Store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer == nil || offer.QuoteID != quoteID {
		return lead.ErrOfferNotFound
	}
	if offer.Status == lead.OfferSelected {
		return nil // already applied
	}

	err = m.Store.WithTx(ctx, func(s lead.Store) error {
		ok, err := s.TransitionQuote(ctx, quoteID,
			[]lead.QuoteStatus{lead.QuoteMatching, lead.QuoteOffersAvailable}, lead.QuoteSelected)
		if err != nil {
			return err
		}
		if !ok {
			q, err := s.GetQuote(ctx, quoteID)
			if err != nil {
				return err
			}
			if q == nil {
				return lead.ErrQuoteNotFound
			}
			if q.Status != lead.QuoteSelected {
				return &lead.QuoteClosedError{QuoteID: quoteID, Status: q.Status}
			}
			// Quote already SELECTED: fall through and make sure the offer
			// statuses match (idempotent re-application).
		}

		if _, err := s.UpdateOfferStatus(ctx, offerID,
			[]lead.OfferStatus{lead.OfferPending}, lead.OfferSelected); err != nil {
			return err
		}

		pending, err := s.PendingOffersByQuote(ctx, quoteID)
		if err != nil {
			return err
		}
		for _, p := range pending {
			if _, err := s.UpdateOfferStatus(ctx, p.ID,
				[]lead.OfferStatus{lead.OfferPending}, lead.OfferRejected); err != nil {
				return err
			}
		}

		return s.AppendAudit(ctx, lead.AuditEntry{
			ID:        uuid.NewString(),
			At:        m.Now().UTC(),
			Action:    lead.AuditQuoteSelected,
			QuoteID:   quoteID,
			OfferID:   offerID,
			PartnerID: offer.PartnerID,
			Payload:   map[string]any{"rejected_offers": len(pending)},
		})
	})
	if err != nil {
		return err
	}

	m.cancelTimers(quoteID)

	if err := m.Publisher.Publish(ctx, lead.Event{
		Type: lead.EventQuoteSelected,
		Payload: map[string]any{
			"quote_id":   string(quoteID),
			"offer_id":   string(offerID),
			"partner_id": string(offer.PartnerID),
		},
	}); err != nil {
		log.Printf("[Lifecycle] selection event publish failed for %s: %v", quoteID, err)
	}
	return nil
}

// =============================================================================
// IN-PROCESS TIMERS (latency optimization only)
// =============================================================================

func (m *Manager) schedule(quoteID lead.QuoteID, expiresAt time.Time, enableWarnings bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.timers[quoteID]; ok {
		existing.stop()
	}

	t := &quoteTimers{}
	now := m.Now()

	if enableWarnings {
		if warnIn := expiresAt.Add(-m.WarningThreshold).Sub(now); warnIn > 0 {
			t.warning = time.AfterFunc(warnIn, func() { m.fireWarning(quoteID) })
		}
	}

	expireIn := expiresAt.Sub(now)
	if expireIn < 0 {
		expireIn = 0
	}
	t.expiry = time.AfterFunc(expireIn, func() {
		if err := m.Expire(context.Background(), quoteID); err != nil {
			log.Printf("[Lifecycle] timer expiry failed for %s (sweep will retry): %v", quoteID, err)
		}
	})

	m.timers[quoteID] = t
}

func (m *Manager) cancelTimers(quoteID lead.QuoteID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[quoteID]; ok {
		t.stop()
		delete(m.timers, quoteID)
	}
}

func (t *quoteTimers) stop() {
	if t.warning != nil {
		t.warning.Stop()
	}
	if t.expiry != nil {
		t.expiry.Stop()
	}
}

// fireWarning notifies every partner with a PENDING offer how many minutes
// remain. Best-effort; a quote that closed since scheduling is skipped.
func (m *Manager) fireWarning(quoteID lead.QuoteID) {
	ctx := context.Background()

	q, err := m.Store.GetQuote(ctx, quoteID)
	if err != nil || q == nil || !q.Status.IsOpen() || q.ExpiresAt == nil {
		return
	}
	remaining := q.ExpiresAt.Sub(m.Now())
	if remaining <= 0 {
		return
	}
	minutes := int(math.Ceil(remaining.Minutes()))

	pending, err := m.Store.PendingOffersByQuote(ctx, quoteID)
	if err != nil {
		log.Printf("[Lifecycle] warning skipped for %s: %v", quoteID, err)
		return
	}

	for _, o := range pending {
		n := lead.Notification{
			RecipientID: string(o.PartnerID),
			Title:       "Quote closing soon",
			Message:     fmt.Sprintf("Quote %s closes in %d minutes.", quoteID, minutes),
			Channels:    []lead.Channel{lead.ChannelPortal, lead.ChannelEmail},
			Priority:    lead.PriorityHigh,
			EventType:   lead.EventExpiryWarning,
			Payload: map[string]any{
				"quote_id":          string(quoteID),
				"offer_id":          string(o.ID),
				"remaining_minutes": minutes,
			},
		}
		if err := m.Sink.Notify(ctx, n); err != nil {
			log.Printf("[Lifecycle] warning notify failed for %s: %v", o.PartnerID, err)
		}
	}

	ev := lead.Event{
		Type: lead.EventExpiryWarning,
		Payload: map[string]any{
			"quote_id":          string(quoteID),
			"remaining_minutes": minutes,
			"pending_offers":    len(pending),
		},
	}
	if err := m.Publisher.Publish(ctx, ev); err != nil {
		log.Printf("[Lifecycle] warning event failed for %s: %v", quoteID, err)
	}
}
