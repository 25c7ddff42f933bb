/*
Package settlement composes pricing, wallet debit, offer creation, and
audit logging into one atomic unit of work.

PURPOSE:
  Submitting an offer is the revenue event of the marketplace: the partner
  pays the lead fee out of their prepaid wallet at the moment their offer is
  created. Those two facts must never exist without each other, so the
  debit, the ledger row, the offer row, and the audit row are written in a
  single store transaction. If any step fails, nothing is persisted.

SEQUENCE:
  1. Cheap pre-checks OUTSIDE the unit of work: quote exists and is open,
     partner has no other non-withdrawn offer. These only short-circuit the
     common failures early; the unit of work re-validates both (conditional
     status read + unique constraint) to close the race.
  2. Resolve the partner's subscription tier.
  3. Price the lead (pure computation, never fails).
  4. Atomic unit: conditional wallet debit -> ledger row -> offer row ->
     audit row with balance before/after.
  5. Insufficient funds aborts the unit; a payment-failed notification
     decision is emitted OUTSIDE the aborted transaction with the required
     amount and the freshly observed balance.
  6. After commit: quote moves MATCHING -> OFFERS_AVAILABLE, an
     offers-available event and notification go out. These are best-effort
     side effects; their failure never rolls back the committed settlement.

RETRIES:
  Nothing here retries automatically - retrying a debit without an
  idempotency key is unsafe. A caller that times out waiting on the unit of
  work has an UNKNOWN outcome and must re-check wallet balance and offer
  existence before resubmitting.

SEE ALSO:
  - wallet/ledger.go: DebitInTx, the conditional-update algorithm
  - pricing/engine.go: Lead cost computation
  - lifecycle/lifecycle.go: Status transitions this package triggers
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/pricing"
	"github.com/haulbid/lead-engine/wallet"
)

// OfferDetails is what the partner controls about their bid.
type OfferDetails struct {
	Price             lead.Money
	ValidUntil        *time.Time
	IncludesLoading   bool
	IncludesInsurance bool
	Remarks           string
}

// Result is returned on successful settlement.
type Result struct {
	Offer      lead.Offer
	LeadCost   lead.Money
	NewBalance lead.Money
}

// Service orchestrates offer settlement.
type Service struct {
	Store     lead.TxStore
	Pricer    *pricing.Engine
	Tiers     lead.TierResolver
	Sink      lead.NotificationSink
	Publisher lead.EventPublisher

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewService(store lead.TxStore, pricer *pricing.Engine, tiers lead.TierResolver, sink lead.NotificationSink, pub lead.EventPublisher) *Service {
	if sink == nil {
		sink = lead.NopSink{}
	}
	if pub == nil {
		pub = lead.NopPublisher{}
	}
	if tiers == nil {
		tiers = lead.TierMap{}
	}
	return &Service{
		Store:     store,
		Pricer:    pricer,
		Tiers:     tiers,
		Sink:      sink,
		Publisher: pub,
		Now:       time.Now,
	}
}

// Submit creates an offer and charges its lead fee atomically.
//
// Errors surfaced to the caller:
//   - lead.ErrQuoteNotFound
//   - *lead.QuoteClosedError          (expired/selected/cancelled)
//   - *lead.DuplicateOfferError
//   - *lead.InsufficientBalanceError  (required and available amounts)
//   - lead.ErrWalletNotProvisioned    (fatal, provisioning bug)
//   - anything else: wrapped store failure, logged, retried at the
//     caller's discretion only
func (s *Service) Submit(ctx context.Context, quoteID lead.QuoteID, partnerID lead.PartnerID, details OfferDetails) (*Result, error) {
	now := s.Now()

	// --- Pre-checks (outside the atomic unit; re-validated inside) ---

	q, err := s.Store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("load quote: %w", err)
	}
	if q == nil {
		return nil, lead.ErrQuoteNotFound
	}
	if !q.Status.IsOpen() {
		return nil, &lead.QuoteClosedError{QuoteID: quoteID, Status: q.Status}
	}
	if q.HasExpired(now) {
		// Deadline passed but the sweep hasn't flipped the status yet. An
		// expired quote must not gain new PENDING offers.
		return nil, &lead.QuoteClosedError{QuoteID: quoteID, Status: lead.QuoteExpired}
	}

	if existing, err := s.Store.FindActiveOffer(ctx, quoteID, partnerID); err != nil {
		return nil, fmt.Errorf("check existing offer: %w", err)
	} else if existing != nil {
		return nil, &lead.DuplicateOfferError{QuoteID: quoteID, PartnerID: partnerID, ExistingOfferID: existing.ID}
	}

	tier, err := s.Tiers.Tier(partnerID)
	if err != nil {
		return nil, fmt.Errorf("resolve subscription tier: %w", err)
	}

	cost := s.Pricer.Compute(ctx, pricing.InputForQuote(q, tier))

	offer := lead.Offer{
		ID:                lead.OfferID(uuid.NewString()),
		QuoteID:           quoteID,
		PartnerID:         partnerID,
		Price:             details.Price,
		Status:            lead.OfferPending,
		ValidUntil:        details.ValidUntil,
		IncludesLoading:   details.IncludesLoading,
		IncludesInsurance: details.IncludesInsurance,
		Remarks:           details.Remarks,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}

	// --- Atomic unit of work ---

	var newBalance lead.Money
	err = s.Store.WithTx(ctx, func(st lead.Store) error {
		// Re-check status inside the unit: a concurrent expiry or selection
		// may have closed the quote since the pre-check.
		cur, err := st.GetQuote(ctx, quoteID)
		if err != nil {
			return err
		}
		if cur == nil {
			return lead.ErrQuoteNotFound
		}
		if !cur.Status.IsOpen() || cur.HasExpired(now) {
			return &lead.QuoteClosedError{QuoteID: quoteID, Status: cur.Status}
		}

		_, balance, err := wallet.DebitInTx(ctx, st, partnerID, cost, wallet.DebitDetails{
			OfferID:     offer.ID,
			QuoteID:     quoteID,
			Description: fmt.Sprintf("Lead fee for quote %s", quoteID),
			Metadata:    leadMetadata(q),
		})
		if err != nil {
			return err
		}
		newBalance = balance

		if err := st.CreateOffer(ctx, offer); err != nil {
			if errors.Is(err, lead.ErrDuplicateOffer) {
				// The unique constraint closed the pre-check race.
				return &lead.DuplicateOfferError{QuoteID: quoteID, PartnerID: partnerID}
			}
			return fmt.Errorf("create offer: %w", err)
		}

		return st.AppendAudit(ctx, lead.AuditEntry{
			ID:        uuid.NewString(),
			At:        now.UTC(),
			Action:    lead.AuditOfferSettled,
			QuoteID:   quoteID,
			OfferID:   offer.ID,
			PartnerID: partnerID,
			Payload: map[string]any{
				"lead_cost":      cost.String(),
				"balance_before": newBalance.Add(cost).String(),
				"balance_after":  newBalance.String(),
				"tier":           string(tier),
			},
		})
	})

	if err != nil {
		s.reportFailure(ctx, quoteID, partnerID, cost, err)
		return nil, err
	}

	// --- Best-effort post-commit side effects ---
	s.reportSettled(ctx, q, offer, cost, newBalance)

	return &Result{Offer: offer, LeadCost: cost, NewBalance: newBalance}, nil
}

// Estimate prices a lead without charging, using the same engine as
// settlement. quick=true skips configuration I/O entirely (fallback table
// only) and is guaranteed never to under-quote the real charge.
func (s *Service) Estimate(ctx context.Context, quoteID lead.QuoteID, partnerID lead.PartnerID, quick bool) (lead.Money, error) {
	q, err := s.Store.GetQuote(ctx, quoteID)
	if err != nil {
		return lead.Money{}, err
	}
	if q == nil {
		return lead.Money{}, lead.ErrQuoteNotFound
	}

	tier, err := s.Tiers.Tier(partnerID)
	if err != nil {
		return lead.Money{}, fmt.Errorf("resolve subscription tier: %w", err)
	}

	in := pricing.InputForQuote(q, tier)
	if quick {
		return s.Pricer.ComputeSync(in), nil
	}
	return s.Pricer.Compute(ctx, in), nil
}

// Withdraw retracts a partner's PENDING offer. The lead fee is NOT
// automatically refunded; refund eligibility is the selection workflow's
// policy decision, applied through wallet.Ledger.Refund.
func (s *Service) Withdraw(ctx context.Context, quoteID lead.QuoteID, partnerID lead.PartnerID) error {
	offer, err := s.Store.FindActiveOffer(ctx, quoteID, partnerID)
	if err != nil {
		return err
	}
	if offer == nil {
		return lead.ErrOfferNotFound
	}

	return s.Store.WithTx(ctx, func(st lead.Store) error {
		ok, err := st.UpdateOfferStatus(ctx, offer.ID,
			[]lead.OfferStatus{lead.OfferPending}, lead.OfferWithdrawn)
		if err != nil {
			return err
		}
		if !ok {
			return lead.ErrOfferNotFound
		}
		return st.AppendAudit(ctx, lead.AuditEntry{
			ID:        uuid.NewString(),
			At:        s.Now().UTC(),
			Action:    lead.AuditOfferWithdrawn,
			QuoteID:   quoteID,
			OfferID:   offer.ID,
			PartnerID: partnerID,
		})
	})
}

// =============================================================================
// SIDE EFFECTS
// =============================================================================

// reportFailure emits the payment-failed decision for insufficient funds.
// It runs outside the (already aborted) unit of work. Integrity errors are
// logged as system faults; client errors are not.
func (s *Service) reportFailure(ctx context.Context, quoteID lead.QuoteID, partnerID lead.PartnerID, cost lead.Money, cause error) {
	var insufficient *lead.InsufficientBalanceError
	if !errors.As(cause, &insufficient) {
		if lead.IsIntegrityError(cause) {
			log.Printf("[Settlement] integrity failure for quote %s partner %s: %v", quoteID, partnerID, cause)
		}
		return
	}

	payload := map[string]any{
		"quote_id":         string(quoteID),
		"partner_id":       string(partnerID),
		"required_amount":  insufficient.Required.String(),
		"available_amount": insufficient.Available.String(),
	}

	if err := s.Sink.Notify(ctx, lead.Notification{
		RecipientID: string(partnerID),
		Title:       "Lead payment failed",
		Message: fmt.Sprintf("Your wallet has %s but this lead costs %s. Please recharge to continue bidding.",
			insufficient.Available, insufficient.Required),
		Channels:  []lead.Channel{lead.ChannelPortal, lead.ChannelEmail},
		Priority:  lead.PriorityHigh,
		EventType: lead.EventPaymentFailed,
		Payload:   payload,
	}); err != nil {
		log.Printf("[Settlement] payment-failed notify error: %v", err)
	}

	if err := s.Publisher.Publish(ctx, lead.Event{Type: lead.EventPaymentFailed, Payload: payload}); err != nil {
		log.Printf("[Settlement] payment-failed event error: %v", err)
	}
}

// reportSettled runs after commit: quote status bump, offers-available
// event, notifications, low-balance warning. All best-effort.
func (s *Service) reportSettled(ctx context.Context, q *lead.Quote, offer lead.Offer, cost, newBalance lead.Money) {
	if _, err := s.Store.TransitionQuote(ctx, q.ID,
		[]lead.QuoteStatus{lead.QuoteMatching}, lead.QuoteOffersAvailable); err != nil {
		log.Printf("[Settlement] status bump failed for quote %s: %v", q.ID, err)
	}

	payload := map[string]any{
		"quote_id":    string(q.ID),
		"offer_id":    string(offer.ID),
		"partner_id":  string(offer.PartnerID),
		"lead_cost":   cost.String(),
		"offer_price": offer.Price.String(),
	}

	if err := s.Publisher.Publish(ctx, lead.Event{Type: lead.EventOffersAvailable, Payload: payload}); err != nil {
		log.Printf("[Settlement] offers-available event error: %v", err)
	}

	if err := s.Sink.Notify(ctx, lead.Notification{
		RecipientID: q.ShipperID,
		Title:       "New offer on your quote",
		Message:     fmt.Sprintf("A partner has submitted an offer of %s on quote %s.", offer.Price, q.ID),
		Channels:    []lead.Channel{lead.ChannelPortal, lead.ChannelEmail},
		Priority:    lead.PriorityNormal,
		EventType:   lead.EventOffersAvailable,
		Payload:     payload,
	}); err != nil {
		log.Printf("[Settlement] offers-available notify error: %v", err)
	}

	// Low-balance warning if this debit crossed the partner's threshold.
	w, err := s.Store.GetWallet(ctx, offer.PartnerID)
	if err != nil || w == nil {
		return
	}
	if newBalance.LessThan(w.AlertThreshold) {
		if !w.LowBalance {
			if err := s.Store.SetLowBalance(ctx, offer.PartnerID, true); err != nil {
				log.Printf("[Settlement] low-balance flag update failed for %s: %v", offer.PartnerID, err)
			}
		}
		if err := s.Sink.Notify(ctx, lead.Notification{
			RecipientID: string(offer.PartnerID),
			Title:       "Wallet balance low",
			Message:     fmt.Sprintf("Your lead wallet is down to %s. Recharge to keep bidding.", newBalance),
			Channels:    []lead.Channel{lead.ChannelPortal},
			Priority:    lead.PriorityNormal,
			EventType:   lead.EventLowBalance,
			Payload: map[string]any{
				"partner_id": string(offer.PartnerID),
				"balance":    newBalance.String(),
				"threshold":  w.AlertThreshold.String(),
			},
		}); err != nil {
			log.Printf("[Settlement] low-balance notify error: %v", err)
		}
	}
}

// leadMetadata captures the cargo attributes that drove the price, for
// ledger reporting.
func leadMetadata(q *lead.Quote) map[string]string {
	md := map[string]string{
		"cargo":    q.Cargo.Name,
		"quantity": q.Cargo.Quantity.String(),
		"unit":     q.Cargo.Unit,
		"route":    q.PickupState + "-" + q.DeliveryState,
	}
	if q.Cargo.HazardClass != "" {
		md["hazard_class"] = q.Cargo.HazardClass
	}
	if len(q.VehicleTypes) > 0 {
		md["vehicle_type"] = q.VehicleTypes[0]
	}
	return md
}
