/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	marketplace data for testing and demos. Each scenario creates partners,
	wallets, quotes, and offers that demonstrate specific features.

AVAILABLE SCENARIOS:

	fresh-marketplace: Funded partners, one open quote, no offers yet
	contested-lane:    Two partners already bidding on the same quote
	low-balance:       Partner whose wallet cannot cover the next lead fee
	settled-selection: Completed cycle: winner selected, loser refunded
	expired-window:    Bidding window lapsed, offers cascaded to EXPIRED

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create partners and provision wallets
 3. Create quotes and start bidding timers
 4. Submit offers through the settlement path (fees really settle)
 5. Optionally select, refund, or expire

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "contested-lane"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - settlement/settlement.go: The settlement path the loaders drive
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/settlement"
	"github.com/haulbid/lead-engine/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-marketplace",
		Name:        "Fresh Marketplace",
		Description: "Three funded partners, one open hazardous-cargo quote, no offers yet",
		Category:    "bidding",
	},
	{
		ID:          "contested-lane",
		Name:        "Contested Lane",
		Description: "Two partners already bidding on the same Mumbai-Kanpur quote",
		Category:    "bidding",
	},
	{
		ID:          "low-balance",
		Name:        "Low Balance",
		Description: "Partner whose remaining balance cannot cover the next lead fee",
		Category:    "wallet",
	},
	{
		ID:          "settled-selection",
		Name:        "Settled Selection",
		Description: "Completed cycle: winning offer selected, losing partner refunded",
		Category:    "settlement",
	},
	{
		ID:          "expired-window",
		Name:        "Expired Window",
		Description: "Bidding window lapsed with pending offers cascaded to EXPIRED",
		Category:    "lifecycle",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// Scenario ID exists but not in list (shouldn't happen)
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "fresh-marketplace":
		err = h.loadFreshMarketplaceScenario(ctx)
	case "contested-lane":
		err = h.loadContestedLaneScenario(ctx)
	case "low-balance":
		err = h.loadLowBalanceScenario(ctx)
	case "settled-selection":
		err = h.loadSettledSelectionScenario(ctx)
	case "expired-window":
		err = h.loadExpiredWindowScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seedPartner registers a partner, provisions their wallet, and tops it up
// through the ledger so the recharge shows in their transaction history.
func (h *Handler) seedPartner(ctx context.Context, id, name string, tier lead.SubscriptionTier, balance string) error {
	if err := h.Store.SavePartner(ctx, sqlite.Partner{
		ID:        id,
		Name:      name,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := h.Store.CreateWallet(ctx, lead.Wallet{
		PartnerID: lead.PartnerID(id),
		Currency:  lead.DefaultCurrency,
	}); err != nil {
		return err
	}
	amount := lead.Money{Value: lead.MustParseDecimal(balance), Currency: lead.DefaultCurrency}
	_, err := h.Wallet.Credit(ctx, lead.PartnerID(id), amount, "Initial recharge")
	return err
}

func (h *Handler) seedQuote(ctx context.Context, id string, urgent bool) error {
	return h.Store.SaveQuote(ctx, lead.Quote{
		ID:        lead.QuoteID(id),
		ShipperID: "shipper-chemco",
		Status:    lead.QuoteSubmitted,
		Cargo: lead.Cargo{
			Name:        "sulphuric acid",
			HazardClass: "CLASS_8",
			Quantity:    lead.MustParseDecimal("25"),
			Unit:        "TONNES",
		},
		PickupState:   "MH",
		DeliveryState: "UP",
		VehicleTypes:  []string{"TRUCK"},
		Urgent:        urgent,
		CreatedAt:     time.Now().UTC(),
	})
}

func (h *Handler) loadFreshMarketplaceScenario(ctx context.Context) error {
	if err := h.seedPartner(ctx, "partner-apex", "Apex Haulage", lead.TierPremium, "25000.00"); err != nil {
		return err
	}
	if err := h.seedPartner(ctx, "partner-swift", "Swift Freight", lead.TierStandard, "10000.00"); err != nil {
		return err
	}
	if err := h.seedPartner(ctx, "partner-local", "Local Carriers", lead.TierBasic, "5000.00"); err != nil {
		return err
	}

	if err := h.seedQuote(ctx, "quote-fresh", false); err != nil {
		return err
	}
	return h.Lifecycle.StartTimer(ctx, "quote-fresh", 2*time.Hour, true)
}

func (h *Handler) loadContestedLaneScenario(ctx context.Context) error {
	if err := h.loadFreshMarketplaceScenario(ctx); err != nil {
		return err
	}

	if _, err := h.Settlement.Submit(ctx, "quote-fresh", "partner-apex", settlement.OfferDetails{
		Price:             lead.Money{Value: lead.MustParseDecimal("45000.00"), Currency: lead.DefaultCurrency},
		IncludesLoading:   true,
		IncludesInsurance: true,
		Remarks:           "Dedicated hazmat tanker, GPS tracked",
	}); err != nil {
		return err
	}
	_, err := h.Settlement.Submit(ctx, "quote-fresh", "partner-swift", settlement.OfferDetails{
		Price:   lead.Money{Value: lead.MustParseDecimal("42500.00"), Currency: lead.DefaultCurrency},
		Remarks: "Loading charges extra",
	})
	return err
}

func (h *Handler) loadLowBalanceScenario(ctx context.Context) error {
	// Balance below the CLASS_8 lead fee for a BASIC partner, so the next
	// submission fails with a payment-failed decision.
	if err := h.seedPartner(ctx, "partner-broke", "Budget Movers", lead.TierBasic, "900.00"); err != nil {
		return err
	}
	if err := h.seedQuote(ctx, "quote-fresh", true); err != nil {
		return err
	}
	return h.Lifecycle.StartTimer(ctx, "quote-fresh", time.Hour, false)
}

func (h *Handler) loadSettledSelectionScenario(ctx context.Context) error {
	if err := h.loadContestedLaneScenario(ctx); err != nil {
		return err
	}

	offers, err := h.Store.OffersByQuote(ctx, "quote-fresh")
	if err != nil {
		return err
	}
	var winner, loser *lead.Offer
	for i := range offers {
		switch offers[i].PartnerID {
		case "partner-swift":
			winner = &offers[i]
		case "partner-apex":
			loser = &offers[i]
		}
	}
	if winner == nil || loser == nil {
		return fmt.Errorf("contested-lane seed did not produce both offers")
	}

	if err := h.Lifecycle.MarkSelected(ctx, "quote-fresh", winner.ID); err != nil {
		return err
	}

	// Goodwill refund for the losing partner's lead fee.
	txs, err := h.Store.Transactions(ctx, loser.PartnerID, 10)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.Type == lead.TxDebit && tx.OfferID == loser.ID {
			_, err = h.Wallet.Refund(ctx, tx.ID, "Lead refund: offer not selected")
			return err
		}
	}
	return fmt.Errorf("no debit found for losing offer %s", loser.ID)
}

func (h *Handler) loadExpiredWindowScenario(ctx context.Context) error {
	if err := h.loadContestedLaneScenario(ctx); err != nil {
		return err
	}

	// Backdate the deadline and run the sweep so the expiry cascades.
	if err := h.Store.SetQuoteExpiry(ctx, "quote-fresh", time.Now().Add(-time.Minute)); err != nil {
		return err
	}
	_, err := h.Lifecycle.CheckExpiredQuotes(ctx)
	return err
}
