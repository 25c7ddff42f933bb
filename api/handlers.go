/*
handlers.go - HTTP API handlers for the lead marketplace engine

PURPOSE:
  Exposes the marketplace engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Quotes:
    POST   /api/quotes                     Create + submit quote
    GET    /api/quotes/{id}                Quote details
    GET    /api/quotes/{id}/offers         Offers on a quote
    GET    /api/quotes/{id}/estimate       Lead-cost preview for a partner
    GET    /api/quotes/{id}/time-remaining Bidding window countdown
    GET    /api/quotes/{id}/audit          Audit trail
    POST   /api/quotes/{id}/offers         Submit offer (charges lead fee)
    POST   /api/quotes/{id}/timer          Start bidding window
    POST   /api/quotes/{id}/timer/extend   Extend bidding window
    POST   /api/quotes/{id}/select         Pick winning offer

  Offers:
    POST   /api/offers/{id}/withdraw       Withdraw a pending offer

  Partners / wallets:
    POST   /api/partners                        Create or update partner
    GET    /api/partners/{id}/wallet            Wallet state
    POST   /api/partners/{id}/wallet            Provision wallet
    POST   /api/partners/{id}/wallet/recharge   Top up
    GET    /api/partners/{id}/transactions      Ledger history
    POST   /api/transactions/{id}/refund        Refund a lead debit

  Admin:
    GET    /api/admin/pricing-config       Active pricing config
    PUT    /api/admin/pricing-config       Activate a new config version

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient wallet balance
  - 404: Quote/offer/wallet not found
  - 409: Duplicate offer, closed quote, already refunded
  - 500: Internal/integrity errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - settlement/settlement.go: The settlement transaction behind POST offers
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/lifecycle"
	"github.com/haulbid/lead-engine/pricing"
	"github.com/haulbid/lead-engine/settlement"
	"github.com/haulbid/lead-engine/store/sqlite"
	"github.com/haulbid/lead-engine/wallet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Wallet     *wallet.Ledger
	Lifecycle  *lifecycle.Manager
	Settlement *settlement.Service

	// Called after an admin activates a new pricing config. Optional.
	InvalidateConfig func()

	currentScenario string
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(store *sqlite.Store, ledger *wallet.Ledger, lc *lifecycle.Manager, st *settlement.Service) *Handler {
	return &Handler{
		Store:      store,
		Wallet:     ledger,
		Lifecycle:  lc,
		Settlement: st,
	}
}

// =============================================================================
// QUOTE HANDLERS
// =============================================================================

// CreateQuote creates a quote and, when a window is given, starts its
// bidding timer.
func (h *Handler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req CreateQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ShipperID == "" || req.CargoName == "" {
		writeError(w, http.StatusBadRequest, "shipper_id and cargo_name are required", nil)
		return
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil || qty.IsNegative() {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	id := lead.QuoteID(req.ID)
	if id == "" {
		id = lead.QuoteID(uuid.NewString())
	}
	now := time.Now()
	quote := lead.Quote{
		ID:        id,
		ShipperID: req.ShipperID,
		Status:    lead.QuoteSubmitted,
		Cargo: lead.Cargo{
			Name:        req.CargoName,
			HazardClass: req.HazardClass,
			Quantity:    qty,
			Unit:        req.Unit,
		},
		PickupState:   req.PickupState,
		DeliveryState: req.DeliveryState,
		VehicleTypes:  req.VehicleTypes,
		Urgent:        req.Urgent,
		CreatedAt:     now,
		SubmittedAt:   &now,
	}

	if err := h.Store.SaveQuote(r.Context(), quote); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save quote", err)
		return
	}

	if req.WindowMinutes > 0 {
		window := time.Duration(req.WindowMinutes) * time.Minute
		if err := h.Lifecycle.StartTimer(r.Context(), quote.ID, window, req.EnableWarnings); err != nil {
			writeDomainError(w, "Failed to start bidding window", err)
			return
		}
	}

	saved, err := h.Store.GetQuote(r.Context(), quote.ID)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload quote", err)
		return
	}
	writeJSON(w, http.StatusCreated, toQuoteDTO(saved))
}

// GetQuote returns a single quote.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id := lead.QuoteID(chi.URLParam(r, "id"))

	quote, err := h.Store.GetQuote(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get quote", err)
		return
	}
	if quote == nil {
		writeError(w, http.StatusNotFound, "Quote not found", nil)
		return
	}

	offers, err := h.Store.OffersByQuote(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count offers", err)
		return
	}

	dto := toQuoteDTO(quote)
	dto.OfferCount = len(offers)
	writeJSON(w, http.StatusOK, dto)
}

// ListOffers returns every offer on a quote, in submission order.
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	id := lead.QuoteID(chi.URLParam(r, "id"))

	quote, err := h.Store.GetQuote(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get quote", err)
		return
	}
	if quote == nil {
		writeError(w, http.StatusNotFound, "Quote not found", nil)
		return
	}

	offers, err := h.Store.OffersByQuote(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list offers", err)
		return
	}

	dtos := make([]OfferDTO, len(offers))
	for i, o := range offers {
		dtos[i] = toOfferDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTimeRemaining reports the bidding-window countdown.
func (h *Handler) GetTimeRemaining(w http.ResponseWriter, r *http.Request) {
	id := lead.QuoteID(chi.URLParam(r, "id"))

	rt, err := h.Lifecycle.RemainingTime(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get remaining time", err)
		return
	}

	writeJSON(w, http.StatusOK, TimeRemainingDTO{
		ExpiresAt:        rt.ExpiresAt.Format(time.RFC3339),
		RemainingMinutes: rt.RemainingMinutes,
		HasExpired:       rt.HasExpired,
	})
}

// StartTimer starts the bidding window on a quote.
func (h *Handler) StartTimer(w http.ResponseWriter, r *http.Request) {
	id := lead.QuoteID(chi.URLParam(r, "id"))

	var req StartTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.WindowMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "window_minutes must be positive", nil)
		return
	}

	window := time.Duration(req.WindowMinutes) * time.Minute
	if err := h.Lifecycle.StartTimer(r.Context(), id, window, req.EnableWarnings); err != nil {
		writeDomainError(w, "Failed to start bidding window", err)
		return
	}

	rt, err := h.Lifecycle.RemainingTime(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get remaining time", err)
		return
	}
	writeJSON(w, http.StatusOK, TimeRemainingDTO{
		ExpiresAt:        rt.ExpiresAt.Format(time.RFC3339),
		RemainingMinutes: rt.RemainingMinutes,
		HasExpired:       rt.HasExpired,
	})
}

// ExtendTimer adds time to a running bidding window.
func (h *Handler) ExtendTimer(w http.ResponseWriter, r *http.Request) {
	id := lead.QuoteID(chi.URLParam(r, "id"))

	var req ExtendTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AdditionalMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "additional_minutes must be positive", nil)
		return
	}

	additional := time.Duration(req.AdditionalMinutes) * time.Minute
	if err := h.Lifecycle.ExtendTimer(r.Context(), id, additional); err != nil {
		writeDomainError(w, "Failed to extend bidding window", err)
		return
	}

	rt, err := h.Lifecycle.RemainingTime(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get remaining time", err)
		return
	}
	writeJSON(w, http.StatusOK, TimeRemainingDTO{
		ExpiresAt:        rt.ExpiresAt.Format(time.RFC3339),
		RemainingMinutes: rt.RemainingMinutes,
		HasExpired:       rt.HasExpired,
	})
}

// SelectOffer marks the winning offer and closes the quote.
func (h *Handler) SelectOffer(w http.ResponseWriter, r *http.Request) {
	id := lead.QuoteID(chi.URLParam(r, "id"))

	var req SelectOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OfferID == "" {
		writeError(w, http.StatusBadRequest, "offer_id is required", nil)
		return
	}

	if err := h.Lifecycle.MarkSelected(r.Context(), id, lead.OfferID(req.OfferID)); err != nil {
		writeDomainError(w, "Failed to select offer", err)
		return
	}

	offer, err := h.Store.GetOffer(r.Context(), lead.OfferID(req.OfferID))
	if err != nil || offer == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload offer", err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferDTO(*offer))
}

// GetAudit returns the audit trail for a quote.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := lead.QuoteID(chi.URLParam(r, "id"))

	entries, err := h.Store.AuditByQuote(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load audit trail", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// OFFER HANDLERS
// =============================================================================

// SubmitOffer runs the settlement transaction: charge the lead fee and
// record the offer, atomically.
func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	quoteID := lead.QuoteID(chi.URLParam(r, "id"))

	var req SubmitOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PartnerID == "" {
		writeError(w, http.StatusBadRequest, "partner_id is required", nil)
		return
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		writeError(w, http.StatusBadRequest, "Invalid price", err)
		return
	}

	details := settlement.OfferDetails{
		Price:             lead.Money{Value: price, Currency: lead.DefaultCurrency},
		IncludesLoading:   req.IncludesLoading,
		IncludesInsurance: req.IncludesInsurance,
		Remarks:           req.Remarks,
	}
	if req.ValidUntil != "" {
		vu, err := time.Parse(time.RFC3339, req.ValidUntil)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid valid_until (use RFC3339)", err)
			return
		}
		details.ValidUntil = &vu
	}

	result, err := h.Settlement.Submit(r.Context(), quoteID, lead.PartnerID(req.PartnerID), details)
	if err != nil {
		writeDomainError(w, "Failed to submit offer", err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitOfferResponse{
		Offer:      toOfferDTO(result.Offer),
		LeadCost:   result.LeadCost.String(),
		NewBalance: result.NewBalance.String(),
	})
}

// Estimate previews the lead cost without charging anything.
// Query params: partner_id (required), quick=true for fallback-only pricing.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	quoteID := lead.QuoteID(chi.URLParam(r, "id"))
	partnerID := r.URL.Query().Get("partner_id")
	if partnerID == "" {
		writeError(w, http.StatusBadRequest, "partner_id query parameter is required", nil)
		return
	}
	quick, _ := strconv.ParseBool(r.URL.Query().Get("quick"))

	cost, err := h.Settlement.Estimate(r.Context(), quoteID, lead.PartnerID(partnerID), quick)
	if err != nil {
		writeDomainError(w, "Failed to estimate lead cost", err)
		return
	}

	writeJSON(w, http.StatusOK, EstimateDTO{
		QuoteID:   string(quoteID),
		PartnerID: partnerID,
		LeadCost:  cost.String(),
		Currency:  cost.Currency,
	})
}

// WithdrawOffer withdraws a pending offer. The lead fee is not refunded
// automatically; refunds go through the wallet refund endpoint.
func (h *Handler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	id := lead.OfferID(chi.URLParam(r, "id"))

	offer, err := h.Store.GetOffer(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get offer", err)
		return
	}
	if offer == nil {
		writeError(w, http.StatusNotFound, "Offer not found", nil)
		return
	}

	if err := h.Settlement.Withdraw(r.Context(), offer.QuoteID, offer.PartnerID); err != nil {
		writeDomainError(w, "Failed to withdraw offer", err)
		return
	}

	updated, err := h.Store.GetOffer(r.Context(), id)
	if err != nil || updated == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload offer", err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferDTO(*updated))
}

// =============================================================================
// PARTNER & WALLET HANDLERS
// =============================================================================

// SavePartner creates or updates a partner record.
func (h *Handler) SavePartner(w http.ResponseWriter, r *http.Request) {
	var req PartnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	tier := lead.SubscriptionTier(req.Tier)
	switch tier {
	case "", lead.TierBasic, lead.TierStandard, lead.TierPremium:
	default:
		writeError(w, http.StatusBadRequest, "Unknown tier (use BASIC, STANDARD, or PREMIUM)", nil)
		return
	}

	p := sqlite.Partner{ID: req.ID, Name: req.Name, Tier: tier}
	if err := h.Store.SavePartner(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save partner", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GetWallet returns a partner's wallet.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	partnerID := lead.PartnerID(chi.URLParam(r, "id"))

	wal, err := h.Store.GetWallet(r.Context(), partnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get wallet", err)
		return
	}
	if wal == nil {
		writeError(w, http.StatusNotFound, "Wallet not provisioned", nil)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wal))
}

// ProvisionWallet creates a wallet for a partner.
func (h *Handler) ProvisionWallet(w http.ResponseWriter, r *http.Request) {
	partnerID := lead.PartnerID(chi.URLParam(r, "id"))

	var req ProvisionWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wal := lead.Wallet{PartnerID: partnerID, Currency: lead.DefaultCurrency}
	if req.InitialBalance != "" {
		v, err := decimal.NewFromString(req.InitialBalance)
		if err != nil || v.IsNegative() {
			writeError(w, http.StatusBadRequest, "Invalid initial_balance", err)
			return
		}
		wal.Balance = lead.Money{Value: v, Currency: lead.DefaultCurrency}
	}
	if req.AlertThreshold != "" {
		v, err := decimal.NewFromString(req.AlertThreshold)
		if err != nil || v.IsNegative() {
			writeError(w, http.StatusBadRequest, "Invalid alert_threshold", err)
			return
		}
		wal.AlertThreshold = lead.Money{Value: v, Currency: lead.DefaultCurrency}
	}

	if err := h.Store.CreateWallet(r.Context(), wal); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create wallet", err)
		return
	}

	created, err := h.Store.GetWallet(r.Context(), partnerID)
	if err != nil || created == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(created))
}

// Recharge tops up a wallet and records a RECHARGE ledger entry.
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	partnerID := lead.PartnerID(chi.URLParam(r, "id"))

	var req RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be a positive decimal", err)
		return
	}

	tx, err := h.Wallet.Credit(r.Context(), partnerID,
		lead.Money{Value: amount, Currency: lead.DefaultCurrency}, req.Description)
	if err != nil {
		writeDomainError(w, "Failed to recharge wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// GetTransactions returns a partner's ledger history (newest first).
/// Query param: limit (default 50).
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	partnerID := lead.PartnerID(chi.URLParam(r, "id"))

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	txs, err := h.Wallet.History(r.Context(), partnerID, limit)
	if err != nil {
		writeDomainError(w, "Failed to load transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Refund credits back a prior lead debit, exactly once.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	debitID := lead.TransactionID(chi.URLParam(r, "id"))

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Wallet.Refund(r.Context(), debitID, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to refund", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetPricingConfig returns the active pricing configuration, falling back
// to the built-in table when no admin config was ever activated.
func (h *Handler) GetPricingConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load pricing config", err)
		return
	}

	if cfg == nil {
		writeJSON(w, http.StatusOK, PricingConfigDTO{Config: pricing.Fallback(), Builtin: true})
		return
	}
	writeJSON(w, http.StatusOK, PricingConfigDTO{Config: cfg, Version: cfg.Version})
}

// PutPricingConfig validates and activates a new pricing config version.
func (h *Handler) PutPricingConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pricing.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	version, err := h.Store.SavePricingConfig(r.Context(), &cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Rejected pricing config", err)
		return
	}
	cfg.Version = version

	if h.InvalidateConfig != nil {
		h.InvalidateConfig()
	}

	writeJSON(w, http.StatusCreated, PricingConfigDTO{Config: &cfg, Version: version})
}

// RunSweep triggers an immediate expiry sweep (admin/testing).
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Lifecycle.CheckExpiredQuotes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lead.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	// ErrWalletNotProvisioned is an integrity fault, not a lookup miss;
	// it takes the 500 default.
	case lead.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, lead.ErrDuplicateOffer),
		errors.Is(err, lead.ErrQuoteClosed),
		errors.Is(err, lead.ErrAlreadyRefunded):
		return http.StatusConflict
	case errors.Is(err, lead.ErrTimerNotStarted):
		return http.StatusBadRequest
	case lead.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
