/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY IN JSON:
  Amounts cross the wire as decimal strings ("1305.60"), never floats.
  Handlers parse them with decimal.NewFromString and reject garbage.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - pricing/config.go: Config type embedded in PricingConfigDTO
*/
package api

import (
	"time"

	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/pricing"
)

// =============================================================================
// QUOTE TYPES
// =============================================================================

// QuoteDTO represents a quote in API responses.
type QuoteDTO struct {
	ID            string   `json:"id"`
	ShipperID     string   `json:"shipper_id"`
	Status        string   `json:"status"`
	CargoName     string   `json:"cargo_name"`
	HazardClass   string   `json:"hazard_class,omitempty"`
	Quantity      string   `json:"quantity"`
	Unit          string   `json:"unit,omitempty"`
	PickupState   string   `json:"pickup_state,omitempty"`
	DeliveryState string   `json:"delivery_state,omitempty"`
	VehicleTypes  []string `json:"vehicle_types,omitempty"`
	Urgent        bool     `json:"urgent"`
	ExpiresAt     string   `json:"expires_at,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
	OfferCount    int      `json:"offer_count,omitempty"`
}

// CreateQuoteRequest is the request to create and submit a quote.
type CreateQuoteRequest struct {
	ID            string   `json:"id"`
	ShipperID     string   `json:"shipper_id"`
	CargoName     string   `json:"cargo_name"`
	HazardClass   string   `json:"hazard_class"`
	Quantity      string   `json:"quantity"`
	Unit          string   `json:"unit"`
	PickupState   string   `json:"pickup_state"`
	DeliveryState string   `json:"delivery_state"`
	VehicleTypes  []string `json:"vehicle_types"`
	Urgent        bool     `json:"urgent"`
	// Bidding window in minutes. Zero means no timer is started.
	WindowMinutes int `json:"window_minutes"`
	// Whether partners get an expiry-warning notification.
	EnableWarnings bool `json:"enable_warnings"`
}

// StartTimerRequest starts the bidding window on an existing quote.
type StartTimerRequest struct {
	WindowMinutes  int  `json:"window_minutes"`
	EnableWarnings bool `json:"enable_warnings"`
}

// ExtendTimerRequest adds time to a running bidding window.
type ExtendTimerRequest struct {
	AdditionalMinutes int `json:"additional_minutes"`
}

// TimeRemainingDTO reports how long a bidding window has left.
type TimeRemainingDTO struct {
	ExpiresAt        string `json:"expires_at"`
	RemainingMinutes int    `json:"remaining_minutes"`
	HasExpired       bool   `json:"has_expired"`
}

// SelectOfferRequest picks the winning offer on a quote.
type SelectOfferRequest struct {
	OfferID string `json:"offer_id"`
}

// =============================================================================
// OFFER TYPES
// =============================================================================

// OfferDTO represents an offer in API responses.
type OfferDTO struct {
	ID                string `json:"id"`
	QuoteID           string `json:"quote_id"`
	PartnerID         string `json:"partner_id"`
	Price             string `json:"price"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	ValidUntil        string `json:"valid_until,omitempty"`
	IncludesLoading   bool   `json:"includes_loading"`
	IncludesInsurance bool   `json:"includes_insurance"`
	Remarks           string `json:"remarks,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// SubmitOfferRequest is a partner's bid against a quote. Submitting one
// charges the lead fee to the partner's wallet.
type SubmitOfferRequest struct {
	PartnerID         string `json:"partner_id"`
	Price             string `json:"price"`
	ValidUntil        string `json:"valid_until,omitempty"` // RFC3339
	IncludesLoading   bool   `json:"includes_loading"`
	IncludesInsurance bool   `json:"includes_insurance"`
	Remarks           string `json:"remarks,omitempty"`
}

// SubmitOfferResponse reports the settled offer plus what it cost.
type SubmitOfferResponse struct {
	Offer      OfferDTO `json:"offer"`
	LeadCost   string   `json:"lead_cost"`
	NewBalance string   `json:"new_balance"`
}

// EstimateDTO is a non-binding lead-cost preview.
type EstimateDTO struct {
	QuoteID   string `json:"quote_id"`
	PartnerID string `json:"partner_id"`
	LeadCost  string `json:"lead_cost"`
	Currency  string `json:"currency"`
}

// =============================================================================
// WALLET TYPES
// =============================================================================

// WalletDTO represents a partner wallet in API responses.
type WalletDTO struct {
	PartnerID      string `json:"partner_id"`
	Balance        string `json:"balance"`
	Currency       string `json:"currency"`
	AlertThreshold string `json:"alert_threshold"`
	LowBalance     bool   `json:"low_balance"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// ProvisionWalletRequest creates a wallet for a partner.
type ProvisionWalletRequest struct {
	InitialBalance string `json:"initial_balance,omitempty"`
	AlertThreshold string `json:"alert_threshold,omitempty"`
}

// RechargeRequest tops up a wallet.
type RechargeRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

// RefundRequest reverses a prior lead debit.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID          string            `json:"id"`
	PartnerID   string            `json:"partner_id"`
	Type        string            `json:"type"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	OfferID     string            `json:"offer_id,omitempty"`
	QuoteID     string            `json:"quote_id,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

// =============================================================================
// PARTNER TYPES
// =============================================================================

// PartnerRequest creates or updates a partner record.
type PartnerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tier string `json:"tier"`
}

// =============================================================================
// ADMIN TYPES
// =============================================================================

// PricingConfigDTO wraps the versioned pricing configuration.
type PricingConfigDTO struct {
	Config  *pricing.Config `json:"config"`
	Version int             `json:"version"`
	// Builtin is true when no admin config has ever been activated and
	// the engine is running on the built-in fallback table.
	Builtin bool `json:"builtin"`
}

// AuditEntryDTO represents an audit-log row in API responses.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	At        string         `json:"at"`
	Action    string         `json:"action"`
	QuoteID   string         `json:"quote_id,omitempty"`
	OfferID   string         `json:"offer_id,omitempty"`
	PartnerID string         `json:"partner_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toQuoteDTO(q *lead.Quote) QuoteDTO {
	dto := QuoteDTO{
		ID:            string(q.ID),
		ShipperID:     q.ShipperID,
		Status:        string(q.Status),
		CargoName:     q.Cargo.Name,
		HazardClass:   q.Cargo.HazardClass,
		Quantity:      q.Cargo.Quantity.String(),
		Unit:          q.Cargo.Unit,
		PickupState:   q.PickupState,
		DeliveryState: q.DeliveryState,
		VehicleTypes:  q.VehicleTypes,
		Urgent:        q.Urgent,
		CreatedAt:     q.CreatedAt.Format(time.RFC3339),
	}
	if q.ExpiresAt != nil {
		dto.ExpiresAt = q.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

func toOfferDTO(o lead.Offer) OfferDTO {
	dto := OfferDTO{
		ID:                string(o.ID),
		QuoteID:           string(o.QuoteID),
		PartnerID:         string(o.PartnerID),
		Price:             o.Price.String(),
		Currency:          o.Price.Currency,
		Status:            string(o.Status),
		IncludesLoading:   o.IncludesLoading,
		IncludesInsurance: o.IncludesInsurance,
		Remarks:           o.Remarks,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339),
	}
	if o.ValidUntil != nil {
		dto.ValidUntil = o.ValidUntil.Format(time.RFC3339)
	}
	return dto
}

func toTransactionDTO(tx lead.LeadTransaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		PartnerID:   string(tx.PartnerID),
		Type:        string(tx.Type),
		Amount:      tx.Amount.String(),
		Currency:    tx.Amount.Currency,
		OfferID:     string(tx.OfferID),
		QuoteID:     string(tx.QuoteID),
		ReferenceID: tx.ReferenceID,
		Description: tx.Description,
		Metadata:    tx.Metadata,
		CreatedAt:   tx.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toWalletDTO(w *lead.Wallet) WalletDTO {
	return WalletDTO{
		PartnerID:      string(w.PartnerID),
		Balance:        w.Balance.String(),
		Currency:       w.Currency,
		AlertThreshold: w.AlertThreshold.String(),
		LowBalance:     w.LowBalance,
		UpdatedAt:      w.UpdatedAt.Format(time.RFC3339),
	}
}

func toAuditDTO(e lead.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		At:        e.At.Format(time.RFC3339Nano),
		Action:    string(e.Action),
		QuoteID:   string(e.QuoteID),
		OfferID:   string(e.OfferID),
		PartnerID: string(e.PartnerID),
		Payload:   e.Payload,
	}
}
