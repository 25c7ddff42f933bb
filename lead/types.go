/*
Package lead provides the core types for the lead marketplace engine.

PURPOSE:
  This package contains the shared domain model for the reverse-bidding
  freight marketplace: shippers post cargo quotes, logistics partners pay a
  per-lead fee from a prepaid wallet to submit competing offers, and the
  shipper picks one. Everything here is persistence-agnostic; storage
  contracts live in store.go and implementations under store/sqlite and
  lead/store.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal amount with a currency (never float64)
  - Quote: A shipper's freight request and its lifecycle status
  - Offer: A partner's priced bid against a quote
  - Wallet: A partner's prepaid lead-credit balance
  - LeadTransaction: An immutable ledger entry recording balance changes

DESIGN PRINCIPLES:
  1. Immutability: LeadTransactions are never modified, only appended
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing quote/partner/offer IDs
  4. Terminal states are terminal: SELECTED/EXPIRED/CANCELLED never change

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
  - notify.go: Notification and event contracts
*/
package lead

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal amount with currency
// =============================================================================

// DefaultCurrency is used when a wallet or charge does not specify one.
const DefaultCurrency = "INR"

type Money struct {
	Value    decimal.Decimal
	Currency string
}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: DefaultCurrency}
}

func NewMoneyFromInt(value int) Money {
	return Money{Value: decimal.NewFromInt(int64(value)), Currency: DefaultCurrency}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (m Money) Zero() Money                { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money          { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money          { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Neg() Money                 { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) Mul(s decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(s), Currency: m.Currency}
}
func (m Money) Round2() Money              { return Money{Value: m.Value.Round(2), Currency: m.Currency} }
func (m Money) IsNegative() bool           { return m.Value.IsNegative() }
func (m Money) IsZero() bool               { return m.Value.IsZero() }
func (m Money) IsPositive() bool           { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool   { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool      { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool         { return m.Value.Equal(o.Value) }
func (m Money) Float64() float64           { f, _ := m.Value.Float64(); return f }
func (m Money) String() string             { return m.Value.StringFixed(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type QuoteID string
type PartnerID string
type OfferID string
type TransactionID string

// =============================================================================
// QUOTE - A shipper's freight request
// =============================================================================

type QuoteStatus string

const (
	QuoteDraft           QuoteStatus = "DRAFT"
	QuoteSubmitted       QuoteStatus = "SUBMITTED"
	QuoteMatching        QuoteStatus = "MATCHING"
	QuoteOffersAvailable QuoteStatus = "OFFERS_AVAILABLE"
	QuoteSelected        QuoteStatus = "SELECTED"  // terminal
	QuoteExpired         QuoteStatus = "EXPIRED"   // terminal
	QuoteCancelled       QuoteStatus = "CANCELLED" // terminal
)

// IsTerminal reports whether the status can never change again.
func (s QuoteStatus) IsTerminal() bool {
	return s == QuoteSelected || s == QuoteExpired || s == QuoteCancelled
}

// IsOpen reports whether the quote can still receive offers or expire.
func (s QuoteStatus) IsOpen() bool {
	return s == QuoteMatching || s == QuoteOffersAvailable
}

// Cargo describes what is being shipped. HazardClass is empty for
// non-hazardous cargo.
type Cargo struct {
	Name        string
	HazardClass string
	Quantity    decimal.Decimal
	Unit        string
}

type Quote struct {
	ID            QuoteID
	ShipperID     string
	Status        QuoteStatus
	Cargo         Cargo
	PickupState   string
	DeliveryState string
	VehicleTypes  []string
	Urgent        bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	SubmittedAt   *time.Time
}

// HasExpired reports whether the deadline has passed. A quote without a
// deadline never expires on its own.
func (q *Quote) HasExpired(now time.Time) bool {
	return q.ExpiresAt != nil && !now.Before(*q.ExpiresAt)
}

// =============================================================================
// OFFER - A partner's bid against a quote
// =============================================================================

type OfferStatus string

const (
	OfferPending   OfferStatus = "PENDING"
	OfferSelected  OfferStatus = "SELECTED"
	OfferRejected  OfferStatus = "REJECTED"
	OfferWithdrawn OfferStatus = "WITHDRAWN"
	OfferExpired   OfferStatus = "EXPIRED"
)

type Offer struct {
	ID         OfferID
	QuoteID    QuoteID
	PartnerID  PartnerID
	Price      Money
	Status     OfferStatus
	ValidUntil *time.Time
	// Value-added services the partner includes in the price.
	IncludesLoading   bool
	IncludesInsurance bool
	Remarks           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// =============================================================================
// WALLET - Prepaid lead-credit balance, one per partner
// =============================================================================

// Wallet holds a partner's prepaid credit. Balance is mutated ONLY through
// Credit and ConditionalDebit on the WalletStore; it is never negative at any
// observable time.
type Wallet struct {
	PartnerID      PartnerID
	Balance        Money
	Currency       string
	AlertThreshold Money
	LowBalance     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// LEAD TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxRecharge TransactionType = "RECHARGE" // credit top-up
	TxDebit    TransactionType = "DEBIT"    // lead charge
	TxRefund   TransactionType = "REFUND"   // credit back a prior debit
)

// LeadTransaction is append-only: never updated, never deleted. For any
// wallet, initial balance + sum of transaction amounts equals the current
// balance. Amount is signed: negative for debits, positive otherwise.
type LeadTransaction struct {
	ID        TransactionID
	PartnerID PartnerID
	Type      TransactionType
	Amount    Money
	// Linkage for audit and refunds.
	OfferID    OfferID
	QuoteID    QuoteID
	ReferenceID string // for REFUND: the original DEBIT transaction ID
	Description string
	// Descriptive metadata for reporting (hazard class, quantity, vehicle).
	Metadata  map[string]string
	CreatedAt time.Time
}

// =============================================================================
// SUBSCRIPTION TIERS
// =============================================================================

type SubscriptionTier string

const (
	TierBasic    SubscriptionTier = "BASIC"
	TierStandard SubscriptionTier = "STANDARD"
	TierPremium  SubscriptionTier = "PREMIUM"
)

// TierResolver looks up a partner's subscription tier. Implemented by an
// external capability/profile service; tests use a fixed map.
type TierResolver interface {
	Tier(partnerID PartnerID) (SubscriptionTier, error)
}

// TierMap is a TierResolver backed by a static map. Unknown partners resolve
// to BASIC.
type TierMap map[PartnerID]SubscriptionTier

func (m TierMap) Tier(partnerID PartnerID) (SubscriptionTier, error) {
	if t, ok := m[partnerID]; ok {
		return t, nil
	}
	return TierBasic, nil
}
