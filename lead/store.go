/*
store.go - Persistence interfaces for the lead engine

PURPOSE:
  Defines the contract between domain logic and the database. The store must
  support conditional/atomic updates and unique constraints; those two
  primitives carry every correctness-critical invariant in the system:

  - ConditionalDebit: balance is decremented ONLY when balance >= amount, in
    one indivisible statement. "Check balance, then debit" as two steps is a
    known overdraft race and is deliberately not expressible here.
  - CreateOffer: at most one non-withdrawn offer per (quote, partner),
    enforced by a unique constraint so concurrent submissions cannot both
    slip past a pre-check.
  - TransitionQuote / UpdateOfferStatus: compare-and-swap style status
    changes, so expiry, selection, and settlement can race safely.

APPEND-ONLY CONTRACT:
  LeadTransactions and audit entries are append-only. No Update or Delete
  methods exist for them. Corrections are made via REFUND transactions.

ATOMIC UNITS:
  TxStore.WithTx executes a function against a transactional view of the
  whole store. The settlement path uses it to make debit + ledger row +
  offer row + audit row all-or-nothing.

IMPLEMENTATIONS:
  - store/sqlite: production shape (same SQL patterns apply to PostgreSQL)
  - lead/store: in-memory, for tests

SEE ALSO:
  - wallet/ledger.go: Higher-level wallet API using WalletStore
  - settlement/settlement.go: The atomic unit of work
*/
package lead

import (
	"context"
	"time"
)

// =============================================================================
// WALLET STORE
// =============================================================================

type WalletStore interface {
	// GetWallet returns the wallet or (nil, nil) if the partner has none.
	GetWallet(ctx context.Context, partnerID PartnerID) (*Wallet, error)

	// CreateWallet provisions a wallet. Balance may be non-zero (migration).
	CreateWallet(ctx context.Context, w Wallet) error

	// Credit atomically increments the balance. Fails with
	// ErrWalletNotProvisioned if the wallet doesn't exist.
	Credit(ctx context.Context, partnerID PartnerID, amount Money) error

	// ConditionalDebit decrements the balance only if balance >= amount, as
	// ONE indivisible update. Returns ok=false (and no error) when the
	// predicate rejected the update; the caller must re-read the balance to
	// report a fresh available amount. Returns ErrWalletNotProvisioned if
	// the wallet doesn't exist.
	ConditionalDebit(ctx context.Context, partnerID PartnerID, amount Money) (ok bool, err error)

	// SetLowBalance flips the low-balance alert flag.
	SetLowBalance(ctx context.Context, partnerID PartnerID, low bool) error
}

// =============================================================================
// TRANSACTION LOG - Append-only
// =============================================================================

type TransactionLog interface {
	// AppendTransaction persists a ledger entry. This is the ONLY write.
	AppendTransaction(ctx context.Context, tx LeadTransaction) error

	// Transactions returns entries for a partner, newest first. limit <= 0
	// means no limit.
	Transactions(ctx context.Context, partnerID PartnerID, limit int) ([]LeadTransaction, error)

	// GetTransaction returns an entry or (nil, nil) if absent.
	GetTransaction(ctx context.Context, id TransactionID) (*LeadTransaction, error)

	// HasRefund reports whether a REFUND entry references the given debit.
	HasRefund(ctx context.Context, debitID TransactionID) (bool, error)
}

// =============================================================================
// QUOTE STORE
// =============================================================================

type QuoteStore interface {
	// GetQuote returns the quote or (nil, nil) if absent.
	GetQuote(ctx context.Context, id QuoteID) (*Quote, error)

	// SaveQuote inserts or replaces a quote row.
	SaveQuote(ctx context.Context, q Quote) error

	// TransitionQuote moves the quote from any of the given statuses to the
	// target status in one conditional update. Returns true only if the row
	// actually changed; false means a concurrent transition won.
	TransitionQuote(ctx context.Context, id QuoteID, from []QuoteStatus, to QuoteStatus) (bool, error)

	// SetQuoteExpiry updates the deadline without touching status.
	SetQuoteExpiry(ctx context.Context, id QuoteID, expiresAt time.Time) error

	// OverdueQuotes returns quotes whose deadline has passed but whose
	// status is still MATCHING or OFFERS_AVAILABLE. Drives the expiry sweep.
	OverdueQuotes(ctx context.Context, now time.Time) ([]Quote, error)
}

// =============================================================================
// OFFER STORE
// =============================================================================

type OfferStore interface {
	// CreateOffer inserts an offer. Returns ErrDuplicateOffer when the
	// partner already has a non-withdrawn offer on the quote (unique
	// constraint, the race-proof second line of defence behind the
	// settlement pre-check).
	CreateOffer(ctx context.Context, o Offer) error

	// GetOffer returns the offer or (nil, nil) if absent.
	GetOffer(ctx context.Context, id OfferID) (*Offer, error)

	// FindActiveOffer returns the partner's non-withdrawn offer on a quote,
	// or (nil, nil) if there is none.
	FindActiveOffer(ctx context.Context, quoteID QuoteID, partnerID PartnerID) (*Offer, error)

	// OffersByQuote returns all offers on a quote, oldest first.
	OffersByQuote(ctx context.Context, quoteID QuoteID) ([]Offer, error)

	// PendingOffersByQuote returns only PENDING offers.
	PendingOffersByQuote(ctx context.Context, quoteID QuoteID) ([]Offer, error)

	// UpdateOfferStatus conditionally moves an offer between statuses.
	// Returns true only if the row changed.
	UpdateOfferStatus(ctx context.Context, id OfferID, from []OfferStatus, to OfferStatus) (bool, error)

	// ExpirePendingOffers cascades quote expiry: every PENDING offer on the
	// quote becomes EXPIRED. Returns the number of offers changed.
	ExpirePendingOffers(ctx context.Context, quoteID QuoteID) (int, error)
}

// =============================================================================
// AUDIT LOG - Append-only, separate from the ledger
// =============================================================================

type AuditAction string

const (
	AuditOfferSettled    AuditAction = "offer_settled"
	AuditOfferWithdrawn  AuditAction = "offer_withdrawn"
	AuditQuoteExpired    AuditAction = "quote_expired"
	AuditQuoteSelected   AuditAction = "quote_selected"
	AuditTimerStarted    AuditAction = "timer_started"
	AuditTimerExtended   AuditAction = "timer_extended"
	AuditWalletRecharged AuditAction = "wallet_recharged"
	AuditWalletRefunded  AuditAction = "wallet_refunded"
)

type AuditEntry struct {
	ID        string
	At        time.Time
	Action    AuditAction
	QuoteID   QuoteID
	OfferID   OfferID
	PartnerID PartnerID
	Payload   map[string]any
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditByQuote(ctx context.Context, quoteID QuoteID) ([]AuditEntry, error)
}

// =============================================================================
// COMPOSITE STORE
// =============================================================================

// Store bundles every persistence concern the engine touches.
type Store interface {
	WalletStore
	TransactionLog
	QuoteStore
	OfferStore
	AuditLog
}

// TxStore adds atomic units of work. If fn returns an error the whole unit
// rolls back; nothing inside it is observable afterwards.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
