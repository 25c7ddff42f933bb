/*
errors.go - Centralized error types for the lead engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Component packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Expected/recoverable - insufficient balance, duplicate offer, closed
     quote. Surfaced to the caller as user-actionable; never a system fault.
  2. Data integrity - unprovisioned wallet, missing quote at settlement time.
     Fatal to the operation; indicates an upstream provisioning bug.
  3. Store errors - persistence failures, wrapped with %w.

USAGE:
  if errors.Is(err, lead.ErrInsufficientBalance) {
      // tell the partner to recharge
  }

SEE ALSO:
  - settlement/settlement.go: Maps these onto the submit-offer contract
  - api/handlers.go: Maps these onto HTTP status codes
*/
package lead

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit exceeds the available
	// balance. This is a normal, reportable outcome ("recharge required"),
	// not a system fault.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")

	// ErrWalletNotProvisioned is returned when no wallet exists for a
	// partner. Wallets are created during partner onboarding, so this is a
	// provisioning bug and fatal to the calling operation.
	ErrWalletNotProvisioned = errors.New("wallet not provisioned for partner")

	// ErrDuplicateOffer is returned when a partner already has a
	// non-withdrawn offer on the quote.
	ErrDuplicateOffer = errors.New("partner already has an offer on this quote")

	// ErrQuoteNotFound is returned when a referenced quote doesn't exist.
	ErrQuoteNotFound = errors.New("quote not found")

	// ErrQuoteClosed is returned when the quote is expired, selected, or
	// cancelled and can no longer receive offers.
	ErrQuoteClosed = errors.New("quote is no longer accepting offers")

	// ErrOfferNotFound is returned when a referenced offer doesn't exist.
	ErrOfferNotFound = errors.New("offer not found")

	// ErrTransactionNotFound is returned when a referenced ledger entry
	// doesn't exist (e.g. refunding an unknown debit).
	ErrTransactionNotFound = errors.New("ledger transaction not found")

	// ErrAlreadyRefunded is returned when a debit has already been refunded.
	ErrAlreadyRefunded = errors.New("debit already refunded")

	// ErrTimerNotStarted is returned when asking for remaining time on a
	// quote that has no deadline.
	ErrTimerNotStarted = errors.New("quote has no expiry timer")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports a failed debit with the fresh balance
// observed after the conditional update was rejected. Available reflects
// whatever a concurrent debit left behind, which is why it is re-read rather
// than taken from a pre-check.
type InsufficientBalanceError struct {
	PartnerID PartnerID
	Required  Money
	Available Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for partner %s: required %s, available %s",
		e.PartnerID, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// DuplicateOfferError identifies the existing offer that blocks a new one.
type DuplicateOfferError struct {
	QuoteID         QuoteID
	PartnerID       PartnerID
	ExistingOfferID OfferID
}

func (e *DuplicateOfferError) Error() string {
	return fmt.Sprintf("partner %s already has offer %s on quote %s",
		e.PartnerID, e.ExistingOfferID, e.QuoteID)
}

func (e *DuplicateOfferError) Unwrap() error {
	return ErrDuplicateOffer
}

// QuoteClosedError reports the status that made the quote unbiddable.
type QuoteClosedError struct {
	QuoteID QuoteID
	Status  QuoteStatus
}

func (e *QuoteClosedError) Error() string {
	return fmt.Sprintf("quote %s is %s and no longer accepting offers", e.QuoteID, e.Status)
}

func (e *QuoteClosedError) Unwrap() error {
	return ErrQuoteClosed
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is a normal business outcome the
// caller can act on, as opposed to a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateOffer) ||
		errors.Is(err, ErrQuoteClosed) ||
		errors.Is(err, ErrAlreadyRefunded)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQuoteNotFound) ||
		errors.Is(err, ErrOfferNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsIntegrityError returns true for errors that indicate upstream
// provisioning bugs. These are logged as errors and surfaced generically.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrWalletNotProvisioned)
}
