/*
Package wallet owns a partner's prepaid lead-credit balance.

PURPOSE:
  The Ledger is the ONLY component allowed to mutate a wallet balance, and
  every mutation is paired with an immutable LeadTransaction row in the same
  atomic unit of work. Balance can never change without its audit entry, and
  the ledger can always be replayed: for a wallet provisioned at zero,
  the sum of all transaction amounts equals the current balance.

RACE SAFETY (critical):
  Debit is ONE conditional update: decrement the balance only if
  balance >= amount, in a single indivisible statement against the store.
  When the conditional update affects zero rows, the fresh balance is
  re-read and reported in the InsufficientBalanceError - that covers the
  interleaving where a concurrent debit depleted the balance after any
  earlier check. "Check balance, then debit" as two separate steps is a
  known overdraft race and is NOT how this package works.

FAILURE SEMANTICS:
  - Insufficient funds: a normal, reportable outcome. The caller surfaces
    it to the partner as "recharge required".
  - Missing wallet: a hard error (the partner was never provisioned),
    fatal to the calling operation.

SEE ALSO:
  - lead/store.go: WalletStore.ConditionalDebit contract
  - settlement/settlement.go: Runs DebitInTx inside its own unit of work
*/
package wallet

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/haulbid/lead-engine/lead"
)

// DebitDetails links a lead charge to the offer and quote it paid for,
// plus descriptive metadata for reporting.
type DebitDetails struct {
	OfferID     lead.OfferID
	QuoteID     lead.QuoteID
	Description string
	Metadata    map[string]string
}

// Ledger is the wallet API. All operations are safe under concurrent
// callers against the same wallet.
type Ledger struct {
	Store lead.TxStore
}

func NewLedger(store lead.TxStore) *Ledger {
	return &Ledger{Store: store}
}

// Balance returns the current balance. A missing wallet is
// ErrWalletNotProvisioned.
func (l *Ledger) Balance(ctx context.Context, partnerID lead.PartnerID) (lead.Money, error) {
	w, err := l.Store.GetWallet(ctx, partnerID)
	if err != nil {
		return lead.Money{}, fmt.Errorf("load wallet: %w", err)
	}
	if w == nil {
		return lead.Money{}, lead.ErrWalletNotProvisioned
	}
	return w.Balance, nil
}

// Credit tops up the wallet and records a RECHARGE transaction in the same
// unit of work. Always succeeds for a provisioned wallet.
func (l *Ledger) Credit(ctx context.Context, partnerID lead.PartnerID, amount lead.Money, description string) (*lead.LeadTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	tx := lead.LeadTransaction{
		ID:          lead.TransactionID(uuid.NewString()),
		PartnerID:   partnerID,
		Type:        lead.TxRecharge,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	err := l.Store.WithTx(ctx, func(s lead.Store) error {
		if err := s.Credit(ctx, partnerID, amount); err != nil {
			return err
		}
		return s.AppendTransaction(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	l.refreshAlertFlag(ctx, partnerID)
	return &tx, nil
}

// Debit charges a lead fee in one atomic unit of work. On success it
// returns the ledger entry and the post-debit balance. On insufficient
// funds it returns *lead.InsufficientBalanceError carrying the freshly
// re-read available balance.
func (l *Ledger) Debit(ctx context.Context, partnerID lead.PartnerID, amount lead.Money, details DebitDetails) (*lead.LeadTransaction, lead.Money, error) {
	var (
		tx         *lead.LeadTransaction
		newBalance lead.Money
	)

	err := l.Store.WithTx(ctx, func(s lead.Store) error {
		var err error
		tx, newBalance, err = DebitInTx(ctx, s, partnerID, amount, details)
		return err
	})
	if err != nil {
		return nil, lead.Money{}, err
	}

	l.refreshAlertFlag(ctx, partnerID)
	return tx, newBalance, nil
}

// DebitInTx performs the conditional debit and appends its ledger row
// against the given store view. Callers composing a larger atomic unit
// (settlement) pass their transactional store; the whole unit then commits
// or rolls back together.
func DebitInTx(ctx context.Context, s lead.Store, partnerID lead.PartnerID, amount lead.Money, details DebitDetails) (*lead.LeadTransaction, lead.Money, error) {
	if !amount.IsPositive() {
		return nil, lead.Money{}, fmt.Errorf("debit amount must be positive, got %s", amount)
	}

	ok, err := s.ConditionalDebit(ctx, partnerID, amount)
	if err != nil {
		return nil, lead.Money{}, err
	}
	if !ok {
		// The predicate rejected the update. Re-read so the error carries
		// whatever a concurrent debit left behind, not a stale pre-check.
		w, err := s.GetWallet(ctx, partnerID)
		if err != nil {
			return nil, lead.Money{}, fmt.Errorf("re-read wallet after rejected debit: %w", err)
		}
		available := lead.NewMoney(0)
		if w != nil {
			available = w.Balance
		}
		return nil, lead.Money{}, &lead.InsufficientBalanceError{
			PartnerID: partnerID,
			Required:  amount,
			Available: available,
		}
	}

	tx := lead.LeadTransaction{
		ID:          lead.TransactionID(uuid.NewString()),
		PartnerID:   partnerID,
		Type:        lead.TxDebit,
		Amount:      amount.Neg(),
		OfferID:     details.OfferID,
		QuoteID:     details.QuoteID,
		Description: details.Description,
		Metadata:    details.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return nil, lead.Money{}, fmt.Errorf("append debit transaction: %w", err)
	}

	w, err := s.GetWallet(ctx, partnerID)
	if err != nil {
		return nil, lead.Money{}, fmt.Errorf("read balance after debit: %w", err)
	}

	return &tx, w.Balance, nil
}

// Refund credits back the exact amount of a prior debit, linked by
// reference. A debit can be refunded at most once. Whether a refund is
// still appropriate after the offer was selected is the selection
// workflow's policy call, not enforced here.
func (l *Ledger) Refund(ctx context.Context, debitID lead.TransactionID, reason string) (*lead.LeadTransaction, error) {
	orig, err := l.Store.GetTransaction(ctx, debitID)
	if err != nil {
		return nil, fmt.Errorf("load original debit: %w", err)
	}
	if orig == nil || orig.Type != lead.TxDebit {
		return nil, lead.ErrTransactionNotFound
	}

	refund := lead.LeadTransaction{
		ID:          lead.TransactionID(uuid.NewString()),
		PartnerID:   orig.PartnerID,
		Type:        lead.TxRefund,
		Amount:      orig.Amount.Neg(), // debit amounts are negative
		OfferID:     orig.OfferID,
		QuoteID:     orig.QuoteID,
		ReferenceID: string(orig.ID),
		Description: reason,
		CreatedAt:   time.Now().UTC(),
	}

	err = l.Store.WithTx(ctx, func(s lead.Store) error {
		refunded, err := s.HasRefund(ctx, debitID)
		if err != nil {
			return err
		}
		if refunded {
			return lead.ErrAlreadyRefunded
		}
		if err := s.Credit(ctx, orig.PartnerID, refund.Amount); err != nil {
			return err
		}
		return s.AppendTransaction(ctx, refund)
	})
	if err != nil {
		return nil, err
	}

	l.refreshAlertFlag(ctx, orig.PartnerID)
	return &refund, nil
}

// History returns the most recent ledger entries for display.
func (l *Ledger) History(ctx context.Context, partnerID lead.PartnerID, limit int) ([]lead.LeadTransaction, error) {
	return l.Store.Transactions(ctx, partnerID, limit)
}

// Wallet returns the full wallet record.
func (l *Ledger) Wallet(ctx context.Context, partnerID lead.PartnerID) (*lead.Wallet, error) {
	w, err := l.Store.GetWallet(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, lead.ErrWalletNotProvisioned
	}
	return w, nil
}

// refreshAlertFlag re-derives the low-balance flag after a balance change.
// Best-effort: the flag drives notifications only, never correctness.
func (l *Ledger) refreshAlertFlag(ctx context.Context, partnerID lead.PartnerID) {
	w, err := l.Store.GetWallet(ctx, partnerID)
	if err != nil || w == nil {
		return
	}
	low := w.Balance.LessThan(w.AlertThreshold)
	if low == w.LowBalance {
		return
	}
	if err := l.Store.SetLowBalance(ctx, partnerID, low); err != nil {
		log.Printf("[Wallet] failed to update low-balance flag for %s: %v", partnerID, err)
	}
}
