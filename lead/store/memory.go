// Package store provides an in-memory lead.TxStore implementation for
// testing and development. Atomic units of work run against a cloned state
// that is swapped in only on success, so rollback semantics match the SQL
// store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haulbid/lead-engine/lead"
)

type Memory struct {
	mu sync.Mutex
	st *state
}

type state struct {
	wallets map[lead.PartnerID]*lead.Wallet
	txs     []lead.LeadTransaction
	quotes  map[lead.QuoteID]*lead.Quote
	offers  map[lead.OfferID]*lead.Offer
	audits  []lead.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func newState() *state {
	return &state{
		wallets: make(map[lead.PartnerID]*lead.Wallet),
		quotes:  make(map[lead.QuoteID]*lead.Quote),
		offers:  make(map[lead.OfferID]*lead.Offer),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.wallets {
		w := *v
		c.wallets[k] = &w
	}
	for k, v := range s.quotes {
		q := *v
		c.quotes[k] = &q
	}
	for k, v := range s.offers {
		o := *v
		c.offers[k] = &o
	}
	c.txs = append([]lead.LeadTransaction(nil), s.txs...)
	c.audits = append([]lead.AuditEntry(nil), s.audits...)
	return c
}

// WithTx runs fn against a cloned state and commits the clone only if fn
// succeeds. The store mutex is held for the whole unit, which serializes
// units of work exactly like a single-writer database would.
func (m *Memory) WithTx(_ context.Context, fn func(lead.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := m.st.clone()
	if err := fn(&view{st: clone}); err != nil {
		return err
	}
	m.st = clone
	return nil
}

// view exposes a state through the lead.Store interface without locking;
// it only ever runs under the Memory mutex.
type view struct {
	st *state
}

// Every top-level Memory method locks and delegates to a view of the live
// state.
func (m *Memory) run(fn func(*view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{st: m.st})
}

// =============================================================================
// WALLET STORE
// =============================================================================

func (v *view) GetWallet(_ context.Context, partnerID lead.PartnerID) (*lead.Wallet, error) {
	w, ok := v.st.wallets[partnerID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (v *view) CreateWallet(_ context.Context, w lead.Wallet) error {
	if w.Currency == "" {
		w.Currency = lead.DefaultCurrency
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	v.st.wallets[w.PartnerID] = &w
	return nil
}

func (v *view) Credit(_ context.Context, partnerID lead.PartnerID, amount lead.Money) error {
	w, ok := v.st.wallets[partnerID]
	if !ok {
		return lead.ErrWalletNotProvisioned
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (v *view) ConditionalDebit(_ context.Context, partnerID lead.PartnerID, amount lead.Money) (bool, error) {
	w, ok := v.st.wallets[partnerID]
	if !ok {
		return false, lead.ErrWalletNotProvisioned
	}
	if w.Balance.LessThan(amount) {
		return false, nil
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (v *view) SetLowBalance(_ context.Context, partnerID lead.PartnerID, low bool) error {
	w, ok := v.st.wallets[partnerID]
	if !ok {
		return lead.ErrWalletNotProvisioned
	}
	w.LowBalance = low
	return nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (v *view) AppendTransaction(_ context.Context, tx lead.LeadTransaction) error {
	v.st.txs = append(v.st.txs, tx)
	return nil
}

func (v *view) Transactions(_ context.Context, partnerID lead.PartnerID, limit int) ([]lead.LeadTransaction, error) {
	var out []lead.LeadTransaction
	for _, tx := range v.st.txs {
		if tx.PartnerID == partnerID {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) GetTransaction(_ context.Context, id lead.TransactionID) (*lead.LeadTransaction, error) {
	for i := range v.st.txs {
		if v.st.txs[i].ID == id {
			cp := v.st.txs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (v *view) HasRefund(_ context.Context, debitID lead.TransactionID) (bool, error) {
	for _, tx := range v.st.txs {
		if tx.Type == lead.TxRefund && tx.ReferenceID == string(debitID) {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// QUOTE STORE
// =============================================================================

func (v *view) GetQuote(_ context.Context, id lead.QuoteID) (*lead.Quote, error) {
	q, ok := v.st.quotes[id]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (v *view) SaveQuote(_ context.Context, q lead.Quote) error {
	v.st.quotes[q.ID] = &q
	return nil
}

func (v *view) TransitionQuote(_ context.Context, id lead.QuoteID, from []lead.QuoteStatus, to lead.QuoteStatus) (bool, error) {
	q, ok := v.st.quotes[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if q.Status == f {
			q.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (v *view) SetQuoteExpiry(_ context.Context, id lead.QuoteID, expiresAt time.Time) error {
	q, ok := v.st.quotes[id]
	if !ok {
		return lead.ErrQuoteNotFound
	}
	q.ExpiresAt = &expiresAt
	return nil
}

func (v *view) OverdueQuotes(_ context.Context, now time.Time) ([]lead.Quote, error) {
	var out []lead.Quote
	for _, q := range v.st.quotes {
		if q.Status.IsOpen() && q.HasExpired(now) {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// OFFER STORE
// =============================================================================

func (v *view) CreateOffer(_ context.Context, o lead.Offer) error {
	for _, existing := range v.st.offers {
		if existing.QuoteID == o.QuoteID && existing.PartnerID == o.PartnerID &&
			existing.Status != lead.OfferWithdrawn {
			return lead.ErrDuplicateOffer
		}
	}
	v.st.offers[o.ID] = &o
	return nil
}

func (v *view) GetOffer(_ context.Context, id lead.OfferID) (*lead.Offer, error) {
	o, ok := v.st.offers[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (v *view) FindActiveOffer(_ context.Context, quoteID lead.QuoteID, partnerID lead.PartnerID) (*lead.Offer, error) {
	for _, o := range v.st.offers {
		if o.QuoteID == quoteID && o.PartnerID == partnerID && o.Status != lead.OfferWithdrawn {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (v *view) OffersByQuote(_ context.Context, quoteID lead.QuoteID) ([]lead.Offer, error) {
	var out []lead.Offer
	for _, o := range v.st.offers {
		if o.QuoteID == quoteID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *view) PendingOffersByQuote(_ context.Context, quoteID lead.QuoteID) ([]lead.Offer, error) {
	all, _ := v.OffersByQuote(nil, quoteID)
	var out []lead.Offer
	for _, o := range all {
		if o.Status == lead.OfferPending {
			out = append(out, o)
		}
	}
	return out, nil
}

func (v *view) UpdateOfferStatus(_ context.Context, id lead.OfferID, from []lead.OfferStatus, to lead.OfferStatus) (bool, error) {
	o, ok := v.st.offers[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if o.Status == f {
			o.Status = to
			o.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (v *view) ExpirePendingOffers(_ context.Context, quoteID lead.QuoteID) (int, error) {
	n := 0
	for _, o := range v.st.offers {
		if o.QuoteID == quoteID && o.Status == lead.OfferPending {
			o.Status = lead.OfferExpired
			o.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (v *view) AppendAudit(_ context.Context, entry lead.AuditEntry) error {
	v.st.audits = append(v.st.audits, entry)
	return nil
}

func (v *view) AuditByQuote(_ context.Context, quoteID lead.QuoteID) ([]lead.AuditEntry, error) {
	var out []lead.AuditEntry
	for _, e := range v.st.audits {
		if e.QuoteID == quoteID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// TOP-LEVEL DELEGATION (locks, then runs against live state)
// =============================================================================

func (m *Memory) GetWallet(ctx context.Context, partnerID lead.PartnerID) (w *lead.Wallet, err error) {
	err = m.run(func(v *view) error { w, err = v.GetWallet(ctx, partnerID); return err })
	return
}

func (m *Memory) CreateWallet(ctx context.Context, w lead.Wallet) error {
	return m.run(func(v *view) error { return v.CreateWallet(ctx, w) })
}

func (m *Memory) Credit(ctx context.Context, partnerID lead.PartnerID, amount lead.Money) error {
	return m.run(func(v *view) error { return v.Credit(ctx, partnerID, amount) })
}

func (m *Memory) ConditionalDebit(ctx context.Context, partnerID lead.PartnerID, amount lead.Money) (ok bool, err error) {
	err = m.run(func(v *view) error { ok, err = v.ConditionalDebit(ctx, partnerID, amount); return err })
	return
}

func (m *Memory) SetLowBalance(ctx context.Context, partnerID lead.PartnerID, low bool) error {
	return m.run(func(v *view) error { return v.SetLowBalance(ctx, partnerID, low) })
}

func (m *Memory) AppendTransaction(ctx context.Context, tx lead.LeadTransaction) error {
	return m.run(func(v *view) error { return v.AppendTransaction(ctx, tx) })
}

func (m *Memory) Transactions(ctx context.Context, partnerID lead.PartnerID, limit int) (txs []lead.LeadTransaction, err error) {
	err = m.run(func(v *view) error { txs, err = v.Transactions(ctx, partnerID, limit); return err })
	return
}

func (m *Memory) GetTransaction(ctx context.Context, id lead.TransactionID) (tx *lead.LeadTransaction, err error) {
	err = m.run(func(v *view) error { tx, err = v.GetTransaction(ctx, id); return err })
	return
}

func (m *Memory) HasRefund(ctx context.Context, debitID lead.TransactionID) (ok bool, err error) {
	err = m.run(func(v *view) error { ok, err = v.HasRefund(ctx, debitID); return err })
	return
}

func (m *Memory) GetQuote(ctx context.Context, id lead.QuoteID) (q *lead.Quote, err error) {
	err = m.run(func(v *view) error { q, err = v.GetQuote(ctx, id); return err })
	return
}

func (m *Memory) SaveQuote(ctx context.Context, q lead.Quote) error {
	return m.run(func(v *view) error { return v.SaveQuote(ctx, q) })
}

func (m *Memory) TransitionQuote(ctx context.Context, id lead.QuoteID, from []lead.QuoteStatus, to lead.QuoteStatus) (ok bool, err error) {
	err = m.run(func(v *view) error { ok, err = v.TransitionQuote(ctx, id, from, to); return err })
	return
}

func (m *Memory) SetQuoteExpiry(ctx context.Context, id lead.QuoteID, expiresAt time.Time) error {
	return m.run(func(v *view) error { return v.SetQuoteExpiry(ctx, id, expiresAt) })
}

func (m *Memory) OverdueQuotes(ctx context.Context, now time.Time) (qs []lead.Quote, err error) {
	err = m.run(func(v *view) error { qs, err = v.OverdueQuotes(ctx, now); return err })
	return
}

func (m *Memory) CreateOffer(ctx context.Context, o lead.Offer) error {
	return m.run(func(v *view) error { return v.CreateOffer(ctx, o) })
}

func (m *Memory) GetOffer(ctx context.Context, id lead.OfferID) (o *lead.Offer, err error) {
	err = m.run(func(v *view) error { o, err = v.GetOffer(ctx, id); return err })
	return
}

func (m *Memory) FindActiveOffer(ctx context.Context, quoteID lead.QuoteID, partnerID lead.PartnerID) (o *lead.Offer, err error) {
	err = m.run(func(v *view) error { o, err = v.FindActiveOffer(ctx, quoteID, partnerID); return err })
	return
}

func (m *Memory) OffersByQuote(ctx context.Context, quoteID lead.QuoteID) (os []lead.Offer, err error) {
	err = m.run(func(v *view) error { os, err = v.OffersByQuote(ctx, quoteID); return err })
	return
}

func (m *Memory) PendingOffersByQuote(ctx context.Context, quoteID lead.QuoteID) (os []lead.Offer, err error) {
	err = m.run(func(v *view) error { os, err = v.PendingOffersByQuote(ctx, quoteID); return err })
	return
}

func (m *Memory) UpdateOfferStatus(ctx context.Context, id lead.OfferID, from []lead.OfferStatus, to lead.OfferStatus) (ok bool, err error) {
	err = m.run(func(v *view) error { ok, err = v.UpdateOfferStatus(ctx, id, from, to); return err })
	return
}

func (m *Memory) ExpirePendingOffers(ctx context.Context, quoteID lead.QuoteID) (n int, err error) {
	err = m.run(func(v *view) error { n, err = v.ExpirePendingOffers(ctx, quoteID); return err })
	return
}

func (m *Memory) AppendAudit(ctx context.Context, entry lead.AuditEntry) error {
	return m.run(func(v *view) error { return v.AppendAudit(ctx, entry) })
}

func (m *Memory) AuditByQuote(ctx context.Context, quoteID lead.QuoteID) (es []lead.AuditEntry, err error) {
	err = m.run(func(v *view) error { es, err = v.AuditByQuote(ctx, quoteID); return err })
	return
}
