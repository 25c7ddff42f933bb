package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/lead/store"
	"github.com/haulbid/lead-engine/pricing"
	"github.com/haulbid/lead-engine/settlement"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type recordingSink struct {
	mu    sync.Mutex
	notes []lead.Notification
}

func (r *recordingSink) Notify(_ context.Context, n lead.Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) byEvent(et lead.EventType) []lead.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []lead.Notification
	for _, n := range r.notes {
		if n.EventType == et {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	svc  *settlement.Service
	mem  *store.Memory
	sink *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	sink := &recordingSink{}
	tiers := lead.TierMap{"p-std": lead.TierStandard}
	svc := settlement.NewService(mem, pricing.NewEngine(nil), tiers, sink, nil)
	return &fixture{svc: svc, mem: mem, sink: sink}
}

// corrosiveQuote prices at 1305.60 for a STANDARD partner with the built-in
// table: 500 * 1.6 (CLASS_8) * 1.6 (MEDIUM haul) * 1.2 ([10,50) tonnes)
// * 1.0 (TRUCK) * 0.85.
func (f *fixture) corrosiveQuote(t *testing.T, id string, status lead.QuoteStatus) {
	t.Helper()
	err := f.mem.SaveQuote(context.Background(), lead.Quote{
		ID:            lead.QuoteID(id),
		ShipperID:     "shipper-1",
		Status:        status,
		Cargo:         lead.Cargo{Name: "sulphuric acid", HazardClass: "CLASS_8", Quantity: lead.MustParseDecimal("25"), Unit: "TONNES"},
		PickupState:   "MH",
		DeliveryState: "UP",
		VehicleTypes:  []string{"TRUCK"},
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)
}

func (f *fixture) fundWallet(t *testing.T, partnerID string, balance string) {
	t.Helper()
	err := f.mem.CreateWallet(context.Background(), lead.Wallet{
		PartnerID: lead.PartnerID(partnerID),
		Balance:   lead.Money{Value: lead.MustParseDecimal(balance), Currency: lead.DefaultCurrency},
		Currency:  lead.DefaultCurrency,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, partnerID string) string {
	t.Helper()
	w, err := f.mem.GetWallet(context.Background(), lead.PartnerID(partnerID))
	require.NoError(t, err)
	require.NotNil(t, w)
	return w.Balance.String()
}

func bid(price string) settlement.OfferDetails {
	return settlement.OfferDetails{
		Price:           lead.Money{Value: lead.MustParseDecimal(price), Currency: lead.DefaultCurrency},
		IncludesLoading: true,
		Remarks:         "tanker with valid hazmat permit",
	}
}

// =============================================================================
// SUBMIT: HAPPY PATH
// =============================================================================

func TestSubmit_ChargesFeeAndCreatesOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	f.fundWallet(t, "p-std", "10000.00")

	res, err := f.svc.Submit(ctx, "q-1", "p-std", bid("45000.00"))
	require.NoError(t, err)

	assert.Equal(t, "1305.60", res.LeadCost.String())
	assert.Equal(t, "8694.40", res.NewBalance.String())
	assert.Equal(t, lead.OfferPending, res.Offer.Status)
	assert.Equal(t, "45000.00", res.Offer.Price.String())

	// Exactly one DEBIT in the ledger, negative, referencing the offer.
	txs, err := f.mem.Transactions(ctx, "p-std", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, lead.TxDebit, txs[0].Type)
	assert.Equal(t, "-1305.60", txs[0].Amount.String())
	assert.Equal(t, res.Offer.ID, txs[0].OfferID)

	assert.Equal(t, "8694.40", f.balance(t, "p-std"))
}

func TestSubmit_BumpsQuoteToOffersAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	f.fundWallet(t, "p-std", "5000.00")

	_, err := f.svc.Submit(ctx, "q-1", "p-std", bid("40000.00"))
	require.NoError(t, err)

	q, err := f.mem.GetQuote(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, lead.QuoteOffersAvailable, q.Status)

	notes := f.sink.byEvent(lead.EventOffersAvailable)
	require.Len(t, notes, 1)
	assert.Equal(t, "shipper-1", notes[0].RecipientID)
}

func TestSubmit_RecordsAuditWithBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	f.fundWallet(t, "p-std", "2000.00")

	_, err := f.svc.Submit(ctx, "q-1", "p-std", bid("40000.00"))
	require.NoError(t, err)

	audit, err := f.mem.AuditByQuote(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, lead.AuditOfferSettled, audit[0].Action)
	assert.Equal(t, "2000.00", audit[0].Payload["balance_before"])
	assert.Equal(t, "694.40", audit[0].Payload["balance_after"])
	assert.Equal(t, "1305.60", audit[0].Payload["lead_cost"])
}

// =============================================================================
// SUBMIT: FAILURES LEAVE NOTHING BEHIND
// =============================================================================

func TestSubmit_InsufficientBalance_Atomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	f.fundWallet(t, "p-std", "100.00")

	// WHEN the lead fee exceeds the balance
	_, err := f.svc.Submit(ctx, "q-1", "p-std", bid("40000.00"))

	// THEN the typed error carries both amounts
	var insufficient *lead.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "1305.60", insufficient.Required.String())
	assert.Equal(t, "100.00", insufficient.Available.String())

	// AND no offer, no ledger row, no balance change survived
	offers, err := f.mem.OffersByQuote(ctx, "q-1")
	require.NoError(t, err)
	assert.Empty(t, offers)
	txs, err := f.mem.Transactions(ctx, "p-std", 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, "100.00", f.balance(t, "p-std"))

	// AND the partner is told why, outside the aborted unit of work
	notes := f.sink.byEvent(lead.EventPaymentFailed)
	require.Len(t, notes, 1)
	assert.Equal(t, "p-std", notes[0].RecipientID)
	assert.Equal(t, "1305.60", notes[0].Payload["required_amount"])
}

func TestSubmit_UnprovisionedWallet(t *testing.T) {
	f := newFixture(t)
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)

	_, err := f.svc.Submit(context.Background(), "q-1", "p-std", bid("40000.00"))
	assert.ErrorIs(t, err, lead.ErrWalletNotProvisioned)
}

func TestSubmit_UnknownQuote(t *testing.T) {
	f := newFixture(t)
	f.fundWallet(t, "p-std", "5000.00")

	_, err := f.svc.Submit(context.Background(), "nope", "p-std", bid("40000.00"))
	assert.ErrorIs(t, err, lead.ErrQuoteNotFound)
}

func TestSubmit_ClosedQuote(t *testing.T) {
	f := newFixture(t)
	f.corrosiveQuote(t, "q-1", lead.QuoteExpired)
	f.fundWallet(t, "p-std", "5000.00")

	_, err := f.svc.Submit(context.Background(), "q-1", "p-std", bid("40000.00"))

	var closed *lead.QuoteClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, lead.QuoteExpired, closed.Status)
	assert.Equal(t, "5000.00", f.balance(t, "p-std"), "closed quotes never charge")
}

func TestSubmit_DeadlinePassedButNotSwept(t *testing.T) {
	// The quote is still MATCHING in the store but its deadline has passed.
	// Settlement must treat it as expired without waiting for the sweep.
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, f.mem.SetQuoteExpiry(ctx, "q-1", past))
	f.fundWallet(t, "p-std", "5000.00")

	_, err := f.svc.Submit(ctx, "q-1", "p-std", bid("40000.00"))

	var closed *lead.QuoteClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "5000.00", f.balance(t, "p-std"))
}

// =============================================================================
// SUBMIT: DUPLICATES AND RESUBMISSION
// =============================================================================

func TestSubmit_DuplicateOffer_SingleCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	f.fundWallet(t, "p-std", "10000.00")

	first, err := f.svc.Submit(ctx, "q-1", "p-std", bid("45000.00"))
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, "q-1", "p-std", bid("42000.00"))
	var dup *lead.DuplicateOfferError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.Offer.ID, dup.ExistingOfferID)

	txs, err := f.mem.Transactions(ctx, "p-std", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "the rejected resubmission is never charged")
}

func TestSubmit_AfterWithdraw_ChargesAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	f.fundWallet(t, "p-std", "10000.00")

	_, err := f.svc.Submit(ctx, "q-1", "p-std", bid("45000.00"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Withdraw(ctx, "q-1", "p-std"))

	res, err := f.svc.Submit(ctx, "q-1", "p-std", bid("43000.00"))
	require.NoError(t, err)
	assert.Equal(t, lead.OfferPending, res.Offer.Status)

	// Withdrawing did not refund, and resubmitting pays a fresh fee.
	txs, err := f.mem.Transactions(ctx, "p-std", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Equal(t, "7388.80", f.balance(t, "p-std"))
}

func TestSubmit_ConcurrentSamePartner_OneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	f.fundWallet(t, "p-std", "10000.00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Submit(ctx, "q-1", "p-std", bid("45000.00"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var dup *lead.DuplicateOfferError
		assert.ErrorAs(t, err, &dup)
	}
	assert.Equal(t, 1, succeeded)

	txs, err := f.mem.Transactions(ctx, "p-std", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "the loser's fee never settles")
}

// =============================================================================
// LOW-BALANCE WARNING
// =============================================================================

func TestSubmit_CrossingAlertThreshold_Warns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	require.NoError(t, f.mem.CreateWallet(ctx, lead.Wallet{
		PartnerID:      "p-std",
		Balance:        lead.Money{Value: lead.MustParseDecimal("3000.00"), Currency: lead.DefaultCurrency},
		Currency:       lead.DefaultCurrency,
		AlertThreshold: lead.Money{Value: lead.MustParseDecimal("2000.00"), Currency: lead.DefaultCurrency},
	}))

	_, err := f.svc.Submit(ctx, "q-1", "p-std", bid("40000.00"))
	require.NoError(t, err)

	// 3000 - 1305.60 = 1694.40, below the 2000 threshold.
	notes := f.sink.byEvent(lead.EventLowBalance)
	require.Len(t, notes, 1)
	assert.Equal(t, "1694.40", notes[0].Payload["balance"])

	w, err := f.mem.GetWallet(ctx, "p-std")
	require.NoError(t, err)
	assert.True(t, w.LowBalance)
}

// =============================================================================
// ESTIMATE
// =============================================================================

func TestEstimate_QuickNeverUnderQuotes(t *testing.T) {
	// A discounted loaded config makes the real charge cheaper than the
	// built-in table; the quick estimate sticks to the table and so stays
	// an upper bound.
	mem := store.NewMemory()
	discounted := pricing.Fallback()
	discounted.BaseCost = lead.MustParseDecimal("400")
	engine := pricing.NewEngine(pricing.SourceFunc(func(context.Context) (*pricing.Config, error) {
		return discounted, nil
	}))
	svc := settlement.NewService(mem, engine, lead.TierMap{"p-std": lead.TierStandard}, nil, nil)

	f := &fixture{svc: svc, mem: mem}
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	ctx := context.Background()

	full, err := svc.Estimate(ctx, "q-1", "p-std", false)
	require.NoError(t, err)
	quick, err := svc.Estimate(ctx, "q-1", "p-std", true)
	require.NoError(t, err)

	assert.Equal(t, "1044.48", full.String())
	assert.Equal(t, "1305.60", quick.String())
	assert.True(t, full.LessThan(quick) || full.Equal(quick))
}

func TestEstimate_UnknownQuote(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Estimate(context.Background(), "nope", "p-std", false)
	assert.ErrorIs(t, err, lead.ErrQuoteNotFound)
}

// =============================================================================
// WITHDRAW
// =============================================================================

func TestWithdraw_PendingOfferOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corrosiveQuote(t, "q-1", lead.QuoteMatching)
	f.fundWallet(t, "p-std", "5000.00")

	res, err := f.svc.Submit(ctx, "q-1", "p-std", bid("45000.00"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Withdraw(ctx, "q-1", "p-std"))

	o, err := f.mem.GetOffer(ctx, res.Offer.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.OfferWithdrawn, o.Status)
	assert.Equal(t, "3694.40", f.balance(t, "p-std"), "withdrawal never auto-refunds")

	// A second withdrawal finds no active offer.
	err = f.svc.Withdraw(ctx, "q-1", "p-std")
	assert.ErrorIs(t, err, lead.ErrOfferNotFound)
}
