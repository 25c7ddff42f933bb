package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/lead/store"
	"github.com/haulbid/lead-engine/lifecycle"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

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

func (r *recordingSink) all() []lead.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lead.Notification(nil), r.notes...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []lead.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e lead.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) all() []lead.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lead.Event(nil), r.events...)
}

func newTestManager(t *testing.T) (*lifecycle.Manager, *store.Memory, *clock) {
	t.Helper()
	mem := store.NewMemory()
	m := lifecycle.NewManager(mem, nil, nil)

	c := &clock{now: time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)}
	m.Now = c.Now
	return m, mem, c
}

func saveQuote(t *testing.T, mem *store.Memory, id string, status lead.QuoteStatus) {
	t.Helper()
	err := mem.SaveQuote(context.Background(), lead.Quote{
		ID:        lead.QuoteID(id),
		ShipperID: "shipper-1",
		Status:    status,
		Cargo:     lead.Cargo{Name: "steel coils", Quantity: lead.MustParseDecimal("20"), Unit: "TONNES"},
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func saveOffer(t *testing.T, mem *store.Memory, id, quoteID, partnerID string, status lead.OfferStatus) {
	t.Helper()
	err := mem.CreateOffer(context.Background(), lead.Offer{
		ID:        lead.OfferID(id),
		QuoteID:   lead.QuoteID(quoteID),
		PartnerID: lead.PartnerID(partnerID),
		Price:     lead.NewMoney(45000),
		Status:    status,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
}

// =============================================================================
// TIMER START / EXTEND
// =============================================================================

func TestStartTimer_MovesToMatchingAndSetsDeadline(t *testing.T) {
	m, mem, c := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteSubmitted)

	require.NoError(t, m.StartTimer(ctx, "q-1", 30*time.Minute, false))

	q, err := mem.GetQuote(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, lead.QuoteMatching, q.Status)
	require.NotNil(t, q.ExpiresAt)
	assert.Equal(t, c.Now().Add(30*time.Minute), *q.ExpiresAt)

	audit, err := mem.AuditByQuote(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, lead.AuditTimerStarted, audit[0].Action)
}

func TestStartTimer_TerminalQuote_Rejected(t *testing.T) {
	m, mem, _ := newTestManager(t)
	saveQuote(t, mem, "q-1", lead.QuoteSelected)

	err := m.StartTimer(context.Background(), "q-1", time.Hour, false)
	require.Error(t, err)

	var closed *lead.QuoteClosedError
	assert.ErrorAs(t, err, &closed)
	assert.Equal(t, lead.QuoteSelected, closed.Status)
}

func TestStartTimer_UnknownQuote(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.StartTimer(context.Background(), "nope", time.Hour, false)
	assert.ErrorIs(t, err, lead.ErrQuoteNotFound)
}

func TestExtendTimer_PushesStoredDeadline(t *testing.T) {
	m, mem, c := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteSubmitted)

	require.NoError(t, m.StartTimer(ctx, "q-1", 30*time.Minute, false))
	require.NoError(t, m.ExtendTimer(ctx, "q-1", 15*time.Minute))

	q, err := mem.GetQuote(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, c.Now().Add(45*time.Minute), *q.ExpiresAt,
		"extension adds to the stored deadline")
}

func TestExtendTimer_WithoutTimer(t *testing.T) {
	m, mem, _ := newTestManager(t)
	saveQuote(t, mem, "q-1", lead.QuoteSubmitted)

	err := m.ExtendTimer(context.Background(), "q-1", 10*time.Minute)
	assert.ErrorIs(t, err, lead.ErrTimerNotStarted)
}

// =============================================================================
// REMAINING TIME
// =============================================================================

func TestRemainingTime_CeilsPartialMinutes(t *testing.T) {
	m, mem, c := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteSubmitted)
	require.NoError(t, m.StartTimer(ctx, "q-1", 30*time.Minute, false))

	c.Advance(29*time.Minute + 30*time.Second)

	rt, err := m.RemainingTime(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rt.RemainingMinutes, "30 seconds left reads as 1 minute")
	assert.False(t, rt.HasExpired)

	c.Advance(time.Minute)
	rt, err = m.RemainingTime(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rt.RemainingMinutes)
	assert.True(t, rt.HasExpired)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestExpire_CascadesPendingOffers(t *testing.T) {
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteOffersAvailable)
	saveOffer(t, mem, "o-1", "q-1", "p-1", lead.OfferPending)
	saveOffer(t, mem, "o-2", "q-1", "p-2", lead.OfferPending)
	saveOffer(t, mem, "o-3", "q-1", "p-3", lead.OfferWithdrawn)

	require.NoError(t, m.Expire(ctx, "q-1"))

	q, _ := mem.GetQuote(ctx, "q-1")
	assert.Equal(t, lead.QuoteExpired, q.Status)

	offers, _ := mem.OffersByQuote(ctx, "q-1")
	statuses := map[lead.OfferID]lead.OfferStatus{}
	for _, o := range offers {
		statuses[o.ID] = o.Status
	}
	assert.Equal(t, lead.OfferExpired, statuses["o-1"])
	assert.Equal(t, lead.OfferExpired, statuses["o-2"])
	assert.Equal(t, lead.OfferWithdrawn, statuses["o-3"], "withdrawn offers stay withdrawn")
}

func TestExpire_Idempotent(t *testing.T) {
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteMatching)

	require.NoError(t, m.Expire(ctx, "q-1"))
	require.NoError(t, m.Expire(ctx, "q-1"), "second expiry is a silent no-op")

	audit, _ := mem.AuditByQuote(ctx, "q-1")
	expiredEntries := 0
	for _, e := range audit {
		if e.Action == lead.AuditQuoteExpired {
			expiredEntries++
		}
	}
	assert.Equal(t, 1, expiredEntries, "only the first expiry is recorded")
}

func TestExpire_SelectionWins(t *testing.T) {
	// A quote the shipper already selected is never flipped to EXPIRED by a
	// late timer or a redundant sweep.
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteSelected)

	require.NoError(t, m.Expire(ctx, "q-1"))

	q, _ := mem.GetQuote(ctx, "q-1")
	assert.Equal(t, lead.QuoteSelected, q.Status)
}

func TestCheckExpiredQuotes_SweepsOnlyOverdue(t *testing.T) {
	m, mem, c := newTestManager(t)
	ctx := context.Background()

	saveQuote(t, mem, "q-due", lead.QuoteSubmitted)
	require.NoError(t, m.StartTimer(ctx, "q-due", 10*time.Minute, false))

	saveQuote(t, mem, "q-later", lead.QuoteSubmitted)
	require.NoError(t, m.StartTimer(ctx, "q-later", 2*time.Hour, false))

	saveQuote(t, mem, "q-no-timer", lead.QuoteSubmitted)

	c.Advance(30 * time.Minute)

	n, err := m.CheckExpiredQuotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	q, _ := mem.GetQuote(ctx, "q-due")
	assert.Equal(t, lead.QuoteExpired, q.Status)
	q, _ = mem.GetQuote(ctx, "q-later")
	assert.Equal(t, lead.QuoteMatching, q.Status)
	q, _ = mem.GetQuote(ctx, "q-no-timer")
	assert.Equal(t, lead.QuoteSubmitted, q.Status)
}

// =============================================================================
// SELECTION
// =============================================================================

func TestMarkSelected_WinnerAndSiblings(t *testing.T) {
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteOffersAvailable)
	saveOffer(t, mem, "o-win", "q-1", "p-1", lead.OfferPending)
	saveOffer(t, mem, "o-lose", "q-1", "p-2", lead.OfferPending)

	require.NoError(t, m.MarkSelected(ctx, "q-1", "o-win"))

	q, _ := mem.GetQuote(ctx, "q-1")
	assert.Equal(t, lead.QuoteSelected, q.Status)

	winner, _ := mem.GetOffer(ctx, "o-win")
	assert.Equal(t, lead.OfferSelected, winner.Status)
	loser, _ := mem.GetOffer(ctx, "o-lose")
	assert.Equal(t, lead.OfferRejected, loser.Status)
}

func TestMarkSelected_Idempotent(t *testing.T) {
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteOffersAvailable)
	saveOffer(t, mem, "o-1", "q-1", "p-1", lead.OfferPending)

	require.NoError(t, m.MarkSelected(ctx, "q-1", "o-1"))
	require.NoError(t, m.MarkSelected(ctx, "q-1", "o-1"), "re-applying the same selection is a no-op")
}

func TestMarkSelected_WrongQuote(t *testing.T) {
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteOffersAvailable)
	saveQuote(t, mem, "q-2", lead.QuoteOffersAvailable)
	saveOffer(t, mem, "o-1", "q-1", "p-1", lead.OfferPending)

	err := m.MarkSelected(ctx, "q-2", "o-1")
	assert.ErrorIs(t, err, lead.ErrOfferNotFound)
}

func TestMarkSelected_ExpiredQuote_Rejected(t *testing.T) {
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	saveQuote(t, mem, "q-1", lead.QuoteMatching)
	saveOffer(t, mem, "o-1", "q-1", "p-1", lead.OfferPending)

	require.NoError(t, m.Expire(ctx, "q-1"))

	err := m.MarkSelected(ctx, "q-1", "o-1")
	require.Error(t, err)
	var closed *lead.QuoteClosedError
	assert.ErrorAs(t, err, &closed)
}

// =============================================================================
// WARNING NOTIFICATIONS (real timers, short durations)
// =============================================================================

func TestStartTimer_WarningNotifiesPendingPartners(t *testing.T) {
	mem := store.NewMemory()
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	m := lifecycle.NewManager(mem, sink, pub)
	m.WarningThreshold = 60 * time.Millisecond
	ctx := context.Background()

	saveQuote(t, mem, "q-1", lead.QuoteOffersAvailable)
	saveOffer(t, mem, "o-1", "q-1", "p-1", lead.OfferPending)

	require.NoError(t, m.StartTimer(ctx, "q-1", 100*time.Millisecond, true))

	require.Eventually(t, func() bool {
		return len(sink.all()) > 0
	}, time.Second, 10*time.Millisecond, "warning should fire before expiry")

	notes := sink.all()
	assert.Equal(t, "p-1", notes[0].RecipientID)
	assert.Equal(t, lead.EventExpiryWarning, notes[0].EventType)

	// Reconciliation consumers get the same warning as an event.
	require.Eventually(t, func() bool {
		for _, e := range pub.all() {
			if e.Type == lead.EventExpiryWarning {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// And the timer eventually expires the quote.
	require.Eventually(t, func() bool {
		q, _ := mem.GetQuote(ctx, "q-1")
		return q.Status == lead.QuoteExpired
	}, time.Second, 10*time.Millisecond)
}
