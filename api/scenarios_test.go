/*
scenarios_test.go - Tests for demo scenario loaders

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Partners and wallets are created and funded
	- Quotes and offers reach the advertised statuses
	- Lead fees, refunds, and expiries really settled

These tests double as integration tests for the settlement path the
loaders drive.
*/
package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbid/lead-engine/api"
)

func TestListScenarios(t *testing.T) {
	srv := newTestServer(t)

	var list []api.ScenarioDTO
	status := call(t, srv, http.MethodGet, "/api/scenarios", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list, 5)

	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	assert.Contains(t, ids, "fresh-marketplace")
	assert.Contains(t, ids, "contested-lane")
	assert.Contains(t, ids, "settled-selection")
}

func TestLoadScenario_Unknown_400(t *testing.T) {
	srv := newTestServer(t)
	status := call(t, srv, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestScenario_FreshMarketplace(t *testing.T) {
	srv := newTestServer(t)
	status := call(t, srv, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "fresh-marketplace"}, nil)
	require.Equal(t, http.StatusOK, status)

	var q api.QuoteDTO
	status = call(t, srv, http.MethodGet, "/api/quotes/quote-fresh", nil, &q)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "MATCHING", q.Status)
	assert.NotEmpty(t, q.ExpiresAt)

	var w api.WalletDTO
	status = call(t, srv, http.MethodGet, "/api/partners/partner-apex/wallet", nil, &w)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "25000.00", w.Balance)

	var current api.ScenarioDTO
	status = call(t, srv, http.MethodGet, "/api/scenarios/current", nil, &current)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "fresh-marketplace", current.ID)
}

func TestScenario_ContestedLane(t *testing.T) {
	srv := newTestServer(t)
	status := call(t, srv, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "contested-lane"}, nil)
	require.Equal(t, http.StatusOK, status)

	var q api.QuoteDTO
	call(t, srv, http.MethodGet, "/api/quotes/quote-fresh", nil, &q)
	assert.Equal(t, "OFFERS_AVAILABLE", q.Status)

	var offers []api.OfferDTO
	status = call(t, srv, http.MethodGet, "/api/quotes/quote-fresh/offers", nil, &offers)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, offers, 2)
	for _, o := range offers {
		assert.Equal(t, "PENDING", o.Status)
	}

	// Both bidders paid their tier-adjusted lead fee.
	var w api.WalletDTO
	call(t, srv, http.MethodGet, "/api/partners/partner-apex/wallet", nil, &w)
	assert.Equal(t, "23924.80", w.Balance, "PREMIUM fee is 1075.20")
	call(t, srv, http.MethodGet, "/api/partners/partner-swift/wallet", nil, &w)
	assert.Equal(t, "8694.40", w.Balance, "STANDARD fee is 1305.60")
}

func TestScenario_SettledSelection(t *testing.T) {
	srv := newTestServer(t)
	status := call(t, srv, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "settled-selection"}, nil)
	require.Equal(t, http.StatusOK, status)

	var q api.QuoteDTO
	call(t, srv, http.MethodGet, "/api/quotes/quote-fresh", nil, &q)
	assert.Equal(t, "SELECTED", q.Status)

	var offers []api.OfferDTO
	call(t, srv, http.MethodGet, "/api/quotes/quote-fresh/offers", nil, &offers)
	require.Len(t, offers, 2)
	byPartner := map[string]string{}
	for _, o := range offers {
		byPartner[o.PartnerID] = o.Status
	}
	assert.Equal(t, "SELECTED", byPartner["partner-swift"])
	assert.Equal(t, "REJECTED", byPartner["partner-apex"])

	// The losing partner got their lead fee back.
	var txs []api.TransactionDTO
	call(t, srv, http.MethodGet, "/api/partners/partner-apex/transactions", nil, &txs)
	types := make([]string, len(txs))
	for i, tx := range txs {
		types[i] = tx.Type
	}
	assert.Contains(t, types, "REFUND")

	var w api.WalletDTO
	call(t, srv, http.MethodGet, "/api/partners/partner-apex/wallet", nil, &w)
	assert.Equal(t, "25000.00", w.Balance, "refund restored the full fee")
}

func TestScenario_ExpiredWindow(t *testing.T) {
	srv := newTestServer(t)
	status := call(t, srv, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "expired-window"}, nil)
	require.Equal(t, http.StatusOK, status)

	var q api.QuoteDTO
	call(t, srv, http.MethodGet, "/api/quotes/quote-fresh", nil, &q)
	assert.Equal(t, "EXPIRED", q.Status)

	var offers []api.OfferDTO
	call(t, srv, http.MethodGet, "/api/quotes/quote-fresh/offers", nil, &offers)
	require.Len(t, offers, 2)
	for _, o := range offers {
		assert.Equal(t, "EXPIRED", o.Status)
	}

	var rt api.TimeRemainingDTO
	call(t, srv, http.MethodGet, "/api/quotes/quote-fresh/time-remaining", nil, &rt)
	assert.True(t, rt.HasExpired)
}

func TestLoadScenario_ResetsPreviousState(t *testing.T) {
	srv := newTestServer(t)
	registerPartner(t, srv, "p-old", "BASIC", "100.00")

	status := call(t, srv, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "low-balance"}, nil)
	require.Equal(t, http.StatusOK, status)

	// The pre-existing partner was wiped with everything else.
	status = call(t, srv, http.MethodGet, "/api/partners/p-old/wallet", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// And the scenario's underfunded partner cannot afford the lead fee.
	status = call(t, srv, http.MethodPost, "/api/quotes/quote-fresh/offers",
		api.SubmitOfferRequest{PartnerID: "partner-broke", Price: "40000.00"}, nil)
	assert.Equal(t, http.StatusPaymentRequired, status)
}
