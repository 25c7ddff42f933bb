/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the partner portal

ROUTE GROUPS:
  /api/quotes/*        Quote lifecycle and offers
  /api/offers/*        Offer withdrawal
  /api/partners/*      Partner records, wallets, ledger history
  /api/transactions/*  Refunds
  /api/admin/*         Pricing config, manual sweep
  /healthz             Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Quote routes
		r.Route("/quotes", func(r chi.Router) {
			r.Post("/", h.CreateQuote)
			r.Get("/{id}", h.GetQuote)
			r.Get("/{id}/offers", h.ListOffers)
			r.Post("/{id}/offers", h.SubmitOffer)
			r.Get("/{id}/estimate", h.Estimate)
			r.Get("/{id}/time-remaining", h.GetTimeRemaining)
			r.Get("/{id}/audit", h.GetAudit)
			r.Post("/{id}/timer", h.StartTimer)
			r.Post("/{id}/timer/extend", h.ExtendTimer)
			r.Post("/{id}/select", h.SelectOffer)
		})

		// Offer routes
		r.Route("/offers", func(r chi.Router) {
			r.Post("/{id}/withdraw", h.WithdrawOffer)
		})

		// Partner and wallet routes
		r.Route("/partners", func(r chi.Router) {
			r.Post("/", h.SavePartner)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Post("/{id}/wallet", h.ProvisionWallet)
			r.Post("/{id}/wallet/recharge", h.Recharge)
			r.Get("/{id}/transactions", h.GetTransactions)
		})

		// Refund routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/{id}/refund", h.Refund)
		})

		// Demo scenario routes (development only)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/pricing-config", h.GetPricingConfig)
			r.Put("/pricing-config", h.PutPricingConfig)
			r.Post("/sweep", h.RunSweep)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
