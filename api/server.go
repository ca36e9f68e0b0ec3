/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. accessLog:  One zap line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the customer portal

ROUTE GROUPS:
  /api/customers/{cid}/*  Wallet, invoices, top-ups, withdrawals
  /api/payment-methods    Channel catalog
  /api/bank-accounts      Manual transfer destinations
  /api/transactions/*     Gateway payment lookup
  /api/gateway/callback   Gateway webhook (signature checked)
  /api/admin/*            Operator endpoints
  /api/scenarios/*        Demo data (dev only)

SECURITY NOTE:
  No authentication middleware. The webhook authenticates itself with its
  HMAC signature; everything else expects an authenticating proxy.

SEE ALSO:
  - handlers.go: Customer handlers
  - admin.go: Operator handlers
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions tune the router for the environment.
type RouterOptions struct {
	AllowedOrigins []string
	// Scenarios mounts the demo data endpoints.
	Scenarios bool
}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, logger *zap.Logger, opts RouterOptions) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers/{cid}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/balance/history", h.GetBalanceHistory)

			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", h.ListInvoices)
				r.Get("/{id}", h.GetInvoice)
				r.Post("/{id}/pay", h.PayInvoice)
				r.Post("/{id}/transfer", h.SubmitTransfer)
				r.Get("/{id}/transactions", h.ListInvoiceTransactions)
			})

			r.Route("/topups", func(r chi.Router) {
				r.Get("/", h.ListTopups)
				r.Post("/manual", h.CreateManualTopup)
				r.Post("/automatic", h.CreateAutomaticTopup)
				r.Get("/{id}", h.GetTopup)
				r.Put("/{id}", h.UpdateTopup)
				r.Delete("/{id}", h.DeleteTopup)
			})

			r.Route("/withdrawals", func(r chi.Router) {
				r.Get("/", h.ListWithdrawals)
				r.Post("/", h.CreateWithdrawal)
				r.Get("/{id}", h.GetWithdrawal)
				r.Put("/{id}", h.UpdateWithdrawal)
				r.Delete("/{id}", h.DeleteWithdrawal)
			})
		})

		r.Get("/payment-methods", h.ListPaymentMethods)
		r.Get("/bank-accounts", h.ListBankAccounts)
		r.Get("/transactions/{reference}", h.GetTransaction)

		r.Post("/gateway/callback", h.GatewayCallback)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/invoices", h.CreateInvoice)
			r.Post("/invoices/{id}/review", h.ReviewInvoice)

			r.Get("/topups/pending", h.ListPendingTopups)
			r.Post("/topups/{id}/approve", h.ApproveTopup)
			r.Post("/topups/{id}/reject", h.RejectTopup)

			r.Get("/withdrawals/pending", h.ListPendingWithdrawals)
			r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
			r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)

			r.Post("/adjustments", h.CreateAdjustment)

			r.Get("/incidents", h.ListIncidents)
			r.Post("/incidents/{id}/resolve", h.ResolveIncident)

			r.Post("/payment-methods/sync", h.SyncPaymentMethods)
			r.Post("/bank-accounts", h.CreateBankAccount)
			r.Post("/sweep", h.Sweep)
		})

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
