package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/reconcile"
	"go.uber.org/zap"
)

// =============================================================================
// INVOICES
// =============================================================================

// CreateInvoice issues an invoice. Called by the billing-cycle job.
// POST /api/admin/invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	inv, err := h.billing.CreateInvoice(r.Context(), core.NewInvoice{
		CustomerID: core.CustomerID(req.CustomerID),
		Number:     req.Number,
		Period:     req.Period,
		Nominal:    req.Nominal,
		Discount:   req.Discount,
		TaxApplied: req.TaxApplied,
		TaxAmount:  req.TaxAmount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

// ReviewInvoice approves or rejects an invoice waiting for review.
// POST /api/admin/invoices/{id}/review
func (h *Handler) ReviewInvoice(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	inv, err := h.billing.ReviewInvoice(r.Context(), chi.URLParam(r, "id"), billing.Review{
		Approve: req.Approve,
		Actor:   req.Actor,
		Note:    req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// REQUEST APPROVAL
// =============================================================================

func (h *Handler) ListPendingTopups(w http.ResponseWriter, r *http.Request) {
	pending, err := h.requests.PendingTopups(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]TopupDTO, len(pending))
	for i, t := range pending {
		dtos[i] = toTopupDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.requests.PendingWithdraws(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]WithdrawDTO, len(pending))
	for i, wd := range pending {
		dtos[i] = toWithdrawDTO(wd)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ApproveTopup(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, reconcile.KindTopup, string(core.TopupApproved))
}

func (h *Handler) RejectTopup(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, reconcile.KindTopup, string(core.TopupRejected))
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, reconcile.KindWithdraw, string(core.WithdrawApproved))
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, reconcile.KindWithdraw, string(core.WithdrawRejected))
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, kind reconcile.Kind, to string) {
	var req TransitionRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.requests.Apply(r.Context(), reconcile.Transition{
		Kind:      kind,
		RequestID: chi.URLParam(r, "id"),
		To:        to,
		Actor:     req.Actor,
		Note:      req.Note,
		Source:    reconcile.SourceAdmin,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

// =============================================================================
// LEDGER CORRECTIONS
// =============================================================================

// CreateAdjustment appends a compensating entry. Supplying the same
// idempotency_key twice answers 409.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "adjustment:" + core.NewID()
	}

	entry, err := h.ledger.Append(r.Context(), core.AppendRequest{
		CustomerID:     core.CustomerID(req.CustomerID),
		Kind:           core.EntryKind(req.Kind),
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("ledger adjustment",
		zap.String("customer_id", req.CustomerID),
		zap.String("kind", req.Kind),
		zap.String("amount", req.Amount.String()),
		zap.String("reason", req.Reason),
	)
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ListIncidents returns open incidents; ?all=true includes resolved ones.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.store.ListIncidents(r.Context(), r.URL.Query().Get("all") == "true")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]IncidentDTO, len(incidents))
	for i, inc := range incidents {
		dtos[i] = toIncidentDTO(inc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req ResolveIncidentRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.store.ResolveIncident(r.Context(), id, req.Actor, time.Now().UTC()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

// SyncPaymentMethods refreshes the channel catalog from the gateway.
func (h *Handler) SyncPaymentMethods(w http.ResponseWriter, r *http.Request) {
	n, err := h.catalog.Sync(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": n})
}

// Sweep runs one reconciliation sweep now.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.SweepOnce(r.Context())
	dto := SweepReportDTO{Checked: report.Checked, Dispatched: report.Dispatched, Expired: report.Expired}
	if err != nil {
		dto.Errors = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) CreateBankAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateBankAccountRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	a := core.BankAccount{
		ID:            req.ID,
		BankName:      req.BankName,
		HolderName:    req.HolderName,
		AccountNumber: req.AccountNumber,
		LogoURL:       req.LogoURL,
		Active:        req.Active == nil || *req.Active,
		CreatedAt:     time.Now().UTC(),
	}
	if a.ID == "" {
		a.ID = core.NewID()
	}
	if err := h.store.SaveBankAccount(r.Context(), a); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBankAccountDTO(a))
}
