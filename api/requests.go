package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/reconcile"
)

// =============================================================================
// TOP-UPS
// =============================================================================

// ListTopups returns the customer's top-ups.
// GET /api/customers/{cid}/topups?page&limit&status&method&start_date&end_date
func (h *Handler) ListTopups(w http.ResponseWriter, r *http.Request) {
	dates, err := dateRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	f := core.TopupFilter{
		Status:    core.TopupStatus(q.Get("status")),
		Method:    core.TopupMethod(q.Get("method")),
		DateRange: dates,
	}
	if f.Method != "" && f.Method != core.TopupManual && f.Method != core.TopupAutomatic {
		h.fail(w, r, core.Invalid("method", "must be manual or automatic"))
		return
	}

	page, err := h.requests.ListTopups(r.Context(), customerID(r), f, pageRequest(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toTopupDTO))
}

func (h *Handler) GetTopup(w http.ResponseWriter, r *http.Request) {
	t, err := h.requests.GetTopup(r.Context(), customerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTopupDTO(t))
}

func (h *Handler) CreateManualTopup(w http.ResponseWriter, r *http.Request) {
	var req ManualTopupRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	t, err := h.requests.CreateManualTopup(r.Context(), customerID(r), reconcile.ManualTopup{
		Nominal:       req.Nominal,
		BankAccountID: req.BankAccountID,
		AttachmentRef: req.AttachmentRef,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTopupDTO(t))
}

// CreateAutomaticTopup opens a gateway payment for a top-up. A gateway
// timeout answers 202 with the pending transaction.
func (h *Handler) CreateAutomaticTopup(w http.ResponseWriter, r *http.Request) {
	var req AutomaticTopupRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.requests.CreateAutomaticTopup(r.Context(), customerID(r), reconcile.AutomaticTopup{
		Nominal:    req.Nominal,
		MethodCode: req.MethodCode,
		Payer:      req.Payer.payer(),
	})
	dto := TopupResultDTO{
		Topup:       toTopupDTO(res.Topup),
		Transaction: gatewayTxPtr(res.Transaction),
		Quote:       toQuoteDTO(res.Quote),
	}
	if err != nil {
		if errors.Is(err, core.ErrGatewayTimeout) && res.Transaction != nil {
			writeJSON(w, http.StatusAccepted, dto)
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// UpdateTopup edits a pending manual top-up.
func (h *Handler) UpdateTopup(w http.ResponseWriter, r *http.Request) {
	var req UpdateTopupRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	t, err := h.requests.UpdateManualTopup(r.Context(), customerID(r), chi.URLParam(r, "id"), reconcile.ManualTopup{
		Nominal:       req.Nominal,
		BankAccountID: req.BankAccountID,
		AttachmentRef: req.AttachmentRef,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTopupDTO(t))
}

func (h *Handler) DeleteTopup(w http.ResponseWriter, r *http.Request) {
	if err := h.requests.DeleteTopup(r.Context(), customerID(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// ListWithdrawals returns the customer's withdrawals.
// GET /api/customers/{cid}/withdrawals?page&limit&status&start_date&end_date
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	dates, err := dateRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f := core.WithdrawFilter{Status: core.WithdrawStatus(r.URL.Query().Get("status")), DateRange: dates}

	page, err := h.requests.ListWithdraws(r.Context(), customerID(r), f, pageRequest(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toWithdrawDTO))
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.requests.GetWithdraw(r.Context(), customerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawDTO(wd))
}

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	in, ok := h.withdrawInput(w, r)
	if !ok {
		return
	}
	wd, err := h.requests.CreateWithdraw(r.Context(), customerID(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawDTO(wd))
}

func (h *Handler) UpdateWithdrawal(w http.ResponseWriter, r *http.Request) {
	in, ok := h.withdrawInput(w, r)
	if !ok {
		return
	}
	wd, err := h.requests.UpdateWithdraw(r.Context(), customerID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawDTO(wd))
}

func (h *Handler) DeleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	if err := h.requests.DeleteWithdraw(r.Context(), customerID(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) withdrawInput(w http.ResponseWriter, r *http.Request) (reconcile.WithdrawInput, bool) {
	var req WithdrawRequestBody
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return reconcile.WithdrawInput{}, false
	}
	in := reconcile.WithdrawInput{Nominal: req.Nominal}
	if req.RequestedAt != "" {
		// Already checked by the datetime tag.
		in.RequestedAt, _ = time.Parse(dateLayout, req.RequestedAt)
	}
	return in, true
}
