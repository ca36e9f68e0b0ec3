/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes wallets, invoices, top-ups, withdrawals and the gateway webhook
  via REST. Handlers parse and validate the request, call one service
  operation, and serialize the result. No business rule lives here.

ENDPOINTS (customer):
  GET    /api/customers/{cid}/balance                  Current balance
  GET    /api/customers/{cid}/balance/history          Ledger entries
  GET    /api/customers/{cid}/invoices                 Invoice history
  GET    /api/customers/{cid}/invoices/{id}            One invoice
  POST   /api/customers/{cid}/invoices/{id}/pay        Pay (saldo or channel)
  POST   /api/customers/{cid}/invoices/{id}/transfer   Manual transfer proof
  GET    /api/customers/{cid}/invoices/{id}/transactions  Open gateway payments
  (top-ups and withdrawals: see requests.go)

ENDPOINTS (catalog):
  GET    /api/payment-methods          Gateway channels (Tripay JSON shape)
  GET    /api/bank-accounts            Manual transfer destinations
  GET    /api/transactions/{reference} Gateway payment, polled if unpaid

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the core error
  taxonomy (see statusFor):
  - 400: Validation errors, inactive method, amount out of range
  - 401: Bad webhook signature
  - 404: Resource not found (including another customer's resource)
  - 409: Already settled, under review, not pending, lost race
  - 422: Insufficient balance
  - 202: Gateway timeout on pay/top-up; the body carries the pending payment
  - 504: Gateway timeout elsewhere
  - 502: Gateway unavailable

SECURITY NOTE:
  No authentication: the customer id is a path segment. An upstream
  gateway is expected to authenticate and scope requests.

SEE ALSO:
  - dto.go: Request/response data structures
  - admin.go: Operator endpoints
  - webhook.go: Gateway callback
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/payment"
	"github.com/warp/settlement-engine/reconcile"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20
	dateLayout   = "2006-01-02"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services the handlers call.
type Deps struct {
	Store     core.Store
	Ledger    *core.Ledger
	Billing   *billing.Service
	Requests  *reconcile.Worker
	Catalog   *payment.Catalog
	Callbacks *payment.CallbackRouter
	Sweeper   *reconcile.Sweeper
	// CallbackKey verifies webhook signatures.
	CallbackKey string
	Logger      *zap.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store       core.Store
	ledger      *core.Ledger
	billing     *billing.Service
	requests    *reconcile.Worker
	catalog     *payment.Catalog
	callbacks   *payment.CallbackRouter
	sweeper     *reconcile.Sweeper
	callbackKey string
	channels    *factory.ChannelFactory
	validate    *validator.Validate
	logger      *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	return &Handler{
		store:       d.Store,
		ledger:      d.Ledger,
		billing:     d.Billing,
		requests:    d.Requests,
		catalog:     d.Catalog,
		callbacks:   d.Callbacks,
		sweeper:     d.Sweeper,
		callbackKey: d.CallbackKey,
		channels:    factory.NewChannelFactory(),
		validate:    v,
		logger:      logger.Named("api"),
	}
}

func customerID(r *http.Request) core.CustomerID {
	return core.CustomerID(chi.URLParam(r, "cid"))
}

// =============================================================================
// BALANCE
// =============================================================================

// GetBalance returns the customer's current wallet balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	cid := customerID(r)
	balance, err := h.ledger.CurrentBalance(r.Context(), cid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{CustomerID: string(cid), Balance: balance})
}

// GetBalanceHistory returns ledger entries, newest first.
// GET /api/customers/{cid}/balance/history?page&limit&kind&start_date&end_date
func (h *Handler) GetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	dates, err := dateRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f := core.LedgerFilter{Kind: core.EntryKind(r.URL.Query().Get("kind")), DateRange: dates}
	if f.Kind != "" && !f.Kind.Valid() {
		h.fail(w, r, core.Invalid("kind", "must be credit or debit"))
		return
	}

	page, err := h.ledger.History(r.Context(), customerID(r), f, pageRequest(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toLedgerEntryDTO))
}

// =============================================================================
// INVOICES
// =============================================================================

// ListInvoices returns the customer's invoices.
// GET /api/customers/{cid}/invoices?page&limit&status&method&start_date&end_date&q
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	dates, err := dateRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	f := core.InvoiceFilter{
		Status:        core.InvoiceStatus(q.Get("status")),
		PaymentMethod: q.Get("method"),
		Query:         strings.TrimSpace(q.Get("q")),
		DateRange:     dates,
	}

	page, err := h.billing.ListInvoices(r.Context(), customerID(r), f, pageRequest(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toInvoiceDTO))
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.billing.GetInvoice(r.Context(), customerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// PayInvoice pays from the wallet or opens a gateway payment.
// POST /api/customers/{cid}/invoices/{id}/pay {"use_saldo": true} | {"method_code": "BRIVA"}
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	choice := billing.Choice{UseSaldo: req.UseSaldo, MethodCode: req.MethodCode, Payer: req.Payer.payer()}
	res, err := h.billing.Pay(r.Context(), customerID(r), chi.URLParam(r, "id"), choice)

	dto := PaymentResultDTO{
		Invoice:     toInvoiceDTO(res.Invoice),
		Transaction: gatewayTxPtr(res.Transaction),
		Quote:       toQuoteDTO(res.Quote),
	}
	if res.Entry != nil {
		e := toLedgerEntryDTO(*res.Entry)
		dto.Entry = &e
	}

	if err != nil {
		if errors.Is(err, core.ErrGatewayTimeout) && res.Transaction != nil {
			writeJSON(w, http.StatusAccepted, dto)
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// SubmitTransfer parks an invoice for review with a transfer proof.
func (h *Handler) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferProofRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	inv, err := h.billing.SubmitTransferProof(r.Context(), customerID(r), chi.URLParam(r, "id"), billing.TransferProof{
		BankAccountID: req.BankAccountID,
		AttachmentRef: req.AttachmentRef,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// ListInvoiceTransactions returns the unpaid gateway payments of an invoice.
func (h *Handler) ListInvoiceTransactions(w http.ResponseWriter, r *http.Request) {
	inv, err := h.billing.GetInvoice(r.Context(), customerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txs, err := h.billing.Transactions(r.Context(), inv.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]GatewayTransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toGatewayTxDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CATALOG
// =============================================================================

// ListPaymentMethods returns the channel catalog. ?active=true hides
// disabled channels.
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.catalog.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	onlyActive := r.URL.Query().Get("active") == "true"

	out := make([]factory.ChannelJSON, 0, len(methods))
	for _, m := range methods {
		if onlyActive && !m.Active {
			continue
		}
		out = append(out, h.channels.ToJSON(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListBankAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListBankAccounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]BankAccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toBankAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransaction returns a gateway payment by reference or merchant ref.
// An unpaid payment is polled at the gateway first.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.sweeper.Refresh(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGatewayTxDTO(tx))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		var ve *core.ValidationError
		if errors.As(err, &ve) {
			resp.Field = ve.Field
		}
	}
	writeJSON(w, status, resp)
}

// statusFor maps the core error taxonomy to an HTTP status and message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		return http.StatusUnauthorized, "Invalid signature"
	case core.IsClientError(err):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, core.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "Insufficient balance"
	case core.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case core.IsConflict(err):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, core.ErrReconciliation):
		return http.StatusConflict, "Reconciliation failed"
	case errors.Is(err, core.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "Payment gateway timeout"
	case errors.Is(err, core.ErrGatewayUnavailable):
		return http.StatusBadGateway, "Payment gateway unavailable"
	case errors.Is(err, context.Canceled):
		return 499, "Request cancelled"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, message, err)
}

// decode reads a JSON body into dst and validates its tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return core.Invalid("body", "malformed JSON: %v", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			fe := ves[0]
			if fe.Param() != "" {
				return core.Invalid(fe.Field(), "failed %s=%s", fe.Tag(), fe.Param())
			}
			return core.Invalid(fe.Field(), "failed %s", fe.Tag())
		}
		return core.Invalid("body", "%v", err)
	}
	return nil
}

func pageRequest(r *http.Request) core.PageRequest {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return core.PageRequest{Page: page, Limit: limit}.Normalize()
}

// dateRange reads start_date / end_date (2006-01-02, UTC). end_date is
// inclusive.
func dateRange(r *http.Request) (core.DateRange, error) {
	var dr core.DateRange
	q := r.URL.Query()
	if s := q.Get("start_date"); s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return dr, core.Invalid("start_date", "expected YYYY-MM-DD")
		}
		dr.From = t
	}
	if s := q.Get("end_date"); s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return dr, core.Invalid("end_date", "expected YYYY-MM-DD")
		}
		dr.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if !dr.From.IsZero() && !dr.To.IsZero() && dr.To.Before(dr.From) {
		return dr, core.Invalid("end_date", "before start_date")
	}
	return dr, nil
}
