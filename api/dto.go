/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal, which encodes as a JSON string ("100000").
  Requests accept either a string or a number.

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks
  (required fields, enums, email). Business rules such as minimum nominal
  and fee limits stay in the services.

SEE ALSO:
  - handlers.go: decode() runs the validator
  - factory/channel.go: ChannelJSON, the payment method response shape
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/payment"
	"github.com/warp/settlement-engine/reconcile"
)

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// PageDTO wraps one page of a list.
type PageDTO[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
}

func toPageDTO[S, T any](p core.Page[S], conv func(S) T) PageDTO[T] {
	items := make([]T, len(p.Items))
	for i, it := range p.Items {
		items[i] = conv(it)
	}
	return PageDTO[T]{Items: items, Total: p.Total, Page: p.Page, Limit: p.Limit, TotalPages: p.TotalPages()}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	CustomerID string          `json:"customer_id"`
	Balance    decimal.Decimal `json:"balance"`
}

type LedgerEntryDTO struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	Kind           string          `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Reason         string          `json:"reason"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      string          `json:"created_at"`
}

func toLedgerEntryDTO(e core.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             e.ID,
		Seq:            e.Seq,
		Kind:           string(e.Kind),
		Amount:         e.Amount,
		BalanceBefore:  e.BalanceBefore,
		BalanceAfter:   e.BalanceAfter,
		Reason:         e.Reason,
		ReferenceID:    e.ReferenceID,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      formatTime(e.CreatedAt),
	}
}

// AdjustmentRequest is an operator correction of a wallet.
type AdjustmentRequest struct {
	CustomerID     string          `json:"customer_id" validate:"required"`
	Kind           string          `json:"kind" validate:"required,oneof=credit debit"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceDTO struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	CustomerID    string          `json:"customer_id"`
	Period        string          `json:"period"`
	Nominal       decimal.Decimal `json:"nominal"`
	Discount      decimal.Decimal `json:"discount"`
	TaxApplied    bool            `json:"tax_applied"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	TotalDue      decimal.Decimal `json:"total_due"`
	Status        string          `json:"status"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	BankAccountID string          `json:"bank_account_id,omitempty"`
	AttachmentRef string          `json:"attachment,omitempty"`
	ReviewNote    string          `json:"review_note,omitempty"`
	PaidAt        *string         `json:"paid_at,omitempty"`
	ReviewedAt    *string         `json:"reviewed_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

func toInvoiceDTO(inv core.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:            inv.ID,
		Number:        inv.Number,
		CustomerID:    string(inv.CustomerID),
		Period:        inv.Period,
		Nominal:       inv.Nominal,
		Discount:      inv.Discount,
		TaxApplied:    inv.TaxApplied,
		TaxAmount:     inv.TaxAmount,
		TotalDue:      inv.TotalDue,
		Status:        string(inv.Status),
		PaymentMethod: inv.PaymentMethod,
		BankAccountID: inv.BankAccountID,
		AttachmentRef: inv.AttachmentRef,
		ReviewNote:    inv.ReviewNote,
		PaidAt:        formatTimePtr(inv.PaidAt),
		ReviewedAt:    formatTimePtr(inv.ReviewedAt),
		CreatedAt:     formatTime(inv.CreatedAt),
	}
}

// CreateInvoiceRequest is sent by the billing-cycle job.
type CreateInvoiceRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	Number     string          `json:"number"`
	Period     string          `json:"period" validate:"required"`
	Nominal    decimal.Decimal `json:"nominal"`
	Discount   decimal.Decimal `json:"discount"`
	TaxApplied bool            `json:"tax_applied"`
	TaxAmount  decimal.Decimal `json:"tax_amount"`
}

// PayerDTO is optional contact data forwarded to the gateway.
type PayerDTO struct {
	Name  string `json:"name"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone"`
}

func (p PayerDTO) payer() payment.Payer {
	return payment.Payer{Name: p.Name, Email: p.Email, Phone: p.Phone}
}

// PayRequest picks either the wallet or one gateway channel.
type PayRequest struct {
	UseSaldo   bool     `json:"use_saldo"`
	MethodCode string   `json:"method_code" validate:"omitempty,max=32"`
	Payer      PayerDTO `json:"payer"`
}

type PaymentResultDTO struct {
	Invoice     InvoiceDTO             `json:"invoice"`
	Entry       *LedgerEntryDTO        `json:"ledger_entry,omitempty"`
	Transaction *GatewayTransactionDTO `json:"transaction,omitempty"`
	Quote       *QuoteDTO              `json:"quote,omitempty"`
}

type TransferProofRequest struct {
	BankAccountID string `json:"bank_account_id" validate:"required"`
	AttachmentRef string `json:"attachment" validate:"required"`
}

// ReviewRequest is an operator's decision on an invoice or request.
type ReviewRequest struct {
	Approve bool   `json:"approve"`
	Actor   string `json:"actor" validate:"required"`
	Note    string `json:"note"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type QuoteDTO struct {
	MethodCode     string          `json:"method_code"`
	Amount         decimal.Decimal `json:"amount"`
	FeeCustomer    decimal.Decimal `json:"fee_customer"`
	FeeMerchant    decimal.Decimal `json:"fee_merchant"`
	FeeTotal       decimal.Decimal `json:"fee_total"`
	TotalCharged   decimal.Decimal `json:"total_charged"`
	AmountReceived decimal.Decimal `json:"amount_received"`
}

func toQuoteDTO(q *payment.Quote) *QuoteDTO {
	if q == nil {
		return nil
	}
	return &QuoteDTO{
		MethodCode:     q.Method.Code,
		Amount:         q.Amount,
		FeeCustomer:    q.FeeCustomer,
		FeeMerchant:    q.FeeMerchant,
		FeeTotal:       q.FeeTotal,
		TotalCharged:   q.TotalCharged,
		AmountReceived: q.AmountReceived,
	}
}

type GatewayTransactionDTO struct {
	MerchantRef    string             `json:"merchant_ref"`
	Reference      string             `json:"reference,omitempty"`
	Purpose        string             `json:"purpose"`
	SubjectID      string             `json:"subject_id"`
	MethodCode     string             `json:"method_code"`
	Amount         decimal.Decimal    `json:"amount"`
	FeeTotal       decimal.Decimal    `json:"fee_total"`
	TotalCharged   decimal.Decimal    `json:"total_charged"`
	AmountReceived decimal.Decimal    `json:"amount_received"`
	Status         string             `json:"status"`
	PayCode        string             `json:"pay_code,omitempty"`
	CheckoutURL    string             `json:"checkout_url,omitempty"`
	Instructions   []core.Instruction `json:"instructions,omitempty"`
	ExpiresAt      string             `json:"expires_at"`
	PaidAt         *string            `json:"paid_at,omitempty"`
}

func toGatewayTxDTO(g core.GatewayTransaction) GatewayTransactionDTO {
	return GatewayTransactionDTO{
		MerchantRef:    g.MerchantRef,
		Reference:      g.Reference,
		Purpose:        string(g.Purpose),
		SubjectID:      g.SubjectID,
		MethodCode:     g.MethodCode,
		Amount:         g.Amount,
		FeeTotal:       g.FeeTotal,
		TotalCharged:   g.TotalCharged(),
		AmountReceived: g.AmountReceived,
		Status:         string(g.Status),
		PayCode:        g.PayCode,
		CheckoutURL:    g.CheckoutURL,
		Instructions:   g.Instructions,
		ExpiresAt:      formatTime(g.ExpiresAt),
		PaidAt:         formatTimePtr(g.PaidAt),
	}
}

func gatewayTxPtr(g *core.GatewayTransaction) *GatewayTransactionDTO {
	if g == nil {
		return nil
	}
	d := toGatewayTxDTO(*g)
	return &d
}

type BankAccountDTO struct {
	ID            string `json:"id"`
	BankName      string `json:"bank_name"`
	HolderName    string `json:"holder_name"`
	AccountNumber string `json:"account_number"`
	LogoURL       string `json:"logo_url,omitempty"`
	Active        bool   `json:"active"`
}

func toBankAccountDTO(a core.BankAccount) BankAccountDTO {
	return BankAccountDTO{
		ID:            a.ID,
		BankName:      a.BankName,
		HolderName:    a.HolderName,
		AccountNumber: a.AccountNumber,
		LogoURL:       a.LogoURL,
		Active:        a.Active,
	}
}

type CreateBankAccountRequest struct {
	ID            string `json:"id"`
	BankName      string `json:"bank_name" validate:"required"`
	HolderName    string `json:"holder_name" validate:"required"`
	AccountNumber string `json:"account_number" validate:"required,numeric"`
	LogoURL       string `json:"logo_url" validate:"omitempty,url"`
	Active        *bool  `json:"active"`
}

// =============================================================================
// TOP-UPS / WITHDRAWALS
// =============================================================================

type TopupDTO struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	CustomerID    string          `json:"customer_id"`
	Nominal       decimal.Decimal `json:"nominal"`
	Method        string          `json:"method"`
	Status        string          `json:"status"`
	BankAccountID string          `json:"bank_account_id,omitempty"`
	AttachmentRef string          `json:"attachment,omitempty"`
	MethodCode    string          `json:"method_code,omitempty"`
	MerchantRef   string          `json:"merchant_ref,omitempty"`
	ReviewedBy    string          `json:"reviewed_by,omitempty"`
	Note          string          `json:"note,omitempty"`
	CompletedAt   *string         `json:"completed_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

func toTopupDTO(t core.TopupRequest) TopupDTO {
	return TopupDTO{
		ID:            t.ID,
		Number:        t.Number,
		CustomerID:    string(t.CustomerID),
		Nominal:       t.Nominal,
		Method:        string(t.Method),
		Status:        string(t.Status),
		BankAccountID: t.BankAccountID,
		AttachmentRef: t.AttachmentRef,
		MethodCode:    t.MethodCode,
		MerchantRef:   t.MerchantRef,
		ReviewedBy:    t.ReviewedBy,
		Note:          t.Note,
		CompletedAt:   formatTimePtr(t.CompletedAt),
		CreatedAt:     formatTime(t.CreatedAt),
	}
}

type ManualTopupRequest struct {
	Nominal       decimal.Decimal `json:"nominal"`
	BankAccountID string          `json:"bank_account_id" validate:"required"`
	AttachmentRef string          `json:"attachment" validate:"required"`
}

// UpdateTopupRequest edits a pending manual top-up. An empty bank account
// or attachment keeps the current one.
type UpdateTopupRequest struct {
	Nominal       decimal.Decimal `json:"nominal"`
	BankAccountID string          `json:"bank_account_id"`
	AttachmentRef string          `json:"attachment"`
}

type AutomaticTopupRequest struct {
	Nominal    decimal.Decimal `json:"nominal"`
	MethodCode string          `json:"method_code" validate:"required,max=32"`
	Payer      PayerDTO        `json:"payer"`
}

type TopupResultDTO struct {
	Topup       TopupDTO               `json:"topup"`
	Transaction *GatewayTransactionDTO `json:"transaction,omitempty"`
	Quote       *QuoteDTO              `json:"quote,omitempty"`
}

type WithdrawDTO struct {
	ID          string          `json:"id"`
	Number      string          `json:"number"`
	CustomerID  string          `json:"customer_id"`
	Nominal     decimal.Decimal `json:"nominal"`
	RequestedAt string          `json:"requested_at"`
	Status      string          `json:"status"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	Note        string          `json:"note,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

func toWithdrawDTO(w core.WithdrawRequest) WithdrawDTO {
	return WithdrawDTO{
		ID:          w.ID,
		Number:      w.Number,
		CustomerID:  string(w.CustomerID),
		Nominal:     w.Nominal,
		RequestedAt: w.RequestedAt.UTC().Format(dateLayout),
		Status:      string(w.Status),
		ReviewedBy:  w.ReviewedBy,
		Note:        w.Note,
		CompletedAt: formatTimePtr(w.CompletedAt),
		CreatedAt:   formatTime(w.CreatedAt),
	}
}

// WithdrawRequestBody asks for a payout. RequestedAt is "2006-01-02".
type WithdrawRequestBody struct {
	Nominal     decimal.Decimal `json:"nominal"`
	RequestedAt string          `json:"requested_at" validate:"omitempty,datetime=2006-01-02"`
}

// TransitionRequest approves or rejects a request.
type TransitionRequest struct {
	Actor string `json:"actor" validate:"required"`
	Note  string `json:"note"`
}

type TransitionResultDTO struct {
	Topup    *TopupDTO       `json:"topup,omitempty"`
	Withdraw *WithdrawDTO    `json:"withdrawal,omitempty"`
	Entry    *LedgerEntryDTO `json:"ledger_entry,omitempty"`
	Replayed bool            `json:"replayed"`
}

func toTransitionResultDTO(r reconcile.Result) TransitionResultDTO {
	out := TransitionResultDTO{Replayed: r.Replayed}
	if r.Topup != nil {
		t := toTopupDTO(*r.Topup)
		out.Topup = &t
	}
	if r.Withdraw != nil {
		w := toWithdrawDTO(*r.Withdraw)
		out.Withdraw = &w
	}
	if r.Entry != nil {
		e := toLedgerEntryDTO(*r.Entry)
		out.Entry = &e
	}
	return out
}

// =============================================================================
// OPERATIONS
// =============================================================================

type IncidentDTO struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Reference   string          `json:"reference,omitempty"`
	MerchantRef string          `json:"merchant_ref,omitempty"`
	SubjectID   string          `json:"subject_id,omitempty"`
	Reason      string          `json:"reason"`
	Expected    decimal.Decimal `json:"expected"`
	Got         decimal.Decimal `json:"got"`
	Resolved    bool            `json:"resolved"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	ResolvedAt  *string         `json:"resolved_at,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

func toIncidentDTO(i core.Incident) IncidentDTO {
	return IncidentDTO{
		ID:          i.ID,
		Source:      i.Source,
		Reference:   i.Reference,
		MerchantRef: i.MerchantRef,
		SubjectID:   i.SubjectID,
		Reason:      i.Reason,
		Expected:    i.Expected,
		Got:         i.Got,
		Resolved:    i.Resolved,
		ResolvedBy:  i.ResolvedBy,
		ResolvedAt:  formatTimePtr(i.ResolvedAt),
		CreatedAt:   formatTime(i.CreatedAt),
	}
}

type ResolveIncidentRequest struct {
	Actor string `json:"actor" validate:"required"`
}

type SweepReportDTO struct {
	Checked    int    `json:"checked"`
	Dispatched int    `json:"dispatched"`
	Expired    int    `json:"expired"`
	Errors     string `json:"errors,omitempty"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}
