/*
Package core provides the settlement engine's domain model.

PURPOSE:
  This package holds the types and rules shared by every settlement flow:
  the wallet ledger, invoices and their state machine, payment methods,
  gateway transactions, and top-up / withdrawal requests. It has no
  knowledge of HTTP, of a specific database, or of a specific gateway.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal amounts in the smallest currency unit (rupiah)
  - LedgerEntry: an immutable record of one balance change
  - Invoice: a bill owed by a customer for a billing period
  - PaymentMethod: a gateway channel with its fee model and limits
  - GatewayTransaction: one payment attempt at the external gateway
  - TopupRequest / WithdrawRequest: money-in / money-out requests

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never modified, only compensated
  2. Precision: all money uses decimal.Decimal
  3. Explicit actor: every operation takes a CustomerID, no ambient user
  4. Idempotency: every ledger write carries an idempotency key

SEE ALSO:
  - ledger.go: Append / CurrentBalance
  - invoice.go: Invoice state machine
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Rupiah returns an amount in whole currency units.
func Rupiah(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RoundHalfUp rounds to whole currency units, halves away from zero.
func RoundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string

// NewID returns a time-ordered unique identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewNumber returns a human-readable document number such as
// "TP-20250310-1A2B3C4D".
func NewNumber(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), suffix)
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

func (k EntryKind) Valid() bool {
	return k == EntryCredit || k == EntryDebit
}

// LedgerEntry is one immutable balance change.
//
// Seq is the per-customer position of the entry. It increases with
// CreatedAt, so "latest entry" is the one with the highest Seq.
type LedgerEntry struct {
	ID             string
	CustomerID     CustomerID
	Seq            int64
	Kind           EntryKind
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Reason         string
	ReferenceID    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// AppendRequest describes a ledger write.
type AppendRequest struct {
	CustomerID     CustomerID
	Kind           EntryKind
	Amount         decimal.Decimal
	Reason         string
	ReferenceID    string
	IdempotencyKey string
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceUnpaid        InvoiceStatus = "unpaid"
	InvoiceWaitingReview InvoiceStatus = "waiting_review"
	InvoicePaid          InvoiceStatus = "paid"
)

// Payment method labels recorded on a settled invoice besides gateway codes.
const (
	PaymentMethodSaldo    = "saldo"
	PaymentMethodTransfer = "transfer"
)

// Invoice is a bill for one billing period. TotalDue is fixed at creation.
type Invoice struct {
	ID            string
	Number        string
	CustomerID    CustomerID
	Period        string
	Nominal       decimal.Decimal
	Discount      decimal.Decimal
	TaxApplied    bool
	TaxAmount     decimal.Decimal
	TotalDue      decimal.Decimal
	Status        InvoiceStatus
	PaymentMethod string
	BankAccountID string
	AttachmentRef string
	ReviewNote    string
	PaidAt        *time.Time
	ReviewedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// PAYMENT METHOD
// =============================================================================

// PaymentMethod is a gateway channel. Percentages are in percent (2.5 = 2.5%).
type PaymentMethod struct {
	Code            string
	Name            string
	Group           string
	FlatMerchant    decimal.Decimal
	PercentMerchant decimal.Decimal
	FlatCustomer    decimal.Decimal
	PercentCustomer decimal.Decimal
	MinimumFee      decimal.NullDecimal
	MaximumFee      decimal.NullDecimal
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
	Active          bool
	RequiresReview  bool
	IconURL         string
}

// Redirect reports whether the channel pays through a checkout page
// instead of a pay code.
func (m PaymentMethod) Redirect() bool {
	return strings.EqualFold(m.Group, "E-Wallet")
}

// =============================================================================
// GATEWAY TRANSACTION
// =============================================================================

type GatewayStatus string

const (
	GatewayUnpaid  GatewayStatus = "unpaid"
	GatewayPaid    GatewayStatus = "paid"
	GatewayExpired GatewayStatus = "expired"
	GatewayFailed  GatewayStatus = "failed"
)

func (s GatewayStatus) Terminal() bool {
	return s == GatewayPaid || s == GatewayExpired || s == GatewayFailed
}

// Purpose says what a gateway transaction settles.
type Purpose string

const (
	PurposeInvoice Purpose = "invoice"
	PurposeTopup   Purpose = "topup"
)

// Instruction is one block of payment steps shown to the customer.
type Instruction struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
}

// GatewayTransaction is a payment attempt at the external gateway.
// MerchantRef is assigned locally before the gateway is called; Reference
// is the gateway's id and stays empty until the gateway answers.
type GatewayTransaction struct {
	MerchantRef    string
	Reference      string
	Purpose        Purpose
	SubjectID      string
	CustomerID     CustomerID
	MethodCode     string
	Amount         decimal.Decimal
	FeeTotal       decimal.Decimal
	AmountReceived decimal.Decimal
	Status         GatewayStatus
	PayCode        string
	CheckoutURL    string
	Instructions   []Instruction
	ExpiresAt      time.Time
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TotalCharged is what the customer pays at the gateway.
func (g GatewayTransaction) TotalCharged() decimal.Decimal {
	return g.Amount.Add(g.FeeTotal)
}

// =============================================================================
// TOP-UP / WITHDRAW REQUESTS
// =============================================================================

type TopupMethod string

const (
	TopupManual    TopupMethod = "manual"
	TopupAutomatic TopupMethod = "automatic"
)

type TopupStatus string

const (
	TopupPending  TopupStatus = "pending"
	TopupApproved TopupStatus = "approved"
	TopupRejected TopupStatus = "rejected"
	TopupSuccess  TopupStatus = "success"
	TopupFailed   TopupStatus = "failed"
	TopupExpired  TopupStatus = "expired"
)

// Credits reports whether reaching s credits the wallet.
func (s TopupStatus) Credits() bool {
	return s == TopupApproved || s == TopupSuccess
}

// TopupRequest is a request to credit the wallet.
type TopupRequest struct {
	ID            string
	Number        string
	CustomerID    CustomerID
	Nominal       decimal.Decimal
	Method        TopupMethod
	Status        TopupStatus
	BankAccountID string
	AttachmentRef string
	MethodCode    string
	MerchantRef   string
	ReviewedBy    string
	Note          string
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type WithdrawStatus string

const (
	WithdrawPending  WithdrawStatus = "pending"
	WithdrawApproved WithdrawStatus = "approved"
	WithdrawRejected WithdrawStatus = "rejected"
)

// WithdrawRequest is a request to pay wallet money out to the customer.
type WithdrawRequest struct {
	ID          string
	Number      string
	CustomerID  CustomerID
	Nominal     decimal.Decimal
	RequestedAt time.Time
	Status      WithdrawStatus
	ReviewedBy  string
	Note        string
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// SUPPORTING RECORDS
// =============================================================================

// BankAccount is a destination account for manual transfers.
type BankAccount struct {
	ID            string
	BankName      string
	HolderName    string
	AccountNumber string
	LogoURL       string
	Active        bool
	CreatedAt     time.Time
}

// Incident is a reconciliation problem parked for an operator.
type Incident struct {
	ID          string
	Source      string
	Reference   string
	MerchantRef string
	SubjectID   string
	Reason      string
	Expected    decimal.Decimal
	Got         decimal.Decimal
	Resolved    bool
	ResolvedBy  string
	ResolvedAt  *time.Time
	CreatedAt   time.Time
}

// NewIncident builds an incident from a reconciliation error.
func NewIncident(rec *ReconciliationError, source string, now time.Time) Incident {
	return Incident{
		ID:          NewID(),
		Source:      source,
		Reference:   rec.Reference,
		MerchantRef: rec.MerchantRef,
		SubjectID:   rec.SubjectID,
		Reason:      rec.Reason,
		Expected:    rec.Expected,
		Got:         rec.Got,
		CreatedAt:   now,
	}
}
