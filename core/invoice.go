package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE STATE MACHINE
// =============================================================================
//
//   unpaid ──────────────► paid (terminal)
//     │                      ▲
//     ▼                      │
//   waiting_review ──────────┘
//     │
//     └──► unpaid (review rejected)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceUnpaid:        {InvoiceWaitingReview, InvoicePaid},
	InvoiceWaitingReview: {InvoicePaid, InvoiceUnpaid},
	InvoicePaid:          nil,
}

// CanTransition reports whether the state machine allows from -> to.
func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	for _, next := range invoiceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s InvoiceStatus) Valid() bool {
	_, ok := invoiceTransitions[s]
	return ok
}

// CheckTransition returns nil if inv may move to the target status.
func (inv Invoice) CheckTransition(to InvoiceStatus) error {
	if inv.Status == InvoicePaid {
		return ErrInvoiceAlreadySettled
	}
	if !inv.Status.CanTransition(to) {
		return &InvalidTransitionError{
			Entity: "invoice",
			ID:     inv.ID,
			From:   string(inv.Status),
			To:     string(to),
		}
	}
	return nil
}

// CheckPayable returns nil if a payment may be started for inv.
func (inv Invoice) CheckPayable() error {
	switch inv.Status {
	case InvoiceUnpaid:
		return nil
	case InvoicePaid:
		return ErrInvoiceAlreadySettled
	case InvoiceWaitingReview:
		return ErrInvoiceUnderReview
	default:
		return &InvalidTransitionError{Entity: "invoice", ID: inv.ID, From: string(inv.Status), To: string(InvoicePaid)}
	}
}

// =============================================================================
// INVOICE CREATION
// =============================================================================

// NewInvoice is the billing-cycle input for one invoice.
type NewInvoice struct {
	CustomerID CustomerID
	Number     string
	Period     string
	Nominal    decimal.Decimal
	Discount   decimal.Decimal
	TaxApplied bool
	TaxAmount  decimal.Decimal
}

// BuildInvoice validates in and computes TotalDue = nominal - discount + tax.
func BuildInvoice(in NewInvoice, now time.Time) (Invoice, error) {
	if in.CustomerID == "" {
		return Invoice{}, Invalid("customer_id", "required")
	}
	if in.Period == "" {
		return Invoice{}, Invalid("period", "required")
	}
	if !in.Nominal.IsPositive() {
		return Invoice{}, Invalid("nominal", "must be positive")
	}
	if in.Discount.IsNegative() || in.Discount.GreaterThan(in.Nominal) {
		return Invoice{}, Invalid("discount", "must be between 0 and nominal")
	}
	if in.TaxAmount.IsNegative() {
		return Invoice{}, Invalid("tax_amount", "must not be negative")
	}

	tax := decimal.Zero
	if in.TaxApplied {
		tax = in.TaxAmount
	}
	total := in.Nominal.Sub(in.Discount).Add(tax)
	if !total.IsPositive() {
		return Invoice{}, Invalid("total_due", "must be positive")
	}

	number := in.Number
	if number == "" {
		number = NewNumber("INV", now)
	}

	return Invoice{
		ID:         NewID(),
		Number:     number,
		CustomerID: in.CustomerID,
		Period:     in.Period,
		Nominal:    in.Nominal,
		Discount:   in.Discount,
		TaxApplied: in.TaxApplied,
		TaxAmount:  tax,
		TotalDue:   total,
		Status:     InvoiceUnpaid,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
