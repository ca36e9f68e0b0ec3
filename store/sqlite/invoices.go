package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/settlement-engine/core"
)

// =============================================================================
// INVOICE STORE (core.InvoiceStore)
// =============================================================================

const invoiceColumns = `id, number, customer_id, period, nominal, discount, tax_applied, tax_amount,
	total_due, status, payment_method, bank_account_id, attachment_ref, review_note,
	paid_at, reviewed_at, created_at, updated_at`

// SaveInvoice inserts a new invoice.
func (s *Store) SaveInvoice(ctx context.Context, inv core.Invoice) error {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		inv.ID, inv.Number, string(inv.CustomerID), inv.Period,
		inv.Nominal.String(), inv.Discount.String(), inv.TaxApplied, inv.TaxAmount.String(),
		inv.TotalDue.String(), string(inv.Status),
		nullString(inv.PaymentMethod), nullString(inv.BankAccountID),
		nullString(inv.AttachmentRef), nullString(inv.ReviewNote),
		nullTime(inv.PaidAt), nullTime(inv.ReviewedAt),
		formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.Invalid("number", "invoice %s already exists", inv.Number)
		}
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by ID.
func (s *Store) GetInvoice(ctx context.Context, id string) (*core.Invoice, error) {
	inv, err := queryOne(ctx, s.q, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, scanInvoice, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if inv == nil {
		return nil, fmt.Errorf("invoice %s: %w", id, core.ErrNotFound)
	}
	return inv, nil
}

// UpdateInvoice writes the mutable fields if the invoice is still in status from.
// Amounts are never rewritten: TotalDue is fixed at creation.
func (s *Store) UpdateInvoice(ctx context.Context, inv core.Invoice, from core.InvoiceStatus) error {
	query := `
		UPDATE invoices SET
			status = ?,
			payment_method = ?,
			bank_account_id = ?,
			attachment_ref = ?,
			review_note = ?,
			paid_at = ?,
			reviewed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	err := execCAS(ctx, s.q, query,
		string(inv.Status), nullString(inv.PaymentMethod), nullString(inv.BankAccountID),
		nullString(inv.AttachmentRef), nullString(inv.ReviewNote),
		nullTime(inv.PaidAt), nullTime(inv.ReviewedAt), formatTime(inv.UpdatedAt),
		inv.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice %s: %w", inv.ID, err)
	}
	return nil
}

// ListInvoices returns a page of the customer's invoices, newest first.
func (s *Store) ListInvoices(ctx context.Context, customerID core.CustomerID, inf core.InvoiceFilter, p core.PageRequest) (core.Page[core.Invoice], error) {
	var f filter
	f.add("customer_id = ?", string(customerID))
	if inf.Status != "" {
		f.add("status = ?", string(inf.Status))
	}
	if inf.PaymentMethod != "" {
		f.add("payment_method = ?", inf.PaymentMethod)
	}
	if inf.Query != "" {
		like := "%" + inf.Query + "%"
		f.add("(number LIKE ? OR period LIKE ?)", like, like)
	}
	f.dateRange("created_at", inf.DateRange)

	return listPage(ctx, s.q, invoiceColumns, "invoices", f, "created_at DESC, id DESC", p, scanInvoice)
}

func scanInvoice(row scanner) (core.Invoice, error) {
	var (
		inv                                  core.Invoice
		customerID, status                   string
		nominal, discount, taxAmount, total  string
		paymentMethod, bankAccountID, attach sql.NullString
		reviewNote, paidAt, reviewedAt       sql.NullString
		createdAt, updatedAt                 string
	)

	err := row.Scan(
		&inv.ID, &inv.Number, &customerID, &inv.Period, &nominal, &discount,
		&inv.TaxApplied, &taxAmount, &total, &status, &paymentMethod,
		&bankAccountID, &attach, &reviewNote, &paidAt, &reviewedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return inv, err
	}

	inv.CustomerID = core.CustomerID(customerID)
	inv.Nominal = core.MustParseDecimal(nominal)
	inv.Discount = core.MustParseDecimal(discount)
	inv.TaxAmount = core.MustParseDecimal(taxAmount)
	inv.TotalDue = core.MustParseDecimal(total)
	inv.Status = core.InvoiceStatus(status)
	inv.PaymentMethod = paymentMethod.String
	inv.BankAccountID = bankAccountID.String
	inv.AttachmentRef = attach.String
	inv.ReviewNote = reviewNote.String
	inv.PaidAt = parseNullTime(paidAt)
	inv.ReviewedAt = parseNullTime(reviewedAt)
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return inv, nil
}
