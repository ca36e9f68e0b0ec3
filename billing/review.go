package billing

import (
	"context"

	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/events"
	"go.uber.org/zap"
)

// TransferProof is a manual bank transfer a customer claims to have made.
type TransferProof struct {
	BankAccountID string
	AttachmentRef string
}

// SubmitTransferProof records a manual transfer and parks the invoice for
// review. The wallet is not touched.
func (s *Service) SubmitTransferProof(ctx context.Context, customerID core.CustomerID, invoiceID string, proof TransferProof) (core.Invoice, error) {
	if proof.AttachmentRef == "" {
		return core.Invoice{}, core.Invalid("attachment", "required")
	}
	account, err := s.store.GetBankAccount(ctx, proof.BankAccountID)
	if err != nil {
		if core.IsNotFound(err) {
			return core.Invoice{}, core.Invalid("bank_account_id", "unknown bank account %q", proof.BankAccountID)
		}
		return core.Invoice{}, err
	}
	if !account.Active {
		return core.Invoice{}, core.Invalid("bank_account_id", "bank account %s is not accepting transfers", account.ID)
	}

	inv, err := s.GetInvoice(ctx, customerID, invoiceID)
	if err != nil {
		return core.Invoice{}, err
	}

	var updated core.Invoice
	err = s.ledger.Atomic(ctx, customerID, func(tx core.Store) error {
		cur, err := tx.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if err := cur.CheckPayable(); err != nil {
			return err
		}

		updated = *cur
		updated.Status = core.InvoiceWaitingReview
		updated.PaymentMethod = core.PaymentMethodTransfer
		updated.BankAccountID = account.ID
		updated.AttachmentRef = proof.AttachmentRef
		updated.ReviewNote = ""
		updated.UpdatedAt = s.now().UTC()
		return tx.UpdateInvoice(ctx, updated, core.InvoiceUnpaid)
	})
	if err != nil {
		return core.Invoice{}, err
	}

	s.logger.Info("transfer proof submitted",
		zap.String("invoice_id", updated.ID),
		zap.String("bank_account_id", account.ID),
	)
	s.emit(ctx, events.InvoiceWaitingReview, updated)
	return updated, nil
}

// Review is an operator's decision on an invoice waiting for review.
type Review struct {
	Approve bool
	Actor   string
	Note    string
}

// ReviewInvoice moves a waiting_review invoice to paid (approve) or back
// to unpaid (reject).
func (s *Service) ReviewInvoice(ctx context.Context, invoiceID string, r Review) (core.Invoice, error) {
	if r.Actor == "" {
		return core.Invoice{}, core.Invalid("actor", "required")
	}
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return core.Invoice{}, err
	}

	target := core.InvoiceUnpaid
	if r.Approve {
		target = core.InvoicePaid
	}

	var updated core.Invoice
	err = s.ledger.Atomic(ctx, inv.CustomerID, func(tx core.Store) error {
		cur, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if cur.Status == core.InvoicePaid {
			return core.ErrInvoiceAlreadySettled
		}
		if cur.Status != core.InvoiceWaitingReview {
			return &core.InvalidTransitionError{Entity: "invoice", ID: cur.ID, From: string(cur.Status), To: string(target)}
		}

		now := s.now().UTC()
		updated = *cur
		updated.Status = target
		updated.ReviewNote = r.Note
		updated.ReviewedAt = &now
		updated.UpdatedAt = now
		if r.Approve {
			updated.PaidAt = &now
		} else {
			updated.PaymentMethod = ""
		}
		return tx.UpdateInvoice(ctx, updated, core.InvoiceWaitingReview)
	})
	if err != nil {
		return core.Invoice{}, err
	}

	s.logger.Info("invoice reviewed",
		zap.String("invoice_id", updated.ID),
		zap.String("actor", r.Actor),
		zap.Bool("approved", r.Approve),
	)
	if r.Approve {
		s.emit(ctx, events.InvoicePaid, updated)
	}
	return updated, nil
}
