package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/payment"
	"go.uber.org/zap"
)

// HandleGatewayEvent applies a gateway event to the invoice behind gtx.
// It never touches the wallet. Replays are no-ops.
//
//	PAID, amount == totalDue   invoice -> paid (or waiting_review)
//	PAID, amount != totalDue   incident, invoice unchanged
//	PAID, invoice already paid incident (double payment)
//	EXPIRED / FAILED           unpaid transaction closed, invoice unchanged
func (s *Service) HandleGatewayEvent(ctx context.Context, gtx core.GatewayTransaction, ev payment.CallbackEvent) error {
	// Resolved outside the transaction: the catalog reads through the
	// non-transactional store. A channel that left the catalog sends the
	// payment to review; a failed lookup is returned so the gateway retries.
	requiresReview := false
	if ev.Status == core.GatewayPaid {
		m, err := s.methods.Get(ctx, gtx.MethodCode)
		switch {
		case err == nil:
			requiresReview = m.RequiresReview
		case errors.Is(err, core.ErrValidation):
			requiresReview = true
		default:
			return fmt.Errorf("payment method %s: %w", gtx.MethodCode, err)
		}
	}

	var (
		rec     *core.ReconciliationError
		settled *core.Invoice
	)

	err := s.ledger.Atomic(ctx, gtx.CustomerID, func(tx core.Store) error {
		rec, settled = nil, nil

		cur, err := tx.GetGatewayTx(ctx, gtx.MerchantRef)
		if err != nil {
			return err
		}
		if cur.Status == core.GatewayPaid {
			return nil
		}

		now := s.now().UTC()
		next := *cur
		if next.Reference == "" {
			next.Reference = ev.Reference
		}
		next.UpdatedAt = now

		switch ev.Status {
		case core.GatewayUnpaid:
			if cur.Status != core.GatewayUnpaid || next.Reference == cur.Reference {
				return nil
			}
			return tx.UpdateGatewayTx(ctx, next, core.GatewayUnpaid)

		case core.GatewayExpired, core.GatewayFailed:
			if cur.Status != core.GatewayUnpaid {
				return nil
			}
			next.Status = ev.Status
			return tx.UpdateGatewayTx(ctx, next, core.GatewayUnpaid)
		}

		// PAID. Accepted on an expired or failed transaction too: the money
		// arrived regardless of what was recorded locally.
		inv, err := tx.GetInvoice(ctx, cur.SubjectID)
		if err != nil {
			return err
		}

		paidAt := now
		if ev.PaidAt != nil {
			paidAt = ev.PaidAt.UTC()
		}
		next.Status = core.GatewayPaid
		next.PaidAt = &paidAt
		next.AmountReceived = ev.AmountReceived
		if err := tx.UpdateGatewayTx(ctx, next, cur.Status); err != nil {
			return err
		}

		mismatch := func(reason string) error {
			rec = &core.ReconciliationError{
				Reference:   next.Reference,
				MerchantRef: next.MerchantRef,
				SubjectID:   inv.ID,
				Reason:      reason,
				Expected:    inv.TotalDue,
				Got:         ev.Amount(),
			}
			return nil
		}

		if !ev.Amount().Equal(inv.TotalDue) {
			return mismatch("amount does not match invoice total")
		}

		target := core.InvoicePaid
		if requiresReview {
			target = core.InvoiceWaitingReview
		}
		if err := inv.CheckTransition(target); err != nil {
			return mismatch(fmt.Sprintf("invoice is %s: %v", inv.Status, err))
		}

		updated := *inv
		updated.Status = target
		updated.PaymentMethod = cur.MethodCode
		updated.UpdatedAt = now
		if target == core.InvoicePaid {
			updated.PaidAt = &paidAt
		}
		if err := tx.UpdateInvoice(ctx, updated, inv.Status); err != nil {
			return err
		}
		settled = &updated
		return nil
	})
	if err != nil {
		return err
	}

	if rec != nil {
		return s.incidents.Record(ctx, "gateway", rec)
	}
	if settled != nil {
		s.logger.Info("invoice settled by gateway",
			zap.String("invoice_id", settled.ID),
			zap.String("merchant_ref", gtx.MerchantRef),
			zap.String("status", string(settled.Status)),
		)
		t := events.InvoicePaid
		if settled.Status == core.InvoiceWaitingReview {
			t = events.InvoiceWaitingReview
		}
		s.emit(ctx, t, *settled)
	}
	return nil
}
