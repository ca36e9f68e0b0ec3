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

// SaldoKey is the idempotency key of an invoice's wallet debit.
func SaldoKey(invoiceID string) string {
	return "invoice:" + invoiceID + ":saldo"
}

// Choice selects how an invoice is paid: the wallet, or one gateway channel.
type Choice struct {
	UseSaldo   bool
	MethodCode string
	Payer      payment.Payer
}

func UseSaldo() Choice { return Choice{UseSaldo: true} }

func UseMethod(code string) Choice { return Choice{MethodCode: code} }

func (c Choice) validate() error {
	if c.UseSaldo == (c.MethodCode != "") {
		return core.Invalid("payment", "choose either saldo or a payment method")
	}
	return nil
}

// PaymentResult is the outcome of Pay. Entry is set for wallet payments;
// Transaction and Quote for gateway payments.
type PaymentResult struct {
	Invoice     core.Invoice
	Entry       *core.LedgerEntry
	Transaction *core.GatewayTransaction
	Quote       *payment.Quote
}

// Pay settles an invoice from the wallet or starts a gateway payment.
//
// With a gateway method the invoice stays unpaid. If the gateway times out
// the result still carries the local transaction (its MerchantRef can be
// polled) together with core.ErrGatewayTimeout.
func (s *Service) Pay(ctx context.Context, customerID core.CustomerID, invoiceID string, choice Choice) (PaymentResult, error) {
	if err := choice.validate(); err != nil {
		return PaymentResult{}, err
	}
	inv, err := s.GetInvoice(ctx, customerID, invoiceID)
	if err != nil {
		return PaymentResult{}, err
	}
	if choice.UseSaldo {
		return s.payWithSaldo(ctx, inv)
	}
	return s.payWithGateway(ctx, inv, choice)
}

// =============================================================================
// WALLET
// =============================================================================

func (s *Service) payWithSaldo(ctx context.Context, inv core.Invoice) (PaymentResult, error) {
	var result PaymentResult

	err := s.ledger.Atomic(ctx, inv.CustomerID, func(tx core.Store) error {
		cur, err := tx.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if err := cur.CheckPayable(); err != nil {
			return err
		}

		now := s.now().UTC()
		entry, err := core.AppendEntry(ctx, tx, core.AppendRequest{
			CustomerID:     cur.CustomerID,
			Kind:           core.EntryDebit,
			Amount:         cur.TotalDue,
			Reason:         "invoice payment " + cur.Number,
			ReferenceID:    cur.ID,
			IdempotencyKey: SaldoKey(cur.ID),
		}, now)
		if err != nil {
			return err
		}

		paid := *cur
		paid.Status = core.InvoicePaid
		paid.PaymentMethod = core.PaymentMethodSaldo
		paid.PaidAt = &now
		paid.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, paid, core.InvoiceUnpaid); err != nil {
			return err
		}

		result = PaymentResult{Invoice: paid, Entry: &entry}
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrDuplicateIdempotencyKey) {
			return PaymentResult{}, fmt.Errorf("invoice %s: %w", inv.ID, core.ErrInvoiceAlreadySettled)
		}
		return PaymentResult{}, err
	}

	s.logger.Info("invoice paid from saldo",
		zap.String("invoice_id", inv.ID),
		zap.String("customer_id", string(inv.CustomerID)),
		zap.String("amount", inv.TotalDue.String()),
		zap.String("balance_after", result.Entry.BalanceAfter.String()),
	)
	s.emit(ctx, events.InvoicePaid, result.Invoice)
	return result, nil
}

// =============================================================================
// GATEWAY
// =============================================================================

func (s *Service) payWithGateway(ctx context.Context, inv core.Invoice, choice Choice) (PaymentResult, error) {
	if err := inv.CheckPayable(); err != nil {
		return PaymentResult{}, err
	}
	quote, err := s.resolver.Resolve(ctx, choice.MethodCode, inv.TotalDue)
	if err != nil {
		return PaymentResult{}, err
	}

	now := s.now().UTC()

	// An unexpired payment already opened with the same channel is reused.
	open, err := s.store.OpenGatewayTxs(ctx, core.PurposeInvoice, inv.ID)
	if err != nil {
		return PaymentResult{}, err
	}
	for i := range open {
		o := open[i]
		if o.MethodCode == quote.Method.Code && o.Reference != "" && now.Before(o.ExpiresAt) {
			return PaymentResult{Invoice: inv, Transaction: &o, Quote: &quote}, nil
		}
	}

	gtx := core.GatewayTransaction{
		MerchantRef:    core.NewNumber("PAY", now),
		Purpose:        core.PurposeInvoice,
		SubjectID:      inv.ID,
		CustomerID:     inv.CustomerID,
		MethodCode:     quote.Method.Code,
		Amount:         inv.TotalDue,
		FeeTotal:       quote.FeeTotal,
		AmountReceived: quote.AmountReceived,
		Status:         core.GatewayUnpaid,
		ExpiresAt:      now.Add(s.cfg.TransactionTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveGatewayTx(ctx, gtx); err != nil {
		return PaymentResult{}, err
	}

	gtx, err = payment.OpenTransaction(ctx, s.store, s.gateway, s.logger, gtx, s.createRequest(inv, gtx, choice.Payer), s.cfg.GatewayTimeout, s.now())
	result := PaymentResult{Invoice: inv, Transaction: &gtx, Quote: &quote}
	if err != nil {
		if errors.Is(err, core.ErrGatewayTimeout) {
			return result, fmt.Errorf("invoice %s, merchant ref %s: %w", inv.ID, gtx.MerchantRef, err)
		}
		return PaymentResult{}, err
	}

	s.logger.Info("gateway payment opened",
		zap.String("invoice_id", inv.ID),
		zap.String("merchant_ref", gtx.MerchantRef),
		zap.String("reference", gtx.Reference),
		zap.String("method", gtx.MethodCode),
		zap.String("total_charged", gtx.TotalCharged().String()),
	)
	return result, nil
}

func (s *Service) createRequest(inv core.Invoice, gtx core.GatewayTransaction, payer payment.Payer) payment.CreateRequest {
	name := payer.Name
	if name == "" {
		name = string(inv.CustomerID)
	}
	return payment.CreateRequest{
		MethodCode:    gtx.MethodCode,
		MerchantRef:   gtx.MerchantRef,
		Amount:        gtx.Amount,
		CustomerName:  name,
		CustomerEmail: payer.Email,
		CustomerPhone: payer.Phone,
		Items: []payment.OrderItem{{
			SKU:      inv.Number,
			Name:     "Invoice " + inv.Number + " (" + inv.Period + ")",
			Price:    inv.TotalDue,
			Quantity: 1,
		}},
		CallbackURL: s.cfg.CallbackURL,
		ReturnURL:   s.cfg.ReturnURL,
		ExpiresAt:   gtx.ExpiresAt,
	}
}
