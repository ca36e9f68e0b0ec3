package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/payment"
	"go.uber.org/zap"
)

// ManualTopup is a bank transfer the customer asks to have credited.
type ManualTopup struct {
	Nominal       decimal.Decimal
	BankAccountID string
	AttachmentRef string
}

// AutomaticTopup is a top-up paid through a gateway channel.
type AutomaticTopup struct {
	Nominal    decimal.Decimal
	MethodCode string
	Payer      payment.Payer
}

// TopupResult is the outcome of CreateAutomaticTopup.
type TopupResult struct {
	Topup       core.TopupRequest
	Transaction *core.GatewayTransaction
	Quote       *payment.Quote
}

func (w *Worker) checkNominal(nominal decimal.Decimal) error {
	if nominal.LessThan(w.cfg.MinNominal) {
		return core.Invalid("nominal", "must be at least %s", w.cfg.MinNominal)
	}
	return nil
}

func (w *Worker) activeBankAccount(ctx context.Context, id string) (*core.BankAccount, error) {
	account, err := w.store.GetBankAccount(ctx, id)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.Invalid("bank_account_id", "unknown bank account %q", id)
		}
		return nil, err
	}
	if !account.Active {
		return nil, core.Invalid("bank_account_id", "bank account %s is not accepting transfers", id)
	}
	return account, nil
}

// =============================================================================
// CREATE
// =============================================================================

// CreateManualTopup records a pending manual top-up for an operator.
func (w *Worker) CreateManualTopup(ctx context.Context, customerID core.CustomerID, in ManualTopup) (core.TopupRequest, error) {
	if customerID == "" {
		return core.TopupRequest{}, core.Invalid("customer_id", "required")
	}
	if err := w.checkNominal(in.Nominal); err != nil {
		return core.TopupRequest{}, err
	}
	if in.AttachmentRef == "" {
		return core.TopupRequest{}, core.Invalid("attachment", "required")
	}
	if _, err := w.activeBankAccount(ctx, in.BankAccountID); err != nil {
		return core.TopupRequest{}, err
	}

	now := w.now().UTC()
	t := core.TopupRequest{
		ID:            core.NewID(),
		Number:        core.NewNumber("TP", now),
		CustomerID:    customerID,
		Nominal:       in.Nominal,
		Method:        core.TopupManual,
		Status:        core.TopupPending,
		BankAccountID: in.BankAccountID,
		AttachmentRef: in.AttachmentRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := w.store.SaveTopup(ctx, t); err != nil {
		return core.TopupRequest{}, err
	}

	w.logger.Info("manual topup requested",
		zap.String("topup_id", t.ID),
		zap.String("customer_id", string(customerID)),
		zap.String("nominal", t.Nominal.String()),
	)
	return t, nil
}

// CreateAutomaticTopup opens a gateway payment for a top-up. The wallet is
// credited when the gateway reports it paid.
//
// On a gateway timeout the request and its transaction are returned with
// core.ErrGatewayTimeout; the sweeper or the late callback settles them.
func (w *Worker) CreateAutomaticTopup(ctx context.Context, customerID core.CustomerID, in AutomaticTopup) (TopupResult, error) {
	if customerID == "" {
		return TopupResult{}, core.Invalid("customer_id", "required")
	}
	if err := w.checkNominal(in.Nominal); err != nil {
		return TopupResult{}, err
	}
	if w.resolver == nil || w.gateway == nil {
		return TopupResult{}, fmt.Errorf("automatic topup: %w", core.ErrGatewayUnavailable)
	}
	quote, err := w.resolver.Resolve(ctx, in.MethodCode, in.Nominal)
	if err != nil {
		return TopupResult{}, err
	}

	now := w.now().UTC()
	t := core.TopupRequest{
		ID:          core.NewID(),
		Number:      core.NewNumber("TP", now),
		CustomerID:  customerID,
		Nominal:     in.Nominal,
		Method:      core.TopupAutomatic,
		Status:      core.TopupPending,
		MethodCode:  quote.Method.Code,
		MerchantRef: core.NewNumber("TOP", now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	gtx := core.GatewayTransaction{
		MerchantRef:    t.MerchantRef,
		Purpose:        core.PurposeTopup,
		SubjectID:      t.ID,
		CustomerID:     customerID,
		MethodCode:     quote.Method.Code,
		Amount:         in.Nominal,
		FeeTotal:       quote.FeeTotal,
		AmountReceived: quote.AmountReceived,
		Status:         core.GatewayUnpaid,
		ExpiresAt:      now.Add(w.cfg.TransactionTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = w.store.WithTx(ctx, func(tx core.Store) error {
		if err := tx.SaveTopup(ctx, t); err != nil {
			return err
		}
		return tx.SaveGatewayTx(ctx, gtx)
	})
	if err != nil {
		return TopupResult{}, err
	}

	req := payment.CreateRequest{
		MethodCode:    gtx.MethodCode,
		MerchantRef:   gtx.MerchantRef,
		Amount:        gtx.Amount,
		CustomerName:  payerName(in.Payer, customerID),
		CustomerEmail: in.Payer.Email,
		CustomerPhone: in.Payer.Phone,
		Items: []payment.OrderItem{{
			SKU:      t.Number,
			Name:     "Wallet top-up " + t.Number,
			Price:    t.Nominal,
			Quantity: 1,
		}},
		CallbackURL: w.cfg.CallbackURL,
		ReturnURL:   w.cfg.ReturnURL,
		ExpiresAt:   gtx.ExpiresAt,
	}

	gtx, err = payment.OpenTransaction(ctx, w.store, w.gateway, w.logger, gtx, req, w.cfg.GatewayTimeout, w.now())
	result := TopupResult{Topup: t, Transaction: &gtx, Quote: &quote}
	if err != nil {
		if errors.Is(err, core.ErrGatewayTimeout) {
			return result, fmt.Errorf("topup %s, merchant ref %s: %w", t.ID, t.MerchantRef, err)
		}
		if _, ferr := w.applyTopup(ctx, Transition{
			Kind:      KindTopup,
			RequestID: t.ID,
			To:        string(core.TopupFailed),
			Actor:     "system",
			Note:      err.Error(),
			Source:    SourceGateway,
		}, nil); ferr != nil {
			w.logger.Error("failed to close topup after gateway error",
				zap.String("topup_id", t.ID), zap.Error(ferr))
		}
		return TopupResult{}, err
	}

	w.logger.Info("automatic topup opened",
		zap.String("topup_id", t.ID),
		zap.String("merchant_ref", gtx.MerchantRef),
		zap.String("reference", gtx.Reference),
		zap.String("method", gtx.MethodCode),
	)
	return result, nil
}

func payerName(p payment.Payer, customerID core.CustomerID) string {
	if p.Name != "" {
		return p.Name
	}
	return string(customerID)
}

// =============================================================================
// READ / EDIT
// =============================================================================

// GetTopup returns the customer's top-up. Another customer's request is
// reported as not found.
func (w *Worker) GetTopup(ctx context.Context, customerID core.CustomerID, id string) (core.TopupRequest, error) {
	t, err := w.store.GetTopup(ctx, id)
	if err != nil {
		return core.TopupRequest{}, err
	}
	if t.CustomerID != customerID {
		return core.TopupRequest{}, fmt.Errorf("topup %s: %w", id, core.ErrNotFound)
	}
	return *t, nil
}

func (w *Worker) ListTopups(ctx context.Context, customerID core.CustomerID, f core.TopupFilter, p core.PageRequest) (core.Page[core.TopupRequest], error) {
	return w.store.ListTopups(ctx, customerID, f, p.Normalize())
}

// PendingTopups lists every customer's pending top-ups, oldest first.
func (w *Worker) PendingTopups(ctx context.Context) ([]core.TopupRequest, error) {
	return w.store.PendingTopups(ctx)
}

// UpdateManualTopup edits a pending manual top-up.
func (w *Worker) UpdateManualTopup(ctx context.Context, customerID core.CustomerID, id string, in ManualTopup) (core.TopupRequest, error) {
	t, err := w.GetTopup(ctx, customerID, id)
	if err != nil {
		return core.TopupRequest{}, err
	}
	if t.Method != core.TopupManual {
		return core.TopupRequest{}, core.Invalid("method", "only manual top-ups can be edited")
	}
	if t.Status != core.TopupPending {
		return core.TopupRequest{}, &core.RequestNotPendingError{Kind: "topup", ID: t.ID, Status: string(t.Status)}
	}
	if err := w.checkNominal(in.Nominal); err != nil {
		return core.TopupRequest{}, err
	}
	if in.BankAccountID != "" && in.BankAccountID != t.BankAccountID {
		if _, err := w.activeBankAccount(ctx, in.BankAccountID); err != nil {
			return core.TopupRequest{}, err
		}
		t.BankAccountID = in.BankAccountID
	}
	if in.AttachmentRef != "" {
		t.AttachmentRef = in.AttachmentRef
	}
	t.Nominal = in.Nominal
	t.UpdatedAt = w.now().UTC()

	if err := w.store.UpdateTopup(ctx, t, core.TopupPending); err != nil {
		if errors.Is(err, core.ErrConcurrentModification) {
			return core.TopupRequest{}, w.notPendingTopup(ctx, id, err)
		}
		return core.TopupRequest{}, err
	}
	return t, nil
}

// DeleteTopup removes a pending manual top-up. Automatic ones have a
// payment open at the gateway and close through it instead.
func (w *Worker) DeleteTopup(ctx context.Context, customerID core.CustomerID, id string) error {
	t, err := w.GetTopup(ctx, customerID, id)
	if err != nil {
		return err
	}
	if t.Method != core.TopupManual {
		return core.Invalid("method", "only manual top-ups can be deleted")
	}
	return w.store.DeleteTopup(ctx, id)
}

func (w *Worker) notPendingTopup(ctx context.Context, id string, cause error) error {
	cur, err := w.store.GetTopup(ctx, id)
	if err != nil {
		return cause
	}
	return &core.RequestNotPendingError{Kind: "topup", ID: id, Status: string(cur.Status)}
}
