package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
	"go.uber.org/zap"
)

// WithdrawInput is a payout request. RequestedAt defaults to now.
type WithdrawInput struct {
	Nominal     decimal.Decimal
	RequestedAt time.Time
}

// checkAvailable fails with InsufficientBalanceError when the wallet
// cannot cover nominal. Approval checks again under the customer's lock.
func (w *Worker) checkAvailable(ctx context.Context, customerID core.CustomerID, nominal decimal.Decimal) error {
	balance, err := w.ledger.CurrentBalance(ctx, customerID)
	if err != nil {
		return err
	}
	if balance.LessThan(nominal) {
		return &core.InsufficientBalanceError{CustomerID: customerID, Available: balance, Requested: nominal}
	}
	return nil
}

// CreateWithdraw records a pending withdrawal. The wallet is debited only
// when an operator approves it.
func (w *Worker) CreateWithdraw(ctx context.Context, customerID core.CustomerID, in WithdrawInput) (core.WithdrawRequest, error) {
	if customerID == "" {
		return core.WithdrawRequest{}, core.Invalid("customer_id", "required")
	}
	if err := w.checkNominal(in.Nominal); err != nil {
		return core.WithdrawRequest{}, err
	}
	if err := w.checkAvailable(ctx, customerID, in.Nominal); err != nil {
		return core.WithdrawRequest{}, err
	}

	now := w.now().UTC()
	requestedAt := in.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = now
	}
	wd := core.WithdrawRequest{
		ID:          core.NewID(),
		Number:      core.NewNumber("WD", now),
		CustomerID:  customerID,
		Nominal:     in.Nominal,
		RequestedAt: requestedAt.UTC(),
		Status:      core.WithdrawPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.store.SaveWithdraw(ctx, wd); err != nil {
		return core.WithdrawRequest{}, err
	}

	w.logger.Info("withdrawal requested",
		zap.String("withdraw_id", wd.ID),
		zap.String("customer_id", string(customerID)),
		zap.String("nominal", wd.Nominal.String()),
	)
	return wd, nil
}

// GetWithdraw returns the customer's withdrawal. Another customer's
// request is reported as not found.
func (w *Worker) GetWithdraw(ctx context.Context, customerID core.CustomerID, id string) (core.WithdrawRequest, error) {
	wd, err := w.store.GetWithdraw(ctx, id)
	if err != nil {
		return core.WithdrawRequest{}, err
	}
	if wd.CustomerID != customerID {
		return core.WithdrawRequest{}, fmt.Errorf("withdrawal %s: %w", id, core.ErrNotFound)
	}
	return *wd, nil
}

func (w *Worker) ListWithdraws(ctx context.Context, customerID core.CustomerID, f core.WithdrawFilter, p core.PageRequest) (core.Page[core.WithdrawRequest], error) {
	return w.store.ListWithdraws(ctx, customerID, f, p.Normalize())
}

func (w *Worker) PendingWithdraws(ctx context.Context) ([]core.WithdrawRequest, error) {
	return w.store.PendingWithdraws(ctx)
}

// UpdateWithdraw edits a pending withdrawal.
func (w *Worker) UpdateWithdraw(ctx context.Context, customerID core.CustomerID, id string, in WithdrawInput) (core.WithdrawRequest, error) {
	wd, err := w.GetWithdraw(ctx, customerID, id)
	if err != nil {
		return core.WithdrawRequest{}, err
	}
	if wd.Status != core.WithdrawPending {
		return core.WithdrawRequest{}, &core.RequestNotPendingError{Kind: "withdrawal", ID: wd.ID, Status: string(wd.Status)}
	}
	if err := w.checkNominal(in.Nominal); err != nil {
		return core.WithdrawRequest{}, err
	}
	if err := w.checkAvailable(ctx, customerID, in.Nominal); err != nil {
		return core.WithdrawRequest{}, err
	}

	wd.Nominal = in.Nominal
	if !in.RequestedAt.IsZero() {
		wd.RequestedAt = in.RequestedAt.UTC()
	}
	wd.UpdatedAt = w.now().UTC()
	if err := w.store.UpdateWithdraw(ctx, wd, core.WithdrawPending); err != nil {
		if errors.Is(err, core.ErrConcurrentModification) {
			if cur, gerr := w.store.GetWithdraw(ctx, id); gerr == nil {
				return core.WithdrawRequest{}, &core.RequestNotPendingError{Kind: "withdrawal", ID: id, Status: string(cur.Status)}
			}
		}
		return core.WithdrawRequest{}, err
	}
	return wd, nil
}

// DeleteWithdraw removes a pending withdrawal.
func (w *Worker) DeleteWithdraw(ctx context.Context, customerID core.CustomerID, id string) error {
	if _, err := w.GetWithdraw(ctx, customerID, id); err != nil {
		return err
	}
	return w.store.DeleteWithdraw(ctx, id)
}
