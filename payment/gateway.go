package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
	"go.uber.org/zap"
)

// Gateway is the external payment processor.
type Gateway interface {
	// CreateTransaction opens a payment. Returns core.ErrGatewayTimeout if
	// the gateway did not answer in time; the payment may still exist.
	CreateTransaction(ctx context.Context, req CreateRequest) (TransactionDetail, error)

	// TransactionDetail fetches the current state of a payment.
	TransactionDetail(ctx context.Context, reference string) (TransactionDetail, error)

	// PaymentChannels lists the channels the merchant may use.
	PaymentChannels(ctx context.Context) ([]core.PaymentMethod, error)
}

// OrderItem is one line shown on the gateway's checkout page.
type OrderItem struct {
	SKU      string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Payer is who the gateway shows on its checkout page.
type Payer struct {
	Name  string
	Email string
	Phone string
}

// CreateRequest opens a payment for Amount (before customer fees).
type CreateRequest struct {
	MethodCode    string
	MerchantRef   string
	Amount        decimal.Decimal
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Items         []OrderItem
	CallbackURL   string
	ReturnURL     string
	ExpiresAt     time.Time
}

// TransactionDetail is the gateway's view of a payment. TotalAmount
// includes the customer fee.
type TransactionDetail struct {
	Reference      string
	MerchantRef    string
	MethodCode     string
	TotalAmount    decimal.Decimal
	FeeMerchant    decimal.Decimal
	FeeCustomer    decimal.Decimal
	AmountReceived decimal.Decimal
	PayCode        string
	CheckoutURL    string
	Status         core.GatewayStatus
	Instructions   []core.Instruction
	ExpiresAt      time.Time
	PaidAt         *time.Time
}

// Amount is the settled amount before customer fees.
func (d TransactionDetail) Amount() decimal.Decimal {
	return d.TotalAmount.Sub(d.FeeCustomer)
}

// Event converts a detail into the callback shape so that polled results
// follow the same path as webhooks.
func (d TransactionDetail) Event() CallbackEvent {
	return CallbackEvent{
		Reference:      d.Reference,
		MerchantRef:    d.MerchantRef,
		MethodCode:     d.MethodCode,
		Status:         d.Status,
		TotalAmount:    d.TotalAmount,
		FeeMerchant:    d.FeeMerchant,
		FeeCustomer:    d.FeeCustomer,
		AmountReceived: d.AmountReceived,
		PaidAt:         d.PaidAt,
	}
}

// ParseGatewayStatus maps the gateway's status strings.
func ParseGatewayStatus(s string) (core.GatewayStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNPAID":
		return core.GatewayUnpaid, nil
	case "PAID":
		return core.GatewayPaid, nil
	case "EXPIRED":
		return core.GatewayExpired, nil
	case "FAILED", "REFUND":
		return core.GatewayFailed, nil
	default:
		return "", fmt.Errorf("unknown gateway status %q", s)
	}
}

// GatewayError is a refusal from the gateway (non-2xx or success=false).
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error (HTTP %d): %s", e.StatusCode, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return core.ErrGatewayUnavailable
}

// =============================================================================
// OPENING A PAYMENT
// =============================================================================

// OpenTransaction calls the gateway for a saved unpaid transaction and stores
// its answer. On timeout gtx is returned unchanged (still unpaid) with the
// error; any other failure marks it failed. now stamps UpdatedAt.
func OpenTransaction(ctx context.Context, store core.GatewayTxStore, gw Gateway, logger *zap.Logger,
	gtx core.GatewayTransaction, req CreateRequest, timeout time.Duration, now time.Time) (core.GatewayTransaction, error) {

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	detail, err := gw.CreateTransaction(callCtx, req)
	if err != nil {
		if errors.Is(err, core.ErrGatewayTimeout) {
			logger.Warn("gateway timeout, transaction left unpaid",
				zap.String("merchant_ref", gtx.MerchantRef), zap.Error(err))
			return gtx, err
		}

		failed := gtx
		failed.Status = core.GatewayFailed
		failed.UpdatedAt = now.UTC()
		if uerr := store.UpdateGatewayTx(ctx, failed, core.GatewayUnpaid); uerr != nil {
			logger.Error("could not mark gateway transaction failed",
				zap.String("merchant_ref", gtx.MerchantRef), zap.Error(uerr))
		}
		return failed, err
	}

	opened := ApplyDetail(gtx, detail, now)
	if err := store.UpdateGatewayTx(ctx, opened, core.GatewayUnpaid); err != nil {
		// A callback may have settled it meanwhile; report what is stored.
		if errors.Is(err, core.ErrConcurrentModification) {
			if cur, gerr := store.GetGatewayTx(ctx, gtx.MerchantRef); gerr == nil {
				return *cur, nil
			}
		}
		return gtx, err
	}
	return opened, nil
}

// ApplyDetail copies the gateway's answer onto an unpaid transaction. The
// status is left to the callback flow.
func ApplyDetail(gtx core.GatewayTransaction, d TransactionDetail, now time.Time) core.GatewayTransaction {
	gtx.Reference = d.Reference
	gtx.FeeTotal = d.FeeCustomer
	gtx.AmountReceived = d.AmountReceived
	gtx.PayCode = d.PayCode
	gtx.CheckoutURL = d.CheckoutURL
	gtx.Instructions = d.Instructions
	if !d.ExpiresAt.IsZero() {
		gtx.ExpiresAt = d.ExpiresAt
	}
	gtx.UpdatedAt = now.UTC()
	return gtx
}
