/*
Package payment validates payment channels, computes fees and talks to the
external payment gateway.

PURPOSE:
  - Resolve: pure fee computation for one channel and amount
  - Catalog: cached channel list backed by the store, synced from the gateway
  - Gateway: the contract the settlement flows consume (Tripay or simulator)
  - Callbacks: signature verification, parsing and routing of gateway events

FEE MODEL:
  feeCustomer  = flatCustomer + round_half_up(percentCustomer/100 * amount)
                 clamped to [minimum_fee, maximum_fee] when the channel has them
  feeMerchant  = flatMerchant + round_half_up(percentMerchant/100 * amount)
  totalCharged = amount + feeCustomer
  received     = totalCharged - feeMerchant

  The quote is advisory; the gateway's own transaction is authoritative
  and overwrites the stored fees when it answers.

SEE ALSO:
  - catalog.go: Where methods come from
  - tripay.go: Gateway client
  - callback.go: Webhook contract
*/
package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
)

var hundred = decimal.NewFromInt(100)

// Quote is the fee breakdown for paying amount through one channel.
type Quote struct {
	Method         core.PaymentMethod
	Amount         decimal.Decimal
	FeeCustomer    decimal.Decimal
	FeeMerchant    decimal.Decimal
	FeeTotal       decimal.Decimal
	TotalCharged   decimal.Decimal
	AmountReceived decimal.Decimal
}

// Resolve validates method against amount and computes the fees.
// It is pure: identical inputs always yield identical quotes.
func Resolve(method core.PaymentMethod, amount decimal.Decimal) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, core.Invalid("amount", "must be positive")
	}
	if !method.Active {
		return Quote{}, fmt.Errorf("%s: %w", method.Code, core.ErrMethodInactive)
	}
	if amount.LessThan(method.MinAmount) ||
		(method.MaxAmount.IsPositive() && amount.GreaterThan(method.MaxAmount)) {
		return Quote{}, &core.AmountOutOfRangeError{
			MethodCode: method.Code,
			Amount:     amount,
			Min:        method.MinAmount,
			Max:        method.MaxAmount,
		}
	}

	feeCustomer := computeFee(method.FlatCustomer, method.PercentCustomer, amount)
	if feeCustomer.IsPositive() {
		feeCustomer = clampFee(feeCustomer, method.MinimumFee, method.MaximumFee)
	}
	feeMerchant := computeFee(method.FlatMerchant, method.PercentMerchant, amount)

	total := amount.Add(feeCustomer)
	return Quote{
		Method:         method,
		Amount:         amount,
		FeeCustomer:    feeCustomer,
		FeeMerchant:    feeMerchant,
		FeeTotal:       feeCustomer,
		TotalCharged:   total,
		AmountReceived: total.Sub(feeMerchant),
	}, nil
}

func computeFee(flat, percent, amount decimal.Decimal) decimal.Decimal {
	return flat.Add(core.RoundHalfUp(percent.Div(hundred).Mul(amount)))
}

func clampFee(fee decimal.Decimal, min, max decimal.NullDecimal) decimal.Decimal {
	if min.Valid && fee.LessThan(min.Decimal) {
		fee = min.Decimal
	}
	if max.Valid && fee.GreaterThan(max.Decimal) {
		fee = max.Decimal
	}
	return fee
}

// MethodSource looks up payment methods by code.
type MethodSource interface {
	Get(ctx context.Context, code string) (core.PaymentMethod, error)
}

// Resolver resolves method codes against a MethodSource.
type Resolver struct {
	methods MethodSource
}

func NewResolver(methods MethodSource) *Resolver {
	return &Resolver{methods: methods}
}

// Resolve looks up code and quotes amount.
func (r *Resolver) Resolve(ctx context.Context, code string, amount decimal.Decimal) (Quote, error) {
	method, err := r.methods.Get(ctx, code)
	if err != nil {
		return Quote{}, err
	}
	return Resolve(method, amount)
}
