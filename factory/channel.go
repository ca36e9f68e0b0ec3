/*
Package factory provides JSON to Go payment channel conversion.

PURPOSE:
  Converts JSON payment channel definitions into core.PaymentMethod values.
  The JSON shape is the one the gateway returns from its channel listing,
  so the same parser serves three sources: the gateway sync, a seed file
  passed at startup, and the demo scenarios.

JSON SCHEMA:
  {
    "group": "Virtual Account",
    "code": "BRIVA",
    "name": "BRI Virtual Account",
    "fee_merchant": {"flat": 0, "percent": 0},
    "fee_customer": {"flat": 4250, "percent": 0},
    "minimum_fee": null,
    "maximum_fee": null,
    "minimum_amount": 10000,
    "maximum_amount": 50000000,
    "icon_url": "https://...",
    "active": true,
    "requires_review": false
  }

  Numbers may be JSON numbers or quoted strings ("2.50"); the gateway uses
  both. requires_review is a local extension: channels whose settlement is
  checked by an operator before the invoice is marked paid.

USAGE:
  f := factory.NewChannelFactory()
  methods, err := f.ParseChannels([]byte(factory.DefaultChannelsJSON))

SEE ALSO:
  - core/types.go: PaymentMethod
  - payment/catalog.go: Loads channels into the store
  - payment/tripay.go: Parses the gateway's channel listing
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// FeeJSON is a flat + percent fee pair.
type FeeJSON struct {
	Flat    decimal.Decimal `json:"flat"`
	Percent decimal.Decimal `json:"percent"`
}

// ChannelJSON is the JSON representation of a payment channel.
type ChannelJSON struct {
	Group          string              `json:"group"`
	Code           string              `json:"code"`
	Name           string              `json:"name"`
	Type           string              `json:"type,omitempty"`
	FeeMerchant    FeeJSON             `json:"fee_merchant"`
	FeeCustomer    FeeJSON             `json:"fee_customer"`
	TotalFee       *FeeJSON            `json:"total_fee,omitempty"`
	MinimumFee     decimal.NullDecimal `json:"minimum_fee"`
	MaximumFee     decimal.NullDecimal `json:"maximum_fee"`
	MinimumAmount  decimal.Decimal     `json:"minimum_amount"`
	MaximumAmount  decimal.Decimal     `json:"maximum_amount"`
	IconURL        string              `json:"icon_url,omitempty"`
	Active         bool                `json:"active"`
	RequiresReview bool                `json:"requires_review,omitempty"`
}

// =============================================================================
// CHANNEL FACTORY
// =============================================================================

// ChannelFactory converts JSON channels to core.PaymentMethod.
type ChannelFactory struct{}

// NewChannelFactory creates a new channel factory.
func NewChannelFactory() *ChannelFactory {
	return &ChannelFactory{}
}

// ParseChannels parses a JSON array of channels.
func (f *ChannelFactory) ParseChannels(data []byte) ([]core.PaymentMethod, error) {
	var cjs []ChannelJSON
	if err := json.Unmarshal(data, &cjs); err != nil {
		return nil, fmt.Errorf("failed to parse channel JSON: %w", err)
	}
	return f.FromJSONList(cjs)
}

// FromJSONList converts a list, failing on the first invalid channel.
func (f *ChannelFactory) FromJSONList(cjs []ChannelJSON) ([]core.PaymentMethod, error) {
	methods := make([]core.PaymentMethod, 0, len(cjs))
	for _, cj := range cjs {
		m, err := f.FromJSON(cj)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, nil
}

// FromJSON converts ChannelJSON to core.PaymentMethod.
func (f *ChannelFactory) FromJSON(cj ChannelJSON) (core.PaymentMethod, error) {
	code := strings.TrimSpace(cj.Code)
	if code == "" {
		return core.PaymentMethod{}, core.Invalid("code", "required")
	}
	if cj.Name == "" {
		return core.PaymentMethod{}, core.Invalid("name", "channel %s has no name", code)
	}

	for field, v := range map[string]decimal.Decimal{
		"fee_merchant.flat":    cj.FeeMerchant.Flat,
		"fee_merchant.percent": cj.FeeMerchant.Percent,
		"fee_customer.flat":    cj.FeeCustomer.Flat,
		"fee_customer.percent": cj.FeeCustomer.Percent,
		"minimum_amount":       cj.MinimumAmount,
		"maximum_amount":       cj.MaximumAmount,
	} {
		if v.IsNegative() {
			return core.PaymentMethod{}, core.Invalid(field, "channel %s: must not be negative", code)
		}
	}
	if cj.MaximumAmount.IsPositive() && cj.MaximumAmount.LessThan(cj.MinimumAmount) {
		return core.PaymentMethod{}, core.Invalid("maximum_amount", "channel %s: below minimum_amount", code)
	}
	if cj.MinimumFee.Valid && cj.MaximumFee.Valid && cj.MaximumFee.Decimal.LessThan(cj.MinimumFee.Decimal) {
		return core.PaymentMethod{}, core.Invalid("maximum_fee", "channel %s: below minimum_fee", code)
	}

	group := cj.Group
	if group == "" {
		group = "Other"
	}

	return core.PaymentMethod{
		Code:            code,
		Name:            cj.Name,
		Group:           group,
		FlatMerchant:    cj.FeeMerchant.Flat,
		PercentMerchant: cj.FeeMerchant.Percent,
		FlatCustomer:    cj.FeeCustomer.Flat,
		PercentCustomer: cj.FeeCustomer.Percent,
		MinimumFee:      cj.MinimumFee,
		MaximumFee:      cj.MaximumFee,
		MinAmount:       cj.MinimumAmount,
		MaxAmount:       cj.MaximumAmount,
		Active:          cj.Active,
		RequiresReview:  cj.RequiresReview,
		IconURL:         cj.IconURL,
	}, nil
}

// ToJSON converts a PaymentMethod back to ChannelJSON.
func (f *ChannelFactory) ToJSON(m core.PaymentMethod) ChannelJSON {
	return ChannelJSON{
		Group:          m.Group,
		Code:           m.Code,
		Name:           m.Name,
		FeeMerchant:    FeeJSON{Flat: m.FlatMerchant, Percent: m.PercentMerchant},
		FeeCustomer:    FeeJSON{Flat: m.FlatCustomer, Percent: m.PercentCustomer},
		MinimumFee:     m.MinimumFee,
		MaximumFee:     m.MaximumFee,
		MinimumAmount:  m.MinAmount,
		MaximumAmount:  m.MaxAmount,
		IconURL:        m.IconURL,
		Active:         m.Active,
		RequiresReview: m.RequiresReview,
	}
}

// =============================================================================
// DEFAULT CHANNELS
// =============================================================================

// DefaultChannelsJSON is the channel set used by the gateway simulator and
// the demo scenarios.
const DefaultChannelsJSON = `[
  {
    "group": "Virtual Account",
    "code": "BRIVA",
    "name": "BRI Virtual Account",
    "fee_merchant": {"flat": 0, "percent": 0},
    "fee_customer": {"flat": 4250, "percent": 0},
    "minimum_fee": null,
    "maximum_fee": null,
    "minimum_amount": 10000,
    "maximum_amount": 50000000,
    "active": true
  },
  {
    "group": "Virtual Account",
    "code": "BNIVA",
    "name": "BNI Virtual Account",
    "fee_merchant": {"flat": 0, "percent": 0},
    "fee_customer": {"flat": 4250, "percent": 0},
    "minimum_fee": null,
    "maximum_fee": null,
    "minimum_amount": 10000,
    "maximum_amount": 50000000,
    "active": false
  },
  {
    "group": "E-Wallet",
    "code": "QRIS",
    "name": "QRIS",
    "fee_merchant": {"flat": 0, "percent": 0},
    "fee_customer": {"flat": 750, "percent": "0.70"},
    "minimum_fee": null,
    "maximum_fee": null,
    "minimum_amount": 1000,
    "maximum_amount": 5000000,
    "active": true
  },
  {
    "group": "E-Wallet",
    "code": "OVO",
    "name": "OVO",
    "fee_merchant": {"flat": 0, "percent": 0},
    "fee_customer": {"flat": 0, "percent": "3.00"},
    "minimum_fee": 1000,
    "maximum_fee": null,
    "minimum_amount": 1000,
    "maximum_amount": 10000000,
    "active": true
  },
  {
    "group": "Convenience Store",
    "code": "ALFAMART",
    "name": "Alfamart",
    "fee_merchant": {"flat": 0, "percent": 0},
    "fee_customer": {"flat": 3500, "percent": 0},
    "minimum_fee": null,
    "maximum_fee": null,
    "minimum_amount": 10000,
    "maximum_amount": 2500000,
    "active": true,
    "requires_review": true
  }
]`
