package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
)

// Header names of the gateway webhook.
const (
	SignatureHeader = "X-Callback-Signature"
	EventHeader     = "X-Callback-Event"
	PaymentStatus   = "payment_status"
)

// ErrInvalidSignature is returned when a callback body does not match its
// signature header.
var ErrInvalidSignature = errors.New("invalid callback signature")

// CallbackEvent is one status change reported by the gateway.
type CallbackEvent struct {
	Reference      string
	MerchantRef    string
	MethodCode     string
	Status         core.GatewayStatus
	TotalAmount    decimal.Decimal
	FeeMerchant    decimal.Decimal
	FeeCustomer    decimal.Decimal
	AmountReceived decimal.Decimal
	ClosedPayment  bool
	PaidAt         *time.Time
	Note           string
}

// Amount is what the event settles, excluding the customer fee. Compared
// against the subject's amount during reconciliation.
func (e CallbackEvent) Amount() decimal.Decimal {
	return e.TotalAmount.Sub(e.FeeCustomer)
}

type callbackJSON struct {
	Reference         string          `json:"reference"`
	MerchantRef       string          `json:"merchant_ref"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	PaymentMethodCode string          `json:"payment_method_code"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	FeeMerchant       decimal.Decimal `json:"fee_merchant"`
	FeeCustomer       decimal.Decimal `json:"fee_customer"`
	TotalFee          decimal.Decimal `json:"total_fee"`
	AmountReceived    decimal.Decimal `json:"amount_received"`
	IsClosedPayment   int             `json:"is_closed_payment"`
	Status            string          `json:"status"`
	PaidAt            *int64          `json:"paid_at"`
	Note              *string         `json:"note"`
}

// Sign returns the hex HMAC-SHA256 of data under key.
func Sign(key string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the raw body in constant time.
func VerifySignature(privateKey string, body []byte, signature string) error {
	want := Sign(privateKey, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseCallback decodes a webhook body. The signature must be verified first.
func ParseCallback(body []byte) (CallbackEvent, error) {
	var cb callbackJSON
	if err := json.Unmarshal(body, &cb); err != nil {
		return CallbackEvent{}, core.Invalid("body", "malformed callback: %v", err)
	}
	if cb.Reference == "" && cb.MerchantRef == "" {
		return CallbackEvent{}, core.Invalid("reference", "callback carries no reference")
	}

	status, err := ParseGatewayStatus(cb.Status)
	if err != nil {
		return CallbackEvent{}, core.Invalid("status", "%v", err)
	}

	ev := CallbackEvent{
		Reference:      cb.Reference,
		MerchantRef:    cb.MerchantRef,
		MethodCode:     cb.PaymentMethodCode,
		Status:         status,
		TotalAmount:    cb.TotalAmount,
		FeeMerchant:    cb.FeeMerchant,
		FeeCustomer:    cb.FeeCustomer,
		AmountReceived: cb.AmountReceived,
		ClosedPayment:  cb.IsClosedPayment == 1,
	}
	if cb.PaidAt != nil && *cb.PaidAt > 0 {
		t := time.Unix(*cb.PaidAt, 0).UTC()
		ev.PaidAt = &t
	}
	if cb.Note != nil {
		ev.Note = *cb.Note
	}
	return ev, nil
}

// EncodeCallback renders ev in the gateway's webhook format.
func EncodeCallback(ev CallbackEvent) ([]byte, error) {
	cb := callbackJSON{
		Reference:         ev.Reference,
		MerchantRef:       ev.MerchantRef,
		PaymentMethodCode: ev.MethodCode,
		TotalAmount:       ev.TotalAmount,
		FeeMerchant:       ev.FeeMerchant,
		FeeCustomer:       ev.FeeCustomer,
		TotalFee:          ev.FeeMerchant.Add(ev.FeeCustomer),
		AmountReceived:    ev.AmountReceived,
		Status:            strings.ToUpper(string(ev.Status)),
	}
	if ev.ClosedPayment {
		cb.IsClosedPayment = 1
	}
	if ev.PaidAt != nil {
		ts := ev.PaidAt.Unix()
		cb.PaidAt = &ts
	}
	if ev.Note != "" {
		cb.Note = &ev.Note
	}

	b, err := json.Marshal(cb)
	if err != nil {
		return nil, fmt.Errorf("encode callback: %w", err)
	}
	return b, nil
}
