package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/factory"
	"go.uber.org/zap"
)

// Tripay endpoints.
const (
	TripaySandboxURL    = "https://tripay.co.id/api-sandbox"
	TripayProductionURL = "https://tripay.co.id/api"
)

type TripayConfig struct {
	BaseURL      string
	APIKey       string
	PrivateKey   string
	MerchantCode string
	Timeout      time.Duration
}

// TripayClient implements Gateway against the Tripay REST API.
type TripayClient struct {
	cfg      TripayConfig
	http     *http.Client
	channels *factory.ChannelFactory
	logger   *zap.Logger
}

func NewTripayClient(cfg TripayConfig, logger *zap.Logger) *TripayClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = TripaySandboxURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TripayClient{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		channels: factory.NewChannelFactory(),
		logger:   logger.Named("tripay"),
	}
}

// TransactionSignature signs a create request.
func TransactionSignature(privateKey, merchantCode, merchantRef string, amount decimal.Decimal) string {
	return Sign(privateKey, []byte(merchantCode+merchantRef+strconv.FormatInt(amount.IntPart(), 10)))
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type orderItemJSON struct {
	SKU      string `json:"sku,omitempty"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type createJSON struct {
	Method        string          `json:"method"`
	MerchantRef   string          `json:"merchant_ref"`
	Amount        int64           `json:"amount"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	OrderItems    []orderItemJSON `json:"order_items"`
	CallbackURL   string          `json:"callback_url,omitempty"`
	ReturnURL     string          `json:"return_url,omitempty"`
	ExpiredTime   int64           `json:"expired_time"`
	Signature     string          `json:"signature"`
}

type transactionJSON struct {
	Reference      string             `json:"reference"`
	MerchantRef    string             `json:"merchant_ref"`
	PaymentMethod  string             `json:"payment_method"`
	Amount         decimal.Decimal    `json:"amount"`
	FeeMerchant    decimal.Decimal    `json:"fee_merchant"`
	FeeCustomer    decimal.Decimal    `json:"fee_customer"`
	AmountReceived decimal.Decimal    `json:"amount_received"`
	PayCode        *string            `json:"pay_code"`
	CheckoutURL    string             `json:"checkout_url"`
	PayURL         *string            `json:"pay_url"`
	Status         string             `json:"status"`
	ExpiredTime    int64              `json:"expired_time"`
	PaidAt         *int64             `json:"paid_at"`
	Instructions   []core.Instruction `json:"instructions"`
}

func (t transactionJSON) detail() (TransactionDetail, error) {
	status, err := ParseGatewayStatus(t.Status)
	if err != nil {
		return TransactionDetail{}, fmt.Errorf("%w: %v", core.ErrGatewayUnavailable, err)
	}

	d := TransactionDetail{
		Reference:      t.Reference,
		MerchantRef:    t.MerchantRef,
		MethodCode:     t.PaymentMethod,
		TotalAmount:    t.Amount,
		FeeMerchant:    t.FeeMerchant,
		FeeCustomer:    t.FeeCustomer,
		AmountReceived: t.AmountReceived,
		CheckoutURL:    t.CheckoutURL,
		Status:         status,
		Instructions:   t.Instructions,
	}
	if t.PayCode != nil {
		d.PayCode = *t.PayCode
	}
	if t.PayURL != nil && *t.PayURL != "" {
		d.CheckoutURL = *t.PayURL
	}
	if t.ExpiredTime > 0 {
		d.ExpiresAt = time.Unix(t.ExpiredTime, 0).UTC()
	}
	if t.PaidAt != nil && *t.PaidAt > 0 {
		paid := time.Unix(*t.PaidAt, 0).UTC()
		d.PaidAt = &paid
	}
	return d, nil
}

// =============================================================================
// GATEWAY
// =============================================================================

func (c *TripayClient) CreateTransaction(ctx context.Context, req CreateRequest) (TransactionDetail, error) {
	items := make([]orderItemJSON, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orderItemJSON{
			SKU: it.SKU, Name: it.Name, Price: it.Price.IntPart(), Quantity: it.Quantity,
		})
	}

	body := createJSON{
		Method:        req.MethodCode,
		MerchantRef:   req.MerchantRef,
		Amount:        req.Amount.IntPart(),
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		OrderItems:    items,
		CallbackURL:   req.CallbackURL,
		ReturnURL:     req.ReturnURL,
		Signature:     TransactionSignature(c.cfg.PrivateKey, c.cfg.MerchantCode, req.MerchantRef, req.Amount),
	}
	if !req.ExpiresAt.IsZero() {
		body.ExpiredTime = req.ExpiresAt.Unix()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return TransactionDetail{}, fmt.Errorf("encode transaction: %w", err)
	}

	var tx transactionJSON
	if err := c.do(ctx, http.MethodPost, "/transaction/create", bytes.NewReader(payload), &tx); err != nil {
		return TransactionDetail{}, err
	}
	return tx.detail()
}

func (c *TripayClient) TransactionDetail(ctx context.Context, reference string) (TransactionDetail, error) {
	var tx transactionJSON
	path := "/transaction/detail?reference=" + url.QueryEscape(reference)
	if err := c.do(ctx, http.MethodGet, path, nil, &tx); err != nil {
		return TransactionDetail{}, err
	}
	return tx.detail()
}

func (c *TripayClient) PaymentChannels(ctx context.Context) ([]core.PaymentMethod, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/merchant/payment-channel", nil, &raw); err != nil {
		return nil, err
	}
	methods, err := c.channels.ParseChannels(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrGatewayUnavailable, err)
	}
	return methods, nil
}

func (c *TripayClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("gateway call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", core.ErrGatewayTimeout, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", core.ErrGatewayUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: read response: %v", core.ErrGatewayTimeout, err)
		}
		return fmt.Errorf("%w: read response: %v", core.ErrGatewayUnavailable, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || decodeErr != nil || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &GatewayError{StatusCode: resp.StatusCode, Message: msg}
	}

	c.logger.Debug("gateway call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", core.ErrGatewayUnavailable, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
