package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/factory"
)

// Simulator is an in-process Gateway for development, demos and tests.
// Payments are settled by calling Settle, which returns the event the real
// gateway would post to the webhook.
type Simulator struct {
	mu       sync.Mutex
	methods  map[string]core.PaymentMethod
	ordered  []core.PaymentMethod
	txs      map[string]*TransactionDetail
	seq      int
	now      func() time.Time
	latency  time.Duration
	failNext error
}

// NewSimulator serves the default channel set.
func NewSimulator() *Simulator {
	methods, err := factory.NewChannelFactory().ParseChannels([]byte(factory.DefaultChannelsJSON))
	if err != nil {
		panic(fmt.Sprintf("default channels: %v", err))
	}
	return NewSimulatorWithChannels(methods)
}

func NewSimulatorWithChannels(methods []core.PaymentMethod) *Simulator {
	s := &Simulator{
		methods: make(map[string]core.PaymentMethod, len(methods)),
		ordered: methods,
		txs:     make(map[string]*TransactionDetail),
		now:     time.Now,
	}
	for _, m := range methods {
		s.methods[m.Code] = m
	}
	return s
}

// SetLatency delays every call by d. Calls whose context ends first fail
// with core.ErrGatewayTimeout; the transaction is still created.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// FailNext makes the next call return err.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *Simulator) CreateTransaction(ctx context.Context, req CreateRequest) (TransactionDetail, error) {
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return TransactionDetail{}, err
	}

	method, ok := s.methods[req.MethodCode]
	if !ok {
		s.mu.Unlock()
		return TransactionDetail{}, &GatewayError{StatusCode: 400, Message: "payment channel not found"}
	}
	quote, err := Resolve(method, req.Amount)
	if err != nil {
		s.mu.Unlock()
		return TransactionDetail{}, &GatewayError{StatusCode: 400, Message: err.Error()}
	}

	s.seq++
	now := s.now().UTC()
	d := TransactionDetail{
		Reference:      fmt.Sprintf("DEV-T%05d%s", s.seq, now.Format("150405")),
		MerchantRef:    req.MerchantRef,
		MethodCode:     method.Code,
		TotalAmount:    quote.TotalCharged,
		FeeMerchant:    quote.FeeMerchant,
		FeeCustomer:    quote.FeeCustomer,
		AmountReceived: quote.AmountReceived,
		Status:         core.GatewayUnpaid,
		ExpiresAt:      req.ExpiresAt,
		Instructions: []core.Instruction{{
			Title: method.Name,
			Steps: []string{
				"Open your " + method.Name + " app",
				"Pay " + quote.TotalCharged.String(),
			},
		}},
	}
	if d.ExpiresAt.IsZero() {
		d.ExpiresAt = now.Add(24 * time.Hour)
	}
	if method.Redirect() {
		d.CheckoutURL = "https://simulator.local/checkout/" + d.Reference
	} else {
		d.PayCode = fmt.Sprintf("8808%012d", s.seq)
	}
	s.txs[d.Reference] = &d
	latency := s.latency
	s.mu.Unlock()

	if err := s.wait(ctx, latency); err != nil {
		return TransactionDetail{}, err
	}
	return d, nil
}

func (s *Simulator) TransactionDetail(ctx context.Context, reference string) (TransactionDetail, error) {
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return TransactionDetail{}, err
	}
	d, ok := s.txs[reference]
	latency := s.latency
	var out TransactionDetail
	if ok {
		out = *d
	}
	s.mu.Unlock()

	if !ok {
		return TransactionDetail{}, &GatewayError{StatusCode: 404, Message: "transaction not found"}
	}
	if err := s.wait(ctx, latency); err != nil {
		return TransactionDetail{}, err
	}
	return out, nil
}

func (s *Simulator) PaymentChannels(ctx context.Context) ([]core.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	return append([]core.PaymentMethod(nil), s.ordered...), nil
}

// Find returns the transaction opened for merchantRef, if any.
func (s *Simulator) Find(merchantRef string) (TransactionDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.txs {
		if d.MerchantRef == merchantRef {
			return *d, true
		}
	}
	return TransactionDetail{}, false
}

// Settle moves a transaction to status and returns the webhook event.
func (s *Simulator) Settle(reference string, status core.GatewayStatus) (CallbackEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.txs[reference]
	if !ok {
		return CallbackEvent{}, fmt.Errorf("simulator: transaction %s: %w", reference, core.ErrNotFound)
	}
	d.Status = status
	if status == core.GatewayPaid {
		paid := s.now().UTC().Truncate(time.Second)
		d.PaidAt = &paid
	}

	ev := d.Event()
	ev.ClosedPayment = true
	return ev, nil
}

// SignedCallback renders ev as a webhook body with its signature.
func SignedCallback(privateKey string, ev CallbackEvent) (body []byte, signature string, err error) {
	body, err = EncodeCallback(ev)
	if err != nil {
		return nil, "", err
	}
	return body, Sign(privateKey, body), nil
}

func (s *Simulator) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Simulator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", core.ErrGatewayTimeout, ctx.Err())
	}
}
