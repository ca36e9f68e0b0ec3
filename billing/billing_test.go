package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/payment"
	"github.com/warp/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	store   *sqlite.Store
	ledger  *core.Ledger
	sim     *payment.Simulator
	events  *events.Recorder
	svc     *billing.Service
	router  *payment.CallbackRouter
	catalog *payment.Catalog
}

func newFixture(t *testing.T, cfg billing.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sim := payment.NewSimulator()
	catalog := payment.NewCatalog(store, sim, nil)
	_, err = catalog.Sync(ctx)
	require.NoError(t, err)

	rec := events.NewRecorder()
	incidents := payment.NewIncidentRecorder(store, rec, nil)
	ledger := core.NewLedger(store, nil)

	if cfg.GatewayTimeout == 0 {
		cfg.GatewayTimeout = time.Second
	}
	svc := billing.NewService(billing.Deps{
		Store:     store,
		Ledger:    ledger,
		Methods:   catalog,
		Gateway:   sim,
		Incidents: incidents,
		Publisher: rec,
	}, cfg)

	router := payment.NewCallbackRouter(store, incidents, nil)
	router.Handle(core.PurposeInvoice, svc)

	return &fixture{store: store, ledger: ledger, sim: sim, events: rec, svc: svc, router: router, catalog: catalog}
}

func rp(v int64) decimal.Decimal { return core.Rupiah(v) }

func (f *fixture) fund(t *testing.T, cid core.CustomerID, amount int64) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), core.AppendRequest{
		CustomerID:     cid,
		Kind:           core.EntryCredit,
		Amount:         rp(amount),
		Reason:         "opening balance",
		IdempotencyKey: "seed:" + string(cid) + ":" + core.NewID(),
	})
	require.NoError(t, err)
}

func (f *fixture) invoice(t *testing.T, cid core.CustomerID, nominal int64) core.Invoice {
	t.Helper()
	inv, err := f.svc.CreateInvoice(context.Background(), core.NewInvoice{
		CustomerID: cid,
		Period:     "2025-03",
		Nominal:    rp(nominal),
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) balance(t *testing.T, cid core.CustomerID) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.CurrentBalance(context.Background(), cid)
	require.NoError(t, err)
	return b
}

func (f *fixture) reload(t *testing.T, inv core.Invoice) core.Invoice {
	t.Helper()
	got, err := f.svc.GetInvoice(context.Background(), inv.CustomerID, inv.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) settle(t *testing.T, ref string, status core.GatewayStatus) error {
	t.Helper()
	ev, err := f.sim.Settle(ref, status)
	require.NoError(t, err)
	return f.router.Dispatch(context.Background(), "webhook", ev)
}

// =============================================================================
// SALDO PAYMENTS
// =============================================================================

func TestPay_Saldo_DebitsAndSettles(t *testing.T) {
	// GIVEN: A customer with 150000 and an invoice of 100000
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	f.fund(t, "cust-1", 150000)
	inv := f.invoice(t, "cust-1", 100000)

	// WHEN: Paying from the wallet
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseSaldo())

	// THEN: One debit, invoice paid with method saldo
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, core.EntryDebit, res.Entry.Kind)
	assert.True(t, res.Entry.Amount.Equal(rp(100000)))
	assert.Equal(t, billing.SaldoKey(inv.ID), res.Entry.IdempotencyKey)
	assert.True(t, res.Entry.BalanceAfter.Equal(rp(50000)))

	got := f.reload(t, inv)
	assert.Equal(t, core.InvoicePaid, got.Status)
	assert.Equal(t, core.PaymentMethodSaldo, got.PaymentMethod)
	assert.NotNil(t, got.PaidAt)
	assert.True(t, f.balance(t, "cust-1").Equal(rp(50000)))

	assert.Len(t, f.events.OfType(events.InvoicePaid), 1)
}

func TestPay_Saldo_InsufficientBalance(t *testing.T) {
	// GIVEN: 50000 in the wallet, 100000 due
	f := newFixture(t, billing.Config{})
	f.fund(t, "cust-1", 50000)
	inv := f.invoice(t, "cust-1", 100000)

	// WHEN: Paying from the wallet
	_, err := f.svc.Pay(context.Background(), "cust-1", inv.ID, billing.UseSaldo())

	// THEN: Rejected with the shortfall, nothing changes
	var insufficient *core.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall().Equal(rp(50000)))

	assert.Equal(t, core.InvoiceUnpaid, f.reload(t, inv).Status)
	assert.True(t, f.balance(t, "cust-1").Equal(rp(50000)))
}

func TestPay_Saldo_Twice_SecondIsAlreadySettled(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	f.fund(t, "cust-1", 300000)
	inv := f.invoice(t, "cust-1", 100000)

	_, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseSaldo())
	require.NoError(t, err)

	_, err = f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseSaldo())
	assert.ErrorIs(t, err, core.ErrInvoiceAlreadySettled)
	assert.True(t, core.IsConflict(err))

	assert.True(t, f.balance(t, "cust-1").Equal(rp(200000)))
}

func TestPay_Saldo_ConcurrentSameInvoice_DebitsOnce(t *testing.T) {
	// GIVEN: Enough money for several payments
	f := newFixture(t, billing.Config{})
	f.fund(t, "cust-1", 1000000)
	inv := f.invoice(t, "cust-1", 100000)

	// WHEN: The same invoice is paid from 10 goroutines
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		settled   int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Pay(context.Background(), "cust-1", inv.ID, billing.UseSaldo())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if assert.ErrorIs(t, err, core.ErrInvoiceAlreadySettled) {
				settled++
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one debit
	assert.Equal(t, 1, successes)
	assert.Equal(t, 9, settled)
	assert.True(t, f.balance(t, "cust-1").Equal(rp(900000)))
}

func TestPay_Saldo_ConcurrentInvoices_BalanceNeverNegative(t *testing.T) {
	// GIVEN: Money for exactly one of two invoices
	f := newFixture(t, billing.Config{})
	f.fund(t, "cust-1", 100000)
	a := f.invoice(t, "cust-1", 100000)
	b := f.invoice(t, "cust-1", 100000)

	// WHEN: Both are paid at once
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, inv := range []core.Invoice{a, b} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.Pay(context.Background(), "cust-1", id, billing.UseSaldo())
		}(i, inv.ID)
	}
	wg.Wait()

	// THEN: One succeeds, the other is short
	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, core.ErrInsufficientBalance)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.True(t, f.balance(t, "cust-1").IsZero())
}

func TestPay_OtherCustomersInvoice_NotFound(t *testing.T) {
	f := newFixture(t, billing.Config{})
	f.fund(t, "cust-2", 500000)
	inv := f.invoice(t, "cust-1", 100000)

	_, err := f.svc.Pay(context.Background(), "cust-2", inv.ID, billing.UseSaldo())

	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.True(t, f.balance(t, "cust-2").Equal(rp(500000)))
}

func TestPay_ChoiceMustBeExclusive(t *testing.T) {
	f := newFixture(t, billing.Config{})
	inv := f.invoice(t, "cust-1", 100000)

	_, err := f.svc.Pay(context.Background(), "cust-1", inv.ID, billing.Choice{})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.svc.Pay(context.Background(), "cust-1", inv.ID, billing.Choice{UseSaldo: true, MethodCode: "BRIVA"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

// =============================================================================
// GATEWAY PAYMENTS
// =============================================================================

func TestPay_Gateway_OpensTransaction(t *testing.T) {
	// GIVEN: An unpaid invoice
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	inv := f.invoice(t, "cust-1", 100000)

	// WHEN: Paying with a virtual account
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))

	// THEN: A pay code is issued, the invoice stays unpaid, no ledger entry
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.NotEmpty(t, res.Transaction.Reference)
	assert.NotEmpty(t, res.Transaction.PayCode)
	assert.Empty(t, res.Transaction.CheckoutURL)
	assert.NotEmpty(t, res.Transaction.Instructions)
	assert.True(t, res.Transaction.TotalCharged().Equal(rp(104250)))
	assert.True(t, res.Quote.FeeTotal.Equal(rp(4250)))

	assert.Equal(t, core.InvoiceUnpaid, f.reload(t, inv).Status)
	assert.True(t, f.balance(t, "cust-1").IsZero())

	// AND: A second attempt with the same channel reuses it
	again, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.MerchantRef, again.Transaction.MerchantRef)
}

func TestPay_Gateway_StampsServiceClock(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)
	f.svc.WithClock(func() time.Time { return at })

	inv := f.invoice(t, "cust-1", 100000)
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)
	assert.True(t, res.Transaction.UpdatedAt.Equal(at))

	stored, err := f.store.GetGatewayTx(ctx, res.Transaction.MerchantRef)
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(at))
}

func TestPay_Gateway_RedirectChannel(t *testing.T) {
	f := newFixture(t, billing.Config{})
	inv := f.invoice(t, "cust-1", 100000)

	res, err := f.svc.Pay(context.Background(), "cust-1", inv.ID, billing.UseMethod("QRIS"))

	require.NoError(t, err)
	assert.NotEmpty(t, res.Transaction.CheckoutURL)
	assert.Empty(t, res.Transaction.PayCode)
}

func TestPay_Gateway_MethodValidation(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()

	inv := f.invoice(t, "cust-1", 100000)
	_, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BNIVA"))
	assert.ErrorIs(t, err, core.ErrMethodInactive)

	small := f.invoice(t, "cust-1", 5000)
	_, err = f.svc.Pay(ctx, "cust-1", small.ID, billing.UseMethod("BRIVA"))
	var rangeErr *core.AmountOutOfRangeError
	assert.ErrorAs(t, err, &rangeErr)

	_, err = f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("NOPE"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCallback_Paid_SettlesWithoutLedgerDebit(t *testing.T) {
	// GIVEN: A gateway payment in progress and money in the wallet
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	f.fund(t, "cust-1", 70000)
	inv := f.invoice(t, "cust-1", 100000)
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)

	// WHEN: The gateway reports it paid
	require.NoError(t, f.settle(t, res.Transaction.Reference, core.GatewayPaid))

	// THEN: The invoice is paid by the channel and the wallet is untouched
	got := f.reload(t, inv)
	assert.Equal(t, core.InvoicePaid, got.Status)
	assert.Equal(t, "BRIVA", got.PaymentMethod)
	assert.NotNil(t, got.PaidAt)
	assert.True(t, f.balance(t, "cust-1").Equal(rp(70000)))

	gtx, err := f.store.GetGatewayTx(ctx, res.Transaction.MerchantRef)
	require.NoError(t, err)
	assert.Equal(t, core.GatewayPaid, gtx.Status)

	// AND: A redelivered callback is a no-op
	ev, err := f.sim.Settle(res.Transaction.Reference, core.GatewayPaid)
	require.NoError(t, err)
	require.NoError(t, f.router.Dispatch(ctx, "webhook", ev))
	assert.Len(t, f.events.OfType(events.InvoicePaid), 1)

	// AND: Paying again is refused
	_, err = f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	assert.ErrorIs(t, err, core.ErrInvoiceAlreadySettled)
}

func TestCallback_AmountMismatch_RecordsIncident(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	inv := f.invoice(t, "cust-1", 100000)
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)

	// WHEN: The gateway reports less than what is due
	err = f.router.Dispatch(ctx, "webhook", payment.CallbackEvent{
		Reference:   res.Transaction.Reference,
		Status:      core.GatewayPaid,
		TotalAmount: rp(94250),
		FeeCustomer: rp(4250),
	})

	// THEN: Reconciliation error, invoice unchanged, incident recorded
	var rec *core.ReconciliationError
	require.ErrorAs(t, err, &rec)
	assert.True(t, rec.Expected.Equal(rp(100000)))
	assert.True(t, rec.Got.Equal(rp(90000)))

	assert.Equal(t, core.InvoiceUnpaid, f.reload(t, inv).Status)

	incidents, err := f.store.ListIncidents(ctx, false)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, inv.ID, incidents[0].SubjectID)
}

func TestCallback_ReviewChannel_WaitsForReview(t *testing.T) {
	// GIVEN: A channel flagged for review
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	inv := f.invoice(t, "cust-1", 100000)
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("ALFAMART"))
	require.NoError(t, err)

	// WHEN: The gateway reports it paid
	require.NoError(t, f.settle(t, res.Transaction.Reference, core.GatewayPaid))

	// THEN: It waits for an operator
	got := f.reload(t, inv)
	assert.Equal(t, core.InvoiceWaitingReview, got.Status)
	assert.Nil(t, got.PaidAt)

	_, err = f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseSaldo())
	assert.ErrorIs(t, err, core.ErrInvoiceUnderReview)

	// AND: Approval settles it
	reviewed, err := f.svc.ReviewInvoice(ctx, inv.ID, billing.Review{Approve: true, Actor: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, core.InvoicePaid, reviewed.Status)
	assert.NotNil(t, reviewed.ReviewedAt)
}

func TestCallback_RetiredChannel_WaitsForReview(t *testing.T) {
	// GIVEN: A gateway payment whose channel is no longer in the catalog
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	inv := f.invoice(t, "cust-1", 100000)
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)
	ev, err := f.sim.Settle(res.Transaction.Reference, core.GatewayPaid)
	require.NoError(t, err)

	gtx, err := f.store.GetGatewayTx(ctx, res.Transaction.MerchantRef)
	require.NoError(t, err)
	gtx.MethodCode = "RETIRED"

	// WHEN: The paid event arrives
	require.NoError(t, f.svc.HandleGatewayEvent(ctx, *gtx, ev))

	// THEN: An operator has to confirm it
	assert.Equal(t, core.InvoiceWaitingReview, f.reload(t, inv).Status)
}

func TestCallback_CatalogUnavailable_ReturnsError(t *testing.T) {
	// GIVEN: A service whose catalog lives in a store that goes away
	f := newFixture(t, billing.Config{})
	ctx := context.Background()

	catalogStore, err := sqlite.New(":memory:")
	require.NoError(t, err)
	catalog := payment.NewCatalog(catalogStore, f.sim, nil)
	_, err = catalog.Sync(ctx)
	require.NoError(t, err)

	svc := billing.NewService(billing.Deps{
		Store:     f.store,
		Ledger:    f.ledger,
		Methods:   catalog,
		Gateway:   f.sim,
		Incidents: payment.NewIncidentRecorder(f.store, f.events, nil),
		Publisher: f.events,
	}, billing.Config{GatewayTimeout: time.Second})

	inv := f.invoice(t, "cust-1", 100000)
	res, err := svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)
	ev, err := f.sim.Settle(res.Transaction.Reference, core.GatewayPaid)
	require.NoError(t, err)

	require.NoError(t, catalogStore.Close())
	catalog.Invalidate()

	// WHEN: The paid event arrives
	gtx, err := f.store.GetGatewayTx(ctx, res.Transaction.MerchantRef)
	require.NoError(t, err)
	err = svc.HandleGatewayEvent(ctx, *gtx, ev)

	// THEN: The failure is returned so the gateway redelivers, nothing moves
	require.Error(t, err)
	var rec *core.ReconciliationError
	assert.False(t, errors.As(err, &rec))
	assert.Equal(t, core.InvoiceUnpaid, f.reload(t, inv).Status)

	stored, err := f.store.GetGatewayTx(ctx, res.Transaction.MerchantRef)
	require.NoError(t, err)
	assert.Equal(t, core.GatewayUnpaid, stored.Status)
	assert.Empty(t, f.events.OfType(events.ReconciliationFailure))
}

func TestCallback_Expired_LeavesInvoiceUnpaid(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	inv := f.invoice(t, "cust-1", 100000)
	first, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)

	require.NoError(t, f.settle(t, first.Transaction.Reference, core.GatewayExpired))

	assert.Equal(t, core.InvoiceUnpaid, f.reload(t, inv).Status)
	gtx, err := f.store.GetGatewayTx(ctx, first.Transaction.MerchantRef)
	require.NoError(t, err)
	assert.Equal(t, core.GatewayExpired, gtx.Status)

	// A new attempt opens a new transaction
	second, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Transaction.MerchantRef, second.Transaction.MerchantRef)
}

func TestCallback_PaidAfterSaldo_IsDoublePaymentIncident(t *testing.T) {
	// GIVEN: A gateway payment was opened, then the invoice was paid from saldo
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	f.fund(t, "cust-1", 100000)
	inv := f.invoice(t, "cust-1", 100000)
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	require.NoError(t, err)
	_, err = f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseSaldo())
	require.NoError(t, err)

	// WHEN: The gateway payment also completes
	err = f.settle(t, res.Transaction.Reference, core.GatewayPaid)

	// THEN: Incident, invoice keeps its saldo settlement
	assert.ErrorIs(t, err, core.ErrReconciliation)
	got := f.reload(t, inv)
	assert.Equal(t, core.PaymentMethodSaldo, got.PaymentMethod)

	incidents, err := f.store.ListIncidents(ctx, false)
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestPay_Gateway_Timeout_LeavesPendingTransaction(t *testing.T) {
	// GIVEN: A gateway slower than the configured timeout
	f := newFixture(t, billing.Config{GatewayTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	f.sim.SetLatency(500 * time.Millisecond)
	inv := f.invoice(t, "cust-1", 100000)

	// WHEN: Paying with a channel
	res, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))

	// THEN: Timeout, with the merchant ref to poll
	require.ErrorIs(t, err, core.ErrGatewayTimeout)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, core.GatewayUnpaid, res.Transaction.Status)
	assert.Equal(t, core.InvoiceUnpaid, f.reload(t, inv).Status)

	// AND: The late callback still settles it through the merchant ref
	f.sim.SetLatency(0)
	opened, ok := f.sim.Find(res.Transaction.MerchantRef)
	require.True(t, ok)
	require.NoError(t, f.settle(t, opened.Reference, core.GatewayPaid))
	assert.Equal(t, core.InvoicePaid, f.reload(t, inv).Status)

	gtx, err := f.store.GetGatewayTx(ctx, res.Transaction.MerchantRef)
	require.NoError(t, err)
	assert.Equal(t, opened.Reference, gtx.Reference)
}

func TestPay_Gateway_Unavailable_MarksFailed(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	inv := f.invoice(t, "cust-1", 100000)
	f.sim.FailNext(&payment.GatewayError{StatusCode: 503, Message: "maintenance"})

	_, err := f.svc.Pay(ctx, "cust-1", inv.ID, billing.UseMethod("BRIVA"))
	assert.ErrorIs(t, err, core.ErrGatewayUnavailable)

	open, err := f.svc.Transactions(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, core.InvoiceUnpaid, f.reload(t, inv).Status)
}

// =============================================================================
// MANUAL TRANSFER
// =============================================================================

func TestTransferProof_ReviewRejectThenApprove(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	require.NoError(t, f.store.SaveBankAccount(ctx, core.BankAccount{
		ID: "bca-1", BankName: "BCA", HolderName: "PT Warp", AccountNumber: "1234567890",
		Active: true, CreatedAt: time.Now().UTC(),
	}))
	inv := f.invoice(t, "cust-1", 100000)

	// WHEN: A transfer proof is submitted
	got, err := f.svc.SubmitTransferProof(ctx, "cust-1", inv.ID, billing.TransferProof{
		BankAccountID: "bca-1", AttachmentRef: "uploads/proof-1.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, core.InvoiceWaitingReview, got.Status)
	assert.Equal(t, core.PaymentMethodTransfer, got.PaymentMethod)

	// AND: The operator rejects it
	rejected, err := f.svc.ReviewInvoice(ctx, inv.ID, billing.Review{Approve: false, Actor: "admin-1", Note: "blurry"})
	require.NoError(t, err)
	assert.Equal(t, core.InvoiceUnpaid, rejected.Status)
	assert.Equal(t, "blurry", rejected.ReviewNote)

	// AND: A second proof is approved
	_, err = f.svc.SubmitTransferProof(ctx, "cust-1", inv.ID, billing.TransferProof{
		BankAccountID: "bca-1", AttachmentRef: "uploads/proof-2.jpg",
	})
	require.NoError(t, err)
	approved, err := f.svc.ReviewInvoice(ctx, inv.ID, billing.Review{Approve: true, Actor: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, core.InvoicePaid, approved.Status)

	// THEN: The wallet was never touched and review of a paid invoice fails
	assert.True(t, f.balance(t, "cust-1").IsZero())
	_, err = f.svc.ReviewInvoice(ctx, inv.ID, billing.Review{Approve: true, Actor: "admin-1"})
	assert.ErrorIs(t, err, core.ErrInvoiceAlreadySettled)
}

func TestTransferProof_Validation(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	inv := f.invoice(t, "cust-1", 100000)

	_, err := f.svc.SubmitTransferProof(ctx, "cust-1", inv.ID, billing.TransferProof{BankAccountID: "missing", AttachmentRef: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.svc.SubmitTransferProof(ctx, "cust-1", inv.ID, billing.TransferProof{BankAccountID: "missing"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestReviewInvoice_NotWaiting(t *testing.T) {
	f := newFixture(t, billing.Config{})
	inv := f.invoice(t, "cust-1", 100000)

	_, err := f.svc.ReviewInvoice(context.Background(), inv.ID, billing.Review{Approve: true, Actor: "admin-1"})

	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

// =============================================================================
// LISTING
// =============================================================================

func TestListInvoices_Filters(t *testing.T) {
	f := newFixture(t, billing.Config{})
	ctx := context.Background()
	f.fund(t, "cust-1", 100000)

	paid := f.invoice(t, "cust-1", 100000)
	f.invoice(t, "cust-1", 200000)
	f.invoice(t, "cust-2", 300000)
	_, err := f.svc.Pay(ctx, "cust-1", paid.ID, billing.UseSaldo())
	require.NoError(t, err)

	all, err := f.svc.ListInvoices(ctx, "cust-1", core.InvoiceFilter{}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)

	unpaid, err := f.svc.ListInvoices(ctx, "cust-1", core.InvoiceFilter{Status: core.InvoiceUnpaid}, core.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, unpaid.Total)
	assert.True(t, unpaid.Items[0].TotalDue.Equal(rp(200000)))

	bySaldo, err := f.svc.ListInvoices(ctx, "cust-1", core.InvoiceFilter{PaymentMethod: core.PaymentMethodSaldo}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, bySaldo.Total)

	byNumber, err := f.svc.ListInvoices(ctx, "cust-1", core.InvoiceFilter{Query: paid.Number}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, byNumber.Total)

	_, err = f.svc.ListInvoices(ctx, "cust-1", core.InvoiceFilter{Status: "bogus"}, core.PageRequest{})
	assert.ErrorIs(t, err, core.ErrValidation)
}
