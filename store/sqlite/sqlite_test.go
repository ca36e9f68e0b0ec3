package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/core"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func entry(cid core.CustomerID, seq int64, after int64, key string) core.LedgerEntry {
	return core.LedgerEntry{
		ID:             core.NewID(),
		CustomerID:     cid,
		Seq:            seq,
		Kind:           core.EntryCredit,
		Amount:         core.Rupiah(1000),
		BalanceBefore:  core.Rupiah(after - 1000),
		BalanceAfter:   core.Rupiah(after),
		IdempotencyKey: key,
		CreatedAt:      t0.Add(time.Duration(seq) * time.Minute),
	}
}

func testInvoice(cid core.CustomerID, number string, created time.Time) core.Invoice {
	return core.Invoice{
		ID:         core.NewID(),
		Number:     number,
		CustomerID: cid,
		Period:     "2026-03",
		Nominal:    core.Rupiah(150000),
		Discount:   decimal.Zero,
		TaxAmount:  decimal.Zero,
		TotalDue:   core.Rupiah(150000),
		Status:     core.InvoiceUnpaid,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_InsertAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestEntry(ctx, "cust-1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 1, 1000, "a")))
	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 2, 2000, "")))
	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 3, 3000, "")))

	latest, err = s.LatestEntry(ctx, "cust-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(3), latest.Seq)
	assert.True(t, latest.BalanceAfter.Equal(core.Rupiah(3000)))
	assert.Equal(t, t0.Add(3*time.Minute), latest.CreatedAt)

	byKey, err := s.EntryByIdempotencyKey(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, int64(1), byKey.Seq)
}

func TestLedger_UniqueConstraints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 1, 1000, "key-1")))

	// Same key, next seq: an idempotency replay
	err := s.InsertEntry(ctx, entry("cust-1", 2, 2000, "key-1"))
	assert.ErrorIs(t, err, core.ErrDuplicateIdempotencyKey)

	// Same seq, new key: a lost race
	err = s.InsertEntry(ctx, entry("cust-1", 1, 1000, "key-2"))
	assert.ErrorIs(t, err, core.ErrConcurrentModification)

	// Entries without a key never collide on it
	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 2, 2000, "")))
	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 3, 3000, "")))
}

func TestLedger_AppendOnlyTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 1, 1000, "")))

	_, err := s.db.ExecContext(ctx, "UPDATE ledger_entries SET amount = '5'")
	assert.ErrorContains(t, err, "append-only")

	_, err = s.db.ExecContext(ctx, "DELETE FROM ledger_entries")
	assert.ErrorContains(t, err, "append-only")
}

func TestLedger_ListEntriesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 5; seq++ {
		e := entry("cust-1", seq, seq*1000, "")
		if seq%2 == 0 {
			e.Kind = core.EntryDebit
		}
		require.NoError(t, s.InsertEntry(ctx, e))
	}
	require.NoError(t, s.InsertEntry(ctx, entry("cust-2", 1, 1000, "")))

	all, err := s.ListEntries(ctx, "cust-1", core.LedgerFilter{}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 5, all.Total)
	assert.Equal(t, int64(5), all.Items[0].Seq)

	debits, err := s.ListEntries(ctx, "cust-1", core.LedgerFilter{Kind: core.EntryDebit}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, debits.Total)

	ranged, err := s.ListEntries(ctx, "cust-1", core.LedgerFilter{DateRange: core.DateRange{
		From: t0.Add(2 * time.Minute),
		To:   t0.Add(4 * time.Minute),
	}}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, ranged.Total)

	paged, err := s.ListEntries(ctx, "cust-1", core.LedgerFilter{}, core.PageRequest{Page: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, paged.Items, 1)
	assert.Equal(t, int64(1), paged.Items[0].Seq)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackAndCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx core.Store) error {
		require.NoError(t, tx.InsertEntry(ctx, entry("cust-1", 1, 1000, "")))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	latest, err := s.LatestEntry(ctx, "cust-1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	err = s.WithTx(ctx, func(tx core.Store) error {
		if err := tx.InsertEntry(ctx, entry("cust-1", 1, 1000, "")); err != nil {
			return err
		}
		// Nested calls join the outer transaction
		return tx.WithTx(ctx, func(inner core.Store) error {
			return inner.SaveInvoice(ctx, testInvoice("cust-1", "INV-1", t0))
		})
	})
	require.NoError(t, err)

	latest, err = s.LatestEntry(ctx, "cust-1")
	require.NoError(t, err)
	assert.NotNil(t, latest)
	page, err := s.ListInvoices(ctx, "cust-1", core.InvoiceFilter{}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestReset_DropsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 1, 1000, "")))
	require.NoError(t, s.SaveInvoice(ctx, testInvoice("cust-1", "INV-1", t0)))

	require.NoError(t, s.Reset(ctx))

	latest, err := s.LatestEntry(ctx, "cust-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
	page, err := s.ListInvoices(ctx, "cust-1", core.InvoiceFilter{}, core.PageRequest{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	// The schema is usable again
	require.NoError(t, s.InsertEntry(ctx, entry("cust-1", 1, 1000, "")))
}

// =============================================================================
// INVOICES
// =============================================================================

func TestInvoices_SaveGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inv := testInvoice("cust-1", "INV-1", t0)
	require.NoError(t, s.SaveInvoice(ctx, inv))

	// Duplicate numbers are refused
	dup := testInvoice("cust-1", "INV-1", t0)
	err := s.SaveInvoice(ctx, dup)
	assert.True(t, core.IsClientError(err))

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalDue.Equal(core.Rupiah(150000)))
	assert.Nil(t, got.PaidAt)

	paidAt := t0.Add(time.Hour)
	got.Status = core.InvoicePaid
	got.PaymentMethod = core.PaymentMethodSaldo
	got.PaidAt = &paidAt
	got.UpdatedAt = paidAt
	require.NoError(t, s.UpdateInvoice(ctx, *got, core.InvoiceUnpaid))

	// A second writer still expecting unpaid loses
	err = s.UpdateInvoice(ctx, *got, core.InvoiceUnpaid)
	assert.ErrorIs(t, err, core.ErrConcurrentModification)

	reloaded, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InvoicePaid, reloaded.Status)
	assert.Equal(t, core.PaymentMethodSaldo, reloaded.PaymentMethod)
	require.NotNil(t, reloaded.PaidAt)
	assert.Equal(t, paidAt, *reloaded.PaidAt)

	_, err = s.GetInvoice(ctx, "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestInvoices_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, number := range []string{"INV-A1", "INV-A2", "INV-B3"} {
		inv := testInvoice("cust-1", number, t0.Add(time.Duration(i)*24*time.Hour))
		if number == "INV-A2" {
			inv.Status = core.InvoicePaid
			inv.PaymentMethod = "BRIVA"
		}
		require.NoError(t, s.SaveInvoice(ctx, inv))
	}
	require.NoError(t, s.SaveInvoice(ctx, testInvoice("cust-2", "INV-OTHER", t0)))

	all, err := s.ListInvoices(ctx, "cust-1", core.InvoiceFilter{}, core.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 3, all.Total)
	assert.Equal(t, "INV-B3", all.Items[0].Number)

	paid, err := s.ListInvoices(ctx, "cust-1", core.InvoiceFilter{Status: core.InvoicePaid}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, paid.Total)

	byMethod, err := s.ListInvoices(ctx, "cust-1", core.InvoiceFilter{PaymentMethod: "BRIVA"}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, byMethod.Total)

	search, err := s.ListInvoices(ctx, "cust-1", core.InvoiceFilter{Query: "A"}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, search.Total)

	ranged, err := s.ListInvoices(ctx, "cust-1", core.InvoiceFilter{DateRange: core.DateRange{From: t0.Add(time.Hour)}}, core.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, ranged.Total)
}

// =============================================================================
// GATEWAY TRANSACTIONS
// =============================================================================

func TestGatewayTx_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	gtx := core.GatewayTransaction{
		MerchantRef: "PAY-1",
		Purpose:     core.PurposeInvoice,
		SubjectID:   "inv-1",
		CustomerID:  "cust-1",
		MethodCode:  "BRIVA",
		Amount:      core.Rupiah(100000),
		Status:      core.GatewayUnpaid,
		ExpiresAt:   t0.Add(24 * time.Hour),
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	require.NoError(t, s.SaveGatewayTx(ctx, gtx))
	assert.ErrorIs(t, s.SaveGatewayTx(ctx, gtx), core.ErrConcurrentModification)

	// The gateway answers
	gtx.Reference = "T0001"
	gtx.FeeTotal = core.Rupiah(4250)
	gtx.AmountReceived = core.Rupiah(100000)
	gtx.PayCode = "8800123"
	gtx.Instructions = []core.Instruction{{Title: "ATM", Steps: []string{"Insert card", "Pay"}}}
	require.NoError(t, s.UpdateGatewayTx(ctx, gtx, core.GatewayUnpaid))

	byRef, err := s.GetGatewayTxByReference(ctx, "T0001")
	require.NoError(t, err)
	assert.Equal(t, "PAY-1", byRef.MerchantRef)
	assert.True(t, byRef.TotalCharged().Equal(core.Rupiah(104250)))
	require.Len(t, byRef.Instructions, 1)
	assert.Equal(t, []string{"Insert card", "Pay"}, byRef.Instructions[0].Steps)

	open, err := s.OpenGatewayTxs(ctx, core.PurposeInvoice, "inv-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	stale, err := s.StaleGatewayTxs(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	stale, err = s.StaleGatewayTxs(ctx, t0.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Settle it once
	paidAt := t0.Add(time.Hour)
	gtx.Status = core.GatewayPaid
	gtx.PaidAt = &paidAt
	require.NoError(t, s.UpdateGatewayTx(ctx, gtx, core.GatewayUnpaid))
	assert.ErrorIs(t, s.UpdateGatewayTx(ctx, gtx, core.GatewayUnpaid), core.ErrConcurrentModification)

	open, err = s.OpenGatewayTxs(ctx, core.PurposeInvoice, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = s.GetGatewayTx(ctx, "PAY-404")
	assert.True(t, core.IsNotFound(err))
}

// =============================================================================
// REQUESTS
// =============================================================================

func TestGatewayTx_StaleOrderFollowsTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, ref := range []string{"PAY-1", "PAY-2", "PAY-3"} {
		created := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveGatewayTx(ctx, core.GatewayTransaction{
			MerchantRef: ref,
			Purpose:     core.PurposeTopup,
			SubjectID:   "top-" + ref,
			CustomerID:  "cust-1",
			MethodCode:  "BRIVA",
			Amount:      core.Rupiah(50000),
			Status:      core.GatewayUnpaid,
			ExpiresAt:   created.Add(time.Hour),
			CreatedAt:   created,
			UpdatedAt:   created,
		}))
	}
	refs := func() []string {
		stale, err := s.StaleGatewayTxs(ctx, t0.Add(time.Hour), 2)
		require.NoError(t, err)
		out := make([]string, 0, len(stale))
		for _, tx := range stale {
			out = append(out, tx.MerchantRef)
		}
		return out
	}

	assert.Equal(t, []string{"PAY-1", "PAY-2"}, refs())

	// Touched rows go to the back of the queue
	require.NoError(t, s.TouchGatewayTx(ctx, "PAY-1", t0.Add(2*time.Hour)))
	assert.Equal(t, []string{"PAY-2", "PAY-3"}, refs())
	require.NoError(t, s.TouchGatewayTx(ctx, "PAY-2", t0.Add(3*time.Hour)))
	assert.Equal(t, []string{"PAY-3", "PAY-1"}, refs())

	// Settled rows are not touched
	paid, err := s.GetGatewayTx(ctx, "PAY-3")
	require.NoError(t, err)
	paid.Status = core.GatewayPaid
	require.NoError(t, s.UpdateGatewayTx(ctx, *paid, core.GatewayUnpaid))
	require.NoError(t, s.TouchGatewayTx(ctx, "PAY-3", t0.Add(4*time.Hour)))

	got, err := s.GetGatewayTx(ctx, "PAY-3")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(paid.UpdatedAt))
	assert.Equal(t, []string{"PAY-1", "PAY-2"}, refs())
}

func TestTopups_PendingOnlyDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := core.TopupRequest{
		ID: "top-1", Number: "TOP-1", CustomerID: "cust-1", Nominal: core.Rupiah(50000),
		Method: core.TopupManual, Status: core.TopupPending, BankAccountID: "bca-1",
		CreatedAt: t0, UpdatedAt: t0,
	}
	approved := pending
	approved.ID, approved.Number = "top-2", "TOP-2"
	require.NoError(t, s.SaveTopup(ctx, pending))
	require.NoError(t, s.SaveTopup(ctx, approved))

	approved.Status = core.TopupApproved
	approved.ReviewedBy = "ops"
	require.NoError(t, s.UpdateTopup(ctx, approved, core.TopupPending))

	queue, err := s.PendingTopups(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "top-1", queue[0].ID)

	err = s.DeleteTopup(ctx, "top-2")
	assert.ErrorIs(t, err, core.ErrRequestNotPending)
	err = s.DeleteTopup(ctx, "top-404")
	assert.True(t, core.IsNotFound(err))
	require.NoError(t, s.DeleteTopup(ctx, "top-1"))

	page, err := s.ListTopups(ctx, "cust-1", core.TopupFilter{Method: core.TopupManual}, core.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "ops", page.Items[0].ReviewedBy)
}

func TestWithdrawals_UpdateAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := core.WithdrawRequest{
		ID: "wd-1", Number: "WD-1", CustomerID: "cust-1", Nominal: core.Rupiah(20000),
		RequestedAt: t0, Status: core.WithdrawPending, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.SaveWithdraw(ctx, w))

	w.Nominal = core.Rupiah(25000)
	require.NoError(t, s.UpdateWithdraw(ctx, w, core.WithdrawPending))

	w.Status = core.WithdrawRejected
	require.NoError(t, s.UpdateWithdraw(ctx, w, core.WithdrawPending))
	assert.ErrorIs(t, s.UpdateWithdraw(ctx, w, core.WithdrawPending), core.ErrConcurrentModification)

	got, err := s.GetWithdraw(ctx, "wd-1")
	require.NoError(t, err)
	assert.True(t, got.Nominal.Equal(core.Rupiah(25000)))
	assert.Equal(t, core.WithdrawRejected, got.Status)

	pending, err := s.ListWithdraws(ctx, "cust-1", core.WithdrawFilter{Status: core.WithdrawPending}, core.PageRequest{})
	require.NoError(t, err)
	assert.Zero(t, pending.Total)
	assert.Empty(t, pending.Items)
}

// =============================================================================
// INCIDENTS
// =============================================================================

func TestIncidents_ResolveOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &core.ReconciliationError{
		Reference: "T0001", MerchantRef: "PAY-1", SubjectID: "inv-1",
		Reason: "amount mismatch", Expected: core.Rupiah(100000), Got: core.Rupiah(90000),
	}
	inc := core.NewIncident(rec, "webhook", t0)
	require.NoError(t, s.SaveIncident(ctx, inc))

	open, err := s.ListIncidents(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Got.Equal(core.Rupiah(90000)))

	require.NoError(t, s.ResolveIncident(ctx, inc.ID, "ops", t0.Add(time.Hour)))
	assert.ErrorIs(t, s.ResolveIncident(ctx, inc.ID, "ops", t0.Add(time.Hour)), core.ErrConcurrentModification)

	open, err = s.ListIncidents(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := s.ListIncidents(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Resolved)
	assert.Equal(t, "ops", all[0].ResolvedBy)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestBankAccounts_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := core.BankAccount{ID: "bca-1", BankName: "BCA", HolderName: "PT Warp", AccountNumber: "123", Active: true, CreatedAt: t0}
	require.NoError(t, s.SaveBankAccount(ctx, a))
	a.Active = false
	require.NoError(t, s.SaveBankAccount(ctx, a))

	all, err := s.ListBankAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)

	_, err = s.GetBankAccount(ctx, "bni-1")
	assert.True(t, core.IsNotFound(err))
}

func TestPaymentMethods_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := core.PaymentMethod{
		Code: "BRIVA", Name: "BRI Virtual Account", Group: "Virtual Account",
		FlatCustomer: core.Rupiah(4250), MinAmount: core.Rupiah(10000), MaxAmount: core.Rupiah(5000000),
		MinimumFee: decimal.NewNullDecimal(core.Rupiah(1000)), Active: true,
	}
	require.NoError(t, s.UpsertPaymentMethod(ctx, m))
	m.Name = "BRIVA"
	require.NoError(t, s.UpsertPaymentMethod(ctx, m))

	got, err := s.GetPaymentMethod(ctx, "BRIVA")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BRIVA", got.Name)
	assert.True(t, got.FlatCustomer.Equal(core.Rupiah(4250)))
	assert.True(t, got.MinimumFee.Valid)
	assert.False(t, got.MaximumFee.Valid)

	list, err := s.ListPaymentMethods(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
