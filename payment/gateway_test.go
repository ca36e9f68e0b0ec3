package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/payment"
	"github.com/warp/settlement-engine/store/sqlite"
	"go.uber.org/zap"
)

var opened = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func savedUnpaid(t *testing.T, store *sqlite.Store, ref string) core.GatewayTransaction {
	t.Helper()
	created := opened.Add(-time.Hour)
	gtx := core.GatewayTransaction{
		MerchantRef: ref,
		Purpose:     core.PurposeInvoice,
		SubjectID:   "inv-1",
		CustomerID:  "cust-1",
		MethodCode:  "BRIVA",
		Amount:      rp(100000),
		Status:      core.GatewayUnpaid,
		ExpiresAt:   created.Add(24 * time.Hour),
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, store.SaveGatewayTx(context.Background(), gtx))
	return gtx
}

func createRequest(gtx core.GatewayTransaction) payment.CreateRequest {
	return payment.CreateRequest{
		MethodCode:   gtx.MethodCode,
		MerchantRef:  gtx.MerchantRef,
		Amount:       gtx.Amount,
		CustomerName: "cust-1",
		Items:        []payment.OrderItem{{SKU: "INV-1", Name: "Invoice", Price: gtx.Amount, Quantity: 1}},
	}
}

func TestOpenTransaction_StampsCallerClock(t *testing.T) {
	ctx := context.Background()
	_, store := newTestCatalog(t, nil)
	sim := payment.NewSimulator()
	gtx := savedUnpaid(t, store, "PAY-1")

	got, err := payment.OpenTransaction(ctx, store, sim, zap.NewNop(), gtx, createRequest(gtx), time.Second, opened)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Reference)
	assert.True(t, got.UpdatedAt.Equal(opened))

	stored, err := store.GetGatewayTx(ctx, "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, got.Reference, stored.Reference)
	assert.True(t, stored.UpdatedAt.Equal(opened))
}

func TestOpenTransaction_RejectedIsFailedAtCallerClock(t *testing.T) {
	ctx := context.Background()
	_, store := newTestCatalog(t, nil)
	sim := payment.NewSimulator()
	sim.FailNext(&payment.GatewayError{StatusCode: 503, Message: "maintenance"})
	gtx := savedUnpaid(t, store, "PAY-1")

	got, err := payment.OpenTransaction(ctx, store, sim, zap.NewNop(), gtx, createRequest(gtx), time.Second, opened)
	assert.ErrorIs(t, err, core.ErrGatewayUnavailable)
	assert.Equal(t, core.GatewayFailed, got.Status)

	stored, err := store.GetGatewayTx(ctx, "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, core.GatewayFailed, stored.Status)
	assert.True(t, stored.UpdatedAt.Equal(opened))
}

func TestOpenTransaction_TimeoutLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	_, store := newTestCatalog(t, nil)
	sim := payment.NewSimulator()
	sim.SetLatency(500 * time.Millisecond)
	gtx := savedUnpaid(t, store, "PAY-1")

	got, err := payment.OpenTransaction(ctx, store, sim, zap.NewNop(), gtx, createRequest(gtx), 20*time.Millisecond, opened)
	assert.ErrorIs(t, err, core.ErrGatewayTimeout)
	assert.Equal(t, gtx, got)

	stored, err := store.GetGatewayTx(ctx, "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, core.GatewayUnpaid, stored.Status)
	assert.True(t, stored.UpdatedAt.Equal(gtx.UpdatedAt))
}

func TestApplyDetail_UsesGivenTime(t *testing.T) {
	gtx := core.GatewayTransaction{MerchantRef: "PAY-1", Status: core.GatewayUnpaid}
	got := payment.ApplyDetail(gtx, payment.TransactionDetail{Reference: "T1", PayCode: "8800"}, opened)

	assert.Equal(t, "T1", got.Reference)
	assert.Equal(t, "8800", got.PayCode)
	assert.Equal(t, core.GatewayUnpaid, got.Status)
	assert.True(t, got.UpdatedAt.Equal(opened))
}

func TestCallbackRouter_ParkMarksFailedAndRecords(t *testing.T) {
	ctx := context.Background()
	_, store := newTestCatalog(t, nil)
	router := payment.NewCallbackRouter(store, payment.NewIncidentRecorder(store, nil, nil), nil)
	gtx := savedUnpaid(t, store, "PAY-1")

	err := router.Park(ctx, "sweeper", gtx, errors.New("transaction not found"), opened)

	var rec *core.ReconciliationError
	require.ErrorAs(t, err, &rec)
	assert.Contains(t, rec.Reason, "transaction not found")

	stored, err := store.GetGatewayTx(ctx, "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, core.GatewayFailed, stored.Status)

	incidents, err := store.ListIncidents(ctx, false)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "PAY-1", incidents[0].MerchantRef)

	// A row that moved on is not parked twice
	err = router.Park(ctx, "sweeper", gtx, errors.New("again"), opened)
	assert.ErrorIs(t, err, core.ErrConcurrentModification)
}
