package payment_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/payment"
	"github.com/warp/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func defaultChannels(t *testing.T) map[string]core.PaymentMethod {
	t.Helper()
	methods, err := factory.NewChannelFactory().ParseChannels([]byte(factory.DefaultChannelsJSON))
	require.NoError(t, err)

	byCode := make(map[string]core.PaymentMethod, len(methods))
	for _, m := range methods {
		byCode[m.Code] = m
	}
	return byCode
}

func rp(v int64) decimal.Decimal { return core.Rupiah(v) }

// =============================================================================
// FEE COMPUTATION
// =============================================================================

func TestResolve_FlatCustomerFee(t *testing.T) {
	// GIVEN: BRIVA charges the customer a flat 4250
	briva := defaultChannels(t)["BRIVA"]

	// WHEN: Quoting 100000
	q, err := payment.Resolve(briva, rp(100000))

	// THEN: The fee is added on top
	require.NoError(t, err)
	assert.True(t, q.FeeCustomer.Equal(rp(4250)))
	assert.True(t, q.FeeTotal.Equal(rp(4250)))
	assert.True(t, q.TotalCharged.Equal(rp(104250)))
	assert.True(t, q.AmountReceived.Equal(rp(104250)))
}

func TestResolve_FlatPlusPercent_RoundsHalfUp(t *testing.T) {
	qris := defaultChannels(t)["QRIS"]

	tests := []struct {
		amount int64
		fee    int64
	}{
		{100000, 750 + 700},
		{12345, 750 + 86},  // 86.415
		{50000, 750 + 350}, // exact
		{1500, 750 + 11},   // 10.5 rounds up
	}
	for _, tt := range tests {
		q, err := payment.Resolve(qris, rp(tt.amount))
		require.NoError(t, err)
		assert.True(t, q.FeeCustomer.Equal(rp(tt.fee)), "amount %d: got fee %s", tt.amount, q.FeeCustomer)
		assert.True(t, q.TotalCharged.Equal(rp(tt.amount+tt.fee)))
	}
}

func TestResolve_MinimumFeeClamp(t *testing.T) {
	// GIVEN: OVO is 3% with a 1000 minimum
	ovo := defaultChannels(t)["OVO"]

	// WHEN: 3% of the amount is below the minimum
	q, err := payment.Resolve(ovo, rp(10000))

	// THEN: The minimum applies
	require.NoError(t, err)
	assert.True(t, q.FeeCustomer.Equal(rp(1000)))

	// AND: Above the minimum the percentage applies
	q, err = payment.Resolve(ovo, rp(100000))
	require.NoError(t, err)
	assert.True(t, q.FeeCustomer.Equal(rp(3000)))
}

func TestResolve_MaximumFeeClamp(t *testing.T) {
	m := core.PaymentMethod{
		Code:            "CC",
		Active:          true,
		PercentCustomer: decimal.RequireFromString("2.5"),
		MaximumFee:      decimal.NewNullDecimal(rp(5000)),
	}

	q, err := payment.Resolve(m, rp(1000000))
	require.NoError(t, err)
	assert.True(t, q.FeeCustomer.Equal(rp(5000)))
}

func TestResolve_MerchantFeeReducesReceived(t *testing.T) {
	m := core.PaymentMethod{
		Code:         "MYBVA",
		Active:       true,
		FlatMerchant: rp(4000),
		FlatCustomer: rp(0),
	}

	q, err := payment.Resolve(m, rp(100000))
	require.NoError(t, err)
	assert.True(t, q.FeeCustomer.IsZero())
	assert.True(t, q.TotalCharged.Equal(rp(100000)))
	assert.True(t, q.AmountReceived.Equal(rp(96000)))
}

func TestResolve_Deterministic(t *testing.T) {
	qris := defaultChannels(t)["QRIS"]

	a, err := payment.Resolve(qris, rp(77777))
	require.NoError(t, err)
	b, err := payment.Resolve(qris, rp(77777))
	require.NoError(t, err)

	assert.True(t, a.TotalCharged.Equal(b.TotalCharged))
	assert.True(t, a.FeeTotal.Equal(b.FeeTotal))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestResolve_InactiveMethod(t *testing.T) {
	bniva := defaultChannels(t)["BNIVA"]

	_, err := payment.Resolve(bniva, rp(100000))

	assert.ErrorIs(t, err, core.ErrMethodInactive)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestResolve_AmountOutOfRange(t *testing.T) {
	briva := defaultChannels(t)["BRIVA"]

	for _, amount := range []int64{9999, 50000001} {
		_, err := payment.Resolve(briva, rp(amount))

		var rangeErr *core.AmountOutOfRangeError
		require.ErrorAs(t, err, &rangeErr, "amount %d", amount)
		assert.Equal(t, "BRIVA", rangeErr.MethodCode)
		assert.True(t, rangeErr.Min.Equal(rp(10000)))
		assert.True(t, rangeErr.Max.Equal(rp(50000000)))
		assert.ErrorIs(t, err, core.ErrAmountOutOfRange)
	}
}

func TestResolve_BoundsAreInclusive(t *testing.T) {
	briva := defaultChannels(t)["BRIVA"]

	_, err := payment.Resolve(briva, rp(10000))
	assert.NoError(t, err)
	_, err = payment.Resolve(briva, rp(50000000))
	assert.NoError(t, err)
}

func TestResolve_NonPositiveAmount(t *testing.T) {
	briva := defaultChannels(t)["BRIVA"]

	_, err := payment.Resolve(briva, decimal.Zero)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = payment.Resolve(briva, rp(-5))
	assert.ErrorIs(t, err, core.ErrValidation)
}

// =============================================================================
// CATALOG
// =============================================================================

func newTestCatalog(t *testing.T, gw payment.Gateway) (*payment.Catalog, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return payment.NewCatalog(store, gw, nil), store
}

func TestResolver_UnknownCode(t *testing.T) {
	catalog, _ := newTestCatalog(t, nil)
	resolver := payment.NewResolver(catalog)

	_, err := resolver.Resolve(context.Background(), "NOPE", rp(10000))

	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCatalog_SyncFromGateway(t *testing.T) {
	ctx := context.Background()
	sim := payment.NewSimulator()
	catalog, store := newTestCatalog(t, sim)

	n, err := catalog.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	methods, err := catalog.List(ctx)
	require.NoError(t, err)
	assert.Len(t, methods, 5)

	stored, err := store.GetPaymentMethod(ctx, "OVO")
	require.NoError(t, err)
	assert.True(t, stored.MinimumFee.Valid)

	q, err := payment.NewResolver(catalog).Resolve(ctx, "BRIVA", rp(20000))
	require.NoError(t, err)
	assert.True(t, q.TotalCharged.Equal(rp(24250)))
}

func TestCatalog_SyncKeepsLocalReviewFlag(t *testing.T) {
	ctx := context.Background()

	// GIVEN: The gateway does not know about review, the local catalog does
	channels := defaultChannels(t)
	briva := channels["BRIVA"]
	sim := payment.NewSimulatorWithChannels([]core.PaymentMethod{briva})
	catalog, _ := newTestCatalog(t, sim)

	local := briva
	local.RequiresReview = true
	require.NoError(t, catalog.Seed(ctx, []core.PaymentMethod{local}))

	// WHEN: Syncing
	_, err := catalog.Sync(ctx)
	require.NoError(t, err)

	// THEN: The flag survives
	got, err := catalog.Get(ctx, "BRIVA")
	require.NoError(t, err)
	assert.True(t, got.RequiresReview)
}

func TestCatalog_SyncWithoutGateway(t *testing.T) {
	catalog, _ := newTestCatalog(t, nil)

	_, err := catalog.Sync(context.Background())
	assert.Error(t, err)
}
