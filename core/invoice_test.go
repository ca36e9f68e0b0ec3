package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInvoice_Total(t *testing.T) {
	now := time.Date(2026, time.September, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   NewInvoice
		want int64
	}{
		{"nominal only", NewInvoice{CustomerID: "c", Period: "2026-09", Nominal: Rupiah(150000)}, 150000},
		{"with discount", NewInvoice{CustomerID: "c", Period: "2026-09", Nominal: Rupiah(150000), Discount: Rupiah(10000)}, 140000},
		{"with tax", NewInvoice{CustomerID: "c", Period: "2026-09", Nominal: Rupiah(150000), TaxApplied: true, TaxAmount: Rupiah(16500)}, 166500},
		{"tax not applied", NewInvoice{CustomerID: "c", Period: "2026-09", Nominal: Rupiah(150000), TaxAmount: Rupiah(16500)}, 150000},
		{"discount and tax", NewInvoice{CustomerID: "c", Period: "2026-09", Nominal: Rupiah(150000), Discount: Rupiah(10000), TaxApplied: true, TaxAmount: Rupiah(15400)}, 155400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := BuildInvoice(tt.in, now)
			require.NoError(t, err)
			assert.True(t, inv.TotalDue.Equal(Rupiah(tt.want)), "got %s", inv.TotalDue)
			assert.Equal(t, InvoiceUnpaid, inv.Status)
			assert.NotEmpty(t, inv.ID)
			assert.Contains(t, inv.Number, "INV-20260901-")
		})
	}
}

func TestBuildInvoice_Validation(t *testing.T) {
	now := time.Now()
	base := NewInvoice{CustomerID: "c", Period: "2026-09", Nominal: Rupiah(1000)}

	tests := []struct {
		name   string
		mutate func(*NewInvoice)
		field  string
	}{
		{"no customer", func(in *NewInvoice) { in.CustomerID = "" }, "customer_id"},
		{"no period", func(in *NewInvoice) { in.Period = "" }, "period"},
		{"zero nominal", func(in *NewInvoice) { in.Nominal = Rupiah(0) }, "nominal"},
		{"discount above nominal", func(in *NewInvoice) { in.Discount = Rupiah(2000) }, "discount"},
		{"negative discount", func(in *NewInvoice) { in.Discount = Rupiah(-1) }, "discount"},
		{"negative tax", func(in *NewInvoice) { in.TaxApplied = true; in.TaxAmount = Rupiah(-1) }, "tax_amount"},
		{"fully discounted", func(in *NewInvoice) { in.Discount = Rupiah(1000) }, "total_due"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := BuildInvoice(in, now)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestBuildInvoice_KeepsGivenNumber(t *testing.T) {
	inv, err := BuildInvoice(NewInvoice{CustomerID: "c", Number: "INV-0001", Period: "2026-09", Nominal: Rupiah(1)}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "INV-0001", inv.Number)
}

func TestInvoice_Transitions(t *testing.T) {
	tests := []struct {
		from, to InvoiceStatus
		allowed  bool
	}{
		{InvoiceUnpaid, InvoicePaid, true},
		{InvoiceUnpaid, InvoiceWaitingReview, true},
		{InvoiceWaitingReview, InvoicePaid, true},
		{InvoiceWaitingReview, InvoiceUnpaid, true},
		{InvoiceUnpaid, InvoiceUnpaid, false},
		{InvoicePaid, InvoiceUnpaid, false},
		{InvoicePaid, InvoiceWaitingReview, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))

			err := Invoice{ID: "inv-1", Status: tt.from}.CheckTransition(tt.to)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.True(t, IsConflict(err))
		})
	}
}

func TestInvoice_PaidIsTerminal(t *testing.T) {
	err := Invoice{Status: InvoicePaid}.CheckTransition(InvoiceUnpaid)
	assert.ErrorIs(t, err, ErrInvoiceAlreadySettled)
}

func TestInvoice_CheckPayable(t *testing.T) {
	assert.NoError(t, Invoice{Status: InvoiceUnpaid}.CheckPayable())
	assert.ErrorIs(t, Invoice{Status: InvoicePaid}.CheckPayable(), ErrInvoiceAlreadySettled)
	assert.ErrorIs(t, Invoice{Status: InvoiceWaitingReview}.CheckPayable(), ErrInvoiceUnderReview)
	assert.ErrorIs(t, Invoice{Status: "void"}.CheckPayable(), ErrInvalidTransition)
	assert.False(t, InvoiceStatus("void").Valid())
}
