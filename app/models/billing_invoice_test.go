package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestComputeTotal(t *testing.T) {
	assert.Equal(t, int64(1180), ComputeTotal(1000, 180, 0))
	assert.Equal(t, int64(1080), ComputeTotal(1000, 180, 100))
	assert.Equal(t, int64(0), ComputeTotal(100, 0, 500))
}

func TestComputeOverdue(t *testing.T) {
	due := date(2024, 6, 10)
	tests := []struct {
		status InvoiceStatus
		today  time.Time
		want   InvoiceStatus
	}{
		{InvoicePending, date(2024, 6, 10), InvoicePending},
		{InvoicePending, date(2024, 6, 11), InvoiceOverdue},
		{InvoicePartiallyPaid, date(2024, 6, 11), InvoicePartiallyPaid},
		{InvoicePaid, date(2024, 7, 1), InvoicePaid},
		{InvoiceOverdue, date(2024, 7, 1), InvoiceOverdue},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComputeOverdue(tt.status, due, tt.today), "%s on %s", tt.status, tt.today.Format("2006-01-02"))
	}
}

func TestInvoiceMarkAsPaid(t *testing.T) {
	now := time.Now()
	newInvoice := func() *Invoice {
		inv := &Invoice{InvoiceNumber: "INV-1", Subtotal: 1000, TaxAmount: 180, Status: InvoicePending, DueDate: date(2024, 6, 10)}
		inv.Recompute(date(2024, 6, 1))
		return inv
	}

	t.Run("partial", func(t *testing.T) {
		inv := newInvoice()
		require.NoError(t, inv.MarkAsPaid(500, now))
		assert.Equal(t, InvoicePartiallyPaid, inv.Status)
		assert.Equal(t, int64(680), inv.RemainingAmount())
		assert.Nil(t, inv.PaidAt)
		assert.True(t, inv.IsUnpaid())
	})

	t.Run("exact", func(t *testing.T) {
		inv := newInvoice()
		require.NoError(t, inv.MarkAsPaid(1180, now))
		assert.Equal(t, InvoicePaid, inv.Status)
		assert.Equal(t, int64(0), inv.RemainingAmount())
		assert.NotNil(t, inv.PaidAt)
	})

	t.Run("over pays clamp to total", func(t *testing.T) {
		inv := newInvoice()
		require.NoError(t, inv.MarkAsPaid(5000, now))
		assert.Equal(t, InvoicePaid, inv.Status)
		assert.Equal(t, inv.TotalAmount, inv.PaidAmount)
		assert.Equal(t, int64(0), inv.RemainingAmount())
	})

	t.Run("two partials settle", func(t *testing.T) {
		inv := newInvoice()
		require.NoError(t, inv.MarkAsPaid(1000, now))
		require.NoError(t, inv.MarkAsPaid(180, now))
		assert.Equal(t, InvoicePaid, inv.Status)
	})

	t.Run("cancelled rejects payment", func(t *testing.T) {
		inv := newInvoice()
		inv.Status = InvoiceCancelled
		assert.ErrorIs(t, inv.MarkAsPaid(100, now), ErrInvalidTransition)
	})

	t.Run("overdue can still be paid", func(t *testing.T) {
		inv := newInvoice()
		inv.Recompute(date(2024, 6, 20))
		require.Equal(t, InvoiceOverdue, inv.Status)
		require.NoError(t, inv.MarkAsPaid(1180, now))
		assert.Equal(t, InvoicePaid, inv.Status)
	})
}

func TestInvoiceReverseRefund(t *testing.T) {
	inv := &Invoice{Subtotal: 1000, Status: InvoicePending, DueDate: date(2024, 6, 10)}
	inv.Recompute(date(2024, 6, 1))
	require.NoError(t, inv.MarkAsPaid(1000, time.Now()))

	inv.ReverseRefund(400)
	assert.Equal(t, InvoicePartiallyPaid, inv.Status)
	assert.Equal(t, int64(600), inv.PaidAmount)

	inv.ReverseRefund(600)
	assert.Equal(t, InvoicePending, inv.Status)
	inv.Recompute(date(2024, 6, 11))
	assert.Equal(t, InvoiceOverdue, inv.Status)
}

func TestInvoiceMajorUnits(t *testing.T) {
	inv := &Invoice{Subtotal: 123456}
	inv.Recompute(time.Now())
	assert.Equal(t, "1234.56", inv.TotalMajor().StringFixed(2))
}
