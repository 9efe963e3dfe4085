package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoicePending       InvoiceStatus = "PENDING"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceOverdue       InvoiceStatus = "OVERDUE"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
)

// Invoice is a bill for one subscription cycle. IssueDate and DueDate are calendar dates at UTC midnight.
type Invoice struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	CompanyID      uint          `gorm:"not null;index:idx_invoices_company_status,priority:1" json:"company_id"`
	SubscriptionID uint          `gorm:"not null;index" json:"subscription_id"`
	InvoiceNumber  string        `gorm:"type:varchar(64);not null;uniqueIndex" json:"invoice_number"`
	Subtotal       int64         `gorm:"not null;default:0" json:"subtotal"`
	TaxAmount      int64         `gorm:"not null;default:0" json:"tax_amount"`
	DiscountAmount int64         `gorm:"not null;default:0" json:"discount_amount"`
	TotalAmount    int64         `gorm:"not null;default:0" json:"total_amount"`
	PaidAmount     int64         `gorm:"not null;default:0" json:"paid_amount"`
	Currency       string        `gorm:"type:varchar(3);not null;default:'INR'" json:"currency"`
	Status         InvoiceStatus `gorm:"type:varchar(32);not null;default:'PENDING';index:idx_invoices_company_status,priority:2" json:"status"`
	IssueDate      time.Time     `gorm:"type:date;not null" json:"issue_date"`
	DueDate        time.Time     `gorm:"type:date;not null;index" json:"due_date"`
	PaidAt         *time.Time    `gorm:"default:null" json:"paid_at,omitempty"`
	CreatedAt      time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// ComputeTotal returns subtotal + tax - discount, floored at zero.
func ComputeTotal(subtotal, tax, discount int64) int64 {
	total := subtotal + tax - discount
	if total < 0 {
		return 0
	}
	return total
}

// ComputeOverdue derives the status an invoice should have on the given day.
// Only a PENDING invoice past its due date becomes OVERDUE; every other status is returned as is.
func ComputeOverdue(status InvoiceStatus, dueDate, today time.Time) InvoiceStatus {
	if status == InvoicePending && DateOf(dueDate).Before(DateOf(today)) {
		return InvoiceOverdue
	}
	return status
}

// Recompute refreshes the derived total and overdue status. Call it right before every write.
func (inv *Invoice) Recompute(today time.Time) {
	inv.TotalAmount = ComputeTotal(inv.Subtotal, inv.TaxAmount, inv.DiscountAmount)
	if inv.PaidAmount > inv.TotalAmount {
		inv.PaidAmount = inv.TotalAmount
	}
	inv.Status = ComputeOverdue(inv.Status, inv.DueDate, today)
}

func (inv *Invoice) RemainingAmount() int64 {
	remaining := inv.TotalAmount - inv.PaidAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsUnpaid reports whether the invoice still expects money.
func (inv *Invoice) IsUnpaid() bool {
	switch inv.Status {
	case InvoicePending, InvoiceOverdue, InvoicePartiallyPaid:
		return true
	}
	return false
}

// MarkAsPaid applies a received amount. The paid amount never exceeds the total.
func (inv *Invoice) MarkAsPaid(amount int64, at time.Time) error {
	switch inv.Status {
	case InvoiceCancelled, InvoiceDraft:
		return fmt.Errorf("%w: invoice %s is %s", ErrInvalidTransition, inv.InvoiceNumber, inv.Status)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: payment amount must be positive, got %d", ErrAmountOutOfRange, amount)
	}
	inv.PaidAmount += amount
	if inv.PaidAmount >= inv.TotalAmount {
		inv.PaidAmount = inv.TotalAmount
		inv.Status = InvoicePaid
		inv.PaidAt = &at
		return nil
	}
	inv.Status = InvoicePartiallyPaid
	return nil
}

// ReverseRefund lowers the paid amount after a refund and reopens the invoice when needed.
func (inv *Invoice) ReverseRefund(amount int64) {
	if amount <= 0 {
		return
	}
	inv.PaidAmount -= amount
	if inv.PaidAmount < 0 {
		inv.PaidAmount = 0
	}
	switch {
	case inv.Status == InvoiceCancelled:
	case inv.PaidAmount == 0:
		inv.Status = InvoicePending
		inv.PaidAt = nil
	case inv.PaidAmount < inv.TotalAmount:
		inv.Status = InvoicePartiallyPaid
		inv.PaidAt = nil
	}
}

func (inv *Invoice) TotalMajor() decimal.Decimal {
	return ToMajorUnits(inv.TotalAmount)
}

func (inv *Invoice) RemainingMajor() decimal.Decimal {
	return ToMajorUnits(inv.RemainingAmount())
}
