package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentOrderStatus string

const (
	PaymentOrderCreated           PaymentOrderStatus = "CREATED"
	PaymentOrderAttempted         PaymentOrderStatus = "ATTEMPTED"
	PaymentOrderAuthorized        PaymentOrderStatus = "AUTHORIZED"
	PaymentOrderPaid              PaymentOrderStatus = "PAID"
	PaymentOrderFailed            PaymentOrderStatus = "FAILED"
	PaymentOrderExpired           PaymentOrderStatus = "EXPIRED"
	PaymentOrderRefundInitiated   PaymentOrderStatus = "REFUND_INITIATED"
	PaymentOrderPartiallyRefunded PaymentOrderStatus = "PARTIALLY_REFUNDED"
	PaymentOrderRefunded          PaymentOrderStatus = "REFUNDED"
	PaymentOrderCancelled         PaymentOrderStatus = "CANCELLED"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAmountOutOfRange  = errors.New("amount out of range")
)

// PaymentOrder tracks one attempt to collect payment for an invoice through the gateway.
// Amounts are minor currency units.
type PaymentOrder struct {
	ID               uint               `gorm:"primaryKey" json:"id"`
	GatewayOrderID   string             `gorm:"type:varchar(191);not null;uniqueIndex" json:"gateway_order_id"`
	GatewayPaymentID string             `gorm:"type:varchar(191);default:'';index" json:"gateway_payment_id"`
	GatewayRefundID  string             `gorm:"type:varchar(191);default:''" json:"gateway_refund_id"`
	InvoiceID        uint               `gorm:"not null;index" json:"invoice_id"`
	CompanyID        uint               `gorm:"not null;index" json:"company_id"`
	Amount           int64              `gorm:"not null" json:"amount"`
	AmountPaid       int64              `gorm:"not null;default:0" json:"amount_paid"`
	AmountRefunded   int64              `gorm:"not null;default:0" json:"amount_refunded"`
	Currency         string             `gorm:"type:varchar(3);not null;default:'INR'" json:"currency"`
	Status           PaymentOrderStatus `gorm:"type:varchar(32);not null;default:'CREATED';index" json:"status"`
	Attempts         int                `gorm:"not null;default:0" json:"attempts"`
	ErrorCode        string             `gorm:"type:varchar(100);default:''" json:"error_code,omitempty"`
	ErrorDescription string             `gorm:"type:text" json:"error_description,omitempty"`
	ErrorReason      string             `gorm:"type:varchar(191);default:''" json:"error_reason,omitempty"`
	PaidAt           *time.Time         `gorm:"default:null" json:"paid_at,omitempty"`
	RefundedAt       *time.Time         `gorm:"default:null" json:"refunded_at,omitempty"`
	CreatedAt        time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentOrder) TableName() string {
	return "payment_orders"
}

// NewPaymentOrder returns a CREATED order for the given invoice amount.
func NewPaymentOrder(gatewayOrderID string, invoiceID, companyID uint, amount int64, currency string) (*PaymentOrder, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: order amount must be positive, got %d", ErrAmountOutOfRange, amount)
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return &PaymentOrder{
		GatewayOrderID: gatewayOrderID,
		InvoiceID:      invoiceID,
		CompanyID:      companyID,
		Amount:         amount,
		Currency:       currency,
		Status:         PaymentOrderCreated,
	}, nil
}

// IsTerminal excludes PAID because a paid order can still be refunded.
func (o *PaymentOrder) IsTerminal() bool {
	switch o.Status {
	case PaymentOrderFailed, PaymentOrderExpired, PaymentOrderRefunded, PaymentOrderCancelled:
		return true
	}
	return false
}

func (o *PaymentOrder) IsRefundable() bool {
	return o.Status == PaymentOrderPaid || o.Status == PaymentOrderPartiallyRefunded
}

// IsSettled reports whether the payment has already been captured, refunded or not.
func (o *PaymentOrder) IsSettled() bool {
	switch o.Status {
	case PaymentOrderPaid, PaymentOrderRefundInitiated, PaymentOrderPartiallyRefunded, PaymentOrderRefunded:
		return true
	}
	return false
}

func (o *PaymentOrder) isPayable() bool {
	switch o.Status {
	case PaymentOrderCreated, PaymentOrderAttempted, PaymentOrderAuthorized:
		return true
	}
	return false
}

func (o *PaymentOrder) transitionError(to PaymentOrderStatus) error {
	return fmt.Errorf("%w: payment order %s cannot move from %s to %s", ErrInvalidTransition, o.GatewayOrderID, o.Status, to)
}

// RecordAttempt marks that the customer started a checkout for this order.
func (o *PaymentOrder) RecordAttempt() error {
	if o.Status != PaymentOrderCreated && o.Status != PaymentOrderAttempted {
		return o.transitionError(PaymentOrderAttempted)
	}
	o.Status = PaymentOrderAttempted
	o.Attempts++
	return nil
}

func (o *PaymentOrder) MarkAuthorized(paymentID string) error {
	if o.Status != PaymentOrderCreated && o.Status != PaymentOrderAttempted {
		return o.transitionError(PaymentOrderAuthorized)
	}
	o.Status = PaymentOrderAuthorized
	if paymentID != "" {
		o.GatewayPaymentID = paymentID
	}
	return nil
}

// MarkPaid captures the payment. An amount of zero means the full order amount.
func (o *PaymentOrder) MarkPaid(paymentID string, amount int64, at time.Time) error {
	if !o.isPayable() {
		return o.transitionError(PaymentOrderPaid)
	}
	if amount == 0 {
		amount = o.Amount
	}
	if amount < 0 || amount > o.Amount {
		return fmt.Errorf("%w: paid amount %d outside [0, %d]", ErrAmountOutOfRange, amount, o.Amount)
	}
	o.Status = PaymentOrderPaid
	o.GatewayPaymentID = paymentID
	o.AmountPaid = amount
	o.PaidAt = &at
	o.ErrorCode, o.ErrorDescription, o.ErrorReason = "", "", ""
	return nil
}

// MarkFailed only applies before capture so a late failure event never overwrites a success.
func (o *PaymentOrder) MarkFailed(code, description, reason string) error {
	if !o.isPayable() {
		return o.transitionError(PaymentOrderFailed)
	}
	o.Status = PaymentOrderFailed
	o.ErrorCode = code
	o.ErrorDescription = description
	o.ErrorReason = reason
	return nil
}

// InitiateRefund flags a refund requested at the gateway but not yet confirmed.
func (o *PaymentOrder) InitiateRefund(refundID string) error {
	if !o.IsRefundable() {
		return o.transitionError(PaymentOrderRefundInitiated)
	}
	o.Status = PaymentOrderRefundInitiated
	o.GatewayRefundID = refundID
	return nil
}

// ApplyRefund adds delta to the refunded amount. Full refunds end in REFUNDED.
func (o *PaymentOrder) ApplyRefund(refundID string, delta int64, at time.Time) error {
	if !o.IsRefundable() && o.Status != PaymentOrderRefundInitiated {
		return o.transitionError(PaymentOrderRefunded)
	}
	if delta <= 0 || o.AmountRefunded+delta > o.AmountPaid {
		return fmt.Errorf("%w: refund %d exceeds refundable %d", ErrAmountOutOfRange, delta, o.RefundableAmount())
	}
	o.AmountRefunded += delta
	if refundID != "" {
		o.GatewayRefundID = refundID
	}
	if o.AmountRefunded >= o.AmountPaid {
		o.Status = PaymentOrderRefunded
		o.RefundedAt = &at
	} else {
		o.Status = PaymentOrderPartiallyRefunded
	}
	return nil
}

func (o *PaymentOrder) MarkExpired() error {
	if o.Status != PaymentOrderCreated && o.Status != PaymentOrderAttempted {
		return o.transitionError(PaymentOrderExpired)
	}
	o.Status = PaymentOrderExpired
	return nil
}

func (o *PaymentOrder) Cancel() error {
	if !o.isPayable() {
		return o.transitionError(PaymentOrderCancelled)
	}
	o.Status = PaymentOrderCancelled
	return nil
}

func (o *PaymentOrder) RefundableAmount() int64 {
	return o.AmountPaid - o.AmountRefunded
}

// CheckInvariants verifies 0 <= paid <= amount and 0 <= refunded <= paid.
func (o *PaymentOrder) CheckInvariants() error {
	if o.AmountPaid < 0 || o.AmountPaid > o.Amount {
		return fmt.Errorf("%w: amount_paid %d not within [0, %d]", ErrAmountOutOfRange, o.AmountPaid, o.Amount)
	}
	if o.AmountRefunded < 0 || o.AmountRefunded > o.AmountPaid {
		return fmt.Errorf("%w: amount_refunded %d not within [0, %d]", ErrAmountOutOfRange, o.AmountRefunded, o.AmountPaid)
	}
	return nil
}

func (o *PaymentOrder) AmountMajor() decimal.Decimal {
	return ToMajorUnits(o.Amount)
}

func (o *PaymentOrder) AmountPaidMajor() decimal.Decimal {
	return ToMajorUnits(o.AmountPaid)
}

func (o *PaymentOrder) AmountRefundedMajor() decimal.Decimal {
	return ToMajorUnits(o.AmountRefunded)
}
