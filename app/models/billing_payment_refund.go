package models

import "time"

// PaymentRefund remembers each gateway refund applied to an order, so a replayed
// refund id changes nothing.
type PaymentRefund struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	GatewayRefundID string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"gateway_refund_id"`
	PaymentOrderID  uint      `gorm:"not null;index" json:"payment_order_id"`
	Amount          int64     `gorm:"not null" json:"amount"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (PaymentRefund) TableName() string {
	return "payment_refunds"
}
