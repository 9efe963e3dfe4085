package models

import (
	"strings"
	"time"
)

// WebhookEventStatus is the processing state of an inbound gateway event row.
type WebhookEventStatus string

const (
	WebhookStatusReceived         WebhookEventStatus = "RECEIVED"
	WebhookStatusProcessing       WebhookEventStatus = "PROCESSING"
	WebhookStatusProcessed        WebhookEventStatus = "PROCESSED"
	WebhookStatusFailed           WebhookEventStatus = "FAILED"
	WebhookStatusDuplicate        WebhookEventStatus = "DUPLICATE"
	WebhookStatusInvalidSignature WebhookEventStatus = "INVALID_SIGNATURE"
)

// Gateway event types the billing engine knows about.
const (
	WebhookEventPaymentCaptured = "payment.captured"
	WebhookEventPaymentFailed   = "payment.failed"
	WebhookEventRefundProcessed = "refund.processed"
	WebhookEventOrderPaid       = "order.paid"
	WebhookEventUnknown         = "unknown"
)

// WebhookEvent is one delivery attempt of a gateway event. Rows are append-only
// audit records: a redelivery of a FAILED event gets a new row with the next Generation,
// so (source, event_id, generation) is the unique claim key.
type WebhookEvent struct {
	ID             uint               `gorm:"primaryKey" json:"id"`
	Source         string             `gorm:"type:varchar(32);not null;index:ux_billing_webhook_events_claim,unique,priority:1" json:"source"`
	EventID        string             `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_claim,unique,priority:2" json:"event_id"`
	Generation     int                `gorm:"not null;default:1;index:ux_billing_webhook_events_claim,unique,priority:3" json:"generation"`
	EventType      string             `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON    string             `gorm:"type:longtext;not null" json:"payload_json"`
	Signature      string             `gorm:"type:varchar(191);default:''" json:"-"`
	SignatureValid bool               `gorm:"default:false" json:"signature_valid"`
	Status         WebhookEventStatus `gorm:"type:varchar(32);not null;default:'RECEIVED';index" json:"status"`
	Attempts       int                `gorm:"not null;default:0" json:"attempts"`
	PaymentID      *string            `gorm:"type:varchar(191);index" json:"payment_id,omitempty"`
	OrderID        *string            `gorm:"type:varchar(191);index" json:"order_id,omitempty"`
	ErrorMessage   string             `gorm:"type:text" json:"error_message,omitempty"`
	ClientIP       string             `gorm:"type:varchar(64);default:''" json:"client_ip"`
	UserAgent      string             `gorm:"type:varchar(255);default:''" json:"user_agent"`
	ProcessedAt    *time.Time         `gorm:"default:null" json:"processed_at,omitempty"`
	CreatedAt      time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName keeps the table name stable regardless of the struct name.
func (WebhookEvent) TableName() string {
	return "billing_webhook_events"
}

// IsInFlight reports whether another request currently owns this delivery.
func (e *WebhookEvent) IsInFlight() bool {
	return e.Status == WebhookStatusReceived || e.Status == WebhookStatusProcessing
}

// CanBeSuperseded reports whether a redelivery may open a new generation for this event.
func (e *WebhookEvent) CanBeSuperseded() bool {
	switch e.Status {
	case WebhookStatusFailed, WebhookStatusInvalidSignature, WebhookStatusDuplicate:
		return true
	default:
		return false
	}
}

// MarkProcessing moves the row into PROCESSING and counts the attempt.
func (e *WebhookEvent) MarkProcessing() {
	e.Status = WebhookStatusProcessing
	e.Attempts++
	e.ErrorMessage = ""
}

// MarkProcessed records a successful dispatch.
func (e *WebhookEvent) MarkProcessed(at time.Time) {
	e.Status = WebhookStatusProcessed
	e.ProcessedAt = &at
	e.ErrorMessage = ""
}

// MarkFailed records a dispatch failure for later reprocessing.
func (e *WebhookEvent) MarkFailed(errMsg string) {
	e.Status = WebhookStatusFailed
	e.ErrorMessage = truncate(strings.TrimSpace(errMsg), 4000)
}

// MarkInvalidSignature keeps the row as evidence of a rejected delivery.
func (e *WebhookEvent) MarkInvalidSignature() {
	e.Status = WebhookStatusInvalidSignature
	e.SignatureValid = false
	e.ErrorMessage = "invalid webhook signature"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
