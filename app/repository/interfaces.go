package repository

import (
	"context"
	"time"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"gorm.io/gorm"
)

// ClaimOutcome tells the ingestor what to do with a delivery after Claim.
type ClaimOutcome int

const (
	// ClaimCreated means a new RECEIVED row was inserted and the caller owns it.
	ClaimCreated ClaimOutcome = iota
	// ClaimAlreadyProcessed means an earlier generation reached PROCESSED.
	ClaimAlreadyProcessed
	// ClaimInFlight means another request currently owns the event.
	ClaimInFlight
)

type ClaimResult struct {
	Outcome ClaimOutcome
	// Event is the inserted row for ClaimCreated, otherwise the latest existing row.
	Event *models.WebhookEvent
	// Superseded is the FAILED row moved to DUPLICATE by this claim, if any.
	Superseded *models.WebhookEvent
}

// WebhookEventRepository stores webhook deliveries. Rows are never deleted.
type WebhookEventRepository interface {
	Claim(ctx context.Context, event *models.WebhookEvent, supersede bool) (*ClaimResult, error)
	GetByID(ctx context.Context, id uint) (*models.WebhookEvent, error)
	GetLatest(ctx context.Context, source, eventID string) (*models.WebhookEvent, error)
	Save(ctx context.Context, event *models.WebhookEvent) error
	TransitionStatus(ctx context.Context, id uint, from []models.WebhookEventStatus, to models.WebhookEventStatus, errMsg string) (bool, error)
	// StartProcessing moves the row from `from` to PROCESSING and counts the attempt.
	StartProcessing(ctx context.Context, id uint, from models.WebhookEventStatus) (bool, error)
	// FinishProcessing writes the outcome of a dispatch if the row is still PROCESSING.
	FinishProcessing(ctx context.Context, event *models.WebhookEvent) (bool, error)
	ListFailed(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error)
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]models.WebhookEvent, error)
	ListByStatus(ctx context.Context, status models.WebhookEventStatus, offset, limit int) ([]models.WebhookEvent, error)
	CountByStatus(ctx context.Context) (map[models.WebhookEventStatus]int64, error)
}

// PaymentOrderRepository persists ledger transitions with compare-and-set on the previous status.
type PaymentOrderRepository interface {
	Create(ctx context.Context, order *models.PaymentOrder) error
	GetByID(ctx context.Context, id uint) (*models.PaymentOrder, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentOrder, error)
	ListByInvoice(ctx context.Context, invoiceID uint) ([]models.PaymentOrder, error)
	UpdateIfStatus(ctx context.Context, order *models.PaymentOrder, expected models.PaymentOrderStatus) error
	ListStale(ctx context.Context, statuses []models.PaymentOrderStatus, createdBefore time.Time, limit int) ([]models.PaymentOrder, error)
	CountByStatus(ctx context.Context) (map[models.PaymentOrderStatus]int64, error)
}

type InvoiceRepository interface {
	Create(ctx context.Context, invoice *models.Invoice) error
	GetByID(ctx context.Context, id uint) (*models.Invoice, error)
	FindUnpaidByCompany(ctx context.Context, companyID uint) ([]models.Invoice, error)
	ListPendingDueBefore(ctx context.Context, day time.Time, limit int) ([]models.Invoice, error)
	// CountForSubscriptionSince counts non-cancelled invoices of a subscription issued on or after day.
	CountForSubscriptionSince(ctx context.Context, subscriptionID uint, day time.Time) (int64, error)
	// UpdateIfPaidAmount writes the invoice only if paid_amount still equals expectedPaid.
	UpdateIfPaidAmount(ctx context.Context, invoice *models.Invoice, expectedPaid int64) error
	Save(ctx context.Context, invoice *models.Invoice) error
	CountByStatus(ctx context.Context) (map[models.InvoiceStatus]int64, error)
}

type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id uint) (*models.Subscription, error)
	// FindActiveEndingBetween returns ACTIVE subscriptions with from <= end_date <= to.
	FindActiveEndingBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error)
	// FindActiveEndingOnOrBefore returns ACTIVE subscriptions with end_date <= day.
	FindActiveEndingOnOrBefore(ctx context.Context, day time.Time) ([]models.Subscription, error)
	Save(ctx context.Context, sub *models.Subscription) error
	CountByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error)
}

// PaymentRefundRepository keeps one row per gateway refund id.
type PaymentRefundRepository interface {
	// Record inserts the refund and reports false when the refund id is already known.
	Record(ctx context.Context, refund *models.PaymentRefund) (bool, error)
	GetByGatewayRefundID(ctx context.Context, refundID string) (*models.PaymentRefund, error)
}

type BillingContactRepository interface {
	FindByCompanyID(ctx context.Context, companyID uint) (*models.BillingContact, error)
	Upsert(ctx context.Context, contact *models.BillingContact) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	db *gorm.DB

	WebhookEvent   WebhookEventRepository
	PaymentOrder   PaymentOrderRepository
	PaymentRefund  PaymentRefundRepository
	Invoice        InvoiceRepository
	Subscription   SubscriptionRepository
	BillingContact BillingContactRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:             db,
		WebhookEvent:   NewWebhookEventRepository(db),
		PaymentOrder:   NewPaymentOrderRepository(db),
		PaymentRefund:  NewPaymentRefundRepository(db),
		Invoice:        NewInvoiceRepository(db),
		Subscription:   NewSubscriptionRepository(db),
		BillingContact: NewBillingContactRepository(db),
	}
}

// Transaction runs fn with repositories bound to a single database transaction.
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(NewRepositories(db))
	})
}

// DB exposes the underlying handle for health checks.
func (r *Repositories) DB() *gorm.DB {
	return r.db
}
