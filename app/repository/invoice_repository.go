package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"gorm.io/gorm"
)

type invoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{db: db}
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Create(invoice).Error
}

func (r *invoiceRepository) GetByID(ctx context.Context, id uint) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).First(&invoice, id).Error; err != nil {
		return nil, notFoundOr(err, "invoice %d not found", id)
	}
	return &invoice, nil
}

// FindUnpaidByCompany returns PENDING, OVERDUE and PARTIALLY_PAID invoices, newest issue date first.
func (r *invoiceRepository) FindUnpaidByCompany(ctx context.Context, companyID uint) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND status IN ?", companyID, []models.InvoiceStatus{
			models.InvoicePending,
			models.InvoiceOverdue,
			models.InvoicePartiallyPaid,
		}).
		Order("issue_date DESC, id DESC").
		Find(&invoices).Error
	return invoices, err
}

// ListPendingDueBefore returns PENDING invoices whose due date is before day.
func (r *invoiceRepository) ListPendingDueBefore(ctx context.Context, day time.Time, limit int) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).
		Where("status = ? AND due_date < ?", models.InvoicePending, models.DateOf(day)).
		Order("due_date ASC").
		Limit(limit).
		Find(&invoices).Error
	return invoices, err
}

func (r *invoiceRepository) CountForSubscriptionSince(ctx context.Context, subscriptionID uint, day time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("subscription_id = ? AND issue_date >= ? AND status <> ?", subscriptionID, models.DateOf(day), models.InvoiceCancelled).
		Count(&n).Error
	return n, err
}

func (r *invoiceRepository) UpdateIfPaidAmount(ctx context.Context, invoice *models.Invoice, expectedPaid int64) error {
	res := r.db.WithContext(ctx).Model(invoice).
		Where("paid_amount = ?", expectedPaid).
		Select("*").
		Omit("id", "created_at").
		Updates(invoice)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("invoice %s expected paid amount %d: %w", invoice.InvoiceNumber, expectedPaid, ErrStaleWrite)
	}
	return nil
}

func (r *invoiceRepository) Save(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Save(invoice).Error
}

func (r *invoiceRepository) CountByStatus(ctx context.Context) (map[models.InvoiceStatus]int64, error) {
	return countByStatus[models.InvoiceStatus](ctx, r.db, &models.Invoice{})
}
