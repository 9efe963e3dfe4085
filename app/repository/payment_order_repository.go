package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"gorm.io/gorm"
)

type paymentOrderRepository struct {
	db *gorm.DB
}

func NewPaymentOrderRepository(db *gorm.DB) PaymentOrderRepository {
	return &paymentOrderRepository{db: db}
}

func (r *paymentOrderRepository) Create(ctx context.Context, order *models.PaymentOrder) error {
	if err := order.CheckInvariants(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *paymentOrderRepository) GetByID(ctx context.Context, id uint) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	if err := r.db.WithContext(ctx).First(&order, id).Error; err != nil {
		return nil, notFoundOr(err, "payment order %d not found", id)
	}
	return &order, nil
}

func (r *paymentOrderRepository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := r.db.WithContext(ctx).Where("gateway_order_id = ?", gatewayOrderID).First(&order).Error
	if err != nil {
		return nil, notFoundOr(err, "payment order %s not found", gatewayOrderID)
	}
	return &order, nil
}

func (r *paymentOrderRepository) ListByInvoice(ctx context.Context, invoiceID uint) ([]models.PaymentOrder, error) {
	var orders []models.PaymentOrder
	err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Order("id ASC").Find(&orders).Error
	return orders, err
}

// UpdateIfStatus persists every column of order provided the stored status is still expected.
// A concurrent transition makes it return ErrStaleWrite.
func (r *paymentOrderRepository) UpdateIfStatus(ctx context.Context, order *models.PaymentOrder, expected models.PaymentOrderStatus) error {
	if err := order.CheckInvariants(); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(order).
		Where("status = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(order)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payment order %s expected %s: %w", order.GatewayOrderID, expected, ErrStaleWrite)
	}
	return nil
}

func (r *paymentOrderRepository) ListStale(ctx context.Context, statuses []models.PaymentOrderStatus, createdBefore time.Time, limit int) ([]models.PaymentOrder, error) {
	var orders []models.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", statuses, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *paymentOrderRepository) CountByStatus(ctx context.Context) (map[models.PaymentOrderStatus]int64, error) {
	return countByStatus[models.PaymentOrderStatus](ctx, r.db, &models.PaymentOrder{})
}
