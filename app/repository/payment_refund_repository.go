package repository

import (
	"context"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type paymentRefundRepository struct {
	db *gorm.DB
}

func NewPaymentRefundRepository(db *gorm.DB) PaymentRefundRepository {
	return &paymentRefundRepository{db: db}
}

func (r *paymentRefundRepository) Record(ctx context.Context, refund *models.PaymentRefund) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway_refund_id"}},
		DoNothing: true,
	}).Create(refund)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *paymentRefundRepository) GetByGatewayRefundID(ctx context.Context, refundID string) (*models.PaymentRefund, error) {
	var refund models.PaymentRefund
	err := r.db.WithContext(ctx).Where("gateway_refund_id = ?", refundID).First(&refund).Error
	if err != nil {
		return nil, notFoundOr(err, "refund %s not found", refundID)
	}
	return &refund, nil
}
