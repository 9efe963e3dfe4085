package repository

import (
	"context"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type billingContactRepository struct {
	db *gorm.DB
}

func NewBillingContactRepository(db *gorm.DB) BillingContactRepository {
	return &billingContactRepository{db: db}
}

func (r *billingContactRepository) FindByCompanyID(ctx context.Context, companyID uint) (*models.BillingContact, error) {
	var contact models.BillingContact
	err := r.db.WithContext(ctx).Where("company_id = ?", companyID).First(&contact).Error
	if err != nil {
		return nil, notFoundOr(err, "billing contact for company %d not found", companyID)
	}
	return &contact, nil
}

func (r *billingContactRepository) Upsert(ctx context.Context, contact *models.BillingContact) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"company_name",
			"email",
			"phone",
			"updated_at",
		}),
	}).Create(contact).Error; err != nil {
		return err
	}

	return r.db.WithContext(ctx).Where("company_id = ?", contact.CompanyID).First(contact).Error
}
