package repository

import (
	"context"
	"time"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"gorm.io/gorm"
)

type subscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	sub.StartDate = models.DateOf(sub.StartDate)
	sub.EndDate = models.DateOf(sub.EndDate)
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, notFoundOr(err, "subscription %d not found", id)
	}
	return &sub, nil
}

func (r *subscriptionRepository) FindActiveEndingBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND end_date >= ? AND end_date <= ?", models.SubscriptionActive, models.DateOf(from), models.DateOf(to)).
		Order("end_date ASC, id ASC").
		Find(&subs).Error
	return subs, err
}

func (r *subscriptionRepository) FindActiveEndingOnOrBefore(ctx context.Context, day time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND end_date <= ?", models.SubscriptionActive, models.DateOf(day)).
		Order("end_date ASC, id ASC").
		Find(&subs).Error
	return subs, err
}

func (r *subscriptionRepository) Save(ctx context.Context, sub *models.Subscription) error {
	sub.StartDate = models.DateOf(sub.StartDate)
	sub.EndDate = models.DateOf(sub.EndDate)
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *subscriptionRepository) CountByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error) {
	return countByStatus[models.SubscriptionStatus](ctx, r.db, &models.Subscription{})
}
