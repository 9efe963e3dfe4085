package models

import (
	"fmt"
	"time"
)

type BillingCycle string

const (
	BillingCycleMonthly   BillingCycle = "MONTHLY"
	BillingCycleQuarterly BillingCycle = "QUARTERLY"
	BillingCycleYearly    BillingCycle = "YEARLY"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionInactive  SubscriptionStatus = "INACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

// Subscription is a company's fleet plan. StartDate and EndDate are calendar dates at UTC midnight.
type Subscription struct {
	ID           uint               `gorm:"primaryKey" json:"id"`
	CompanyID    uint               `gorm:"not null;index" json:"company_id"`
	PlanType     string             `gorm:"type:varchar(50);not null" json:"plan_type"`
	VehicleCount int                `gorm:"not null;default:0" json:"vehicle_count"`
	Amount       int64              `gorm:"not null" json:"amount"`
	Currency     string             `gorm:"type:varchar(3);not null;default:'INR'" json:"currency"`
	BillingCycle BillingCycle       `gorm:"type:varchar(16);not null;default:'MONTHLY'" json:"billing_cycle"`
	StartDate    time.Time          `gorm:"type:date;not null" json:"start_date"`
	EndDate      time.Time          `gorm:"type:date;not null;index" json:"end_date"`
	Status       SubscriptionStatus `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"status"`
	AutoRenew    bool               `gorm:"not null" json:"auto_renew"`
	CreatedAt    time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// NextEndDate extends end by one billing cycle. Days past the end of the target month clamp to its last day.
func NextEndDate(end time.Time, cycle BillingCycle) (time.Time, error) {
	switch cycle {
	case BillingCycleMonthly:
		return AddMonthsClamped(end, 1), nil
	case BillingCycleQuarterly:
		return AddMonthsClamped(end, 3), nil
	case BillingCycleYearly:
		return AddMonthsClamped(end, 12), nil
	}
	return time.Time{}, fmt.Errorf("unknown billing cycle %q", cycle)
}

// AddMonthsClamped adds n months to a date, e.g. Jan 31 + 1 month = Feb 28/29.
func AddMonthsClamped(t time.Time, n int) time.Time {
	d := DateOf(t)
	y, m, day := d.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// Renew moves the subscription forward one cycle and keeps it active.
func (s *Subscription) Renew() error {
	next, err := NextEndDate(s.EndDate, s.BillingCycle)
	if err != nil {
		return err
	}
	s.StartDate = DateOf(s.EndDate)
	s.EndDate = next
	s.Status = SubscriptionActive
	return nil
}

func (s *Subscription) Suspend() error {
	if s.Status != SubscriptionActive {
		return fmt.Errorf("%w: subscription %d is %s", ErrInvalidTransition, s.ID, s.Status)
	}
	s.Status = SubscriptionInactive
	return nil
}

// DaysUntilExpiry is negative once the subscription has expired.
func (s *Subscription) DaysUntilExpiry(today time.Time) int {
	return DaysBetween(today, s.EndDate)
}
