package models

import "time"

// BillingContact is where renewal and payment mail for a company goes.
type BillingContact struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CompanyID   uint      `gorm:"not null;uniqueIndex" json:"company_id"`
	CompanyName string    `gorm:"type:varchar(200);not null;default:''" json:"company_name"`
	Email       string    `gorm:"type:varchar(200);default:''" json:"email"`
	Phone       string    `gorm:"type:varchar(32);default:''" json:"phone"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingContact) TableName() string {
	return "billing_contacts"
}

func (c *BillingContact) HasEmail() bool {
	return c != nil && c.Email != ""
}
