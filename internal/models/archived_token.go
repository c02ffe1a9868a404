package models

import (
	"time"

	"gorm.io/gorm"
)

// ArchivedToken records a consumed or superseded activation token. Rows are
// written once and never updated.
type ArchivedToken struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	AccountID    string     `gorm:"size:36;not null;index" json:"account_id"`
	HashedSecret string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	ArchivedAt   time.Time  `gorm:"not null;index" json:"archived_at"`

	Account *Account `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (a *ArchivedToken) BeforeCreate(*gorm.DB) error {
	assignID(&a.ID)
	return nil
}
