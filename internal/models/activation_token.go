package models

import "time"

// ActivationToken is a single-use secret emailed to an account owner. Only the
// digest is persisted; PlainSecret is populated right after generation.
type ActivationToken struct {
	BaseModel

	AccountID    string     `gorm:"size:36;not null;index" json:"account_id"`
	HashedSecret string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	PlainSecret  string     `gorm:"-" json:"-"`
	ExpiredAt    *time.Time `gorm:"index" json:"expired_at,omitempty"`

	// Account carries the cascade constraint; it is never preloaded.
	Account *Account `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// IsExpired reports whether an expiry mark exists strictly before now. A mark
// stamped at now is caught by the guarded claim in the store instead.
func (t *ActivationToken) IsExpired(now time.Time) bool {
	if t == nil || t.ExpiredAt == nil {
		return false
	}
	return t.ExpiredAt.Before(now)
}

// Archive converts the token into its immutable archived form.
func (t *ActivationToken) Archive(at time.Time) ArchivedToken {
	archived := ArchivedToken{
		AccountID:    t.AccountID,
		HashedSecret: t.HashedSecret,
		CreatedAt:    t.CreatedAt,
		ArchivedAt:   at,
	}
	if t.ExpiredAt != nil {
		expiredAt := *t.ExpiredAt
		archived.ExpiredAt = &expiredAt
	}
	return archived
}
