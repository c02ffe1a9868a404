package models

import "strings"

// Account is a registered user awaiting (or past) activation.
type Account struct {
	BaseModel

	Email     string `gorm:"uniqueIndex;not null;size:320" json:"email"`
	FirstName string `gorm:"size:128" json:"first_name"`
	LastName  string `gorm:"size:128" json:"last_name"`
	Activated bool   `gorm:"not null;default:false;index" json:"activated"`
}

// DisplayName returns the best human readable name for greetings.
func (a Account) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(a.FirstName) + " " + strings.TrimSpace(a.LastName))
	if name != "" {
		return name
	}
	return a.Email
}
