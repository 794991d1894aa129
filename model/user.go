package model

import (
	"time"

	"gorm.io/gorm"
)

// User stores account information. Accounts are administered by the main ERP
// application; this service only reads them and verifies passwords.
type User struct {
	ID        uint   `gorm:"primarykey"`
	Username  string `gorm:"uniqueIndex;size:32;not null"`
	FullName  string `gorm:"size:64;not null"`
	Email     string `gorm:"uniqueIndex;size:256;not null"`
	Password  string `gorm:"size:64;not null"`
	Disabled  bool   `gorm:"default:false;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == 0 {
		u.ID = GenerateID()
	}
	return nil
}
