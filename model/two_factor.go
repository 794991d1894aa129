package model

import (
	"time"

	"gorm.io/gorm"
)

// TwoFactorRecord holds a user's TOTP enrollment state. One record per user;
// the secret is written at setup and the record is only consulted for login
// verification once Enabled is true.
type TwoFactorRecord struct {
	ID             uint       `gorm:"primarykey"`
	UserID         uint       `gorm:"uniqueIndex;not null"`
	Secret         string     `gorm:"size:128;not null"`
	Enabled        bool       `gorm:"default:false;not null"`
	SetupAt        time.Time  `gorm:"not null"`
	FailedAttempts int        `gorm:"default:0;not null"`
	LockedUntil    *time.Time
	LastUsed       *time.Time
	BackupCodes    []BackupCode `gorm:"foreignKey:RecordID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

func (r *TwoFactorRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == 0 {
		r.ID = GenerateID()
	}
	return nil
}

// Locked reports whether verification is currently refused for this record.
// A LockedUntil in the past means the record has lazily returned to open.
func (r *TwoFactorRecord) Locked(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// BackupCode is a single-use recovery code. Only the keyed hash is stored;
// once Used flips to true the entry can never verify again.
type BackupCode struct {
	ID        uint   `gorm:"primarykey;autoIncrement"`
	RecordID  uint   `gorm:"index;not null"`
	CodeHash  string `gorm:"size:64;not null"`
	Used      bool   `gorm:"default:false;not null"`
	UsedAt    *time.Time
	CreatedAt time.Time
}
