package twofactor

import (
	"context"
	"errors"
	"time"

	"github.com/haiminh/tfauth/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordRepository persists two-factor enrollment state. Counter and backup
// code mutations run inside transactions so concurrent verifications cannot
// double-spend a code or miscount failures.
type RecordRepository interface {
	GetByUserID(ctx context.Context, userID uint) (*model.TwoFactorRecord, error)
	Reset(ctx context.Context, userID uint, secret string, setupAt time.Time) (*model.TwoFactorRecord, error)
	Enable(ctx context.Context, recordID uint, codeHashes []string) error
	Disable(ctx context.Context, recordID uint, purge bool) error
	ReplaceBackupCodes(ctx context.Context, recordID uint, codeHashes []string) error
	UnusedBackupCodes(ctx context.Context, recordID uint) ([]model.BackupCode, error)
	CountUnusedBackupCodes(ctx context.Context, recordID uint) (int64, error)
	ConsumeBackupCode(ctx context.Context, codeID uint, usedAt time.Time) (bool, error)
	RegisterFailure(ctx context.Context, recordID uint, threshold int, cooldown time.Duration, now time.Time) (*model.TwoFactorRecord, error)
	RegisterSuccess(ctx context.Context, recordID uint, now time.Time) error
}

type recordRepository struct {
	db *gorm.DB
}

func (r *recordRepository) GetByUserID(ctx context.Context, userID uint) (*model.TwoFactorRecord, error) {
	var record model.TwoFactorRecord
	if err := r.db.WithContext(ctx).First(&record, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// Reset writes a fresh secret for the user, creating the record if it does
// not exist yet. Any previous pre-enable state, backup codes and lockout
// counters included, is discarded.
func (r *recordRepository) Reset(ctx context.Context, userID uint, secret string, setupAt time.Time) (*model.TwoFactorRecord, error) {
	var record model.TwoFactorRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&record, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = model.TwoFactorRecord{
				UserID:  userID,
				Secret:  secret,
				SetupAt: setupAt,
			}
			return tx.Create(&record).Error
		}
		if err != nil {
			return err
		}
		if err := tx.Where("record_id = ?", record.ID).Delete(&model.BackupCode{}).Error; err != nil {
			return err
		}
		record.Secret = secret
		record.SetupAt = setupAt
		record.Enabled = false
		record.FailedAttempts = 0
		record.LockedUntil = nil
		record.LastUsed = nil
		return tx.Model(&record).Updates(map[string]interface{}{
			"secret":          secret,
			"setup_at":        setupAt,
			"enabled":         false,
			"failed_attempts": 0,
			"locked_until":    nil,
			"last_used":       nil,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Enable flips the record on without touching setup_at, which keeps marking
// when the current secret was issued.
func (r *recordRepository) Enable(ctx context.Context, recordID uint, codeHashes []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.TwoFactorRecord{}).Where("id = ?", recordID).Updates(map[string]interface{}{
			"enabled":         true,
			"failed_attempts": 0,
			"locked_until":    nil,
		}).Error
		if err != nil {
			return err
		}
		return replaceBackupCodes(tx, recordID, codeHashes)
	})
}

// Disable flips the record off and deletes its backup codes. With purge set
// the record itself is removed, so the next setup starts from scratch.
func (r *recordRepository) Disable(ctx context.Context, recordID uint, purge bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("record_id = ?", recordID).Delete(&model.BackupCode{}).Error; err != nil {
			return err
		}
		if purge {
			return tx.Unscoped().Delete(&model.TwoFactorRecord{}, "id = ?", recordID).Error
		}
		return tx.Model(&model.TwoFactorRecord{}).Where("id = ?", recordID).Updates(map[string]interface{}{
			"enabled":         false,
			"failed_attempts": 0,
			"locked_until":    nil,
		}).Error
	})
}

func (r *recordRepository) ReplaceBackupCodes(ctx context.Context, recordID uint, codeHashes []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return replaceBackupCodes(tx, recordID, codeHashes)
	})
}

func (r *recordRepository) UnusedBackupCodes(ctx context.Context, recordID uint) ([]model.BackupCode, error) {
	var codes []model.BackupCode
	err := r.db.WithContext(ctx).
		Where("record_id = ? AND used = ?", recordID, false).
		Order("id").
		Find(&codes).Error
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (r *recordRepository) CountUnusedBackupCodes(ctx context.Context, recordID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.BackupCode{}).
		Where("record_id = ? AND used = ?", recordID, false).
		Count(&count).Error
	return count, err
}

// ConsumeBackupCode marks a code used with a conditional update. When two
// logins race on the same code exactly one sees an affected row.
func (r *recordRepository) ConsumeBackupCode(ctx context.Context, codeID uint, usedAt time.Time) (bool, error) {
	ret := r.db.WithContext(ctx).Model(&model.BackupCode{}).
		Where("id = ? AND used = ?", codeID, false).
		Updates(map[string]interface{}{"used": true, "used_at": usedAt})
	if ret.Error != nil {
		return false, ret.Error
	}
	return ret.RowsAffected == 1, nil
}

// RegisterFailure bumps the consecutive failure counter under a row lock and
// starts the cooldown once the counter reaches the threshold. A failure that
// arrives after an earlier cooldown has expired restarts the count at one
// instead of re-locking immediately. The updated record is returned.
func (r *recordRepository) RegisterFailure(ctx context.Context, recordID uint, threshold int, cooldown time.Duration, now time.Time) (*model.TwoFactorRecord, error) {
	var record model.TwoFactorRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", recordID).Error
		if err != nil {
			return err
		}
		if record.LockedUntil != nil && !now.Before(*record.LockedUntil) {
			record.FailedAttempts = 0
			record.LockedUntil = nil
		}
		record.FailedAttempts++
		if record.FailedAttempts >= threshold {
			lockedUntil := now.Add(cooldown)
			record.LockedUntil = &lockedUntil
		}
		return tx.Model(&record).Updates(map[string]interface{}{
			"failed_attempts": record.FailedAttempts,
			"locked_until":    record.LockedUntil,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *recordRepository) RegisterSuccess(ctx context.Context, recordID uint, now time.Time) error {
	return r.db.WithContext(ctx).Model(&model.TwoFactorRecord{}).Where("id = ?", recordID).Updates(map[string]interface{}{
		"failed_attempts": 0,
		"locked_until":    nil,
		"last_used":       now,
	}).Error
}

func replaceBackupCodes(tx *gorm.DB, recordID uint, codeHashes []string) error {
	if err := tx.Where("record_id = ?", recordID).Delete(&model.BackupCode{}).Error; err != nil {
		return err
	}
	codes := make([]model.BackupCode, 0, len(codeHashes))
	for _, hash := range codeHashes {
		codes = append(codes, model.BackupCode{RecordID: recordID, CodeHash: hash})
	}
	if len(codes) == 0 {
		return nil
	}
	return tx.Create(&codes).Error
}

func NewRecordRepository(db *gorm.DB) RecordRepository {
	return &recordRepository{db}
}
