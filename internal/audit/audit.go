package audit

import (
	"context"
	"sync"

	"github.com/haiminh/tfauth/model"
)

var auditRepo AuditEventRepository
var initOnce sync.Once

func Initialize(repo AuditEventRepository) {
	initOnce.Do(func() {
		auditRepo = repo
	})
}

const (
	EventTypeTwoFASetup            = "2fa_setup"
	EventTypeTwoFAEnabled          = "2fa_enabled"
	EventTypeTwoFADisabled         = "2fa_disabled"
	EventTypeTwoFAAttemptSuccess   = "2fa_attempt_success"
	EventTypeTwoFAAttemptFailure   = "2fa_attempt_failure"
	EventTypeTwoFALockout          = "2fa_lockout"
	EventTypeBackupCodesRegenerate = "2fa_backup_codes_regenerated"
	EventTypeChallengeCreated      = "2fa_challenge_created"
	EventTypeChallengeVerified     = "2fa_challenge_verified"
	EventTypeChallengeFailed       = "2fa_challenge_failed"
)

const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

type StateChangeRecord struct {
	UserID    uint
	Username  string
	EventType string
	IP        string
	UserAgent string
	Reason    string
}

type AttemptRecord struct {
	UserID    uint
	Username  string
	Method    string
	Success   bool
	Locked    bool
	IP        string
	UserAgent string
	Reason    string
}

type ChallengeRecord struct {
	UserID    uint
	Username  string
	EventType string
	IP        string
	UserAgent string
	Reason    string
}

// RecordStateChange persists a setup, enable, disable, or regeneration event.
func RecordStateChange(ctx context.Context, record StateChangeRecord) error {
	return auditRepo.RecordEvent(ctx, &model.AuditEvent{
		UserID:    record.UserID,
		Username:  record.Username,
		EventType: record.EventType,
		IP:        record.IP,
		UserAgent: record.UserAgent,
		Reason:    record.Reason,
	})
}

// RecordAttempt persists one verification attempt. A failure that trips the
// lock is recorded as a lockout event instead of a plain failure.
func RecordAttempt(ctx context.Context, record AttemptRecord) error {
	eventType := EventTypeTwoFAAttemptFailure
	if record.Success {
		eventType = EventTypeTwoFAAttemptSuccess
	} else if record.Locked {
		eventType = EventTypeTwoFALockout
	}
	return auditRepo.RecordEvent(ctx, &model.AuditEvent{
		UserID:     record.UserID,
		Username:   record.Username,
		EventType:  eventType,
		AuthMethod: record.Method,
		IP:         record.IP,
		UserAgent:  record.UserAgent,
		Reason:     record.Reason,
	})
}

func RecordChallenge(ctx context.Context, record ChallengeRecord) error {
	return auditRepo.RecordEvent(ctx, &model.AuditEvent{
		UserID:    record.UserID,
		Username:  record.Username,
		EventType: record.EventType,
		IP:        record.IP,
		UserAgent: record.UserAgent,
		Reason:    record.Reason,
	})
}
