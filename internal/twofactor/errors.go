package twofactor

import (
	"errors"
	"time"
)

var (
	ErrNotSetUp       = errors.New("two-factor authentication is not set up")
	ErrAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrInvalidToken   = errors.New("invalid verification code")

	ErrChallengeNotFound         = errors.New("challenge not found")
	ErrChallengeExpired          = errors.New("challenge expired")
	ErrChallengeAlreadyVerified  = errors.New("challenge already verified")
	ErrChallengeAttemptsExceeded = errors.New("max challenge attempts exceeded")
)

// LockedOutError is returned while the record's cooldown window is active.
// It is distinct from ErrInvalidToken so callers can tell the user to wait
// instead of inviting immediate retries.
type LockedOutError struct {
	Until time.Time
}

func (e *LockedOutError) Error() string {
	return "too many failed attempts, verification temporarily locked"
}

func (e *LockedOutError) RetryAfter(now time.Time) time.Duration {
	if now.After(e.Until) {
		return 0
	}
	return e.Until.Sub(now)
}

func NewLockedOutError(until time.Time) *LockedOutError {
	return &LockedOutError{Until: until}
}
