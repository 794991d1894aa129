package twofactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/haiminh/tfauth/model"
	"github.com/haiminh/tfauth/params"
	"gorm.io/gorm"
)

// UserDirectory is the slice of the user service this package needs: account
// lookup and password re-verification before sensitive state changes.
type UserDirectory interface {
	GetUserByID(ctx context.Context, userID uint) (*model.User, error)
	VerifyPassword(ctx context.Context, userID uint, password string) error
}

// Notifier delivers security notices on two-factor state changes. Delivery
// failures are logged and never fail the triggering operation.
type Notifier interface {
	NotifyTwoFactorEnabled(user *model.User) error
	NotifyTwoFactorDisabled(user *model.User) error
	NotifyTwoFactorLocked(user *model.User, until time.Time) error
}

type SetupResult struct {
	Secret          string `json:"secret"`
	ProvisioningURL string `json:"provisioningUrl"`
	QRCode          string `json:"qrCode"`
}

type Status struct {
	Enabled          bool       `json:"enabled"`
	BackupCodesCount int64      `json:"backupCodesCount"`
	LastUsed         *time.Time `json:"lastUsed"`
}

// Service owns per-user TOTP enrollment, verification, backup codes, and the
// lockout policy. All collaborators are injected so tests can run against
// fakes.
type Service struct {
	records        RecordRepository
	users          UserDirectory
	backupCodes    *BackupCodeManager
	renderer       ProvisioningRenderer
	notifier       Notifier
	issuer         string
	purgeOnDisable bool
	now            func() time.Time
}

func NewService(records RecordRepository, users UserDirectory, backupCodes *BackupCodeManager,
	renderer ProvisioningRenderer, notifier Notifier, issuer string, purgeOnDisable bool) *Service {
	return &Service{
		records:        records,
		users:          users,
		backupCodes:    backupCodes,
		renderer:       renderer,
		notifier:       notifier,
		issuer:         issuer,
		purgeOnDisable: purgeOnDisable,
		now:            time.Now,
	}
}

// Setup issues a fresh secret for the user and overwrites any previous
// enrollment state with a disabled record. The secret is live for Enable and
// TestToken immediately, but login verification stays off until Enable.
func (s *Service) Setup(ctx context.Context, userID uint) (*SetupResult, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := GenerateKey(s.issuer, accountName(user))
	if err != nil {
		return nil, err
	}
	if _, err := s.records.Reset(ctx, user.ID, key.Secret(), s.now()); err != nil {
		return nil, err
	}

	result := &SetupResult{
		Secret:          key.Secret(),
		ProvisioningURL: key.URL(),
	}
	result.QRCode = s.renderQRCode(user, key.Secret(), key.URL())
	return result, nil
}

// renderQRCode walks an ordered list of render attempts with decreasing
// fidelity. When every attempt fails the QR field is left empty and the user
// falls back to typing the secret manually.
func (s *Service) renderQRCode(user *model.User, secret string, fullURL string) string {
	attempts := []struct {
		url  string
		opts RenderOptions
	}{
		{fullURL, RenderOptions{Width: 256, Height: 256}},
		{minimalProvisioningURL(s.issuer, accountName(user), secret), RenderOptions{Width: 128, Height: 128}},
	}
	for _, attempt := range attempts {
		qr, err := s.renderer.Render(attempt.url, attempt.opts)
		if err == nil {
			return qr
		}
		slog.Warn("QR code rendering failed", "userId", user.ID, "width", attempt.opts.Width, "error", err)
	}
	return ""
}

// Enable confirms enrollment: the user proves possession of the secret with
// one valid code, then the record flips on and a backup code batch is issued.
// The plaintext codes are returned exactly once.
func (s *Service) Enable(ctx context.Context, userID uint, token string) ([]string, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	record, err := s.records.GetByUserID(ctx, user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotSetUp
	} else if err != nil {
		return nil, err
	}
	if record.Enabled {
		return nil, ErrAlreadyEnabled
	}
	if !validateCodeAt(record.Secret, token, s.now()) {
		return nil, ErrInvalidToken
	}

	codes, err := s.backupCodes.Generate()
	if err != nil {
		return nil, err
	}
	if err := s.records.Enable(ctx, record.ID, s.hashCodes(codes)); err != nil {
		return nil, err
	}
	s.notify(func(n Notifier) error { return n.NotifyTwoFactorEnabled(user) })
	return codes, nil
}

// Disable turns two-factor off after re-verifying the account password. An
// optional token, when supplied, must pass full verification including the
// lockout check before any state changes.
func (s *Service) Disable(ctx context.Context, userID uint, password string, token string) error {
	if err := s.users.VerifyPassword(ctx, userID, password); err != nil {
		return err
	}
	record, err := s.records.GetByUserID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotEnabled
	} else if err != nil {
		return err
	}
	if !record.Enabled {
		return ErrNotEnabled
	}
	if token != "" {
		ok, err := s.VerifyToken(ctx, userID, token, false)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidToken
		}
	}

	if err := s.records.Disable(ctx, record.ID, s.purgeOnDisable); err != nil {
		return err
	}
	if user, err := s.users.GetUserByID(ctx, userID); err == nil {
		s.notify(func(n Notifier) error { return n.NotifyTwoFactorDisabled(user) })
	}
	return nil
}

// VerifyToken checks a TOTP code or backup code for login. A user without an
// enabled record verifies false without error. While the record is locked the
// call fails with *LockedOutError instead of a plain false.
func (s *Service) VerifyToken(ctx context.Context, userID uint, token string, isBackupCode bool) (bool, error) {
	record, err := s.records.GetByUserID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if !record.Enabled {
		return false, nil
	}

	now := s.now()
	if record.Locked(now) {
		return false, NewLockedOutError(*record.LockedUntil)
	}

	var verified bool
	if isBackupCode {
		verified, err = s.consumeBackupCode(ctx, record, token, now)
	} else {
		verified = validateCodeAt(record.Secret, token, now)
	}
	if err != nil {
		return false, err
	}

	if verified {
		if err := s.records.RegisterSuccess(ctx, record.ID, now); err != nil {
			return false, err
		}
		return true, nil
	}

	updated, err := s.records.RegisterFailure(ctx, record.ID, params.MaxFailedAttempts, params.LockoutDuration, now)
	if err != nil {
		return false, err
	}
	if updated.Locked(now) {
		slog.Warn("two-factor verification locked", "userId", userID, "until", updated.LockedUntil)
		if user, uerr := s.users.GetUserByID(ctx, userID); uerr == nil {
			until := *updated.LockedUntil
			s.notify(func(n Notifier) error { return n.NotifyTwoFactorLocked(user, until) })
		}
	}
	return false, nil
}

// consumeBackupCode matches the candidate against the unused batch and spends
// the matching entry atomically. A concurrent spend of the same code leaves
// exactly one winner; the loser counts as a plain failure.
func (s *Service) consumeBackupCode(ctx context.Context, record *model.TwoFactorRecord, candidate string, now time.Time) (bool, error) {
	codes, err := s.records.UnusedBackupCodes(ctx, record.ID)
	if err != nil {
		return false, err
	}
	for _, code := range codes {
		if !s.backupCodes.Match(candidate, code.CodeHash) {
			continue
		}
		return s.records.ConsumeBackupCode(ctx, code.ID, now)
	}
	return false, nil
}

// GetStatus reports enrollment state. A user with no record reads as
// disabled with zero codes rather than an error.
func (s *Service) GetStatus(ctx context.Context, userID uint) (*Status, error) {
	record, err := s.records.GetByUserID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Status{}, nil
	} else if err != nil {
		return nil, err
	}
	count, err := s.records.CountUnusedBackupCodes(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Enabled:          record.Enabled,
		BackupCodesCount: count,
		LastUsed:         record.LastUsed,
	}, nil
}

// RegenerateBackupCodes replaces the whole batch. Every previously issued
// code stops verifying the moment the call succeeds.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uint, password string) ([]string, error) {
	if err := s.users.VerifyPassword(ctx, userID, password); err != nil {
		return nil, err
	}
	record, err := s.records.GetByUserID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotEnabled
	} else if err != nil {
		return nil, err
	}
	if !record.Enabled {
		return nil, ErrNotEnabled
	}

	codes, err := s.backupCodes.Generate()
	if err != nil {
		return nil, err
	}
	if err := s.records.ReplaceBackupCodes(ctx, record.ID, s.hashCodes(codes)); err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *Service) hashCodes(codes []string) []string {
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = s.backupCodes.Hash(code)
	}
	return hashes
}

func (s *Service) notify(send func(Notifier) error) {
	if s.notifier == nil {
		return
	}
	if err := send(s.notifier); err != nil {
		slog.Error("failed to send security notice", "error", err)
	}
}

// TestToken verifies a code against a caller-supplied secret during
// interactive setup. Stateless: no record lookup, no lockout bookkeeping.
func TestToken(secret string, token string) bool {
	return ValidateCode(secret, token)
}

func accountName(user *model.User) string {
	if user.Email != "" {
		return user.Email
	}
	return user.Username
}

func minimalProvisioningURL(issuer string, accountName string, secret string) string {
	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", issuer)
	return fmt.Sprintf("otpauth://totp/%s?%s", url.PathEscape(accountName), query.Encode())
}
