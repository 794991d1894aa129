package twofactor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haiminh/tfauth/internal/users"
	"github.com/haiminh/tfauth/model"
	"github.com/haiminh/tfauth/params"
	"gorm.io/gorm"
)

// fakeRecordRepo is an in-memory RecordRepository with the same atomicity
// semantics as the gorm implementation.
type fakeRecordRepo struct {
	record *model.TwoFactorRecord
	codes  []*model.BackupCode
	nextID uint
}

func (r *fakeRecordRepo) GetByUserID(ctx context.Context, userID uint) (*model.TwoFactorRecord, error) {
	if r.record == nil || r.record.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *r.record
	return &copied, nil
}

func (r *fakeRecordRepo) Reset(ctx context.Context, userID uint, secret string, setupAt time.Time) (*model.TwoFactorRecord, error) {
	r.codes = nil
	if r.record == nil || r.record.UserID != userID {
		r.record = &model.TwoFactorRecord{ID: 1, UserID: userID}
	}
	r.record.Secret = secret
	r.record.SetupAt = setupAt
	r.record.Enabled = false
	r.record.FailedAttempts = 0
	r.record.LockedUntil = nil
	r.record.LastUsed = nil
	copied := *r.record
	return &copied, nil
}

func (r *fakeRecordRepo) Enable(ctx context.Context, recordID uint, codeHashes []string) error {
	r.record.Enabled = true
	r.record.FailedAttempts = 0
	r.record.LockedUntil = nil
	return r.ReplaceBackupCodes(ctx, recordID, codeHashes)
}

func (r *fakeRecordRepo) Disable(ctx context.Context, recordID uint, purge bool) error {
	r.codes = nil
	if purge {
		r.record = nil
		return nil
	}
	r.record.Enabled = false
	r.record.FailedAttempts = 0
	r.record.LockedUntil = nil
	return nil
}

func (r *fakeRecordRepo) ReplaceBackupCodes(ctx context.Context, recordID uint, codeHashes []string) error {
	r.codes = nil
	for _, hash := range codeHashes {
		r.nextID++
		r.codes = append(r.codes, &model.BackupCode{ID: r.nextID, RecordID: recordID, CodeHash: hash})
	}
	return nil
}

func (r *fakeRecordRepo) UnusedBackupCodes(ctx context.Context, recordID uint) ([]model.BackupCode, error) {
	var unused []model.BackupCode
	for _, code := range r.codes {
		if !code.Used {
			unused = append(unused, *code)
		}
	}
	return unused, nil
}

func (r *fakeRecordRepo) CountUnusedBackupCodes(ctx context.Context, recordID uint) (int64, error) {
	unused, _ := r.UnusedBackupCodes(ctx, recordID)
	return int64(len(unused)), nil
}

func (r *fakeRecordRepo) ConsumeBackupCode(ctx context.Context, codeID uint, usedAt time.Time) (bool, error) {
	for _, code := range r.codes {
		if code.ID == codeID && !code.Used {
			code.Used = true
			code.UsedAt = &usedAt
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRecordRepo) RegisterFailure(ctx context.Context, recordID uint, threshold int, cooldown time.Duration, now time.Time) (*model.TwoFactorRecord, error) {
	if r.record.LockedUntil != nil && !now.Before(*r.record.LockedUntil) {
		r.record.FailedAttempts = 0
		r.record.LockedUntil = nil
	}
	r.record.FailedAttempts++
	if r.record.FailedAttempts >= threshold {
		lockedUntil := now.Add(cooldown)
		r.record.LockedUntil = &lockedUntil
	}
	copied := *r.record
	return &copied, nil
}

func (r *fakeRecordRepo) RegisterSuccess(ctx context.Context, recordID uint, now time.Time) error {
	r.record.FailedAttempts = 0
	r.record.LockedUntil = nil
	r.record.LastUsed = &now
	return nil
}

type fakeUserDirectory struct {
	user     *model.User
	password string
}

func (d *fakeUserDirectory) GetUserByID(ctx context.Context, userID uint) (*model.User, error) {
	if d.user == nil || d.user.ID != userID {
		return nil, users.ErrUserNotFound
	}
	return d.user, nil
}

func (d *fakeUserDirectory) VerifyPassword(ctx context.Context, userID uint, password string) error {
	if _, err := d.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if password != d.password {
		return users.ErrInvalidPassword
	}
	return nil
}

// fakeRenderer fails the first failures render calls, then succeeds.
type fakeRenderer struct {
	failures int
	calls    []RenderOptions
}

func (r *fakeRenderer) Render(otpauthURL string, opts RenderOptions) (string, error) {
	r.calls = append(r.calls, opts)
	if len(r.calls) <= r.failures {
		return "", errors.New("render failed")
	}
	return fmt.Sprintf("data:image/png;base64,fake-%dx%d", opts.Width, opts.Height), nil
}

type fakeNotifier struct {
	enabled  int
	disabled int
	locked   int
}

func (n *fakeNotifier) NotifyTwoFactorEnabled(user *model.User) error  { n.enabled++; return nil }
func (n *fakeNotifier) NotifyTwoFactorDisabled(user *model.User) error { n.disabled++; return nil }
func (n *fakeNotifier) NotifyTwoFactorLocked(user *model.User, until time.Time) error {
	n.locked++
	return nil
}

type serviceFixture struct {
	service  *Service
	records  *fakeRecordRepo
	users    *fakeUserDirectory
	renderer *fakeRenderer
	notifier *fakeNotifier
	now      time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		records: &fakeRecordRepo{},
		users: &fakeUserDirectory{
			user:     &model.User{ID: 42, Username: "alice", Email: "alice@example.com"},
			password: "hunter22",
		},
		renderer: &fakeRenderer{},
		notifier: &fakeNotifier{},
		now:      time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
	f.service = NewService(f.records, f.users, NewBackupCodeManager("test-master-key"),
		f.renderer, f.notifier, "Acme", false)
	f.service.now = func() time.Time { return f.now }
	return f
}

func (f *serviceFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *serviceFixture) validCode(t *testing.T) string {
	t.Helper()
	return generateCodeAt(t, f.records.record.Secret, f.now)
}

// enroll runs setup and enable so verification tests start from an enabled
// record, returning the plaintext backup codes.
func (f *serviceFixture) enroll(t *testing.T) []string {
	t.Helper()
	if _, err := f.service.Setup(context.Background(), 42); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	codes, err := f.service.Enable(context.Background(), 42, f.validCode(t))
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	return codes
}

func TestService_Setup(t *testing.T) {
	f := newServiceFixture(t)
	result, err := f.service.Setup(context.Background(), 42)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if result.Secret == "" {
		t.Error("expected a secret")
	}
	if !strings.HasPrefix(result.ProvisioningURL, "otpauth://totp/") {
		t.Errorf("unexpected provisioning URL %q", result.ProvisioningURL)
	}
	if !strings.Contains(result.ProvisioningURL, "issuer=Acme") {
		t.Errorf("provisioning URL %q missing issuer", result.ProvisioningURL)
	}
	if result.QRCode == "" {
		t.Error("expected a QR code data URI")
	}
	if f.records.record.Enabled {
		t.Error("record must stay disabled until Enable")
	}

	if _, err := f.service.Setup(context.Background(), 7); !errors.Is(err, users.ErrUserNotFound) {
		t.Errorf("Setup for unknown user returned %v, want ErrUserNotFound", err)
	}
}

// TestService_Setup_OverwritesPriorState verifies a repeated setup issues an
// independent secret and discards the previous enrollment.
func TestService_Setup_OverwritesPriorState(t *testing.T) {
	f := newServiceFixture(t)
	f.enroll(t)
	oldSecret := f.records.record.Secret

	result, err := f.service.Setup(context.Background(), 42)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if result.Secret == oldSecret {
		t.Error("expected a fresh secret on re-setup")
	}
	if f.records.record.Enabled {
		t.Error("re-setup must leave the record disabled")
	}
	if len(f.records.codes) != 0 {
		t.Errorf("expected backup codes cleared, got %d", len(f.records.codes))
	}
}

// TestService_Setup_QRFallback verifies the ordered degradation chain: full
// URL at high fidelity, minimal URI at low fidelity, then no QR at all.
func TestService_Setup_QRFallback(t *testing.T) {
	t.Run("falls back to minimal URI", func(t *testing.T) {
		f := newServiceFixture(t)
		f.renderer.failures = 1
		result, err := f.service.Setup(context.Background(), 42)
		if err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if result.QRCode == "" {
			t.Error("expected fallback render to produce a QR code")
		}
		if len(f.renderer.calls) != 2 {
			t.Fatalf("got %d render calls, want 2", len(f.renderer.calls))
		}
		if f.renderer.calls[0].Width != 256 || f.renderer.calls[1].Width != 128 {
			t.Errorf("render widths = %d, %d; want 256, 128", f.renderer.calls[0].Width, f.renderer.calls[1].Width)
		}
	})

	t.Run("degrades to manual entry", func(t *testing.T) {
		f := newServiceFixture(t)
		f.renderer.failures = 2
		result, err := f.service.Setup(context.Background(), 42)
		if err != nil {
			t.Fatalf("Setup must not fail when rendering degrades: %v", err)
		}
		if result.QRCode != "" {
			t.Errorf("expected empty QR code, got %q", result.QRCode)
		}
		if result.Secret == "" {
			t.Error("secret must survive render degradation")
		}
	})
}

func TestService_Enable(t *testing.T) {
	f := newServiceFixture(t)

	if _, err := f.service.Enable(context.Background(), 42, "123456"); !errors.Is(err, ErrNotSetUp) {
		t.Errorf("Enable without setup returned %v, want ErrNotSetUp", err)
	}

	if _, err := f.service.Setup(context.Background(), 42); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	setupAt := f.records.record.SetupAt
	if _, err := f.service.Enable(context.Background(), 42, "000000"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Enable with wrong token returned %v, want ErrInvalidToken", err)
	}
	if f.records.record.Enabled {
		t.Fatal("failed Enable must not flip the record on")
	}

	f.advance(time.Hour)
	codes, err := f.service.Enable(context.Background(), 42, f.validCode(t))
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if len(codes) != params.BackupCodeCount {
		t.Errorf("got %d backup codes, want %d", len(codes), params.BackupCodeCount)
	}
	if !f.records.record.Enabled {
		t.Error("expected record enabled")
	}
	if !f.records.record.SetupAt.Equal(setupAt) {
		t.Errorf("setupAt changed to %v on enable, want %v from setup", f.records.record.SetupAt, setupAt)
	}
	if f.notifier.enabled != 1 {
		t.Errorf("enabled notices sent = %d, want 1", f.notifier.enabled)
	}

	if _, err := f.service.Enable(context.Background(), 42, f.validCode(t)); !errors.Is(err, ErrAlreadyEnabled) {
		t.Errorf("second Enable returned %v, want ErrAlreadyEnabled", err)
	}
}

func TestService_VerifyToken_NotEnrolled(t *testing.T) {
	f := newServiceFixture(t)

	// No record at all, then a record that is set up but never confirmed.
	// Both read as "not using 2FA", not as an error.
	ok, err := f.service.VerifyToken(context.Background(), 42, "123456", false)
	if err != nil || ok {
		t.Errorf("VerifyToken without record = (%v, %v), want (false, nil)", ok, err)
	}
	if _, err := f.service.Setup(context.Background(), 42); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	ok, err = f.service.VerifyToken(context.Background(), 42, f.validCode(t), false)
	if err != nil || ok {
		t.Errorf("VerifyToken on disabled record = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestService_VerifyToken_TOTP(t *testing.T) {
	f := newServiceFixture(t)
	f.enroll(t)

	ok, err := f.service.VerifyToken(context.Background(), 42, f.validCode(t), false)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if !ok {
		t.Error("expected valid code to verify")
	}
	if f.records.record.LastUsed == nil || !f.records.record.LastUsed.Equal(f.now) {
		t.Errorf("lastUsed = %v, want %v", f.records.record.LastUsed, f.now)
	}

	ok, err = f.service.VerifyToken(context.Background(), 42, "000000", false)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if ok {
		t.Error("expected wrong code to fail")
	}
	if f.records.record.FailedAttempts != 1 {
		t.Errorf("failedAttempts = %d, want 1", f.records.record.FailedAttempts)
	}
}

// TestService_VerifyToken_FollowsServiceClock verifies code validation runs
// on the injected clock, not the wall clock: a code for the shifted instant
// verifies while a code for a long-past instant does not.
func TestService_VerifyToken_FollowsServiceClock(t *testing.T) {
	f := newServiceFixture(t)
	f.enroll(t)
	enrolledAt := f.now

	f.advance(90 * 24 * time.Hour)
	ok, err := f.service.VerifyToken(context.Background(), 42, f.validCode(t), false)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if !ok {
		t.Error("expected code for the current clock instant to verify")
	}

	stale := generateCodeAt(t, f.records.record.Secret, enrolledAt)
	ok, err = f.service.VerifyToken(context.Background(), 42, stale, false)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if ok {
		t.Error("expected code for a 90-day-old instant to fail")
	}
}

// TestService_VerifyToken_Lockout walks the full lockout lifecycle: five
// consecutive failures trip the lock, the sixth call errors regardless of the
// code, and the cooldown expiry lazily reopens the record.
func TestService_VerifyToken_Lockout(t *testing.T) {
	f := newServiceFixture(t)
	f.enroll(t)

	for i := 0; i < params.MaxFailedAttempts; i++ {
		ok, err := f.service.VerifyToken(context.Background(), 42, "000000", false)
		if err != nil {
			t.Fatalf("failure %d returned error: %v", i+1, err)
		}
		if ok {
			t.Fatalf("failure %d unexpectedly verified", i+1)
		}
	}
	if f.notifier.locked != 1 {
		t.Errorf("lockout notices sent = %d, want 1", f.notifier.locked)
	}

	// Sixth call raises LockedOutError even with a valid code.
	var lockedErr *LockedOutError
	_, err := f.service.VerifyToken(context.Background(), 42, f.validCode(t), false)
	if !errors.As(err, &lockedErr) {
		t.Fatalf("call while locked returned %v, want *LockedOutError", err)
	}
	wantUntil := f.now.Add(params.LockoutDuration)
	if !lockedErr.Until.Equal(wantUntil) {
		t.Errorf("locked until %v, want %v", lockedErr.Until, wantUntil)
	}
	if got := lockedErr.RetryAfter(f.now); got != params.LockoutDuration {
		t.Errorf("RetryAfter = %v, want %v", got, params.LockoutDuration)
	}

	// After the cooldown a correct code verifies and resets the counter.
	f.advance(params.LockoutDuration + time.Second)
	ok, err := f.service.VerifyToken(context.Background(), 42, f.validCode(t), false)
	if err != nil {
		t.Fatalf("VerifyToken after cooldown failed: %v", err)
	}
	if !ok {
		t.Error("expected valid code to verify after cooldown")
	}
	if f.records.record.FailedAttempts != 0 {
		t.Errorf("failedAttempts = %d, want 0", f.records.record.FailedAttempts)
	}
}

// TestService_VerifyToken_FailureAfterCooldown verifies a wrong code after an
// expired lock restarts the count at one instead of re-locking immediately.
func TestService_VerifyToken_FailureAfterCooldown(t *testing.T) {
	f := newServiceFixture(t)
	f.enroll(t)

	for i := 0; i < params.MaxFailedAttempts; i++ {
		f.service.VerifyToken(context.Background(), 42, "000000", false)
	}
	f.advance(params.LockoutDuration + time.Second)

	ok, err := f.service.VerifyToken(context.Background(), 42, "000000", false)
	if err != nil {
		t.Fatalf("VerifyToken after cooldown returned error: %v", err)
	}
	if ok {
		t.Fatal("expected wrong code to fail")
	}
	if f.records.record.FailedAttempts != 1 {
		t.Errorf("failedAttempts = %d, want 1", f.records.record.FailedAttempts)
	}
	if f.records.record.Locked(f.now) {
		t.Error("record must not re-lock on the first failure after cooldown")
	}
}

// TestService_VerifyToken_BackupCodes verifies single use: code A verifies
// once, its reuse fails, and code B still verifies.
func TestService_VerifyToken_BackupCodes(t *testing.T) {
	f := newServiceFixture(t)
	codes := f.enroll(t)

	ok, err := f.service.VerifyToken(context.Background(), 42, codes[0], true)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if !ok {
		t.Fatal("expected backup code A to verify")
	}

	ok, err = f.service.VerifyToken(context.Background(), 42, codes[0], true)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if ok {
		t.Fatal("expected reused backup code A to fail")
	}
	if f.records.record.FailedAttempts != 1 {
		t.Errorf("failedAttempts = %d, want 1", f.records.record.FailedAttempts)
	}

	ok, err = f.service.VerifyToken(context.Background(), 42, codes[1], true)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if !ok {
		t.Error("expected backup code B to verify")
	}
}

func TestService_GetStatus(t *testing.T) {
	f := newServiceFixture(t)

	status, err := f.service.GetStatus(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Enabled || status.BackupCodesCount != 0 || status.LastUsed != nil {
		t.Errorf("absent record status = %+v, want zero value", status)
	}

	codes := f.enroll(t)
	f.service.VerifyToken(context.Background(), 42, codes[0], true)

	status, err = f.service.GetStatus(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !status.Enabled {
		t.Error("expected enabled status")
	}
	if want := int64(params.BackupCodeCount - 1); status.BackupCodesCount != want {
		t.Errorf("backupCodesCount = %d, want %d", status.BackupCodesCount, want)
	}
	if status.LastUsed == nil {
		t.Error("expected lastUsed stamped")
	}
}

// TestService_RegenerateBackupCodes verifies the old batch stops verifying
// the moment a new one is issued.
func TestService_RegenerateBackupCodes(t *testing.T) {
	f := newServiceFixture(t)

	if _, err := f.service.RegenerateBackupCodes(context.Background(), 42, "hunter22"); !errors.Is(err, ErrNotEnabled) {
		t.Errorf("regenerate before enable returned %v, want ErrNotEnabled", err)
	}

	oldCodes := f.enroll(t)
	if _, err := f.service.RegenerateBackupCodes(context.Background(), 42, "wrong"); !errors.Is(err, users.ErrInvalidPassword) {
		t.Errorf("regenerate with wrong password returned %v, want ErrInvalidPassword", err)
	}

	newCodes, err := f.service.RegenerateBackupCodes(context.Background(), 42, "hunter22")
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(newCodes) != params.BackupCodeCount {
		t.Errorf("got %d codes, want %d", len(newCodes), params.BackupCodeCount)
	}

	ok, _ := f.service.VerifyToken(context.Background(), 42, oldCodes[0], true)
	if ok {
		t.Error("expected pre-regeneration code to fail")
	}
	ok, err = f.service.VerifyToken(context.Background(), 42, newCodes[0], true)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if !ok {
		t.Error("expected newly issued code to verify")
	}
}

func TestService_Disable(t *testing.T) {
	f := newServiceFixture(t)
	f.enroll(t)

	if err := f.service.Disable(context.Background(), 42, "wrong", ""); !errors.Is(err, users.ErrInvalidPassword) {
		t.Errorf("Disable with wrong password returned %v, want ErrInvalidPassword", err)
	}
	if !f.records.record.Enabled {
		t.Fatal("failed Disable must not change state")
	}

	if err := f.service.Disable(context.Background(), 42, "hunter22", "000000"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Disable with wrong token returned %v, want ErrInvalidToken", err)
	}
	if !f.records.record.Enabled {
		t.Fatal("Disable with wrong token must not change state")
	}

	if err := f.service.Disable(context.Background(), 42, "hunter22", f.validCode(t)); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if f.records.record.Enabled {
		t.Error("expected record disabled")
	}
	if f.records.record.Secret == "" {
		t.Error("secret is retained after disable by default")
	}
	if f.notifier.disabled != 1 {
		t.Errorf("disabled notices sent = %d, want 1", f.notifier.disabled)
	}

	if err := f.service.Disable(context.Background(), 42, "hunter22", ""); !errors.Is(err, ErrNotEnabled) {
		t.Errorf("second Disable returned %v, want ErrNotEnabled", err)
	}
}

// TestService_Disable_Purge verifies the configuration switch that removes
// the record entirely instead of retaining the secret.
func TestService_Disable_Purge(t *testing.T) {
	f := newServiceFixture(t)
	f.service.purgeOnDisable = true
	f.enroll(t)

	if err := f.service.Disable(context.Background(), 42, "hunter22", ""); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if f.records.record != nil {
		t.Error("expected record purged")
	}
}
