package api

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/haiminh/tfauth/internal/audit"
	"github.com/haiminh/tfauth/internal/middlewares"
	"github.com/haiminh/tfauth/internal/twofactor"
	"github.com/haiminh/tfauth/internal/users"
)

var timeNow = time.Now

type TwoFactorHandler struct {
	twoFactorService TwoFactorService
}

// mapTwoFactorError translates domain errors to HTTP. A lockout answers 429
// with a Retry-After header so well-behaved clients can back off.
func mapTwoFactorError(ctx *fiber.Ctx, err error) error {
	var lockedErr *twofactor.LockedOutError
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		return fiber.NewError(fiber.StatusNotFound, "User not found")
	case errors.Is(err, users.ErrUserDisabled):
		return fiber.NewError(fiber.StatusForbidden, "Account is disabled")
	case errors.Is(err, twofactor.ErrAlreadyEnabled):
		return fiber.NewError(fiber.StatusConflict, "Two-factor authentication is already enabled")
	case errors.Is(err, twofactor.ErrNotSetUp):
		return fiber.NewError(fiber.StatusPreconditionFailed, "Two-factor authentication is not set up")
	case errors.Is(err, twofactor.ErrNotEnabled):
		return fiber.NewError(fiber.StatusPreconditionFailed, "Two-factor authentication is not enabled")
	case errors.Is(err, users.ErrInvalidPassword):
		return fiber.NewError(fiber.StatusUnauthorized, "Invalid password")
	case errors.Is(err, twofactor.ErrInvalidToken):
		return fiber.NewError(fiber.StatusUnauthorized, "Invalid verification code")
	case errors.As(err, &lockedErr):
		retryAfter := int(lockedErr.RetryAfter(timeNow()).Seconds())
		ctx.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
		return fiber.NewError(fiber.StatusTooManyRequests, "Too many failed attempts, try again later")
	default:
		return err
	}
}

func recordStateChange(ctx *fiber.Ctx, userID uint, eventType string) {
	err := audit.RecordStateChange(ctx.Context(), audit.StateChangeRecord{
		UserID:    userID,
		EventType: eventType,
		IP:        ctx.IP(),
		UserAgent: ctx.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		slog.Error("Failed to record audit event", "eventType", eventType, "error", err)
	}
}

func recordAttempt(ctx *fiber.Ctx, userID uint, isBackupCode bool, success bool, locked bool) {
	method := audit.MethodTOTP
	if isBackupCode {
		method = audit.MethodBackupCode
	}
	err := audit.RecordAttempt(ctx.Context(), audit.AttemptRecord{
		UserID:    userID,
		Method:    method,
		Success:   success,
		Locked:    locked,
		IP:        ctx.IP(),
		UserAgent: ctx.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		slog.Error("Failed to record audit event", "eventType", "2fa_attempt", "error", err)
	}
}

func (h *TwoFactorHandler) PostSetup(ctx *fiber.Ctx) error {
	userID := middlewares.AuthUserID(ctx)
	result, err := h.twoFactorService.Setup(ctx.Context(), userID)
	if err != nil {
		return mapTwoFactorError(ctx, err)
	}
	recordStateChange(ctx, userID, audit.EventTypeTwoFASetup)
	return ctx.JSON(NewDataResponse(result))
}

func (h *TwoFactorHandler) PostEnable(ctx *fiber.Ctx) error {
	var req enableRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	userID := middlewares.AuthUserID(ctx)
	backupCodes, err := h.twoFactorService.Enable(ctx.Context(), userID, req.Token)
	if err != nil {
		return mapTwoFactorError(ctx, err)
	}
	recordStateChange(ctx, userID, audit.EventTypeTwoFAEnabled)
	return ctx.JSON(NewDataResponse(enableResponse{
		BackupCodes: backupCodes,
		Message:     "Two-factor authentication enabled. Store your backup codes in a safe place.",
	}))
}

func (h *TwoFactorHandler) PostDisable(ctx *fiber.Ctx) error {
	var req disableRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	userID := middlewares.AuthUserID(ctx)
	if err := h.twoFactorService.Disable(ctx.Context(), userID, req.Password, req.Token); err != nil {
		return mapTwoFactorError(ctx, err)
	}
	recordStateChange(ctx, userID, audit.EventTypeTwoFADisabled)
	return ctx.JSON(NewDataResponse(messageResponse{
		Message: "Two-factor authentication disabled.",
	}))
}

func (h *TwoFactorHandler) PostVerify(ctx *fiber.Ctx) error {
	var req verifyRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	userID := middlewares.AuthUserID(ctx)
	verified, err := h.twoFactorService.VerifyToken(ctx.Context(), userID, req.Token, req.IsBackupCode)
	if err != nil {
		var lockedErr *twofactor.LockedOutError
		if errors.As(err, &lockedErr) {
			recordAttempt(ctx, userID, req.IsBackupCode, false, true)
		}
		return mapTwoFactorError(ctx, err)
	}
	recordAttempt(ctx, userID, req.IsBackupCode, verified, false)
	return ctx.JSON(NewDataResponse(verifyResponse{Verified: verified}))
}

func (h *TwoFactorHandler) GetStatus(ctx *fiber.Ctx) error {
	status, err := h.twoFactorService.GetStatus(ctx.Context(), middlewares.AuthUserID(ctx))
	if err != nil {
		return mapTwoFactorError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(status))
}

func (h *TwoFactorHandler) PostRegenerateBackupCodes(ctx *fiber.Ctx) error {
	var req regenerateRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	userID := middlewares.AuthUserID(ctx)
	backupCodes, err := h.twoFactorService.RegenerateBackupCodes(ctx.Context(), userID, req.Password)
	if err != nil {
		return mapTwoFactorError(ctx, err)
	}
	recordStateChange(ctx, userID, audit.EventTypeBackupCodesRegenerate)
	return ctx.JSON(NewDataResponse(enableResponse{
		BackupCodes: backupCodes,
		Message:     "Backup codes regenerated. Previous codes are no longer valid.",
	}))
}

// PostTestToken verifies a code against a caller-supplied secret during
// interactive setup, before the secret is bound to the account.
func (h *TwoFactorHandler) PostTestToken(ctx *fiber.Ctx) error {
	var req testTokenRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Secret == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Missing secret")
	}
	verified := twofactor.TestToken(req.Secret, req.Token)
	message := "Verification code is valid."
	if !verified {
		message = "Verification code is invalid."
	}
	return ctx.JSON(NewDataResponse(testTokenResponse{
		Verified: verified,
		Message:  message,
	}))
}

func NewTwoFactorHandler(twoFactorService TwoFactorService) *TwoFactorHandler {
	return &TwoFactorHandler{
		twoFactorService: twoFactorService,
	}
}
