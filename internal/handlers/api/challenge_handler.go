package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/haiminh/tfauth/internal/audit"
	"github.com/haiminh/tfauth/internal/twofactor"
)

// ChallengeHandler serves the internal login-challenge endpoints consumed by
// the session layer after a successful password check.
type ChallengeHandler struct {
	challengeService ChallengeService
}

func mapChallengeError(ctx *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, twofactor.ErrChallengeNotFound):
		return fiber.NewError(fiber.StatusNotFound, "Challenge not found")
	case errors.Is(err, twofactor.ErrChallengeExpired):
		return fiber.NewError(fiber.StatusGone, "Challenge expired")
	case errors.Is(err, twofactor.ErrChallengeAlreadyVerified):
		return fiber.NewError(fiber.StatusGone, "Challenge already completed")
	case errors.Is(err, twofactor.ErrChallengeAttemptsExceeded):
		return fiber.NewError(fiber.StatusTooManyRequests, "Too many attempts for this challenge")
	default:
		return mapTwoFactorError(ctx, err)
	}
}

func recordChallenge(ctx *fiber.Ctx, userID uint, eventType string, reason string) {
	err := audit.RecordChallenge(ctx.Context(), audit.ChallengeRecord{
		UserID:    userID,
		EventType: eventType,
		IP:        ctx.IP(),
		UserAgent: ctx.Get(fiber.HeaderUserAgent),
		Reason:    reason,
	})
	if err != nil {
		slog.Error("Failed to record audit event", "eventType", eventType, "error", err)
	}
}

func (h *ChallengeHandler) PostCreateChallenge(ctx *fiber.Ctx) error {
	var req createChallengeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.UserID == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "Missing userId")
	}
	challenge, err := h.challengeService.Create(ctx.Context(), req.UserID)
	if err != nil {
		return err
	}
	recordChallenge(ctx, req.UserID, audit.EventTypeChallengeCreated, "")
	return ctx.JSON(NewDataResponse(challenge))
}

func (h *ChallengeHandler) GetChallenge(ctx *fiber.Ctx) error {
	challenge, err := h.challengeService.Get(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return mapChallengeError(ctx, err)
	}
	return ctx.JSON(NewDataResponse(challenge))
}

func (h *ChallengeHandler) PostCompleteChallenge(ctx *fiber.Ctx) error {
	var req completeChallengeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	challengeID := ctx.Params("id")

	challenge, err := h.challengeService.Get(ctx.Context(), challengeID)
	if err != nil {
		return mapChallengeError(ctx, err)
	}

	proofToken, err := h.challengeService.Complete(ctx.Context(), challengeID, req.Token, req.IsBackupCode)
	if err != nil {
		recordChallenge(ctx, challenge.UserID, audit.EventTypeChallengeFailed, err.Error())
		return mapChallengeError(ctx, err)
	}
	recordChallenge(ctx, challenge.UserID, audit.EventTypeChallengeVerified, "")
	return ctx.JSON(NewDataResponse(completeChallengeResponse{ProofToken: proofToken}))
}

func NewChallengeHandler(challengeService ChallengeService) *ChallengeHandler {
	return &ChallengeHandler{
		challengeService: challengeService,
	}
}
