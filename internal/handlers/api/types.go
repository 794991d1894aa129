package api

import (
	"context"

	"github.com/haiminh/tfauth/internal/twofactor"
)

type TwoFactorService interface {
	Setup(ctx context.Context, userID uint) (*twofactor.SetupResult, error)
	Enable(ctx context.Context, userID uint, token string) ([]string, error)
	Disable(ctx context.Context, userID uint, password string, token string) error
	VerifyToken(ctx context.Context, userID uint, token string, isBackupCode bool) (bool, error)
	GetStatus(ctx context.Context, userID uint) (*twofactor.Status, error)
	RegenerateBackupCodes(ctx context.Context, userID uint, password string) ([]string, error)
}

type ChallengeService interface {
	Create(ctx context.Context, userID uint) (*twofactor.Challenge, error)
	Get(ctx context.Context, challengeID string) (*twofactor.Challenge, error)
	Complete(ctx context.Context, challengeID string, token string, isBackupCode bool) (string, error)
}

type enableRequest struct {
	Token string `json:"token"`
}

type disableRequest struct {
	Password string `json:"password"`
	Token    string `json:"token"`
}

type verifyRequest struct {
	Token        string `json:"token"`
	IsBackupCode bool   `json:"isBackupCode"`
}

type regenerateRequest struct {
	Password string `json:"password"`
}

type testTokenRequest struct {
	Secret string `json:"secret"`
	Token  string `json:"token"`
}

type createChallengeRequest struct {
	UserID uint `json:"userId"`
}

type completeChallengeRequest struct {
	Token        string `json:"token"`
	IsBackupCode bool   `json:"isBackupCode"`
}

type enableResponse struct {
	BackupCodes []string `json:"backupCodes"`
	Message     string   `json:"message"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

type testTokenResponse struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type completeChallengeResponse struct {
	ProofToken string `json:"proofToken"`
}
