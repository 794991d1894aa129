package twofactor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/haiminh/tfauth/internal/store"
	"github.com/haiminh/tfauth/params"
)

// Challenge is the short-lived second step of a login. The session layer
// creates one after the password check and exchanges a valid code for a
// signed completion proof.
type Challenge struct {
	ID          string `json:"id" redis:"id"`
	UserID      uint   `json:"userId" redis:"userId"`
	Attempts    int64  `json:"attempts" redis:"attempts"`
	Completions int64  `json:"completions" redis:"completions"`
	Verified    bool   `json:"verified" redis:"verified"`
	CreatedAt   int64  `json:"createdAt" redis:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt" redis:"expiresAt"`
}

// TokenVerifier is the slice of Service the challenge flow depends on.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, userID uint, token string, isBackupCode bool) (bool, error)
}

type ChallengeService struct {
	challenges store.Store[Challenge]
	verifier   TokenVerifier
	signingKey []byte
	now        func() time.Time
}

func NewChallengeService(storage store.Storage, verifier TokenVerifier, signingKey string) *ChallengeService {
	return &ChallengeService{
		challenges: store.New[Challenge](storage, params.ChallengeKeyPrefix),
		verifier:   verifier,
		signingKey: []byte(signingKey),
		now:        time.Now,
	}
}

func (s *ChallengeService) Create(ctx context.Context, userID uint) (*Challenge, error) {
	now := s.now()
	challenge := Challenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(params.ChallengeExpiration).UnixMilli(),
	}
	if err := s.challenges.Set(ctx, challenge.ID, challenge, params.ChallengeExpiration); err != nil {
		return nil, err
	}
	return &challenge, nil
}

func (s *ChallengeService) Get(ctx context.Context, challengeID string) (*Challenge, error) {
	challenge, err := s.challenges.Get(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeNotFound
	} else if err != nil {
		return nil, err
	}
	if s.now().UnixMilli() >= challenge.ExpiresAt {
		return nil, ErrChallengeExpired
	}
	return &challenge, nil
}

// Complete verifies a code against the challenged user and, on success,
// marks the challenge verified and returns a signed proof token for the
// session layer. Each challenge allows a small budget of wrong attempts and
// completes at most once.
func (s *ChallengeService) Complete(ctx context.Context, challengeID string, token string, isBackupCode bool) (string, error) {
	challenge, err := s.Get(ctx, challengeID)
	if err != nil {
		return "", err
	}
	if challenge.Verified {
		return "", ErrChallengeAlreadyVerified
	}

	attempts, err := s.challenges.IncrAttr(ctx, challengeID, "attempts", 1)
	if err != nil {
		return "", err
	}
	if attempts > params.ChallengeMaxAttempts {
		return "", ErrChallengeAttemptsExceeded
	}

	verified, err := s.verifier.VerifyToken(ctx, challenge.UserID, token, isBackupCode)
	if err != nil {
		return "", err
	}
	if !verified {
		return "", ErrInvalidToken
	}

	// Atomic flip: when two completions race on the same challenge only the
	// call that moves the counter to one gets a proof token.
	completions, err := s.challenges.IncrAttr(ctx, challengeID, "completions", 1)
	if err != nil {
		return "", err
	}
	if completions != 1 {
		return "", ErrChallengeAlreadyVerified
	}
	if err := s.challenges.SetAttr(ctx, challengeID, "verified", true); err != nil {
		return "", err
	}
	return s.signProof(challenge)
}

func (s *ChallengeService) signProof(challenge *Challenge) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(challenge.UserID), 10),
		ID:        challenge.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(params.ChallengeProofExpiration)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}
