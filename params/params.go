package params

import "time"

const (
	ServerBodyLimit    = 1048576 // 1 MiB
	ServerIdleTimeout  = 30 * time.Second
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second

	ChallengeKeyPrefix = "c:"

	TOTPPeriod     = 30 // seconds per TOTP step
	TOTPSkew       = 2  // accepted steps of clock drift on either side
	TOTPSecretSize = 20 // raw secret bytes before base32 encoding

	BackupCodeCount  = 10 // codes issued per batch
	BackupCodeLength = 10 // uppercase alphanumeric characters per code

	MaxFailedAttempts = 5                // consecutive verification failures before the record locks
	LockoutDuration   = 15 * time.Minute // cooldown once the record is locked

	ChallengeExpiration      = 5 * time.Minute // login challenge time to live
	ChallengeMaxAttempts     = 5               // verification attempts allowed per challenge
	ChallengeProofExpiration = 5 * time.Minute // validity of the signed completion proof

	HealthCheckServerAddr = ":3001" // health check server address
)
