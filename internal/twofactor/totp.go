package twofactor

import (
	"time"

	"github.com/haiminh/tfauth/params"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// GenerateKey creates a fresh TOTP key for the given account. The secret is
// base32 encoded and independent of any previously issued secret.
func GenerateKey(issuer string, accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      params.TOTPPeriod,
		SecretSize:  params.TOTPSecretSize,
	})
}

// ValidateCode checks a 6-digit code against the secret for the current time
// step ± params.TOTPSkew steps. Malformed secrets or codes count as a plain
// verification failure, never an error.
func ValidateCode(secret string, code string) bool {
	return validateCodeAt(secret, code, time.Now())
}

func validateCodeAt(secret string, code string, at time.Time) bool {
	valid, err := totp.ValidateCustom(code, secret, at.UTC(), totp.ValidateOpts{
		Period:    params.TOTPPeriod,
		Skew:      params.TOTPSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}
