package twofactor

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"

	"github.com/haiminh/tfauth/internal/common"
	"github.com/haiminh/tfauth/params"
)

const backupCodeCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// BackupCodeManager issues single-use recovery codes and matches candidates
// against their stored hashes. Only keyed hashes are ever persisted; the
// plaintext batch is returned to the caller exactly once.
type BackupCodeManager struct {
	masterKey string
}

func NewBackupCodeManager(masterKey string) *BackupCodeManager {
	return &BackupCodeManager{
		masterKey: masterKey,
	}
}

// Generate produces a batch of params.BackupCodeCount codes with no
// duplicates within the batch.
func (m *BackupCodeManager) Generate() ([]string, error) {
	codes := make([]string, 0, params.BackupCodeCount)
	seen := make(map[string]bool, params.BackupCodeCount)
	for len(codes) < params.BackupCodeCount {
		code, err := randomCode(params.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes, nil
}

// Hash returns the stored form of a code: hex HMAC-SHA256 under the server
// master key.
func (m *BackupCodeManager) Hash(code string) string {
	return common.CalculateHash(m.masterKey, normalizeBackupCode(code))
}

// Match compares a candidate code against a stored hash in constant time.
func (m *BackupCodeManager) Match(candidate string, codeHash string) bool {
	computed := m.Hash(candidate)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeHash)) == 1
}

// normalizeBackupCode makes candidate matching tolerant of how users type
// codes back in: case-insensitive, spaces and dashes ignored.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, " ", "")
	return strings.ReplaceAll(code, "-", "")
}

func randomCode(length int) (string, error) {
	result := make([]byte, length)
	max := big.NewInt(int64(len(backupCodeCharset)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random code: %w", err)
		}
		result[i] = backupCodeCharset[n.Int64()]
	}
	return string(result), nil
}
