package twofactor

import (
	"strings"
	"testing"

	"github.com/haiminh/tfauth/params"
)

// TestBackupCodeManager_Generate verifies batch size, code shape, and
// uniqueness within a batch.
func TestBackupCodeManager_Generate(t *testing.T) {
	manager := NewBackupCodeManager("test-master-key")
	codes, err := manager.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(codes) != params.BackupCodeCount {
		t.Fatalf("got %d codes, want %d", len(codes), params.BackupCodeCount)
	}
	seen := make(map[string]bool)
	for _, code := range codes {
		if len(code) != params.BackupCodeLength {
			t.Errorf("code %q has length %d, want %d", code, len(code), params.BackupCodeLength)
		}
		for _, ch := range code {
			if !strings.ContainsRune(backupCodeCharset, ch) {
				t.Errorf("code %q contains character %q outside the charset", code, ch)
			}
		}
		if seen[code] {
			t.Errorf("duplicate code %q in batch", code)
		}
		seen[code] = true
	}
}

// TestBackupCodeManager_Match verifies hash matching, including tolerance for
// how users type codes back in.
func TestBackupCodeManager_Match(t *testing.T) {
	manager := NewBackupCodeManager("test-master-key")
	hash := manager.Hash("A1B2C3D4E5")

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"exact", "A1B2C3D4E5", true},
		{"lowercase", "a1b2c3d4e5", true},
		{"dashed", "A1B2C-3D4E5", true},
		{"spaced", " A1B2 C3D4 E5 ", true},
		{"wrong code", "A1B2C3D4E6", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := manager.Match(tt.candidate, hash); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}

// TestBackupCodeManager_KeyedHash verifies hashes are bound to the master key
// so a stolen table from one deployment cannot be replayed against another.
func TestBackupCodeManager_KeyedHash(t *testing.T) {
	first := NewBackupCodeManager("key-one")
	second := NewBackupCodeManager("key-two")
	if first.Hash("A1B2C3D4E5") == second.Hash("A1B2C3D4E5") {
		t.Error("expected hashes under different master keys to differ")
	}
	if second.Match("A1B2C3D4E5", first.Hash("A1B2C3D4E5")) {
		t.Error("expected hash from another key to fail matching")
	}
}
