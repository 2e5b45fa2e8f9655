// Package identity generates and derives felund's stable identifiers:
// the node id minted once per installation, circle secrets, and the
// circle id that is a pure function of the secret.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	"github.com/felund/felund/internal/fcrypto"
)

// NodeIDLen is the length of a node identifier in hex characters.
const NodeIDLen = 24

// CircleIDLen is the length of a circle identifier in hex characters.
const CircleIDLen = 24

// NewNodeID mints a fresh node identifier: the first 24 hex chars of
// SHA-256 over 32 random bytes. It is generated once and lives for the
// life of the local installation.
func NewNodeID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("identity: random node id: %w", err)
	}
	return fcrypto.SHA256Hex(b)[:NodeIDLen], nil
}

// NewCircleSecret mints a fresh 32-byte circle secret, returned as hex.
func NewCircleSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("identity: random secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CircleIDFromSecretHex derives the circle id from a hex-encoded
// secret. Two nodes holding the same secret always agree on the id.
func CircleIDFromSecretHex(secretHex string) (string, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("identity: secret not hex: %w", err)
	}
	return fcrypto.SHA256Hex(secret)[:CircleIDLen], nil
}

// CheckStateFilePermissions verifies that a state or config file is
// not readable by group or others. The state file holds circle
// secrets, so 0600 is required on Unix.
func CheckStateFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat state file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("state file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}
