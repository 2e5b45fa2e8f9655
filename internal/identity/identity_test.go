package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/felund/felund/internal/validate"
)

func TestNewNodeIDShape(t *testing.T) {
	id, err := NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	if err := validate.NodeID(id); err != nil {
		t.Fatalf("generated node id fails validation: %v", err)
	}

	other, err := NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	if id == other {
		t.Fatalf("two generated node ids collided: %s", id)
	}
}

func TestCircleIDIsPureFunctionOfSecret(t *testing.T) {
	secretHex, err := NewCircleSecret()
	if err != nil {
		t.Fatalf("NewCircleSecret: %v", err)
	}
	if err := validate.SecretHex(secretHex); err != nil {
		t.Fatalf("generated secret fails validation: %v", err)
	}

	a, err := CircleIDFromSecretHex(secretHex)
	if err != nil {
		t.Fatalf("CircleIDFromSecretHex: %v", err)
	}
	b, err := CircleIDFromSecretHex(secretHex)
	if err != nil {
		t.Fatalf("CircleIDFromSecretHex: %v", err)
	}
	if a != b {
		t.Fatalf("same secret produced different circle ids: %s vs %s", a, b)
	}
	if len(a) != CircleIDLen {
		t.Fatalf("circle id length = %d, want %d", len(a), CircleIDLen)
	}
	if a != strings.ToLower(a) {
		t.Fatalf("circle id not lowercase hex: %s", a)
	}
}

func TestCircleIDRejectsNonHexSecret(t *testing.T) {
	if _, err := CircleIDFromSecretHex("not-hex"); err == nil {
		t.Fatalf("expected error for non-hex secret")
	}
}

func TestCheckStateFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	dir := t.TempDir()

	good := filepath.Join(dir, "state.json")
	if err := os.WriteFile(good, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := CheckStateFilePermissions(good); err != nil {
		t.Fatalf("0600 file rejected: %v", err)
	}

	bad := filepath.Join(dir, "leaky.json")
	if err := os.WriteFile(bad, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckStateFilePermissions(bad); err == nil {
		t.Fatalf("0644 file accepted")
	}
}
