package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestChannelID(t *testing.T) {
	valid := []string{"general", "planning", "a", "dev-ops", "room_2", strings.Repeat("x", 32)}
	for _, id := range valid {
		if err := ChannelID(id); err != nil {
			t.Errorf("ChannelID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "__control", "__x", "Planning", "has space", "über", strings.Repeat("x", 33)}
	for _, id := range invalid {
		if err := ChannelID(id); !errors.Is(err, ErrInvalidChannelID) {
			t.Errorf("ChannelID(%q) = %v, want ErrInvalidChannelID", id, err)
		}
	}
}

func TestNodeID(t *testing.T) {
	if err := NodeID("0123456789abcdef01234567"); err != nil {
		t.Fatalf("valid node id rejected: %v", err)
	}
	for _, id := range []string{"", "0123456789ABCDEF01234567", "0123456789abcdef0123456", "not-hex-at-all-not-hex-a"} {
		if err := NodeID(id); !errors.Is(err, ErrInvalidNodeID) {
			t.Errorf("NodeID(%q) = %v, want ErrInvalidNodeID", id, err)
		}
	}
}

func TestSecretHex(t *testing.T) {
	if err := SecretHex(strings.Repeat("ab", 32)); err != nil {
		t.Fatalf("valid secret rejected: %v", err)
	}
	if err := SecretHex(strings.Repeat("ab", 16)); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("short secret accepted")
	}
	if err := SecretHex("zz"); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("non-hex secret accepted")
	}
}

func TestHostPort(t *testing.T) {
	valid := []string{"192.168.1.5:9999", "example.com:80", "[::1]:4000"}
	for _, addr := range valid {
		if err := HostPort(addr); err != nil {
			t.Errorf("HostPort(%q) = %v, want nil", addr, err)
		}
	}
	invalid := []string{"", "example.com", ":9999", "host:0", "host:99999", "host:abc"}
	for _, addr := range invalid {
		if err := HostPort(addr); !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("HostPort(%q) = %v, want ErrInvalidEndpoint", addr, err)
		}
	}
}
