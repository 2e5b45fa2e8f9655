// Package invite encodes a circle secret plus a dial hint into a
// printable code a member can hand to a friend out of band. The code
// is not a secret-protecting construction: possession of the code IS
// possession of the circle secret, same as reading it off a screen.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felund/felund/internal/validate"
)

// Prefix marks version 1 of the code format.
const Prefix = "felund1."

type payload struct {
	V      int    `json:"v"`
	Secret string `json:"secret"`
	Peer   string `json:"peer"`
}

// Encode renders a secret and bootstrap address as a printable code.
func Encode(secretHex, peerAddr string) (string, error) {
	if err := validate.SecretHex(secretHex); err != nil {
		return "", fmt.Errorf("invite: %w", err)
	}
	if err := validate.HostPort(peerAddr); err != nil {
		return "", fmt.Errorf("invite: %w", err)
	}
	raw, err := json.Marshal(payload{V: 1, Secret: secretHex, Peer: peerAddr})
	if err != nil {
		return "", fmt.Errorf("invite: marshal: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a code back into its secret and bootstrap address,
// validating both before returning them.
func Decode(code string) (secretHex, peerAddr string, err error) {
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, Prefix) {
		return "", "", fmt.Errorf("invite: invalid code prefix")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(code, Prefix))
	if err != nil {
		return "", "", fmt.Errorf("invite: decode: %w", err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("invite: parse: %w", err)
	}
	if p.V != 1 {
		return "", "", fmt.Errorf("invite: unsupported code version %d", p.V)
	}
	secretHex = strings.ToLower(strings.TrimSpace(p.Secret))
	peerAddr = strings.TrimSpace(p.Peer)
	if err := validate.SecretHex(secretHex); err != nil {
		return "", "", fmt.Errorf("invite: %w", err)
	}
	if err := validate.HostPort(peerAddr); err != nil {
		return "", "", fmt.Errorf("invite: %w", err)
	}
	return secretHex, peerAddr, nil
}
