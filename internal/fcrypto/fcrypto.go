// Package fcrypto implements the HMAC/HKDF/AES-GCM primitives that
// authenticate circle membership and chat messages.
//
// Every exported function here corresponds to one primitive named in
// the wire contract: make_token, make_message_mac, derive_session_key,
// derive_message_key, and the AES-256-GCM envelope for (display_name,
// text). The pipe-joined byte orders are part of the wire contract and
// MUST NOT change independently on one side of a connection.
package fcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeyInfo = "felund-sess-v1"
	messageKeyInfo = "felund-msg-v1"
	keyLen         = 32
	nonceLen       = 12
)

var ErrDecryptFailed = errors.New("fcrypto: decrypt failed")

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// MakeToken computes HMAC_SHA256(secret, node_id|circle_id|nonce).
func MakeToken(secret []byte, nodeID, circleID, nonce string) []byte {
	payload := strings.Join([]string{nodeID, circleID, nonce}, "|")
	return hmacSHA256(secret, []byte(payload))
}

// VerifyToken recomputes the token and compares in constant time.
func VerifyToken(secret []byte, nodeID, circleID, nonce string, token []byte) bool {
	want := MakeToken(secret, nodeID, circleID, nonce)
	return hmac.Equal(want, token)
}

// MessageFields is the minimal set of message fields the MAC covers.
// The byte order below is the wire contract: msg_id|circle_id|
// channel_id|author_node_id|display_name|created_ts|text.
type MessageFields struct {
	MsgID         string
	CircleID      string
	ChannelID     string
	AuthorNodeID  string
	DisplayName   string
	CreatedTS     int64
	Text          string
}

func canonicalMessageBytes(m MessageFields) []byte {
	payload := strings.Join([]string{
		m.MsgID,
		m.CircleID,
		m.ChannelID,
		m.AuthorNodeID,
		m.DisplayName,
		strconv.FormatInt(m.CreatedTS, 10),
		m.Text,
	}, "|")
	return []byte(payload)
}

// MakeMessageMAC computes the HMAC over the canonical pipe-joined
// message fields, keyed by the circle secret.
func MakeMessageMAC(secret []byte, m MessageFields) []byte {
	return hmacSHA256(secret, canonicalMessageBytes(m))
}

// VerifyMessageMAC checks mac against the recomputed MAC in constant time.
func VerifyMessageMAC(secret []byte, m MessageFields, mac []byte) bool {
	if len(mac) == 0 {
		return false
	}
	want := MakeMessageMAC(secret, m)
	return hmac.Equal(want, mac)
}

// DeriveSessionKey derives the per-connection AES-GCM key via
// HKDF-SHA256(secret, info="felund-sess-v1", salt=clientNonce||serverNonce).
func DeriveSessionKey(secret, clientNonce, serverNonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)
	return hkdfExpand(secret, salt, []byte(sessionKeyInfo))
}

// DeriveMessageKey derives the circle-wide message envelope key via
// HKDF-SHA256(secret, info="felund-msg-v1", salt=nil).
func DeriveMessageKey(secret []byte) ([]byte, error) {
	return hkdfExpand(secret, nil, []byte(messageKeyInfo))
}

func hkdfExpand(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("fcrypto: hkdf expand: %w", err)
	}
	return key, nil
}

// EncryptedFields is the plaintext payload sealed inside an envelope.
type EncryptedFields struct {
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
}

// Envelope is the wire representation of an encrypted message body.
type Envelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	KeyID      string `json:"key_id"`
}

// EncryptMessageFields seals {display_name, text} under AES-256-GCM with
// AAD = msg_id|circle_id|channel_id|author_node_id|created_ts.
func EncryptMessageFields(key []byte, m MessageFields, keyID string) (*Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fcrypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fcrypto: gcm: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("fcrypto: nonce: %w", err)
	}
	plaintext, err := json.Marshal(EncryptedFields{DisplayName: m.DisplayName, Text: m.Text})
	if err != nil {
		return nil, fmt.Errorf("fcrypto: marshal plaintext: %w", err)
	}
	aad := aadBytes(m)
	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)
	return &Envelope{Nonce: nonce, Ciphertext: ciphertext, KeyID: keyID}, nil
}

// DecryptMessageFields opens an envelope. A tag mismatch returns
// ErrDecryptFailed; callers MUST drop the message silently on error.
func DecryptMessageFields(key []byte, m MessageFields, env *Envelope) (*EncryptedFields, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fcrypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fcrypto: gcm: %w", err)
	}
	aad := aadBytes(m)
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	var fields EncryptedFields
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, ErrDecryptFailed
	}
	return &fields, nil
}

func aadBytes(m MessageFields) []byte {
	payload := strings.Join([]string{
		m.MsgID, m.CircleID, m.ChannelID, m.AuthorNodeID, strconv.FormatInt(m.CreatedTS, 10),
	}, "|")
	return []byte(payload)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}
