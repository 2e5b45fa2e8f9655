package compose

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/felund/felund/internal/fcrypto"
)

var secret = mustSecret()

func mustSecret() []byte {
	b, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		panic(err)
	}
	return b
}

func TestNewMessagePlaintext(t *testing.T) {
	m, err := NewMessage(secret, "circle1", "general", "author00000000000000000a", "alice", "hi there", 1700000000, false)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if len(m.MsgID) != 32 {
		t.Errorf("msg_id length = %d, want 32", len(m.MsgID))
	}
	if m.Enc != nil {
		t.Errorf("plaintext message carries an envelope")
	}
	fields := fcrypto.MessageFields{
		MsgID: m.MsgID, CircleID: m.CircleID, ChannelID: m.ChannelID,
		AuthorNodeID: m.AuthorNodeID, DisplayName: m.DisplayName,
		CreatedTS: m.CreatedTS, Text: m.Text,
	}
	if !fcrypto.VerifyMessageMAC(secret, fields, m.MAC) {
		t.Errorf("MAC does not verify against the circle secret")
	}
}

func TestNewMessageEncrypted(t *testing.T) {
	m, err := NewMessage(secret, "circle1", "general", "author00000000000000000a", "alice", "the plan", 1700000000, true)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if m.Enc == nil {
		t.Fatalf("encrypted message has no envelope")
	}
	if len(m.MAC) != 0 {
		t.Errorf("encrypted message should carry no MAC; the tag authenticates it")
	}
	if m.DisplayName != "" || m.Text != "" {
		t.Errorf("plaintext fields leaked on the wire form: %+v", m)
	}
	if bytes.Contains(m.Enc.Ciphertext, []byte("the plan")) {
		t.Errorf("ciphertext contains the plaintext")
	}

	key, err := fcrypto.DeriveMessageKey(secret)
	if err != nil {
		t.Fatal(err)
	}
	fields := fcrypto.MessageFields{
		MsgID: m.MsgID, CircleID: m.CircleID, ChannelID: m.ChannelID,
		AuthorNodeID: m.AuthorNodeID, CreatedTS: m.CreatedTS,
	}
	plain, err := fcrypto.DecryptMessageFields(key, fields, &fcrypto.Envelope{Nonce: m.Enc.Nonce, Ciphertext: m.Enc.Ciphertext, KeyID: m.Enc.KeyID})
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain.DisplayName != "alice" || plain.Text != "the plan" {
		t.Errorf("round trip mismatch: %+v", plain)
	}
}

func TestMsgIDsAreUnique(t *testing.T) {
	a, err := NewMessage(secret, "circle1", "general", "author00000000000000000a", "alice", "same", 1700000000, false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewMessage(secret, "circle1", "general", "author00000000000000000a", "alice", "same", 1700000000, false)
	if err != nil {
		t.Fatal(err)
	}
	if a.MsgID == b.MsgID {
		t.Fatalf("identical posts produced the same msg_id: %s", a.MsgID)
	}
}
