// Package compose builds locally-originated chat and control messages:
// it assigns the content-addressed msg_id, attaches the MAC (or the
// AES-GCM envelope when the caller wants the payload encrypted), and
// hands back a store.ChatMessage ready to merge into the local store
// and gossip out like any message received from a peer.
package compose

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/felund/felund/internal/fcrypto"
	"github.com/felund/felund/internal/store"
)

// NewMessage signs {displayName, text} with secret and returns the
// resulting message. When encrypt is true the fields are sealed under
// the circle's derived message key (fcrypto.DeriveMessageKey) instead
// of carried in the clear, and no MAC is attached: the GCM tag is
// itself the authorization proof.
func NewMessage(secret []byte, circleID, channelID, authorNodeID, displayName, text string, createdTS int64, encrypt bool) (store.ChatMessage, error) {
	msgID, err := newMsgID(authorNodeID, createdTS)
	if err != nil {
		return store.ChatMessage{}, err
	}

	fields := fcrypto.MessageFields{
		MsgID:        msgID,
		CircleID:     circleID,
		ChannelID:    channelID,
		AuthorNodeID: authorNodeID,
		DisplayName:  displayName,
		CreatedTS:    createdTS,
		Text:         text,
	}

	m := store.ChatMessage{
		MsgID:        msgID,
		CircleID:     circleID,
		ChannelID:    channelID,
		AuthorNodeID: authorNodeID,
		CreatedTS:    createdTS,
	}

	if !encrypt {
		m.DisplayName = displayName
		m.Text = text
		m.MAC = fcrypto.MakeMessageMAC(secret, fields)
		return m, nil
	}

	key, err := fcrypto.DeriveMessageKey(secret)
	if err != nil {
		return store.ChatMessage{}, err
	}
	env, err := fcrypto.EncryptMessageFields(key, fields, circleID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	m.Enc = &store.EncEnvelope{Nonce: env.Nonce, Ciphertext: env.Ciphertext, KeyID: env.KeyID}
	return m, nil
}

// newMsgID derives the 32-char content address from author||created_ts||random.
func newMsgID(authorNodeID string, createdTS int64) (string, error) {
	r := make([]byte, 16)
	if _, err := rand.Read(r); err != nil {
		return "", fmt.Errorf("compose: random: %w", err)
	}
	payload := authorNodeID + "|" + fmt.Sprintf("%d", createdTS) + "|" + hex.EncodeToString(r)
	return fcrypto.SHA256Hex([]byte(payload))[:32], nil
}
