// Package store implements felund's in-memory state: circles, peers,
// messages, channels, and anchor records, all guarded by a single
// node-wide mutex. Network I/O never holds the lock: each Store method
// takes and releases the mutex itself, and callers perform reads/writes
// of the connection between calls.
package store

import "time"

// ControlChannelID is the synthetic channel that carries management
// events (CHANNEL_EVT, CIRCLE_NAME_EVT, ANCHOR_ANNOUNCE).
const ControlChannelID = "__control"

// GeneralChannelID is implicit in every circle.
const GeneralChannelID = "general"

const (
	// MessageMaxAge is the retention window for chat/control messages.
	MessageMaxAge = 30 * 24 * time.Hour
	// MaxMessagesPerCircle caps the per-circle message count; oldest
	// messages are pruned first once exceeded.
	MaxMessagesPerCircle = 1000
)

// AccessMode is a channel's join policy.
type AccessMode string

const (
	AccessPublic AccessMode = "public"
	AccessKey    AccessMode = "key"
	AccessInvite AccessMode = "invite"
)

// NodeConfig is this process's stable identity and capability flags.
type NodeConfig struct {
	NodeID           string `json:"node_id"`
	Bind             string `json:"bind"`
	Port             int    `json:"port"`
	DisplayName      string `json:"display_name"`
	CanAnchor        bool   `json:"can_anchor"`
	PublicReachable  bool   `json:"public_reachable"`
	IsMobile         bool   `json:"is_mobile"`
}

// Circle is a private group identified by the first 24 hex chars of
// SHA-256(secret).
type Circle struct {
	CircleID  string `json:"circle_id"`
	SecretHex string `json:"secret_hex"`
	Name      string `json:"name"`
}

// Peer is a remote node's last-known endpoint and liveness.
type Peer struct {
	NodeID   string `json:"node_id"`
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
}

// ChatMessage is a content-addressed, immutable chat or control event.
type ChatMessage struct {
	MsgID        string `json:"msg_id"`
	CircleID     string `json:"circle_id"`
	ChannelID    string `json:"channel_id"`
	AuthorNodeID string `json:"author_node_id"`
	DisplayName  string `json:"display_name"`
	CreatedTS    int64  `json:"created_ts"`
	Text         string `json:"text"`
	MAC          []byte `json:"mac,omitempty"`

	// Enc, when non-nil, carries the AES-256-GCM envelope for
	// (display_name, text); DisplayName/Text are then empty on the wire.
	Enc *EncEnvelope `json:"enc,omitempty"`
}

// EncEnvelope is the optional encrypted payload attached to a message.
type EncEnvelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	KeyID      string `json:"key_id"`
}

// Channel is a named sub-topic within a circle.
type Channel struct {
	ChannelID  string     `json:"channel_id"`
	CreatedBy  string     `json:"created_by"`
	CreatedTS  int64      `json:"created_ts"`
	AccessMode AccessMode `json:"access_mode"`
	KeyHash    string     `json:"key_hash,omitempty"`
}

// AnchorEnvelope is a blind ciphertext record an anchor peer stores on
// behalf of an offline member. Its wire shape mirrors a ChatMessage
// but is only ever transported, never interpreted, by the anchor
// itself.
type AnchorEnvelope struct {
	MsgID     string      `json:"msg_id"`
	ChannelID string      `json:"channel_id"`
	CreatedTS int64       `json:"created_ts"`
	Message   ChatMessage `json:"message"`
}

// AnchorRecord tracks one node's latest anchor-capability announcement
// for a given circle.
type AnchorRecord struct {
	NodeID          string `json:"node_id"`
	CanAnchor       bool   `json:"can_anchor"`
	PublicReachable bool   `json:"public_reachable"`
	IsMobile        bool   `json:"is_mobile"`
	AnnouncedAt     int64  `json:"announced_at"`
	LastSeenTS      int64  `json:"last_seen_ts"`
}

// NowTS returns the current unix timestamp in seconds.
func NowTS() int64 {
	return time.Now().Unix()
}
