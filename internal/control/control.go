// Package control parses, applies, and emits the control-channel
// events that travel as ordinary signed messages on the synthetic
// "__control" channel: CHANNEL_EVT, CIRCLE_NAME_EVT, and
// ANCHOR_ANNOUNCE.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/felund/felund/internal/compose"
	"github.com/felund/felund/internal/store"
	"github.com/felund/felund/internal/validate"
)

// ChannelOp enumerates the CHANNEL_EVT operations.
type ChannelOp string

const (
	OpCreate  ChannelOp = "create"
	OpJoin    ChannelOp = "join"
	OpLeave   ChannelOp = "leave"
	OpRequest ChannelOp = "request"
	OpApprove ChannelOp = "approve"
	OpRename  ChannelOp = "rename"
)

// Kind identifies which control event a JSON payload encodes.
type Kind string

const (
	KindChannelEvt     Kind = "CHANNEL_EVT"
	KindCircleNameEvt  Kind = "CIRCLE_NAME_EVT"
	KindAnchorAnnounce Kind = "ANCHOR_ANNOUNCE"
)

// envelope is used only to sniff the "kind" field before unmarshaling
// into a concrete event type.
type envelope struct {
	Kind Kind `json:"kind"`
}

// ChannelEvent is the CHANNEL_EVT payload.
type ChannelEvent struct {
	Kind         Kind            `json:"kind"`
	Op           ChannelOp       `json:"op"`
	ChannelID    string          `json:"channel_id"`
	AccessMode   store.AccessMode `json:"access_mode,omitempty"`
	KeyHash      string          `json:"key_hash,omitempty"`
	TargetNodeID string          `json:"target_node_id,omitempty"`
	DisplayName  string          `json:"display_name,omitempty"`
}

// CircleNameEvent is the CIRCLE_NAME_EVT payload.
type CircleNameEvent struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// AnchorAnnounceEvent is the ANCHOR_ANNOUNCE payload.
type AnchorAnnounceEvent struct {
	Kind            Kind  `json:"kind"`
	CanAnchor       bool  `json:"can_anchor"`
	PublicReachable bool  `json:"public_reachable"`
	IsMobile        bool  `json:"is_mobile"`
	AnnouncedAt     int64 `json:"announced_at"`
}

// Parse sniffs text's "kind" field and unmarshals it into the matching
// event type. Unknown kinds and malformed JSON both return ok=false;
// callers MUST silently drop the message in either case, never
// propagate it as an error up to the anti-entropy layer.
func Parse(text string) (kind Kind, event any, ok bool) {
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return "", nil, false
	}
	switch env.Kind {
	case KindChannelEvt:
		var e ChannelEvent
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return "", nil, false
		}
		if !validOp(e.Op) {
			return "", nil, false
		}
		// rename targets a node, not a channel; every other op names a
		// channel that must satisfy the naming rules.
		if e.Op != OpRename && validate.ChannelID(e.ChannelID) != nil {
			return "", nil, false
		}
		return KindChannelEvt, e, true
	case KindCircleNameEvt:
		var e CircleNameEvent
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return "", nil, false
		}
		return KindCircleNameEvt, e, true
	case KindAnchorAnnounce:
		var e AnchorAnnounceEvent
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return "", nil, false
		}
		return KindAnchorAnnounce, e, true
	default:
		return "", nil, false
	}
}

func validOp(op ChannelOp) bool {
	switch op {
	case OpCreate, OpJoin, OpLeave, OpRequest, OpApprove, OpRename:
		return true
	default:
		return false
	}
}

// Marshal renders an event back to the canonical JSON text carried in
// a message's `text` field.
func Marshal(event any) (string, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Apply applies a parsed control event to s on behalf of
// authorNodeID, which is the already-MAC-authenticated author of the
// message that carried it. Unknown/invalid events must never reach
// Apply — callers filter them out via Parse's ok return.
func Apply(s *store.Store, circleID, authorNodeID string, kind Kind, event any) {
	switch kind {
	case KindChannelEvt:
		applyChannelEvent(s, circleID, authorNodeID, event.(ChannelEvent))
	case KindCircleNameEvt:
		applyCircleNameEvent(s, circleID, event.(CircleNameEvent))
	case KindAnchorAnnounce:
		applyAnchorAnnounce(s, circleID, authorNodeID, event.(AnchorAnnounceEvent))
	}
}

func applyChannelEvent(s *store.Store, circleID, authorNodeID string, e ChannelEvent) {
	switch e.Op {
	case OpCreate:
		s.UpsertChannel(circleID, store.Channel{
			ChannelID:  e.ChannelID,
			CreatedBy:  authorNodeID,
			CreatedTS:  store.NowTS(),
			AccessMode: e.AccessMode,
			KeyHash:    e.KeyHash,
		})
		s.AddChannelMember(circleID, e.ChannelID, authorNodeID)
	case OpJoin:
		ch, ok := s.Channel(circleID, e.ChannelID)
		if !ok || ch.AccessMode == store.AccessInvite {
			return
		}
		if ch.AccessMode == store.AccessKey && e.KeyHash != ch.KeyHash {
			return
		}
		s.AddChannelMember(circleID, e.ChannelID, authorNodeID)
	case OpRequest:
		if _, ok := s.Channel(circleID, e.ChannelID); !ok {
			return
		}
		s.AddChannelRequest(circleID, e.ChannelID, authorNodeID)
	case OpApprove:
		ch, ok := s.Channel(circleID, e.ChannelID)
		if !ok || authorNodeID != ch.CreatedBy || e.TargetNodeID == "" {
			return
		}
		s.AddChannelMember(circleID, e.ChannelID, e.TargetNodeID)
	case OpLeave:
		if e.ChannelID == store.GeneralChannelID {
			return
		}
		s.RemoveChannelMember(circleID, e.ChannelID, authorNodeID)
	case OpRename:
		if e.DisplayName == "" {
			return
		}
		s.SetPeerDisplayName(authorNodeID, e.DisplayName)
	}
}

func applyCircleNameEvent(s *store.Store, circleID string, e CircleNameEvent) {
	// AddCircle only fills in Name when the local record has none yet
	// and leaves an existing SecretHex untouched, which is exactly the
	// "accept if unnamed, else keep local" policy this event needs.
	s.AddCircle(store.Circle{CircleID: circleID, Name: e.Name})
}

// Emit builds, signs, and merges a locally-originated control event,
// applying it immediately (same as any merge that newly accepts a
// message) and returning it so the caller can rely on the normal
// anti-entropy path to gossip it onward. It refuses to emit an event
// that wouldn't survive its own Parse check, so a caller never builds
// something its own peers would later ignore.
func Emit(s *store.Store, secret []byte, circleID, authorNodeID, displayName string, event any) (store.ChatMessage, error) {
	text, err := Marshal(event)
	if err != nil {
		return store.ChatMessage{}, err
	}
	kind, parsed, ok := Parse(text)
	if !ok {
		return store.ChatMessage{}, fmt.Errorf("control: event fails its own parse check")
	}
	msg, err := compose.NewMessage(secret, circleID, store.ControlChannelID, authorNodeID, displayName, text, store.NowTS(), false)
	if err != nil {
		return store.ChatMessage{}, err
	}
	if s.MergeMessage(secret, msg) {
		Apply(s, circleID, authorNodeID, kind, parsed)
	}
	return msg, nil
}

func applyAnchorAnnounce(s *store.Store, circleID, authorNodeID string, e AnchorAnnounceEvent) {
	s.MergeAnchorRecord(circleID, store.AnchorRecord{
		NodeID:          authorNodeID,
		CanAnchor:       e.CanAnchor,
		PublicReachable: e.PublicReachable,
		IsMobile:        e.IsMobile,
		AnnouncedAt:     e.AnnouncedAt,
		LastSeenTS:      store.NowTS(),
	})
}
