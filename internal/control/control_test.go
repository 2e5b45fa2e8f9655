package control

import (
	"testing"

	"github.com/felund/felund/internal/store"
)

func newTestStore() *store.Store {
	return store.New(store.NodeConfig{NodeID: "local", DisplayName: "local"})
}

func TestParseUnknownKindRejected(t *testing.T) {
	if _, _, ok := Parse(`{"kind":"NOT_A_THING"}`); ok {
		t.Fatalf("unknown kind must not parse")
	}
}

func TestParseMalformedJSONRejected(t *testing.T) {
	if _, _, ok := Parse(`not json at all`); ok {
		t.Fatalf("malformed json must not parse")
	}
}

func TestParseChannelEventUnknownOpRejected(t *testing.T) {
	text, _ := Marshal(map[string]any{"kind": "CHANNEL_EVT", "op": "bogus", "channel_id": "c1"})
	if _, _, ok := Parse(text); ok {
		t.Fatalf("unknown op must not parse")
	}
}

// Owner creates an invite channel, member
// requests, owner approves, member's membership set includes them; a
// non-owner approve event must be ignored.
func TestChannelCreateRequestApproveFlow(t *testing.T) {
	s := newTestStore()
	circleID := "c1"

	createText, _ := Marshal(ChannelEvent{Kind: KindChannelEvt, Op: OpCreate, ChannelID: "planning", AccessMode: store.AccessInvite})
	kind, ev, ok := Parse(createText)
	if !ok {
		t.Fatalf("expected create to parse")
	}
	Apply(s, circleID, "owner", kind, ev)

	requestText, _ := Marshal(ChannelEvent{Kind: KindChannelEvt, Op: OpRequest, ChannelID: "planning"})
	kind, ev, ok = Parse(requestText)
	if !ok {
		t.Fatalf("expected request to parse")
	}
	Apply(s, circleID, "member1", kind, ev)

	if reqs := s.ChannelRequests(circleID, "planning"); len(reqs) != 1 || reqs[0] != "member1" {
		t.Fatalf("expected pending request for member1, got %+v", reqs)
	}

	// A non-owner approve must be ignored entirely.
	approveText, _ := Marshal(ChannelEvent{Kind: KindChannelEvt, Op: OpApprove, ChannelID: "planning", TargetNodeID: "member1"})
	kind, ev, ok = Parse(approveText)
	if !ok {
		t.Fatalf("expected approve to parse")
	}
	Apply(s, circleID, "not-the-owner", kind, ev)
	if s.IsChannelMember(circleID, "planning", "member1") {
		t.Fatalf("approve from non-owner must not grant membership")
	}

	// The real owner's approve succeeds.
	Apply(s, circleID, "owner", kind, ev)
	if !s.IsChannelMember(circleID, "planning", "member1") {
		t.Fatalf("expected member1 to be approved by the channel's creator")
	}
	if reqs := s.ChannelRequests(circleID, "planning"); len(reqs) != 0 {
		t.Fatalf("expected request cleared after approval, got %+v", reqs)
	}
}

func TestChannelLeaveGeneralForbidden(t *testing.T) {
	s := newTestStore()
	s.AddChannelMember("c1", store.GeneralChannelID, "member1")

	leaveText, _ := Marshal(ChannelEvent{Kind: KindChannelEvt, Op: OpLeave, ChannelID: store.GeneralChannelID})
	kind, ev, _ := Parse(leaveText)
	Apply(s, "c1", "member1", kind, ev)

	if !s.IsChannelMember("c1", store.GeneralChannelID, "member1") {
		t.Fatalf("leaving general must be a no-op")
	}
}

func TestChannelRenameUpdatesDisplayName(t *testing.T) {
	s := newTestStore()
	renameText, _ := Marshal(ChannelEvent{Kind: KindChannelEvt, Op: OpRename, ChannelID: store.ControlChannelID, DisplayName: "newname"})
	kind, ev, _ := Parse(renameText)
	Apply(s, "c1", "node1", kind, ev)

	if got := s.DisplayName("node1"); got != "newname" {
		t.Fatalf("expected display name updated, got %q", got)
	}
}

func TestCircleNameAcceptedOnlyWhenLocalUnnamed(t *testing.T) {
	s := newTestStore()
	s.AddCircle(store.Circle{CircleID: "c1", SecretHex: "aa"})

	nameText, _ := Marshal(CircleNameEvent{Kind: KindCircleNameEvt, Name: "Book Club"})
	kind, ev, _ := Parse(nameText)
	Apply(s, "c1", "node1", kind, ev)

	c, _ := s.Circle("c1")
	if c.Name != "Book Club" {
		t.Fatalf("expected gossiped name accepted for unnamed circle, got %q", c.Name)
	}

	otherNameText, _ := Marshal(CircleNameEvent{Kind: KindCircleNameEvt, Name: "Other Name"})
	kind, ev, _ = Parse(otherNameText)
	Apply(s, "c1", "node2", kind, ev)

	c, _ = s.Circle("c1")
	if c.Name != "Book Club" {
		t.Fatalf("expected local name to win once set, got %q", c.Name)
	}
}

func TestAnchorAnnounceAppliesNewerOnly(t *testing.T) {
	s := newTestStore()

	first, _ := Marshal(AnchorAnnounceEvent{Kind: KindAnchorAnnounce, CanAnchor: true, AnnouncedAt: 100})
	kind, ev, _ := Parse(first)
	Apply(s, "c1", "x", kind, ev)

	stale, _ := Marshal(AnchorAnnounceEvent{Kind: KindAnchorAnnounce, CanAnchor: false, AnnouncedAt: 50})
	kind, ev, _ = Parse(stale)
	Apply(s, "c1", "x", kind, ev)

	recs := s.AnchorRecords("c1")
	if len(recs) != 1 || !recs[0].CanAnchor {
		t.Fatalf("stale announcement must not overwrite capability flags, got %+v", recs)
	}
}

func TestParseChannelEventBadChannelIDRejected(t *testing.T) {
	for _, id := range []string{"", "__reserved", "Has Caps", "waytoolongwaytoolongwaytoolongwaytoolong"} {
		text, _ := Marshal(ChannelEvent{Kind: KindChannelEvt, Op: OpCreate, ChannelID: id})
		if _, _, ok := Parse(text); ok {
			t.Errorf("create with channel id %q must not parse", id)
		}
	}
}
