package store

import (
	"sort"
	"sync"
	"time"

	"github.com/felund/felund/internal/fcrypto"
)

// Store holds every table in the data model behind one mutex. Callers
// MUST NOT perform network I/O while holding the lock; compute the
// decision, release, then do I/O.
type Store struct {
	mu sync.Mutex

	node NodeConfig

	circles        map[string]*Circle                 // circle_id -> Circle
	peers          map[string]*Peer                    // node_id -> Peer
	circleMembers  map[string]map[string]struct{}      // circle_id -> set(node_id)
	messages       map[string]*ChatMessage             // msg_id -> ChatMessage
	channels       map[string]map[string]*Channel      // circle_id -> channel_id -> Channel
	channelMembers map[string]map[string]map[string]struct{} // circle_id -> channel_id -> set(node_id)
	channelReqs    map[string]map[string]map[string]struct{} // circle_id -> channel_id -> set(node_id)
	displayNames   map[string]string                   // node_id -> latest display name
	anchorRecords  map[string]map[string]*AnchorRecord // circle_id -> node_id -> AnchorRecord
}

// New creates an empty store for the given node identity.
func New(node NodeConfig) *Store {
	return &Store{
		node:           node,
		circles:        make(map[string]*Circle),
		peers:          make(map[string]*Peer),
		circleMembers:  make(map[string]map[string]struct{}),
		messages:       make(map[string]*ChatMessage),
		channels:       make(map[string]map[string]*Channel),
		channelMembers: make(map[string]map[string]map[string]struct{}),
		channelReqs:    make(map[string]map[string]map[string]struct{}),
		displayNames:   map[string]string{node.NodeID: node.DisplayName},
		anchorRecords:  make(map[string]map[string]*AnchorRecord),
	}
}

// Lock/Unlock expose the coarse mutex to callers outside the package;
// the watchdog's mutex check uses them to confirm the lock can be
// taken. Every other Store method takes the mutex itself, so none of
// them may be called between Lock and Unlock.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// Node returns a copy of the node's own configuration.
func (s *Store) Node() NodeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// SetDisplayName updates the local node's display name and the
// network-wide display-name map entry for self.
func (s *Store) SetDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node.DisplayName = name
	s.displayNames[s.node.NodeID] = clamp40(name)
}

// AddCircle installs a circle. Safe to call again with the same id (no-op
// on the secret/name already present, unless name is currently empty).
func (s *Store) AddCircle(c Circle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCircleMapsLocked(c.CircleID)
	if existing, ok := s.circles[c.CircleID]; ok {
		if c.Name != "" && existing.Name == "" {
			existing.Name = c.Name
		}
		return
	}
	cc := c
	s.circles[c.CircleID] = &cc
}

// RemoveCircle drops a circle and all of its per-circle tables.
func (s *Store) RemoveCircle(circleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.circles, circleID)
	delete(s.circleMembers, circleID)
	delete(s.channels, circleID)
	delete(s.channelMembers, circleID)
	delete(s.channelReqs, circleID)
	delete(s.anchorRecords, circleID)
	for mid, m := range s.messages {
		if m.CircleID == circleID {
			delete(s.messages, mid)
		}
	}
}

// Circle returns a copy of the named circle and whether it exists.
func (s *Store) Circle(circleID string) (Circle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circles[circleID]
	if !ok {
		return Circle{}, false
	}
	return *c, true
}

// CircleIDs returns every known circle id, sorted.
func (s *Store) CircleIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.circles))
	for id := range s.circles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) ensureCircleMapsLocked(circleID string) {
	if s.circleMembers[circleID] == nil {
		s.circleMembers[circleID] = make(map[string]struct{})
	}
	if s.channels[circleID] == nil {
		s.channels[circleID] = make(map[string]*Channel)
	}
	if s.channelMembers[circleID] == nil {
		s.channelMembers[circleID] = make(map[string]map[string]struct{})
	}
	if s.channelReqs[circleID] == nil {
		s.channelReqs[circleID] = make(map[string]map[string]struct{})
	}
	s.ensureGeneralLocked(circleID)
}

func (s *Store) ensureGeneralLocked(circleID string) {
	channels := s.channels[circleID]
	if channels == nil {
		channels = make(map[string]*Channel)
		s.channels[circleID] = channels
	}
	if _, ok := channels[GeneralChannelID]; !ok {
		channels[GeneralChannelID] = &Channel{
			ChannelID:  GeneralChannelID,
			CreatedBy:  s.node.NodeID,
			CreatedTS:  NowTS(),
			AccessMode: AccessPublic,
		}
	}
	if s.channelMembers[circleID] == nil {
		s.channelMembers[circleID] = make(map[string]map[string]struct{})
	}
	if s.channelMembers[circleID][GeneralChannelID] == nil {
		s.channelMembers[circleID][GeneralChannelID] = make(map[string]struct{})
	}
	if s.channelReqs[circleID] == nil {
		s.channelReqs[circleID] = make(map[string]map[string]struct{})
	}
	if s.channelReqs[circleID][GeneralChannelID] == nil {
		s.channelReqs[circleID][GeneralChannelID] = make(map[string]struct{})
	}
}

func clamp40(name string) string {
	if len(name) > 40 {
		return name[:40]
	}
	return name
}

// MergePeer applies an observed peer record. The merge keeps the
// highest last_seen ever observed for a node_id: an older observation
// arriving after a newer one is a no-op, even if the address changed.
func (s *Store) MergePeer(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergePeerLocked(p)
}

func (s *Store) mergePeerLocked(p Peer) {
	existing, ok := s.peers[p.NodeID]
	if !ok || p.LastSeen > existing.LastSeen {
		pp := p
		s.peers[p.NodeID] = &pp
	}
}

// PeerByID returns a copy of the peer record for nodeID, if known.
func (s *Store) PeerByID(nodeID string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns a copy of every known peer.
func (s *Store) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// TopPeersByLastSeen returns up to n peers, most recently seen first.
func (s *Store) TopPeersByLastSeen(n int) []Peer {
	s.mu.Lock()
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, *p)
	}
	s.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].LastSeen != peers[j].LastSeen {
			return peers[i].LastSeen > peers[j].LastSeen
		}
		return peers[i].NodeID < peers[j].NodeID
	})
	if n >= 0 && len(peers) > n {
		peers = peers[:n]
	}
	return peers
}

// CirclePeersByLastSeen returns up to n peers known to be members of
// circleID, most recently seen first, ties broken by node id. This is
// what the gossip scheduler dials each round — members we've never
// actually connected to (no Peer record yet) are skipped.
func (s *Store) CirclePeersByLastSeen(circleID string, n int) []Peer {
	s.mu.Lock()
	members := s.circleMembers[circleID]
	peers := make([]Peer, 0, len(members))
	for nodeID := range members {
		if p, ok := s.peers[nodeID]; ok {
			peers = append(peers, *p)
		}
	}
	s.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].LastSeen != peers[j].LastSeen {
			return peers[i].LastSeen > peers[j].LastSeen
		}
		return peers[i].NodeID < peers[j].NodeID
	})
	if n >= 0 && len(peers) > n {
		peers = peers[:n]
	}
	return peers
}

// AddCircleMember records that node_id participates in circle_id.
func (s *Store) AddCircleMember(circleID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCircleMapsLocked(circleID)
	s.circleMembers[circleID][nodeID] = struct{}{}
}

// IsCircleMember reports whether node_id is known to participate in circle_id.
func (s *Store) IsCircleMember(circleID, nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.circleMembers[circleID][nodeID]
	return ok
}

// HasMessage reports whether msg_id is already stored.
func (s *Store) HasMessage(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[msgID]
	return ok
}

// MessageIDs returns every known message id for circleID, used to
// build the MSGS_HAVE set during anti-entropy.
func (s *Store) MessageIDs(circleID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for id, m := range s.messages {
		if m.CircleID == circleID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Message returns a copy of a stored message by id.
func (s *Store) Message(msgID string) (ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgID]
	if !ok {
		return ChatMessage{}, false
	}
	return *m, true
}

// MergeMessage inserts m if it verifies against secret and is not
// already known, then prunes the circle's message set by age and
// count. It returns true if the message was newly accepted — the
// caller should only re-gossip a message this call accepted.
func (s *Store) MergeMessage(secret []byte, m ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[m.MsgID]; exists {
		return false
	}

	mm := m
	if m.Enc != nil {
		// Encrypted messages carry no plaintext display_name/text to
		// recompute the MAC over; the GCM tag is itself the
		// authorization proof (the message key is derived from the
		// same circle secret).
		key, err := fcrypto.DeriveMessageKey(secret)
		if err != nil {
			return false
		}
		env := &fcrypto.Envelope{Nonce: m.Enc.Nonce, Ciphertext: m.Enc.Ciphertext, KeyID: m.Enc.KeyID}
		fields := messageFields(m)
		plain, err := fcrypto.DecryptMessageFields(key, fields, env)
		if err != nil {
			return false
		}
		mm.DisplayName = plain.DisplayName
		mm.Text = plain.Text
	} else if !fcrypto.VerifyMessageMAC(secret, messageFields(m), m.MAC) {
		return false
	}

	s.messages[m.MsgID] = &mm
	if mm.DisplayName != "" {
		s.displayNames[mm.AuthorNodeID] = clamp40(mm.DisplayName)
	}
	s.pruneMessagesLocked(m.CircleID)
	return true
}

func (s *Store) pruneMessagesLocked(circleID string) {
	nowCutoff := time.Now().Add(-MessageMaxAge).Unix()

	var circleMsgs []*ChatMessage
	for _, m := range s.messages {
		if m.CircleID != circleID {
			continue
		}
		if m.CreatedTS < nowCutoff {
			delete(s.messages, m.MsgID)
			continue
		}
		circleMsgs = append(circleMsgs, m)
	}

	if len(circleMsgs) <= MaxMessagesPerCircle {
		return
	}
	sort.Slice(circleMsgs, func(i, j int) bool {
		return circleMsgs[i].CreatedTS < circleMsgs[j].CreatedTS
	})
	excess := len(circleMsgs) - MaxMessagesPerCircle
	for i := 0; i < excess; i++ {
		delete(s.messages, circleMsgs[i].MsgID)
	}
}

// DisplayName returns the latest known display name for node_id.
func (s *Store) DisplayName(nodeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayNames[nodeID]
}

// SetPeerDisplayName records the network-wide display name associated
// with a (possibly remote) node_id, applied when a `rename` CHANNEL_EVT
// is processed.
func (s *Store) SetPeerDisplayName(nodeID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayNames[nodeID] = clamp40(name)
}

// UpsertChannel installs or updates a channel's metadata.
func (s *Store) UpsertChannel(circleID string, ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCircleMapsLocked(circleID)
	cc := ch
	s.channels[circleID][ch.ChannelID] = &cc
}

// Channel returns a copy of a channel's metadata.
func (s *Store) Channel(circleID, channelID string) (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[circleID][channelID]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// Channels lists every channel known in a circle.
func (s *Store) Channels(circleID string) []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, 0, len(s.channels[circleID]))
	for _, ch := range s.channels[circleID] {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// AddChannelMember records node_id as an approved member of a channel.
func (s *Store) AddChannelMember(circleID, channelID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCircleMapsLocked(circleID)
	if s.channelMembers[circleID][channelID] == nil {
		s.channelMembers[circleID][channelID] = make(map[string]struct{})
	}
	s.channelMembers[circleID][channelID][nodeID] = struct{}{}
	delete(s.channelReqs[circleID][channelID], nodeID)
}

// RemoveChannelMember drops node_id from a channel's membership (leave).
func (s *Store) RemoveChannelMember(circleID, channelID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channelMembers[circleID][channelID], nodeID)
}

// IsChannelMember reports membership.
func (s *Store) IsChannelMember(circleID, channelID, nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channelMembers[circleID][channelID][nodeID]
	return ok
}

// AddChannelRequest records a pending join request against a key/invite
// channel.
func (s *Store) AddChannelRequest(circleID, channelID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCircleMapsLocked(circleID)
	if s.channelReqs[circleID][channelID] == nil {
		s.channelReqs[circleID][channelID] = make(map[string]struct{})
	}
	s.channelReqs[circleID][channelID][nodeID] = struct{}{}
}

// ChannelRequests lists node_ids with a pending join request.
func (s *Store) ChannelRequests(circleID, channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channelReqs[circleID][channelID]))
	for id := range s.channelReqs[circleID][channelID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MergeAnchorRecord keeps the latest announcement per node_id, same
// last-write-wins-by-timestamp rule as peers.
func (s *Store) MergeAnchorRecord(circleID string, rec AnchorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchorRecords[circleID] == nil {
		s.anchorRecords[circleID] = make(map[string]*AnchorRecord)
	}
	existing, ok := s.anchorRecords[circleID][rec.NodeID]
	if !ok {
		rr := rec
		s.anchorRecords[circleID][rec.NodeID] = &rr
		return
	}
	// announced_at strictly greater replaces the capability snapshot;
	// last_seen_ts always advances regardless, since we processed an
	// announcement from this node just now.
	if rec.AnnouncedAt > existing.AnnouncedAt {
		rr := rec
		s.anchorRecords[circleID][rec.NodeID] = &rr
		return
	}
	existing.LastSeenTS = rec.LastSeenTS
}

// AnchorRecords lists every known anchor announcement for a circle.
func (s *Store) AnchorRecords(circleID string) []AnchorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AnchorRecord, 0, len(s.anchorRecords[circleID]))
	for _, r := range s.anchorRecords[circleID] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// EncryptedMessages returns up to n of circleID's encrypted messages,
// redacted of the plaintext display_name/text this store decrypted
// them into locally, newest first. This is what's safe to hand to a
// blind anchor: the Enc envelope travels, the plaintext copy doesn't.
func (s *Store) EncryptedMessages(circleID string, n int) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ChatMessage
	for _, m := range s.messages {
		if m.CircleID != circleID || m.Enc == nil {
			continue
		}
		mm := *m
		mm.DisplayName = ""
		mm.Text = ""
		out = append(out, mm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTS > out[j].CreatedTS })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// messageFields projects the MAC-covered fields out of a stored message.
func messageFields(m ChatMessage) fcrypto.MessageFields {
	return fcrypto.MessageFields{
		MsgID:        m.MsgID,
		CircleID:     m.CircleID,
		ChannelID:    m.ChannelID,
		AuthorNodeID: m.AuthorNodeID,
		DisplayName:  m.DisplayName,
		CreatedTS:    m.CreatedTS,
		Text:         m.Text,
	}
}
