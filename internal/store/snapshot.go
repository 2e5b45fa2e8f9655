package store

import "sort"

// Snapshot is the serializable projection of the whole store. Anchor
// records are deliberately absent: they go stale within seconds and are
// rebuilt from the first ANCHOR_ANNOUNCE after startup.
type Snapshot struct {
	Version          int                            `json:"version"`
	Node             NodeConfig                     `json:"node"`
	Circles          map[string]Circle              `json:"circles"`
	Peers            map[string]Peer                `json:"peers"`
	CircleMembers    map[string][]string            `json:"circle_members"`
	Messages         map[string]ChatMessage         `json:"messages"`
	Channels         map[string]map[string]Channel  `json:"channels"`
	ChannelMembers   map[string]map[string][]string `json:"channel_members"`
	ChannelRequests  map[string]map[string][]string `json:"channel_requests"`
	NodeDisplayNames map[string]string              `json:"node_display_names"`
}

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 1

// Snapshot produces a deep, consistent copy of the store under the
// mutex. The returned value shares no memory with the live store, so
// callers may serialize it after releasing the lock.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		Version:          SnapshotVersion,
		Node:             s.node,
		Circles:          make(map[string]Circle, len(s.circles)),
		Peers:            make(map[string]Peer, len(s.peers)),
		CircleMembers:    make(map[string][]string, len(s.circleMembers)),
		Messages:         make(map[string]ChatMessage, len(s.messages)),
		Channels:         make(map[string]map[string]Channel, len(s.channels)),
		ChannelMembers:   make(map[string]map[string][]string, len(s.channelMembers)),
		ChannelRequests:  make(map[string]map[string][]string, len(s.channelReqs)),
		NodeDisplayNames: make(map[string]string, len(s.displayNames)),
	}
	for id, c := range s.circles {
		snap.Circles[id] = *c
	}
	for id, p := range s.peers {
		snap.Peers[id] = *p
	}
	for cid, members := range s.circleMembers {
		snap.CircleMembers[cid] = sortedSet(members)
	}
	for id, m := range s.messages {
		mm := *m
		if m.Enc != nil {
			env := *m.Enc
			mm.Enc = &env
		}
		snap.Messages[id] = mm
	}
	for cid, chans := range s.channels {
		out := make(map[string]Channel, len(chans))
		for chid, ch := range chans {
			out[chid] = *ch
		}
		snap.Channels[cid] = out
	}
	for cid, chans := range s.channelMembers {
		out := make(map[string][]string, len(chans))
		for chid, members := range chans {
			out[chid] = sortedSet(members)
		}
		snap.ChannelMembers[cid] = out
	}
	for cid, chans := range s.channelReqs {
		out := make(map[string][]string, len(chans))
		for chid, reqs := range chans {
			out[chid] = sortedSet(reqs)
		}
		snap.ChannelRequests[cid] = out
	}
	for id, name := range s.displayNames {
		snap.NodeDisplayNames[id] = name
	}
	return snap
}

// FromSnapshot rebuilds a store from a previously saved snapshot.
func FromSnapshot(snap *Snapshot) *Store {
	s := New(snap.Node)
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range snap.Circles {
		cc := c
		s.circles[id] = &cc
		s.ensureCircleMapsLocked(id)
	}
	for id, p := range snap.Peers {
		pp := p
		s.peers[id] = &pp
	}
	for cid, members := range snap.CircleMembers {
		set := make(map[string]struct{}, len(members))
		for _, id := range members {
			set[id] = struct{}{}
		}
		s.circleMembers[cid] = set
	}
	for id, m := range snap.Messages {
		mm := m
		if m.Enc != nil {
			env := *m.Enc
			mm.Enc = &env
		}
		s.messages[id] = &mm
	}
	for cid, chans := range snap.Channels {
		if s.channels[cid] == nil {
			s.channels[cid] = make(map[string]*Channel, len(chans))
		}
		for chid, ch := range chans {
			cc := ch
			s.channels[cid][chid] = &cc
		}
		s.ensureGeneralLocked(cid)
	}
	for cid, chans := range snap.ChannelMembers {
		if s.channelMembers[cid] == nil {
			s.channelMembers[cid] = make(map[string]map[string]struct{}, len(chans))
		}
		for chid, members := range chans {
			set := make(map[string]struct{}, len(members))
			for _, id := range members {
				set[id] = struct{}{}
			}
			s.channelMembers[cid][chid] = set
		}
	}
	for cid, chans := range snap.ChannelRequests {
		if s.channelReqs[cid] == nil {
			s.channelReqs[cid] = make(map[string]map[string]struct{}, len(chans))
		}
		for chid, reqs := range chans {
			set := make(map[string]struct{}, len(reqs))
			for _, id := range reqs {
				set[id] = struct{}{}
			}
			s.channelReqs[cid][chid] = set
		}
	}
	for id, name := range snap.NodeDisplayNames {
		s.displayNames[id] = name
	}

	for cid := range s.circles {
		s.pruneMessagesLocked(cid)
	}
	return s
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
