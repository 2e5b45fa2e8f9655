// Package anchor implements the blind ciphertext cache an anchor-capable
// node offers other members of a circle: opaque envelopes keyed by
// (circle_id, msg_id), retained under age/count/byte caps, plus the
// per-circle anchor selection policy (scoring with hysteresis) that lets
// a non-anchor node decide which peer to push to and pull from.
package anchor

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/felund/felund/internal/store"
)

const (
	// MaxPushEnvelopes bounds how many envelopes a sender should offer
	// in one ANCHOR_PUSH.
	MaxPushEnvelopes = 50
	// MaxPullEnvelopes bounds how many envelopes an anchor serves in
	// one ANCHOR_MSGS.
	MaxPullEnvelopes = 200

	maxAge   = 24 * time.Hour
	maxCount = 500
	maxBytes = 50 * 1024 * 1024

	announceFreshness = 20 * time.Second
	hysteresisWindow  = 60 * time.Second
)

type record struct {
	env  store.AnchorEnvelope
	size int
}

type anchorPick struct {
	nodeID string
	since  time.Time
}

// Store is the in-memory, mutex-guarded blind envelope cache. It holds
// no circle secret and never attempts to interpret what it stores.
type Store struct {
	mu            sync.Mutex
	byCircle      map[string]map[string]*record // circle_id -> msg_id -> record
	currentAnchor map[string]anchorPick         // circle_id -> selection state
}

// New returns an empty anchor store.
func New() *Store {
	return &Store{
		byCircle:      make(map[string]map[string]*record),
		currentAnchor: make(map[string]anchorPick),
	}
}

// Push stores any envelopes not already known for circleID, then
// applies the retention policy. Re-pushing an already-known msg_id is
// a no-op, matching the store's own message-dedup semantics.
func (s *Store) Push(circleID string, envs []store.AnchorEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byCircle[circleID]
	if m == nil {
		m = make(map[string]*record)
		s.byCircle[circleID] = m
	}
	for _, e := range envs {
		if _, exists := m[e.MsgID]; exists {
			continue
		}
		size := 0
		if b, err := json.Marshal(e); err == nil {
			size = len(b)
		}
		m[e.MsgID] = &record{env: e, size: size}
	}
	s.pruneLocked(circleID)
}

// Since returns every envelope created after the given wall-clock
// timestamp, oldest first, capped at MaxPullEnvelopes, plus the
// anchor's current wall-clock time for the caller to use as its next
// since value.
func (s *Store) Since(circleID string, since int64) ([]store.AnchorEnvelope, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byCircle[circleID]
	recs := make([]*record, 0, len(m))
	for _, r := range m {
		if r.env.CreatedTS > since {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].env.CreatedTS < recs[j].env.CreatedTS })
	if len(recs) > MaxPullEnvelopes {
		recs = recs[:MaxPullEnvelopes]
	}
	out := make([]store.AnchorEnvelope, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.env)
	}
	return out, store.NowTS()
}

// PruneAll applies the retention policy to every circle's table; called
// periodically by the gossip scheduler in addition to the prune that
// runs after every Push.
func (s *Store) PruneAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for circleID := range s.byCircle {
		s.pruneLocked(circleID)
	}
}

// pruneLocked drops envelopes older than 24h, then oldest-first while
// count exceeds 500, then oldest-first while serialised bytes exceed
// 50 MiB. Caller must hold s.mu.
func (s *Store) pruneLocked(circleID string) {
	m := s.byCircle[circleID]
	if m == nil {
		return
	}

	cutoff := time.Now().Add(-maxAge).Unix()
	for id, r := range m {
		if r.env.CreatedTS < cutoff {
			delete(m, id)
		}
	}

	if len(m) > maxCount {
		recs := sortedByAge(m)
		excess := len(m) - maxCount
		for i := 0; i < excess; i++ {
			delete(m, recs[i].env.MsgID)
		}
	}

	total := 0
	for _, r := range m {
		total += r.size
	}
	if total > maxBytes {
		recs := sortedByAge(m)
		for _, r := range recs {
			if total <= maxBytes {
				break
			}
			delete(m, r.env.MsgID)
			total -= r.size
		}
	}
}

func sortedByAge(m map[string]*record) []*record {
	recs := make([]*record, 0, len(m))
	for _, r := range m {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].env.CreatedTS < recs[j].env.CreatedTS })
	return recs
}

// Score ranks an anchor candidate:
// 8*public_reachable + 4*can_anchor + 2*(not mobile) + a deterministic
// tiebreak fraction in [0, 1) derived from the node id.
func Score(r store.AnchorRecord) float64 {
	score := 0.0
	if r.PublicReachable {
		score += 8
	}
	if r.CanAnchor {
		score += 4
	}
	if !r.IsMobile {
		score += 2
	}
	score += tiebreak(r.NodeID)
	return score
}

func tiebreak(nodeID string) float64 {
	sum := sha256.Sum256([]byte(nodeID))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n) / float64(math.MaxUint64)
}

// SelectAnchor picks the current anchor for a circle from its
// freshly-observed AnchorRecord set. Only anchor-capable records are
// candidates: a node that won't serve anchor frames must never win,
// no matter how reachable it is. Records whose last_seen_ts is more
// than 20s old are excluded as stale. Once a node is picked it is
// kept for at least 60s even if a higher-scoring candidate appears,
// as long as it is still fresh; after the cooldown it is re-evaluated
// against the field (and may be kept if it is still the best).
func (s *Store) SelectAnchor(circleID string, records []store.AnchorRecord) (string, bool) {
	now := time.Now()
	nowTS := now.Unix()

	fresh := make([]store.AnchorRecord, 0, len(records))
	freshSet := make(map[string]struct{}, len(records))
	for _, r := range records {
		if !r.CanAnchor {
			continue
		}
		if nowTS-r.LastSeenTS <= int64(announceFreshness.Seconds()) {
			fresh = append(fresh, r)
			freshSet[r.NodeID] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pick, ok := s.currentAnchor[circleID]; ok {
		if _, stillFresh := freshSet[pick.nodeID]; !stillFresh {
			delete(s.currentAnchor, circleID)
		} else if now.Sub(pick.since) < hysteresisWindow {
			return pick.nodeID, true
		}
	}

	if len(fresh) == 0 {
		return "", false
	}
	sort.Slice(fresh, func(i, j int) bool { return Score(fresh[i]) > Score(fresh[j]) })
	best := fresh[0].NodeID
	s.currentAnchor[circleID] = anchorPick{nodeID: best, since: now}
	return best, true
}
