package anchor

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/felund/felund/internal/store"
)

func env(msgID string, createdTS int64, textSize int) store.AnchorEnvelope {
	return store.AnchorEnvelope{
		MsgID:     msgID,
		ChannelID: "general",
		CreatedTS: createdTS,
		Message: store.ChatMessage{
			MsgID:     msgID,
			CircleID:  "circle1",
			ChannelID: "general",
			CreatedTS: createdTS,
			Enc: &store.EncEnvelope{
				Nonce:      make([]byte, 12),
				Ciphertext: []byte(strings.Repeat("x", textSize)),
				KeyID:      "circle1",
			},
		},
	}
}

func (s *Store) count(circleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCircle[circleID])
}

func TestPushDedupsByMsgID(t *testing.T) {
	s := New()
	now := store.NowTS()
	s.Push("circle1", []store.AnchorEnvelope{env("m1", now, 10)})
	s.Push("circle1", []store.AnchorEnvelope{env("m1", now, 10), env("m2", now, 10)})
	if got := s.count("circle1"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}

func TestSinceReturnsOnlyNewerOldestFirst(t *testing.T) {
	s := New()
	now := store.NowTS()
	s.Push("circle1", []store.AnchorEnvelope{
		env("m3", now-10, 10),
		env("m1", now-30, 10),
		env("m2", now-20, 10),
	})

	envs, serverTime := s.Since("circle1", now-25)
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	if envs[0].MsgID != "m2" || envs[1].MsgID != "m3" {
		t.Fatalf("wrong order: %s, %s", envs[0].MsgID, envs[1].MsgID)
	}
	if serverTime < now {
		t.Fatalf("serverTime %d before now %d", serverTime, now)
	}

	// A follow-up pull from the returned server time sees nothing new.
	envs, _ = s.Since("circle1", serverTime)
	if len(envs) != 0 {
		t.Fatalf("second pull returned %d envelopes, want 0", len(envs))
	}
}

func TestSinceCapsAtMaxPullEnvelopes(t *testing.T) {
	s := New()
	now := store.NowTS()
	batch := make([]store.AnchorEnvelope, 0, MaxPullEnvelopes+50)
	for i := 0; i < MaxPullEnvelopes+50; i++ {
		batch = append(batch, env(fmt.Sprintf("m%04d", i), now-int64(i), 10))
	}
	s.Push("circle1", batch)

	envs, _ := s.Since("circle1", 0)
	if len(envs) != MaxPullEnvelopes {
		t.Fatalf("got %d envelopes, want %d", len(envs), MaxPullEnvelopes)
	}
}

func TestRetentionDropsOldAndExcessCount(t *testing.T) {
	s := New()
	now := store.NowTS()

	aged := env("old", now-int64((maxAge+time.Hour).Seconds()), 10)
	s.Push("circle1", []store.AnchorEnvelope{aged})
	if got := s.count("circle1"); got != 0 {
		t.Fatalf("expired envelope survived, count = %d", got)
	}

	batch := make([]store.AnchorEnvelope, 0, maxCount+100)
	for i := 0; i < maxCount+100; i++ {
		batch = append(batch, env(fmt.Sprintf("m%04d", i), now-int64(i), 10))
	}
	s.Push("circle1", batch)
	if got := s.count("circle1"); got != maxCount {
		t.Fatalf("count = %d, want %d", got, maxCount)
	}
	// The oldest were the ones dropped.
	envs, _ := s.Since("circle1", 0)
	if envs[0].CreatedTS != now-int64(maxCount-1) {
		t.Fatalf("oldest surviving ts = %d, want %d", envs[0].CreatedTS, now-int64(maxCount-1))
	}
}

func TestRetentionDropsExcessBytes(t *testing.T) {
	s := New()
	now := store.NowTS()

	const chunk = 4 * 1024 * 1024
	batch := make([]store.AnchorEnvelope, 0, 15)
	for i := 0; i < 15; i++ {
		batch = append(batch, env(fmt.Sprintf("m%02d", i), now-int64(i), chunk))
	}
	s.Push("circle1", batch)

	s.mu.Lock()
	total := 0
	for _, r := range s.byCircle["circle1"] {
		total += r.size
	}
	s.mu.Unlock()
	if total > maxBytes {
		t.Fatalf("total bytes %d exceeds cap %d", total, maxBytes)
	}
	if got := s.count("circle1"); got >= 15 {
		t.Fatalf("nothing evicted: count = %d", got)
	}
}

func TestRetentionInvariantsHoldUnderArbitraryPushes(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New()
		now := store.NowTS()
		pushes := rapid.IntRange(1, 8).Draw(rt, "pushes")
		n := 0
		for i := 0; i < pushes; i++ {
			size := rapid.IntRange(1, 64)
			count := rapid.IntRange(1, 200).Draw(rt, "count")
			batch := make([]store.AnchorEnvelope, 0, count)
			for j := 0; j < count; j++ {
				n++
				age := rapid.Int64Range(0, int64(maxAge.Seconds())*2).Draw(rt, "age")
				batch = append(batch, env(fmt.Sprintf("m%06d", n), now-age, size.Draw(rt, "size")))
			}
			s.Push("circle1", batch)

			s.mu.Lock()
			cutoff := time.Now().Add(-maxAge).Unix()
			for _, r := range s.byCircle["circle1"] {
				if r.env.CreatedTS < cutoff {
					rt.Fatalf("envelope older than retention window survived")
				}
			}
			size2 := len(s.byCircle["circle1"])
			s.mu.Unlock()
			if size2 > maxCount {
				rt.Fatalf("count %d exceeds cap %d", size2, maxCount)
			}
		}
	})
}

func rec(nodeID string, public, anchor, mobile bool, lastSeen int64) store.AnchorRecord {
	return store.AnchorRecord{
		NodeID:          nodeID,
		PublicReachable: public,
		CanAnchor:       anchor,
		IsMobile:        mobile,
		AnnouncedAt:     lastSeen,
		LastSeenTS:      lastSeen,
	}
}

func TestScoreOrdering(t *testing.T) {
	full := Score(rec("a", true, true, false, 0))
	if full < 14 || full >= 15 {
		t.Errorf("full score = %v, want [14, 15)", full)
	}
	mobileOnly := Score(rec("b", false, false, true, 0))
	if mobileOnly >= 1 {
		t.Errorf("mobile-only score = %v, want < 1", mobileOnly)
	}
	if Score(rec("c", true, false, true, 0)) <= Score(rec("d", false, true, false, 0)) {
		t.Errorf("public reachability should outweigh can_anchor plus non-mobile")
	}
}

func TestSelectAnchorExcludesStaleAndAppliesHysteresis(t *testing.T) {
	s := New()
	now := store.NowTS()

	records := []store.AnchorRecord{
		rec("weak00000000000000000001", false, true, true, now),
		rec("stale0000000000000000002", true, true, false, now-60),
	}
	picked, ok := s.SelectAnchor("circle1", records)
	if !ok || picked != "weak00000000000000000001" {
		t.Fatalf("picked %q, ok=%v; stale candidate must be excluded", picked, ok)
	}

	// A stronger fresh candidate appears, but the current pick is kept
	// during the hysteresis window.
	records = append(records, rec("strong000000000000000003", true, true, false, now))
	picked, ok = s.SelectAnchor("circle1", records)
	if !ok || picked != "weak00000000000000000001" {
		t.Fatalf("hysteresis violated: picked %q", picked)
	}

	// If the current pick goes stale, selection moves immediately.
	records[0].LastSeenTS = now - 60
	picked, ok = s.SelectAnchor("circle1", records)
	if !ok || picked != "strong000000000000000003" {
		t.Fatalf("stale current anchor kept: picked %q, ok=%v", picked, ok)
	}
}

func TestSelectAnchorSkipsNonAnchorCapable(t *testing.T) {
	s := New()
	now := store.NowTS()

	// A well-connected node that won't serve anchor frames must lose to
	// any anchor-capable candidate, even a weak one.
	records := []store.AnchorRecord{
		rec("reachable000000000000004", true, false, false, now),
		rec("weakanchor00000000000005", false, true, true, now),
	}
	picked, ok := s.SelectAnchor("circle1", records)
	if !ok || picked != "weakanchor00000000000005" {
		t.Fatalf("picked %q, ok=%v; non-anchor candidate must be skipped", picked, ok)
	}

	s2 := New()
	if _, ok := s2.SelectAnchor("circle1", records[:1]); ok {
		t.Fatalf("selected an anchor from non-capable-only records")
	}
}

func TestSelectAnchorNoFreshCandidates(t *testing.T) {
	s := New()
	now := store.NowTS()
	if _, ok := s.SelectAnchor("circle1", []store.AnchorRecord{rec("a", true, true, false, now-300)}); ok {
		t.Fatalf("selected an anchor from stale-only records")
	}
}
