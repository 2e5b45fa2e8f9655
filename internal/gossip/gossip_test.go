package gossip

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/felund/felund/internal/antientropy"
	"github.com/felund/felund/internal/store"
	"github.com/felund/felund/internal/telemetry"
)

const testSecretHex = "00112233445566778899aabbccddeeff0011223344556677"

func newScheduler(nodeID string, canAnchor bool) (*Scheduler, *store.Store) {
	node := store.NodeConfig{NodeID: nodeID, DisplayName: nodeID, CanAnchor: canAnchor}
	s := store.New(node)
	s.AddCircle(store.Circle{CircleID: "circle1", SecretHex: testSecretHex, Name: "friends"})
	sess := &antientropy.Session{Store: s, Node: node}
	return &Scheduler{Session: sess, Store: s}, s
}

func TestServeAcceptsAndSyncs(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverSched, serverStore := newScheduler("server", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverSched.Serve(ctx, ln)

	_, clientStore := newScheduler("client", false)
	clientSession := &antientropy.Session{Store: clientStore, Node: clientStore.Node()}

	if err := clientSession.Dial(ln.Addr().String(), "circle1"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	if _, ok := serverStore.Circle("circle1"); !ok {
		t.Fatalf("server should already know circle1")
	}

	// The handshake recorded each side as a circle member, so the next
	// dial round targets the server without any rendezvous help.
	if peers := clientStore.CirclePeersByLastSeen("circle1", PeersPerRound); len(peers) != 1 || peers[0].NodeID != "server" {
		t.Fatalf("dial loop has no target after bootstrap sync: %+v", peers)
	}
}

func TestRunRoundAnnouncesAnchorOnSchedule(t *testing.T) {
	sched, st := newScheduler("local", true)

	sched.runRound(context.Background(), AnchorAnnounceEveryRounds)

	found := false
	for _, id := range st.MessageIDs("circle1") {
		m, ok := st.Message(id)
		if ok && m.ChannelID == store.ControlChannelID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ANCHOR_ANNOUNCE control message on the announce round")
	}
}

func TestRunRoundNonAnchorNeverAnnounces(t *testing.T) {
	sched, st := newScheduler("local", false)

	sched.runRound(context.Background(), AnchorAnnounceEveryRounds)

	for _, id := range st.MessageIDs("circle1") {
		m, ok := st.Message(id)
		if ok && m.ChannelID == store.ControlChannelID {
			t.Fatalf("non-anchor node emitted an announce")
		}
	}
}

func TestRunRoundSkipsAnnounceOffSchedule(t *testing.T) {
	sched, st := newScheduler("local", true)

	sched.runRound(context.Background(), 1)

	for _, id := range st.MessageIDs("circle1") {
		m, ok := st.Message(id)
		if ok && m.ChannelID == store.ControlChannelID {
			t.Fatalf("did not expect an announce on a non-scheduled round")
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sched, _ := newScheduler("local", false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return promptly after context cancellation")
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunRoundInvokesHooksAndMetrics(t *testing.T) {
	sched, _ := newScheduler("local", true)
	sched.Metrics = telemetry.NewMetrics("test", "go-test")

	persisted := false
	pruned := false
	sched.Persist = func() { persisted = true }
	sched.PruneAnchors = func() { pruned = true }

	sched.runRound(context.Background(), AnchorAnnounceEveryRounds)

	if !persisted {
		t.Errorf("Persist hook not invoked")
	}
	if !pruned {
		t.Errorf("PruneAnchors hook not invoked")
	}
	if got := testutil.ToFloat64(sched.Metrics.AnchorAnnouncesTotal); got != 1 {
		t.Errorf("felund_anchor_announces_total = %v, want 1", got)
	}
}

type fixedPicker struct{ nodeID string }

func (p fixedPicker) SelectAnchor(string, []store.AnchorRecord) (string, bool) {
	return p.nodeID, p.nodeID != ""
}

func TestWithCurrentAnchorAppendsKnownPick(t *testing.T) {
	sched, st := newScheduler("local", false)
	st.MergePeer(store.Peer{NodeID: "anchornode", Addr: "10.0.0.9:9999", LastSeen: 1})

	sched.AnchorPicker = fixedPicker{nodeID: "anchornode"}
	targets := sched.withCurrentAnchor("circle1", nil)
	if len(targets) != 1 || targets[0].NodeID != "anchornode" {
		t.Fatalf("anchor not appended: %+v", targets)
	}

	// Already-present picks and unknown addresses are not duplicated.
	targets = sched.withCurrentAnchor("circle1", targets)
	if len(targets) != 1 {
		t.Fatalf("anchor duplicated: %+v", targets)
	}
	sched.AnchorPicker = fixedPicker{nodeID: "strangernode"}
	if got := sched.withCurrentAnchor("circle1", nil); len(got) != 0 {
		t.Fatalf("appended a peer with no known address: %+v", got)
	}
}
