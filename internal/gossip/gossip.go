// Package gossip runs the scheduler around one antientropy.Session: an
// accept loop for inbound connections and a periodic dial loop that
// syncs each circle with its most recently seen members, announcing
// this node's anchor capability every few rounds.
package gossip

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net"
	"time"

	"github.com/felund/felund/internal/antientropy"
	"github.com/felund/felund/internal/control"
	"github.com/felund/felund/internal/store"
	"github.com/felund/felund/internal/telemetry"
)

const (
	// DialInterval is how often each circle's top peers are synced.
	DialInterval = 5 * time.Second
	// PeersPerRound bounds how many peers are dialed per circle per round.
	PeersPerRound = 5
	// AnchorAnnounceEveryRounds is roughly 60s at the default DialInterval.
	AnchorAnnounceEveryRounds = 12
)

// Scheduler owns the accept loop and the periodic dial loop for one
// node. It holds no state of its own beyond what Session and Store
// already track.
type Scheduler struct {
	Session *antientropy.Session
	Store   *store.Store
	Logger  *slog.Logger

	// AnchorPicker, when non-nil, selects each circle's current anchor
	// from its announcement records; the dial round makes sure the
	// pick gets a sync even when it isn't among the most recently seen
	// peers.
	AnchorPicker AnchorPicker
	// Metrics, when non-nil, counts sync outcomes and announce events.
	Metrics *telemetry.Metrics
	// Persist, when non-nil, is invoked once per dial round after the
	// round's syncs complete; the daemon points it at the snapshot save.
	Persist func()
	// PruneAnchors, when non-nil, applies the anchor retention policy
	// once per round.
	PruneAnchors func()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Serve runs the accept loop on ln, spawning a goroutine per inbound
// connection, until ctx is cancelled or the listener errors. It closes
// ln when ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			err := s.Session.Accept(nc)
			if err != nil {
				s.logger().Debug("antientropy accept failed", "error", err)
			}
			if s.Metrics != nil {
				s.Metrics.SyncsTotal.WithLabelValues("acceptor", outcome(err)).Inc()
			}
		}()
	}
}

// Run runs the dial loop until ctx is cancelled: every DialInterval, it
// syncs each known circle with up to PeersPerRound of its most recently
// seen members, and every AnchorAnnounceEveryRounds rounds it emits an
// ANCHOR_ANNOUNCE for every circle.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(DialInterval)
	defer ticker.Stop()

	round := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			round++
			s.runRound(ctx, round)
		}
	}
}

func (s *Scheduler) runRound(ctx context.Context, round int) {
	node := s.Store.Node()
	// Only anchor-capable nodes announce; everyone else just consumes
	// the announcements when selecting an anchor.
	announce := round%AnchorAnnounceEveryRounds == 0 && node.CanAnchor

	for _, circleID := range s.Store.CircleIDs() {
		if announce {
			s.announceAnchor(circleID, node)
		}
		targets := s.Store.CirclePeersByLastSeen(circleID, PeersPerRound)
		targets = s.withCurrentAnchor(circleID, targets)
		for _, p := range targets {
			if ctx.Err() != nil {
				return
			}
			err := s.Session.Dial(p.Addr, circleID)
			if err != nil {
				s.logger().Debug("antientropy dial failed", "peer", p.NodeID, "circle", circleID, "error", err)
			}
			if s.Metrics != nil {
				s.Metrics.SyncsTotal.WithLabelValues("dialer", outcome(err)).Inc()
			}
		}
	}

	if s.PruneAnchors != nil {
		s.PruneAnchors()
	}
	if s.Persist != nil {
		s.Persist()
	}
	if s.Metrics != nil {
		s.Metrics.KnownPeers.Set(float64(len(s.Store.Peers())))
	}
}

// AnchorPicker is the selection policy the scheduler consults to keep
// the circle's current anchor in every dial round.
type AnchorPicker interface {
	SelectAnchor(circleID string, records []store.AnchorRecord) (string, bool)
}

// withCurrentAnchor appends the circle's selected anchor to the round's
// dial targets when it isn't already among them and we know its
// address. Offline members depend on someone syncing with the anchor,
// so it must not fall out of rotation just because fresher peers fill
// the top slots.
func (s *Scheduler) withCurrentAnchor(circleID string, targets []store.Peer) []store.Peer {
	if s.AnchorPicker == nil {
		return targets
	}
	nodeID, ok := s.AnchorPicker.SelectAnchor(circleID, s.Store.AnchorRecords(circleID))
	if !ok || nodeID == s.Store.Node().NodeID {
		return targets
	}
	for _, p := range targets {
		if p.NodeID == nodeID {
			return targets
		}
	}
	p, ok := s.Store.PeerByID(nodeID)
	if !ok {
		return targets
	}
	return append(targets, p)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (s *Scheduler) announceAnchor(circleID string, node store.NodeConfig) {
	event := control.AnchorAnnounceEvent{
		Kind:            control.KindAnchorAnnounce,
		CanAnchor:       node.CanAnchor,
		PublicReachable: node.PublicReachable,
		IsMobile:        node.IsMobile,
		AnnouncedAt:     store.NowTS(),
	}
	secret, ok := circleSecret(s.Store, circleID)
	if !ok {
		return
	}
	if _, err := control.Emit(s.Store, secret, circleID, node.NodeID, node.DisplayName, event); err != nil {
		s.logger().Debug("anchor announce failed", "circle", circleID, "error", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.AnchorAnnouncesTotal.Inc()
	}
}

func circleSecret(st *store.Store, circleID string) ([]byte, bool) {
	c, ok := st.Circle(circleID)
	if !ok {
		return nil, false
	}
	secret, err := hex.DecodeString(c.SecretHex)
	if err != nil {
		return nil, false
	}
	return secret, true
}
