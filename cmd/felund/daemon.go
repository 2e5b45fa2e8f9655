package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/felund/felund/internal/anchor"
	"github.com/felund/felund/internal/antientropy"
	"github.com/felund/felund/internal/config"
	"github.com/felund/felund/internal/gossip"
	"github.com/felund/felund/internal/persistence"
	"github.com/felund/felund/internal/rendezvous"
	"github.com/felund/felund/internal/store"
	"github.com/felund/felund/internal/telemetry"
	"github.com/felund/felund/internal/watchdog"
)

// presenceTTL is how long a rendezvous registration stays valid; the
// daemon re-registers at half that.
const presenceTTL = 120 * time.Second

func newSession(cfg *config.Config, st *store.Store) *antientropy.Session {
	return &antientropy.Session{Store: st, Node: cfg.StoreNode()}
}

func runDaemon(args []string) {
	dir, cfg, st := openNode()

	sess := newSession(cfg, st)
	anchors := anchor.New()
	if cfg.Node.CanAnchor {
		sess.Anchors = anchors
	}

	sched := &gossip.Scheduler{
		Session:      sess,
		Store:        st,
		AnchorPicker: anchors,
		PruneAnchors: anchors.PruneAll,
		Persist: func() {
			if err := persistence.Save(dir, st.Snapshot()); err != nil {
				slog.Warn("state save failed", "error", err)
			}
		},
	}

	if cfg.Telemetry.Metrics.Enabled {
		metrics := telemetry.NewMetrics(version, runtime.Version())
		sched.Metrics = metrics
		go serveMetrics(cfg.Telemetry.Metrics.ListenAddress, metrics)
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Node.Bind, cfg.Node.Port)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fatalf("listen %s: %v", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		slog.Info("shutting down", "signal", s.String())
		cancel()
	}()

	slog.Info("felund daemon up", "node", cfg.Node.NodeID, "listen", listenAddr,
		"circles", len(st.CircleIDs()), "anchor", cfg.Node.CanAnchor)

	go func() {
		if err := sched.Serve(ctx, ln); err != nil {
			slog.Error("accept loop failed", "error", err)
			cancel()
		}
	}()

	rdv := rendezvous.New(cfg.Rendezvous.APIBase, cfg.Node.NodeID)
	if rdv != nil {
		go presenceLoop(ctx, rdv, cfg, st)
	}

	go watchdog.Run(ctx, watchdog.Config{}, []watchdog.Check{
		watchdog.ListenerCheck(fmt.Sprintf("127.0.0.1:%d", cfg.Node.Port)),
		watchdog.MutexCheck(st.Lock, st.Unlock),
	})
	watchdog.Ready()

	sched.Run(ctx)

	watchdog.Stopping()
	if rdv != nil {
		deregisterAll(rdv, st)
	}
	if err := persistence.Save(dir, st.Snapshot()); err != nil {
		slog.Warn("final state save failed", "error", err)
	}
	slog.Info("felund daemon stopped")
}

func serveMetrics(addr string, metrics *telemetry.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	slog.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics server failed", "error", err)
	}
}

// presenceLoop keeps this node registered with the rendezvous server
// for every circle it belongs to, and folds discovered peers into the
// store so the dial loop can reach them.
func presenceLoop(ctx context.Context, rdv *rendezvous.Client, cfg *config.Config, st *store.Store) {
	ticker := time.NewTicker(presenceTTL / 2)
	defer ticker.Stop()

	refresh := func() {
		for _, circleID := range st.CircleIDs() {
			cctx, done := context.WithTimeout(ctx, rendezvous.DefaultTimeout)
			if err := rdv.Register(cctx, circleID, cfg.Node.Bind, cfg.Node.Port, int(presenceTTL.Seconds())); err != nil {
				slog.Debug("rendezvous register failed", "circle", circleID, "error", err)
			}
			peers, err := rdv.Peers(cctx, circleID, 50)
			done()
			if err != nil {
				slog.Debug("rendezvous lookup failed", "circle", circleID, "error", err)
				continue
			}
			now := store.NowTS()
			for _, p := range peers {
				addr := p.TCPAddr()
				if addr == "" {
					continue
				}
				st.MergePeer(store.Peer{NodeID: p.NodeID, Addr: addr, LastSeen: now})
				st.AddCircleMember(circleID, p.NodeID)
			}
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func deregisterAll(rdv *rendezvous.Client, st *store.Store) {
	ctx, done := context.WithTimeout(context.Background(), rendezvous.DefaultTimeout)
	defer done()
	for _, circleID := range st.CircleIDs() {
		if err := rdv.Deregister(ctx, circleID); err != nil {
			slog.Debug("rendezvous deregister failed", "circle", circleID, "error", err)
		}
	}
}
