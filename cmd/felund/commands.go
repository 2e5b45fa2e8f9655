package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felund/felund/internal/compose"
	"github.com/felund/felund/internal/config"
	"github.com/felund/felund/internal/control"
	"github.com/felund/felund/internal/fcrypto"
	"github.com/felund/felund/internal/identity"
	"github.com/felund/felund/internal/invite"
	"github.com/felund/felund/internal/persistence"
	"github.com/felund/felund/internal/store"
	"github.com/felund/felund/internal/validate"
)

// openNode loads the config and state for every command that operates
// on an initialized node.
func openNode() (string, *config.Config, *store.Store) {
	dir, err := config.StateDir()
	if err != nil {
		fatalf("%v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		fatalf("%v", err)
	}
	snap, err := persistence.Load(dir)
	if err != nil {
		fatalf("%v", err)
	}
	var st *store.Store
	if snap == nil {
		st = store.New(cfg.StoreNode())
	} else {
		if err := identity.CheckStateFilePermissions(persistence.StatePath(dir)); err != nil {
			slog.Warn("state file permissions", "error", err)
		}
		snap.Node = cfg.StoreNode()
		st = store.FromSnapshot(snap)
	}
	return dir, cfg, st
}

func saveNode(dir string, st *store.Store) {
	if err := persistence.Save(dir, st.Snapshot()); err != nil {
		fatalf("%v", err)
	}
}

func circleSecret(st *store.Store, circleID string) []byte {
	c, ok := st.Circle(circleID)
	if !ok {
		fatalf("Unknown circle %s. Use `felund circles` to list known circles.", circleID)
	}
	secret, err := hex.DecodeString(c.SecretHex)
	if err != nil {
		fatalf("Corrupt secret for circle %s: %v", circleID, err)
	}
	return secret
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	bind := fs.String("bind", "0.0.0.0", "address to bind the gossip listener to")
	port := fs.Int("port", config.DefaultPort, "gossip listen port")
	name := fs.String("name", "", "display name")
	anchor := fs.Bool("anchor", false, "store envelopes for offline members")
	public := fs.Bool("public", false, "node is publicly reachable")
	mobile := fs.Bool("mobile", false, "node is on a mobile/intermittent link")
	fs.Parse(args)

	dir, err := config.StateDir()
	if err != nil {
		fatalf("%v", err)
	}

	cfg, err := config.Load(dir)
	if errors.Is(err, config.ErrNotInitialized) {
		cfg, err = config.Default(*bind, *port)
	}
	if err != nil {
		fatalf("%v", err)
	}

	cfg.Node.Bind = *bind
	cfg.Node.Port = *port
	if *name != "" {
		cfg.Node.DisplayName = strings.TrimSpace(*name)
	}
	cfg.Node.CanAnchor = *anchor
	cfg.Node.PublicReachable = *public
	cfg.Node.Mobile = *mobile

	if err := config.Save(dir, cfg); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("Initialized.")
	fmt.Printf(" node_id: %s\n", cfg.Node.NodeID)
	fmt.Printf(" listen : %s:%d\n", cfg.Node.Bind, cfg.Node.Port)
	fmt.Printf(" config : %s\n", config.Path(dir))
}

func runWhoami(args []string) {
	_, cfg, _ := openNode()
	fmt.Printf("node_id : %s\n", cfg.Node.NodeID)
	fmt.Printf("endpoint: %s:%d\n", cfg.Node.Bind, cfg.Node.Port)
	fmt.Printf("name    : %s\n", cfg.Node.DisplayName)
	fmt.Printf("flags   : anchor=%v public=%v mobile=%v\n", cfg.Node.CanAnchor, cfg.Node.PublicReachable, cfg.Node.Mobile)
}

func runInvite(args []string) {
	dir, cfg, st := openNode()

	secretHex, err := identity.NewCircleSecret()
	if err != nil {
		fatalf("%v", err)
	}
	circleID, err := identity.CircleIDFromSecretHex(secretHex)
	if err != nil {
		fatalf("%v", err)
	}
	st.AddCircle(store.Circle{CircleID: circleID, SecretHex: secretHex})
	st.AddCircleMember(circleID, cfg.Node.NodeID)
	saveNode(dir, st)

	bootstrap := fmt.Sprintf("%s:%d", cfg.Node.Bind, cfg.Node.Port)
	code, err := invite.Encode(secretHex, bootstrap)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println("Circle created.")
	fmt.Printf(" circle_id  : %s\n", circleID)
	fmt.Printf(" invite code: %s\n", code)
	fmt.Println()
	fmt.Println("Share the code with a friend; they run:")
	fmt.Printf("  felund join --code %s\n", code)
}

func runJoin(args []string) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	code := fs.String("code", "", "invite code")
	secretFlag := fs.String("secret", "", "raw circle secret (hex)")
	peerFlag := fs.String("peer", "", "bootstrap peer host:port")
	fs.Parse(args)

	var secretHex, peerAddr string
	var err error
	if *code != "" {
		secretHex, peerAddr, err = invite.Decode(*code)
		if err != nil {
			fatalf("%v", err)
		}
	} else {
		secretHex = strings.ToLower(strings.TrimSpace(*secretFlag))
		peerAddr = strings.TrimSpace(*peerFlag)
		if err := validate.SecretHex(secretHex); err != nil {
			fatalf("%v", err)
		}
		if err := validate.HostPort(peerAddr); err != nil {
			fatalf("%v", err)
		}
	}

	dir, cfg, st := openNode()
	circleID, err := identity.CircleIDFromSecretHex(secretHex)
	if err != nil {
		fatalf("%v", err)
	}
	st.AddCircle(store.Circle{CircleID: circleID, SecretHex: secretHex})
	st.AddCircleMember(circleID, cfg.Node.NodeID)
	saveNode(dir, st)

	fmt.Printf("Joined circle %s. Bootstrapping via %s ...\n", circleID, peerAddr)
	sess := newSession(cfg, st)
	if err := sess.Dial(peerAddr, circleID); err != nil {
		fmt.Printf("Bootstrap sync failed (%v); the bootstrap address is not stored, so the daemon will not dial it.\n", err)
	} else {
		fmt.Println("Bootstrap sync complete.")
	}
	saveNode(dir, st)
	fmt.Println("Now run: felund daemon")
}

func runLeave(args []string) {
	if len(args) < 1 {
		fatalf("Usage: felund leave <circle-id>")
	}
	dir, _, st := openNode()
	if _, ok := st.Circle(args[0]); !ok {
		fatalf("Unknown circle %s", args[0])
	}
	st.RemoveCircle(args[0])
	saveNode(dir, st)
	fmt.Printf("Left circle %s.\n", args[0])
}

func runCircles(args []string) {
	_, _, st := openNode()
	ids := st.CircleIDs()
	if len(ids) == 0 {
		fmt.Println("No circles. Use `felund invite` or `felund join`.")
		return
	}
	for _, id := range ids {
		c, _ := st.Circle(id)
		label := c.Name
		if label == "" {
			label = "(unnamed)"
		}
		fmt.Printf(" %s  %s  messages=%d\n", id, label, len(st.MessageIDs(id)))
	}
}

func runPeers(args []string) {
	_, _, st := openNode()
	var peers []store.Peer
	if len(args) > 0 {
		peers = st.CirclePeersByLastSeen(args[0], -1)
	} else {
		peers = st.TopPeersByLastSeen(-1)
	}
	if len(peers) == 0 {
		fmt.Println("No peers known yet.")
		return
	}
	for _, p := range peers {
		fmt.Printf(" %s @ %s (last_seen=%d)\n", p.NodeID, p.Addr, p.LastSeen)
	}
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	channel := fs.String("channel", store.GeneralChannelID, "channel to post to")
	encrypt := fs.Bool("encrypt", false, "seal display name and text in an envelope")
	if len(args) < 1 {
		fatalf("Usage: felund send <circle-id> [--channel c] [--encrypt] <text>")
	}
	circleID := args[0]
	fs.Parse(args[1:])
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fatalf("Nothing to send.")
	}

	dir, cfg, st := openNode()
	secret := circleSecret(st, circleID)

	msg, err := compose.NewMessage(secret, circleID, *channel, cfg.Node.NodeID, cfg.Node.DisplayName, text, store.NowTS(), *encrypt)
	if err != nil {
		fatalf("%v", err)
	}
	if !st.MergeMessage(secret, msg) {
		fatalf("Message rejected by local store.")
	}
	saveNode(dir, st)
	fmt.Printf("Queued %s to #%s; the daemon gossips it out.\n", msg.MsgID, *channel)
}

func runChannel(args []string) {
	if len(args) < 3 {
		fatalf("Usage: felund channel <create|join|request|approve|leave> <circle-id> <channel> ...")
	}
	op, circleID, channelID := args[0], args[1], args[2]
	rest := args[3:]

	if err := validate.ChannelID(channelID); err != nil {
		fatalf("%v", err)
	}

	dir, cfg, st := openNode()
	secret := circleSecret(st, circleID)

	var event control.ChannelEvent
	switch op {
	case "create":
		fs := flag.NewFlagSet("channel create", flag.ExitOnError)
		mode := fs.String("mode", string(store.AccessPublic), "access mode: public, key, or invite")
		key := fs.String("key", "", "join key for key-mode channels")
		fs.Parse(rest)
		keyHash := ""
		if *key != "" {
			keyHash = fcrypto.SHA256Hex([]byte(*key))
		}
		event = control.ChannelEvent{
			Kind: control.KindChannelEvt, Op: control.OpCreate, ChannelID: channelID,
			AccessMode: store.AccessMode(*mode), KeyHash: keyHash,
		}
	case "join":
		fs := flag.NewFlagSet("channel join", flag.ExitOnError)
		key := fs.String("key", "", "join key for key-mode channels")
		fs.Parse(rest)
		keyHash := ""
		if *key != "" {
			keyHash = fcrypto.SHA256Hex([]byte(*key))
		}
		event = control.ChannelEvent{Kind: control.KindChannelEvt, Op: control.OpJoin, ChannelID: channelID, KeyHash: keyHash}
	case "request":
		event = control.ChannelEvent{Kind: control.KindChannelEvt, Op: control.OpRequest, ChannelID: channelID}
	case "approve":
		if len(rest) < 1 {
			fatalf("Usage: felund channel approve <circle-id> <channel> <node-id>")
		}
		if err := validate.NodeID(rest[0]); err != nil {
			fatalf("%v", err)
		}
		event = control.ChannelEvent{Kind: control.KindChannelEvt, Op: control.OpApprove, ChannelID: channelID, TargetNodeID: rest[0]}
	case "leave":
		event = control.ChannelEvent{Kind: control.KindChannelEvt, Op: control.OpLeave, ChannelID: channelID}
	default:
		fatalf("Unknown channel operation %q", op)
	}

	if _, err := control.Emit(st, secret, circleID, cfg.Node.NodeID, cfg.Node.DisplayName, event); err != nil {
		fatalf("%v", err)
	}
	saveNode(dir, st)
	fmt.Printf("Channel %s %s recorded; gossiping out.\n", channelID, op)
}

func runRename(args []string) {
	if len(args) < 1 || strings.TrimSpace(args[0]) == "" {
		fatalf("Usage: felund rename <display-name>")
	}
	name := strings.TrimSpace(strings.Join(args, " "))

	dir, cfg, st := openNode()
	cfg.Node.DisplayName = name
	if err := config.Save(dir, cfg); err != nil {
		fatalf("%v", err)
	}
	st.SetDisplayName(name)

	// Announce the rename into every circle as a control event.
	event := control.ChannelEvent{Kind: control.KindChannelEvt, Op: control.OpRename, DisplayName: name}
	for _, circleID := range st.CircleIDs() {
		secret := circleSecret(st, circleID)
		if _, err := control.Emit(st, secret, circleID, cfg.Node.NodeID, name, event); err != nil {
			fatalf("%v", err)
		}
	}
	saveNode(dir, st)
	fmt.Printf("Display name is now %q.\n", name)
}
