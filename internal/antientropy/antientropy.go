// Package antientropy implements the six-phase per-connection sync
// state machine: handshake, peer/message summary exchange, request/
// deliver, and an optional anchor push/pull tail.
package antientropy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/felund/felund/internal/control"
	"github.com/felund/felund/internal/fcrypto"
	"github.com/felund/felund/internal/store"
	"github.com/felund/felund/internal/wire"
)

var (
	ErrAuthFailed        = errors.New("antientropy: auth failed")
	ErrUnknownCircle     = errors.New("antientropy: unknown circle")
	ErrProtocolViolation = errors.New("antientropy: protocol violation")
	ErrRemoteError       = errors.New("antientropy: remote error")
)

const (
	anchorPhaseTimeout = 3 * time.Second
	anchorPushCap      = 50
)

// Frame type tags. Every frame on the wire carries one under "t"; a
// frame whose tag doesn't match what the current phase expects is a
// protocol violation and terminates the connection.
const (
	tHello         = "HELLO"
	tChallenge     = "CHALLENGE"
	tHelloAuth     = "HELLO_AUTH"
	tWelcome       = "WELCOME"
	tError         = "ERROR"
	tPeers         = "PEERS"
	tMsgsHave      = "MSGS_HAVE"
	tMsgsReq       = "MSGS_REQ"
	tMsgsSend      = "MSGS_SEND"
	tAnchorPush    = "ANCHOR_PUSH"
	tAnchorPushAck = "ANCHOR_PUSH_ACK"
	tAnchorPull    = "ANCHOR_PULL"
	tAnchorMsgs    = "ANCHOR_MSGS"
)

type taggedFrame struct {
	T string `json:"t"`
}

type helloFrame struct {
	T           string `json:"t"`
	NodeID      string `json:"node_id"`
	CircleID    string `json:"circle_id"`
	ListenAddr  string `json:"listen_addr"`
	ClientNonce string `json:"client_nonce,omitempty"`
	CanAnchor   bool   `json:"can_anchor"`
}

type challengeFrame struct {
	T           string `json:"t"`
	ServerNonce string `json:"server_nonce"`
}

type helloAuthFrame struct {
	T     string `json:"t"`
	Token string `json:"token"`
}

type welcomeFrame struct {
	T         string `json:"t"`
	NodeID    string `json:"node_id"`
	EncReady  bool   `json:"enc_ready"`
	CanAnchor bool   `json:"can_anchor"`
}

type errorFrame struct {
	T   string `json:"t"`
	Err string `json:"err"`
}

type peersFrame struct {
	T     string       `json:"t"`
	Peers []store.Peer `json:"peers"`
}

type msgsHaveFrame struct {
	T      string   `json:"t"`
	MsgIDs []string `json:"msg_ids"`
}

type msgsReqFrame struct {
	T      string   `json:"t"`
	MsgIDs []string `json:"msg_ids"`
}

type msgsSendFrame struct {
	T        string               `json:"t"`
	Messages []store.ChatMessage `json:"messages"`
}

type anchorPushFrame struct {
	T         string           `json:"t"`
	Envelopes []AnchorEnvelope `json:"envelopes"`
}

type anchorPushAckFrame struct {
	T string `json:"t"`
}

type anchorPullFrame struct {
	T     string `json:"t"`
	Since int64  `json:"since"`
}

type anchorMsgsFrame struct {
	T          string           `json:"t"`
	Envelopes  []AnchorEnvelope `json:"envelopes"`
	ServerTime int64            `json:"server_time"`
}

// readExpect reads one frame and requires its "t" tag to equal want,
// unmarshaling the rest into v on success. A tag of ERROR is surfaced
// as ErrRemoteError carrying the remote's message; any other mismatch
// is ErrProtocolViolation. Both terminate the connection, same as a
// read/decode failure.
func readExpect(conn *wire.Conn, d time.Duration, want string, v any) error {
	body, err := conn.ReadRawTimeout(d)
	if err != nil {
		return err
	}
	var tg taggedFrame
	if err := json.Unmarshal(body, &tg); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrFrameMalformed, err)
	}
	if tg.T != want {
		if tg.T == tError {
			var ef errorFrame
			_ = json.Unmarshal(body, &ef)
			return fmt.Errorf("%w: %s", ErrRemoteError, ef.Err)
		}
		return fmt.Errorf("%w: expected %s, got %q", ErrProtocolViolation, want, tg.T)
	}
	return json.Unmarshal(body, v)
}

// AnchorEnvelope is the wire form of a stored blind ciphertext record;
// the type lives in store because the anchor cache and the protocol
// share one state representation.
type AnchorEnvelope = store.AnchorEnvelope

// AnchorStore is the narrow interface C5 needs from C7 to serve and
// consume push/pull frames without depending on its retention policy.
type AnchorStore interface {
	Push(circleID string, envs []AnchorEnvelope)
	Since(circleID string, since int64) (envs []AnchorEnvelope, serverTime int64)
}

// Session runs one side of the anti-entropy protocol over an accepted
// or dialed connection.
type Session struct {
	Store   *store.Store
	Node    store.NodeConfig
	Anchors AnchorStore // nil disables phase 6 entirely
	Logger  *slog.Logger

	pullMu   sync.Mutex
	lastPull map[string]int64 // circle_id -> since cursor for the next ANCHOR_PULL
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// circleSecret looks up the raw secret bytes for a known circle.
func (s *Session) circleSecret(circleID string) ([]byte, bool) {
	c, ok := s.Store.Circle(circleID)
	if !ok {
		return nil, false
	}
	secret, err := hex.DecodeString(c.SecretHex)
	if err != nil {
		return nil, false
	}
	return secret, true
}

// Dial opens a connection to addr and runs the initiator side of the
// handshake and sync for circleID. It always closes the connection
// before returning.
func (s *Session) Dial(addr, circleID string) error {
	secret, ok := s.circleSecret(circleID)
	if !ok {
		return ErrUnknownCircle
	}

	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("antientropy: dial %s: %w", addr, err)
	}
	defer nc.Close()
	conn := wire.NewConn(nc)

	clientNonce, err := randomHex(16)
	if err != nil {
		return err
	}
	hello := helloFrame{
		T: tHello, NodeID: s.Node.NodeID, CircleID: circleID,
		ListenAddr:  fmt.Sprintf("%s:%d", s.Node.Bind, s.Node.Port),
		ClientNonce: clientNonce, CanAnchor: s.Node.CanAnchor,
	}
	if err := conn.WriteFrame(hello); err != nil {
		return err
	}

	var challenge challengeFrame
	if err := readExpect(conn, wire.IdleTimeout, tChallenge, &challenge); err != nil {
		return err
	}

	token := fcrypto.MakeToken(secret, s.Node.NodeID, circleID, challenge.ServerNonce)
	if err := conn.WriteFrame(helloAuthFrame{T: tHelloAuth, Token: hex.EncodeToString(token)}); err != nil {
		return err
	}

	var welcome welcomeFrame
	if err := readExpect(conn, wire.IdleTimeout, tWelcome, &welcome); err != nil {
		if errors.Is(err, ErrRemoteError) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return err
	}

	if welcome.EncReady {
		sessionKey, err := fcrypto.DeriveSessionKey(secret, []byte(clientNonce), []byte(challenge.ServerNonce))
		if err != nil {
			return err
		}
		gcm, err := newGCM(sessionKey)
		if err != nil {
			return err
		}
		conn.EnableEncryption(gcm)
	}

	s.logger().Debug("antientropy handshake complete", "role", "dialer", "peer", welcome.NodeID, "circle", circleID)

	// The server proved it holds the circle secret by answering a valid
	// WELCOME, so it belongs in the circle's membership set — that set
	// is what the dial loop targets on later rounds.
	s.Store.AddCircleMember(circleID, welcome.NodeID)

	if err := s.syncPhases(conn, circleID, secret); err != nil {
		return err
	}

	s.Store.MergePeer(store.Peer{NodeID: welcome.NodeID, Addr: addr, LastSeen: store.NowTS()})

	if welcome.CanAnchor {
		s.runAnchorClient(conn, secret, circleID)
	}
	return nil
}

// Accept runs the responder side of the handshake and sync over an
// already-accepted connection. It always closes nc before returning.
func (s *Session) Accept(nc net.Conn) error {
	defer nc.Close()
	conn := wire.NewConn(nc)

	var hello helloFrame
	if err := readExpect(conn, wire.IdleTimeout, tHello, &hello); err != nil {
		return err
	}

	secret, ok := s.circleSecret(hello.CircleID)
	if !ok {
		_ = conn.WriteFrame(errorFrame{T: tError, Err: "Unknown circle"})
		return ErrUnknownCircle
	}

	serverNonce, err := randomHex(16)
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(challengeFrame{T: tChallenge, ServerNonce: serverNonce}); err != nil {
		return err
	}

	var helloAuth helloAuthFrame
	if err := readExpect(conn, wire.IdleTimeout, tHelloAuth, &helloAuth); err != nil {
		return err
	}
	token, err := hex.DecodeString(helloAuth.Token)
	if err != nil || !fcrypto.VerifyToken(secret, hello.NodeID, hello.CircleID, serverNonce, token) {
		_ = conn.WriteFrame(errorFrame{T: tError, Err: "Auth failed"})
		return ErrAuthFailed
	}

	encReady := hello.ClientNonce != ""
	if err := conn.WriteFrame(welcomeFrame{T: tWelcome, NodeID: s.Node.NodeID, EncReady: encReady, CanAnchor: s.Node.CanAnchor}); err != nil {
		return err
	}

	if encReady {
		sessionKey, err := fcrypto.DeriveSessionKey(secret, []byte(hello.ClientNonce), []byte(serverNonce))
		if err != nil {
			return err
		}
		gcm, err := newGCM(sessionKey)
		if err != nil {
			return err
		}
		conn.EnableEncryption(gcm)
	}

	s.logger().Debug("antientropy handshake complete", "role", "acceptor", "peer", hello.NodeID, "circle", hello.CircleID)

	// Token verified: the dialer knows the secret, so record it as a
	// circle member before exchanging summaries — the PEERS frame we
	// send below is scoped to exactly this set.
	s.Store.AddCircleMember(hello.CircleID, hello.NodeID)

	if err := s.syncPhases(conn, hello.CircleID, secret); err != nil {
		return err
	}

	observedAddr := observedPeerAddr(nc.RemoteAddr(), hello.ListenAddr)
	s.Store.MergePeer(store.Peer{NodeID: hello.NodeID, Addr: observedAddr, LastSeen: store.NowTS()})

	if s.Node.CanAnchor && s.Anchors != nil {
		s.runAnchorServer(conn, hello.CircleID)
	}
	return nil
}

// observedPeerAddr ignores the advertised host and trusts only the
// advertised port, combined with the connection's observed remote IP
// — this defends against nodes advertising foreign endpoints.
func observedPeerAddr(remote net.Addr, advertised string) string {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	_, port, err := net.SplitHostPort(advertised)
	if err != nil {
		return remote.String()
	}
	return net.JoinHostPort(host, port)
}

// syncPhases runs phases 3-5: symmetric peer/message summary exchange
// followed by request/deliver. Both dialer and acceptor call this
// identically once the handshake has completed.
func (s *Session) syncPhases(conn *wire.Conn, circleID string, secret []byte) error {
	// The PEERS frame is circle-scoped: only members of this circle are
	// advertised, so the receiver can safely fold every entry into the
	// circle's membership set.
	localPeers := s.Store.CirclePeersByLastSeen(circleID, -1)
	localMsgIDs := s.Store.MessageIDs(circleID)

	if err := conn.WriteFrame(peersFrame{T: tPeers, Peers: localPeers}); err != nil {
		return err
	}
	if err := conn.WriteFrame(msgsHaveFrame{T: tMsgsHave, MsgIDs: localMsgIDs}); err != nil {
		return err
	}

	var remotePeers peersFrame
	if err := readExpect(conn, wire.IdleTimeout, tPeers, &remotePeers); err != nil {
		return err
	}
	var remoteHave msgsHaveFrame
	if err := readExpect(conn, wire.IdleTimeout, tMsgsHave, &remoteHave); err != nil {
		return err
	}

	self := s.Node.NodeID
	for _, p := range remotePeers.Peers {
		if p.NodeID == "" || p.NodeID == self {
			continue
		}
		s.Store.MergePeer(p)
		s.Store.AddCircleMember(circleID, p.NodeID)
	}

	have := make(map[string]struct{}, len(localMsgIDs))
	for _, id := range localMsgIDs {
		have[id] = struct{}{}
	}
	var missing []string
	for _, id := range remoteHave.MsgIDs {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	if err := conn.WriteFrame(msgsReqFrame{T: tMsgsReq, MsgIDs: missing}); err != nil {
		return err
	}

	var theirReq msgsReqFrame
	if err := readExpect(conn, wire.IdleTimeout, tMsgsReq, &theirReq); err != nil {
		return err
	}
	send := make([]store.ChatMessage, 0, len(theirReq.MsgIDs))
	for _, id := range theirReq.MsgIDs {
		m, ok := s.Store.Message(id)
		if !ok {
			continue
		}
		// Enveloped messages travel with empty plaintext fields; the
		// store filled them in locally when it decrypted the envelope.
		if m.Enc != nil {
			m.DisplayName = ""
			m.Text = ""
		}
		send = append(send, m)
	}
	if err := conn.WriteFrame(msgsSendFrame{T: tMsgsSend, Messages: send}); err != nil {
		return err
	}

	var theirSend msgsSendFrame
	if err := readExpect(conn, wire.IdleTimeout, tMsgsSend, &theirSend); err != nil {
		return err
	}
	for _, m := range theirSend.Messages {
		if s.Store.MergeMessage(secret, m) && m.ChannelID == store.ControlChannelID {
			s.applyControlMessage(circleID, m)
		}
	}
	return nil
}

func (s *Session) applyControlMessage(circleID string, m store.ChatMessage) {
	kind, event, ok := control.Parse(m.Text)
	if !ok {
		return
	}
	control.Apply(s.Store, circleID, m.AuthorNodeID, kind, event)
}

// sinceFor returns the next ANCHOR_PULL cursor for a circle (0 until
// one has been recorded) and records updates under a small dedicated
// mutex — separate from the store's, since this is purely local
// session bookkeeping, not shared state.
func (s *Session) sinceFor(circleID string) int64 {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()
	return s.lastPull[circleID]
}

func (s *Session) setSince(circleID string, v int64) {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()
	if s.lastPull == nil {
		s.lastPull = make(map[string]int64)
	}
	s.lastPull[circleID] = v
}

// runAnchorClient is phase 6 from the side that just synced with a
// remote peer who announced can_anchor=true: push our own encrypted
// messages for safekeeping, then pull anything new the anchor has
// collected from other members since our last pull. Failures here
// (timeout, unexpected frame) are logged and otherwise swallowed — the
// ordinary sync phases already completed successfully.
func (s *Session) runAnchorClient(conn *wire.Conn, secret []byte, circleID string) {
	logger := s.logger()

	push := s.Store.EncryptedMessages(circleID, anchorPushCap)
	envs := make([]AnchorEnvelope, 0, len(push))
	for _, m := range push {
		envs = append(envs, AnchorEnvelope{MsgID: m.MsgID, ChannelID: m.ChannelID, CreatedTS: m.CreatedTS, Message: m})
	}
	if err := conn.WriteFrame(anchorPushFrame{T: tAnchorPush, Envelopes: envs}); err != nil {
		logger.Debug("anchor push failed", "error", err)
		return
	}
	var ack anchorPushAckFrame
	if err := readExpect(conn, anchorPhaseTimeout, tAnchorPushAck, &ack); err != nil {
		logger.Debug("anchor push ack failed", "error", err)
		return
	}

	since := s.sinceFor(circleID)
	if err := conn.WriteFrame(anchorPullFrame{T: tAnchorPull, Since: since}); err != nil {
		logger.Debug("anchor pull failed", "error", err)
		return
	}
	var msgs anchorMsgsFrame
	if err := readExpect(conn, anchorPhaseTimeout, tAnchorMsgs, &msgs); err != nil {
		logger.Debug("anchor pull receive failed", "error", err)
		return
	}
	for _, env := range msgs.Envelopes {
		if s.Store.MergeMessage(secret, env.Message) && env.Message.ChannelID == store.ControlChannelID {
			s.applyControlMessage(circleID, env.Message)
		}
	}
	s.setSince(circleID, msgs.ServerTime)
}

// runAnchorServer is phase 6 from the anchor-capable side: receive and
// store whatever the remote pushes, ack, then serve everything newer
// than its requested cursor. Each frame gets its own short idle budget
// rather than the connection's normal 30s — anchor exchange is
// optional and shouldn't hold a slot open that long.
func (s *Session) runAnchorServer(conn *wire.Conn, circleID string) {
	logger := s.logger()
	if s.Anchors == nil {
		return
	}

	var push anchorPushFrame
	if err := readExpect(conn, anchorPhaseTimeout, tAnchorPush, &push); err != nil {
		logger.Debug("anchor push receive failed", "error", err)
		return
	}
	if len(push.Envelopes) > 0 {
		s.Anchors.Push(circleID, push.Envelopes)
	}
	if err := conn.WriteFrame(anchorPushAckFrame{T: tAnchorPushAck}); err != nil {
		logger.Debug("anchor push ack send failed", "error", err)
		return
	}

	var pull anchorPullFrame
	if err := readExpect(conn, anchorPhaseTimeout, tAnchorPull, &pull); err != nil {
		logger.Debug("anchor pull receive failed", "error", err)
		return
	}
	envs, serverTime := s.Anchors.Since(circleID, pull.Since)
	if err := conn.WriteFrame(anchorMsgsFrame{T: tAnchorMsgs, Envelopes: envs, ServerTime: serverTime}); err != nil {
		logger.Debug("anchor msgs send failed", "error", err)
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("antientropy: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("antientropy: random nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
