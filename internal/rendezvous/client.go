// Package rendezvous is the HTTP client for the optional rendezvous
// collaborator, which lets nodes behind NAT discover each other's
// public endpoints. The server only ever sees the circle hint — a
// truncated hash of the circle id — never the id itself, and never the
// secret.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felund/felund/internal/fcrypto"
)

// DefaultTimeout bounds every rendezvous probe.
const DefaultTimeout = 8 * time.Second

const nodeHeader = "X-Felund-Node"

// CircleHint derives the identifier shared with the rendezvous server:
// sha256(circle_id)[:16].
func CircleHint(circleID string) string {
	return fcrypto.SHA256Hex([]byte(circleID))[:16]
}

// Client talks to one rendezvous server on behalf of one node. A nil
// *Client (no API base configured) is valid: every method is a no-op
// that returns no error.
type Client struct {
	base   string
	nodeID string
	hc     *http.Client
}

// New builds a client for apiBase, or nil when apiBase is empty
// (discovery disabled).
func New(apiBase, nodeID string) *Client {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil
	}
	return &Client{
		base:   apiBase,
		nodeID: nodeID,
		hc:     &http.Client{Timeout: DefaultTimeout},
	}
}

// Endpoint is one advertised way to reach a node.
type Endpoint struct {
	Transport string `json:"transport"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Family    string `json:"family"`
	NAT       string `json:"nat"`
}

type registerRequest struct {
	NodeID       string         `json:"node_id"`
	CircleHint   string         `json:"circle_hint"`
	Endpoints    []Endpoint     `json:"endpoints,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	TTLSeconds   int            `json:"ttl_s,omitempty"`
}

// PeerRecord is one presence entry returned by the server.
type PeerRecord struct {
	NodeID    string     `json:"node_id"`
	Endpoints []Endpoint `json:"endpoints"`
}

type peersResponse struct {
	Peers []PeerRecord `json:"peers"`
}

// Register announces this node's endpoint for a circle, with the given
// presence TTL.
func (c *Client) Register(ctx context.Context, circleID, host string, port, ttlSeconds int) error {
	if c == nil {
		return nil
	}
	req := registerRequest{
		NodeID:     c.nodeID,
		CircleHint: CircleHint(circleID),
		Endpoints: []Endpoint{{
			Transport: "tcp",
			Host:      host,
			Port:      port,
			Family:    addrFamily(host),
			NAT:       "unknown",
		}},
		Capabilities: map[string]any{"relay": false, "transport": []string{"tcp"}},
		TTLSeconds:   ttlSeconds,
	}
	_, err := c.do(ctx, http.MethodPost, "/v1/register", req)
	return err
}

// Deregister removes this node's presence for a circle.
func (c *Client) Deregister(ctx context.Context, circleID string) error {
	if c == nil {
		return nil
	}
	req := registerRequest{NodeID: c.nodeID, CircleHint: CircleHint(circleID)}
	_, err := c.do(ctx, http.MethodDelete, "/v1/register", req)
	return err
}

// Peers fetches up to limit presence records for a circle. The server
// excludes the requesting node, identified by the X-Felund-Node
// header; self records are filtered again locally in case it doesn't.
func (c *Client) Peers(ctx context.Context, circleID string, limit int) ([]PeerRecord, error) {
	if c == nil {
		return nil, nil
	}
	q := url.Values{"circle_hint": {CircleHint(circleID)}, "limit": {strconv.Itoa(limit)}}
	body, err := c.do(ctx, http.MethodGet, "/v1/peers?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp peersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("rendezvous: parse peers: %w", err)
	}
	out := resp.Peers[:0]
	for _, p := range resp.Peers {
		if p.NodeID == "" || p.NodeID == c.nodeID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// TCPAddr picks the first dialable tcp endpoint out of a presence
// record, or "" when none is usable.
func (p PeerRecord) TCPAddr() string {
	for _, e := range p.Endpoints {
		if e.Transport != "tcp" || e.Host == "" || e.Port <= 0 {
			continue
		}
		host := e.Host
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return fmt.Sprintf("%s:%d", host, e.Port)
	}
	return ""
}

// Health probes the server's version endpoint.
func (c *Client) Health(ctx context.Context) error {
	if c == nil {
		return nil
	}
	_, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rendezvous: marshal: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build request: %w", err)
	}
	req.Header.Set(nodeHeader, c.nodeID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rendezvous: %s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func addrFamily(host string) string {
	if strings.Contains(host, ":") {
		return "ipv6"
	}
	return "ipv4"
}
