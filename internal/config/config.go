// Package config loads and saves the node's YAML configuration: its
// stable identity, bind endpoint, capability flags, and the optional
// rendezvous and metrics settings. Dynamic state (circles, peers,
// messages) lives in the state snapshot, not here.
package config

import (
	"github.com/felund/felund/internal/store"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the on-disk configuration file.
type Config struct {
	Version    int              `yaml:"version,omitempty"`
	Node       NodeConfig       `yaml:"node"`
	Rendezvous RendezvousConfig `yaml:"rendezvous,omitempty"`
	Telemetry  TelemetryConfig  `yaml:"telemetry,omitempty"`
}

// NodeConfig is the node's identity and capability flags. NodeID is
// minted once at init and never changes for the life of the
// installation.
type NodeConfig struct {
	NodeID          string `yaml:"node_id"`
	Bind            string `yaml:"bind"`
	Port            int    `yaml:"port"`
	DisplayName     string `yaml:"display_name,omitempty"`
	CanAnchor       bool   `yaml:"can_anchor,omitempty"`
	PublicReachable bool   `yaml:"public_reachable,omitempty"`
	Mobile          bool   `yaml:"mobile,omitempty"`
}

// RendezvousConfig points at the optional rendezvous collaborator.
// An empty APIBase disables discovery entirely.
type RendezvousConfig struct {
	APIBase string `yaml:"api_base,omitempty"`
}

// TelemetryConfig holds observability settings.
// All features are disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // default: "127.0.0.1:9695"
}

// DefaultMetricsListen is used when metrics are enabled without an
// explicit listen address.
const DefaultMetricsListen = "127.0.0.1:9695"

// DefaultPort is the gossip listen port used when init doesn't name one.
const DefaultPort = 9999

// StoreNode converts the configured identity into the state store's
// node record.
func (c *Config) StoreNode() store.NodeConfig {
	return store.NodeConfig{
		NodeID:          c.Node.NodeID,
		Bind:            c.Node.Bind,
		Port:            c.Node.Port,
		DisplayName:     c.Node.DisplayName,
		CanAnchor:       c.Node.CanAnchor,
		PublicReachable: c.Node.PublicReachable,
		IsMobile:        c.Node.Mobile,
	}
}
