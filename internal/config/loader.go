package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/felund/felund/internal/identity"
	"github.com/felund/felund/internal/validate"
)

// ErrNotInitialized is returned by Load when no config file exists yet.
var ErrNotInitialized = errors.New("config: not initialized (run `felund init` first)")

const (
	defaultDirName = ".felund"
	configFileName = "config.yaml"
)

// StateDir resolves the node's data directory: FELUND_STATE_DIR when
// set, else ~/.felund.
func StateDir() (string, error) {
	if dir := os.Getenv("FELUND_STATE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

// Path returns the config file location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, configFileName)
}

// Default mints a fresh configuration with a new node id. bind and
// port become the node's advertised endpoint.
func Default(bind string, port int) (*Config, error) {
	nodeID, err := identity.NewNodeID()
	if err != nil {
		return nil, err
	}
	return &Config{
		Version: CurrentConfigVersion,
		Node: NodeConfig{
			NodeID:      nodeID,
			Bind:        bind,
			Port:        port,
			DisplayName: "anon",
		},
	}, nil
}

// Load reads and validates the config file in dir, then applies the
// FELUND_API_BASE environment override.
func Load(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w (edit the file or delete it and re-run `felund init`)", Path(dir), err)
	}

	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("config: version %d is newer than this build supports (%d); upgrade felund", cfg.Version, CurrentConfigVersion)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if base := os.Getenv("FELUND_API_BASE"); base != "" {
		cfg.Rendezvous.APIBase = base
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = DefaultMetricsListen
	}
	return &cfg, nil
}

// Save writes cfg to dir atomically (temp file + rename), creating dir
// if needed. The file is 0600: it identifies the node, and the state
// snapshot next to it carries circle secrets.
func Save(dir string, cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	path := Path(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if err := validate.NodeID(c.Node.NodeID); err != nil {
		return fmt.Errorf("config: node_id: %w", err)
	}
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Node.Port)
	}
	if c.Telemetry.Metrics.Enabled && c.Telemetry.Metrics.ListenAddress != "" {
		if err := validate.HostPort(c.Telemetry.Metrics.ListenAddress); err != nil {
			return fmt.Errorf("config: metrics listen_address: %w", err)
		}
	}
	return nil
}
