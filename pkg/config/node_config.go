// Copyright 2025 Certen Protocol
//
// Node Configuration Loader
//
// Loads the richer, structured settings a multi-peer deployment needs
// (gossip topics, mdns rendezvous, genesis device list) from a YAML file,
// with ${VAR_NAME} environment variable substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig holds the structured node settings loaded from YAML.
type NodeConfig struct {
	Environment string `yaml:"environment"`

	Node    NodeSettings    `yaml:"node"`
	Gossip  GossipSettings  `yaml:"gossip"`
	Storage StorageSettings `yaml:"storage"`
	Genesis GenesisSettings `yaml:"genesis"`
}

// NodeSettings contains per-node identity and listen settings.
type NodeSettings struct {
	ListenAddr    string   `yaml:"listen_addr"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// GossipSettings contains pubsub topic and timing configuration.
type GossipSettings struct {
	BlocksTopic    string   `yaml:"blocks_topic"`
	TxPoolTopic    string   `yaml:"txpool_topic"`
	MDNSRendezvous string   `yaml:"mdns_rendezvous"`
	BlockInterval  Duration `yaml:"block_interval"`
}

// StorageSettings contains block-log and directory-mirror configuration.
type StorageSettings struct {
	BlockLogDir string `yaml:"block_log_dir"`
	DatabaseURL string `yaml:"database_url"`
}

// GenesisSettings lists the devices to bootstrap into the genesis block when
// no existing block log is found on disk.
type GenesisSettings struct {
	BootstrapKeyPath string               `yaml:"bootstrap_key_path"`
	Devices          []GenesisDeviceEntry `yaml:"devices"`
}

// GenesisDeviceEntry is one device's bootstrap entry in a node config file.
type GenesisDeviceEntry struct {
	UserID      string `yaml:"user_id"`
	DeviceID    string `yaml:"device_id"`
	KeyPath     string `yaml:"key_path"`
}

// Duration wraps time.Duration so it can be written in a config file as
// "5s" rather than a raw integer of nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvVars replaces ${VAR_NAME} with environment variable values,
// leaving the placeholder untouched if the variable is unset.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return match
	})
}

// LoadNodeConfig loads a NodeConfig from a YAML file, applying environment
// variable substitution and filling in defaults for anything left unset.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg NodeConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse node config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *NodeConfig) applyDefaults() {
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = "/ip4/0.0.0.0/tcp/4001"
	}
	if c.Gossip.BlocksTopic == "" {
		c.Gossip.BlocksTopic = "thesischain/blocks/1.0.0"
	}
	if c.Gossip.TxPoolTopic == "" {
		c.Gossip.TxPoolTopic = "thesischain/txpool/1.0.0"
	}
	if c.Gossip.MDNSRendezvous == "" {
		c.Gossip.MDNSRendezvous = "thesischain-mdns"
	}
	if c.Gossip.BlockInterval == 0 {
		c.Gossip.BlockInterval = Duration(5 * time.Second)
	}
	if c.Storage.BlockLogDir == "" {
		c.Storage.BlockLogDir = "./data/blocks"
	}
}
