package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Config represents the configuration for a peerwatch node
type Config struct {
	// Default config file location
	configFile string

	// Local node identity as announced to peers
	Node struct {
		UserAgent   string `json:"user_agent"`
		Height      uint64 `json:"height"`
		DisablePing bool   `json:"disable_ping"` // Announce an old protocol version without Peer.Ping
	} `json:"node"`

	Network struct {
		RPCListenAddress     string   `json:"rpc_listen"`
		MetricsListenAddress string   `json:"metrics_listen"` // Empty disables /metrics
		Peers                []string `json:"peers"`          // Addresses to connect to
		DialTimeout          Duration `json:"dial_timeout"`
		RedialInterval       Duration `json:"redial_interval"`
		StatusInterval       Duration `json:"status_interval"` // How often peer heights are polled
	} `json:"network"`

	Monitor struct {
		ProbeInterval  Duration `json:"probe_interval"`
		ProbeJitter    Duration `json:"probe_jitter"`
		ProbeTimeout   Duration `json:"probe_timeout"`
		ReportInterval Duration `json:"report_interval"` // Peer table log, 0 disables
	} `json:"monitor"`

	DataStore struct {
		PeerBookPath string `json:"peerbook"` // Empty disables the peer book
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.UserAgent = "/peerwatch:0.1.0/"

	cfg.Network.RPCListenAddress = "0.0.0.0:5001"
	cfg.Network.MetricsListenAddress = "127.0.0.1:9101"
	cfg.Network.DialTimeout = Duration(5 * time.Second)
	cfg.Network.RedialInterval = Duration(5 * time.Second)
	cfg.Network.StatusInterval = Duration(10 * time.Second)

	cfg.Monitor.ProbeInterval = Duration(time.Second)
	cfg.Monitor.ProbeTimeout = Duration(time.Second)
	cfg.Monitor.ReportInterval = Duration(10 * time.Second)

	cfg.DataStore.PeerBookPath = "/tmp/peerwatch/peerbook"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would make the node misbehave at runtime
func (c *Config) Validate() error {
	if c.Network.RPCListenAddress == "" {
		return errors.New("config: network.rpc_listen must be set")
	}
	if c.Monitor.ProbeInterval <= 0 {
		return fmt.Errorf("config: monitor.probe_interval must be positive, got %s", c.Monitor.ProbeInterval)
	}
	if c.Monitor.ProbeJitter < 0 || c.Monitor.ProbeJitter >= c.Monitor.ProbeInterval {
		return fmt.Errorf("config: monitor.probe_jitter must be in [0, probe_interval), got %s", c.Monitor.ProbeJitter)
	}
	if c.Network.DialTimeout <= 0 {
		return fmt.Errorf("config: network.dial_timeout must be positive, got %s", c.Network.DialTimeout)
	}
	if c.Network.StatusInterval <= 0 || c.Network.RedialInterval <= 0 {
		return errors.New("config: network.status_interval and network.redial_interval must be positive")
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", c.configFile, err)
	}

	return nil
}
