// Package config holds the relay and peer configuration: defaults, an
// optional YAML file, a .env file and SYNCSPACE_* environment overrides,
// applied in that order. CLI flags are layered on top by cmd/syncspace.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/syncspace/internal/pairing"
	"github.com/1ureka/syncspace/internal/transport"
)

// DefaultFile is read when no config path is given. It may be absent.
const DefaultFile = "syncspace.yaml"

// Config is the full configuration for both binaries' roles.
type Config struct {
	Debug bool        `yaml:"debug"`
	Relay RelayConfig `yaml:"relay"`
	Peer  PeerConfig  `yaml:"peer"`
}

// RelayConfig configures `syncspace relay`.
type RelayConfig struct {
	Listen        string        `yaml:"listen"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	ExpiryWindow  time.Duration `yaml:"expiry_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// PeerConfig configures `syncspace peer`.
type PeerConfig struct {
	RelayURL           string        `yaml:"relay_url"`
	StatePath          string        `yaml:"state_path"`
	STUNServers        []string      `yaml:"stun_servers"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen:        ":3000",
			PingInterval:  30 * time.Second,
			ExpiryWindow:  pairing.DefaultExpiry,
			SweepInterval: pairing.DefaultSweepInterval,
			StatsInterval: time.Minute,
		},
		Peer: PeerConfig{
			RelayURL:           "ws://localhost:3000/ws",
			StatePath:          "syncspace.db",
			STUNServers:        append([]string(nil), transport.DefaultSTUNServers...),
			NegotiationTimeout: 5 * time.Minute,
			HeartbeatInterval:  30 * time.Second,
		},
	}
}

// Load builds the configuration. An empty path reads DefaultFile if it
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. PORT is honoured for hosting
// platforms that assign one.
func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.Relay.Listen = ":" + port
	}
	if v := os.Getenv("SYNCSPACE_LISTEN"); v != "" {
		c.Relay.Listen = v
	}
	if v := os.Getenv("SYNCSPACE_RELAY_URL"); v != "" {
		c.Peer.RelayURL = v
	}
	if v := os.Getenv("SYNCSPACE_STATE_PATH"); v != "" {
		c.Peer.StatePath = v
	}
	if v := os.Getenv("SYNCSPACE_STUN_SERVERS"); v != "" {
		c.Peer.STUNServers = splitList(v)
	}
	if v := os.Getenv("SYNCSPACE_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SYNCSPACE_DEBUG: %w", err)
		}
		c.Debug = debug
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"SYNCSPACE_PING_INTERVAL", &c.Relay.PingInterval},
		{"SYNCSPACE_EXPIRY_WINDOW", &c.Relay.ExpiryWindow},
		{"SYNCSPACE_SWEEP_INTERVAL", &c.Relay.SweepInterval},
		{"SYNCSPACE_STATS_INTERVAL", &c.Relay.StatsInterval},
		{"SYNCSPACE_NEGOTIATION_TIMEOUT", &c.Peer.NegotiationTimeout},
		{"SYNCSPACE_HEARTBEAT_INTERVAL", &c.Peer.HeartbeatInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	return nil
}

// ValidateRelay checks the settings `syncspace relay` needs.
func (c *Config) ValidateRelay() error {
	if c.Relay.Listen == "" {
		return errors.New("relay.listen must not be empty")
	}
	if c.Relay.PingInterval < 0 {
		return errors.New("relay.ping_interval must not be negative")
	}
	if c.Relay.ExpiryWindow <= 0 {
		return errors.New("relay.expiry_window must be positive")
	}
	if c.Relay.SweepInterval <= 0 {
		return errors.New("relay.sweep_interval must be positive")
	}
	if c.Relay.StatsInterval <= 0 {
		return errors.New("relay.stats_interval must be positive")
	}
	return nil
}

// ValidatePeer checks the settings `syncspace peer` needs.
func (c *Config) ValidatePeer() error {
	if c.Peer.RelayURL == "" {
		return errors.New("peer.relay_url must not be empty")
	}
	if !strings.HasPrefix(c.Peer.RelayURL, "ws://") && !strings.HasPrefix(c.Peer.RelayURL, "wss://") {
		return fmt.Errorf("peer.relay_url %q must use ws:// or wss://", c.Peer.RelayURL)
	}
	if c.Peer.StatePath == "" {
		return errors.New("peer.state_path must not be empty")
	}
	if c.Peer.NegotiationTimeout <= 0 {
		return errors.New("peer.negotiation_timeout must be positive")
	}
	if c.Peer.HeartbeatInterval < 0 {
		return errors.New("peer.heartbeat_interval must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
