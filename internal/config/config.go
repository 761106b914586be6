// Package config provides centralized configuration for the orchestrator.
// All tunables (ports, RPC endpoints, confirmation depths, timeouts, fees)
// are defined here; no hardcoded values should exist elsewhere.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort             = 8080
	DefaultSrcConfirmations = 5
	DefaultDstConfirmations = 1
	DefaultStateDir         = "./state"
	DefaultSessionTTL       = time.Hour
	MinSessionTTL           = 10 * time.Minute
	MaxSessionTTL           = 24 * time.Hour
	DefaultMaxSubscribers   = 64
	DefaultPremiumBPS       = 50
	DefaultRetention        = 24 * time.Hour
	DefaultSrcPollInterval  = 5 * time.Second
	DefaultDstPollInterval  = 2 * time.Second
	DefaultRPCTimeout       = 15 * time.Second
	DefaultMaxBackoff       = 5 * time.Minute
	DefaultShutdownDrain    = 10 * time.Second
	DefaultSnapshotInterval = 5 * time.Second
	DefaultDedupCapacity    = 100_000
	QuoteValidity           = 30 * time.Second
)

// ChainConfig holds the settings for one watched chain.
type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	Confirmations uint64 `yaml:"confirmations"`
	// EscrowContract is the factory (source) or HTLC (destination) contract
	// the client filters events from.
	EscrowContract string        `yaml:"escrow_contract"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// Config holds all orchestrator configuration.
type Config struct {
	Port int `yaml:"port"`

	Source      ChainConfig `yaml:"source"`
	Destination ChainConfig `yaml:"destination"`

	// APIKeys is the set of accepted X-API-Key values.
	APIKeys []string `yaml:"api_keys"`

	StateDir string `yaml:"state_dir"`

	SessionTTL      time.Duration `yaml:"session_ttl"`
	SecretRetention time.Duration `yaml:"secret_retention"`
	MaxSubscribers  int           `yaml:"max_subscribers_per_session"`
	PremiumBPS      int64         `yaml:"premium_bps"`
	ProtocolFeeBPS  int64         `yaml:"protocol_fee_bps"`
	NetworkFeeBPS   int64         `yaml:"network_fee_bps"`

	// PriceFeeds maps "SRC/DST" pairs to on-chain aggregator contracts.
	// StaticRates is the fallback table when no feed is deployed.
	PriceFeeds  map[string]string `yaml:"price_feeds"`
	StaticRates map[string]string `yaml:"static_rates"`

	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	ShutdownDrain    time.Duration `yaml:"shutdown_drain"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a config populated with defaults. Source and destination
// RPC URLs have no default and must be provided.
func Default() *Config {
	return &Config{
		Port: DefaultPort,
		Source: ChainConfig{
			Confirmations: DefaultSrcConfirmations,
			PollInterval:  DefaultSrcPollInterval,
		},
		Destination: ChainConfig{
			Confirmations: DefaultDstConfirmations,
			PollInterval:  DefaultDstPollInterval,
		},
		StateDir:         DefaultStateDir,
		SessionTTL:       DefaultSessionTTL,
		SecretRetention:  DefaultRetention,
		MaxSubscribers:   DefaultMaxSubscribers,
		PremiumBPS:       DefaultPremiumBPS,
		ProtocolFeeBPS:   30,
		NetworkFeeBPS:    5,
		RPCTimeout:       DefaultRPCTimeout,
		MaxBackoff:       DefaultMaxBackoff,
		ShutdownDrain:    DefaultShutdownDrain,
		SnapshotInterval: DefaultSnapshotInterval,
		LogLevel:         "info",
	}
}

// Load reads configuration in precedence order: defaults, then the YAML
// file (if present), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from recognized environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("ORCHESTRATOR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("SRC_CHAIN_RPC"); v != "" {
		c.Source.RPCURL = v
	}
	if v := os.Getenv("DST_CHAIN_RPC"); v != "" {
		c.Destination.RPCURL = v
	}
	if v := os.Getenv("SRC_CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Source.Confirmations = n
		}
	}
	if v := os.Getenv("DST_CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Destination.Confirmations = n
		}
	}
	if v := os.Getenv("SRC_ESCROW_CONTRACT"); v != "" {
		c.Source.EscrowContract = v
	}
	if v := os.Getenv("DST_HTLC_CONTRACT"); v != "" {
		c.Destination.EscrowContract = v
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		c.APIKeys = splitKeys(v)
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("SESSION_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.SessionTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MAX_SUBSCRIBERS_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxSubscribers = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks that required fields are present and bounds hold.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Source.RPCURL == "" {
		return fmt.Errorf("source chain RPC URL is required (SRC_CHAIN_RPC)")
	}
	if c.Destination.RPCURL == "" {
		return fmt.Errorf("destination chain RPC URL is required (DST_CHAIN_RPC)")
	}
	if c.Source.Confirmations == 0 {
		return fmt.Errorf("source confirmations must be at least 1")
	}
	if c.Destination.Confirmations == 0 {
		return fmt.Errorf("destination confirmations must be at least 1")
	}
	if c.SessionTTL < MinSessionTTL || c.SessionTTL > MaxSessionTTL {
		return fmt.Errorf("session TTL %s outside [%s, %s]", c.SessionTTL, MinSessionTTL, MaxSessionTTL)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// ClampTTL bounds a per-request TTL to the allowed window.
func ClampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return DefaultSessionTTL
	}
	if requested < MinSessionTTL {
		return MinSessionTTL
	}
	if requested > MaxSessionTTL {
		return MaxSessionTTL
	}
	return requested
}

// StatePath joins the state directory with a relative path.
func (c *Config) StatePath(elem ...string) string {
	return filepath.Join(append([]string{c.StateDir}, elem...)...)
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
