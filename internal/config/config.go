package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string `yaml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type RelayCfg struct {
	GenesisTTLSec   int      `yaml:"genesis_ttl_sec"`
	TransitTTLSec   int      `yaml:"transit_ttl_sec"`
	RoutingTTLSec   int      `yaml:"routing_ttl_sec"`
	FingerprintSalt string   `yaml:"fingerprint_salt"`
	IPRPSLimit      float64  `yaml:"ip_rps_limit"`    // 0 disables the genesis rate guard
	TrustedProxies  []string `yaml:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For

	ProxyNets []*net.IPNet `yaml:"-"`
}

// KeysCfg holds the three stage signing keys, base64url without padding.
// Each key can be overridden by environment variable so secrets stay out
// of the config file: BRAINLINK_GENESIS_KEY, BRAINLINK_TRANSIT_KEY,
// BRAINLINK_ROUTING_KEY.
type KeysCfg struct {
	Genesis string `yaml:"genesis"`
	Transit string `yaml:"transit"`
	Routing string `yaml:"routing"`
}

type ReplayCfg struct {
	Backend  string `yaml:"backend"` // memory | sqlite
	Path     string `yaml:"path"`    // sqlite file; required for sqlite backend
	TTLSec   int    `yaml:"ttl_sec"`
	Capacity int    `yaml:"capacity"` // memory backend nonce cap
}

type RegistryCfg struct {
	Path string `yaml:"path"` // sqlite file holding the link table
}

type TrackingCfg struct {
	Backend string `yaml:"backend"` // log | sqlite
	Path    string `yaml:"path"`
}

type BreakerCfg struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutSec       int `yaml:"timeout_sec"`
}

type Config struct {
	Server   ServerCfg   `yaml:"server"`
	Logging  LoggingCfg  `yaml:"logging"`
	Relay    RelayCfg    `yaml:"relay"`
	Keys     KeysCfg     `yaml:"keys"`
	Replay   ReplayCfg   `yaml:"replay"`
	Registry RegistryCfg `yaml:"registry"`
	Tracking TrackingCfg `yaml:"tracking"`
	Breaker  BreakerCfg  `yaml:"breaker"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	// defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 5000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Relay.GenesisTTLSec == 0 {
		cfg.Relay.GenesisTTLSec = 15
	}
	if cfg.Relay.TransitTTLSec == 0 {
		cfg.Relay.TransitTTLSec = 10
	}
	if cfg.Relay.RoutingTTLSec == 0 {
		cfg.Relay.RoutingTTLSec = 5
	}
	if cfg.Replay.Backend == "" {
		cfg.Replay.Backend = "memory"
	}
	if cfg.Replay.TTLSec == 0 {
		cfg.Replay.TTLSec = 60
	}
	if cfg.Replay.Capacity == 0 {
		cfg.Replay.Capacity = 100_000
	}
	if cfg.Tracking.Backend == "" {
		cfg.Tracking.Backend = "log"
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.TimeoutSec == 0 {
		cfg.Breaker.TimeoutSec = 10
	}
	// env overrides for key material
	if v := os.Getenv("BRAINLINK_GENESIS_KEY"); v != "" {
		cfg.Keys.Genesis = v
	}
	if v := os.Getenv("BRAINLINK_TRANSIT_KEY"); v != "" {
		cfg.Keys.Transit = v
	}
	if v := os.Getenv("BRAINLINK_ROUTING_KEY"); v != "" {
		cfg.Keys.Routing = v
	}
	for _, cidr := range cfg.Relay.TrustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		cfg.Relay.ProxyNets = append(cfg.Relay.ProxyNets, ipNet)
	}
	return &cfg, nil
}

func (c *Config) GenesisTTL() time.Duration { return time.Duration(c.Relay.GenesisTTLSec) * time.Second }
func (c *Config) TransitTTL() time.Duration { return time.Duration(c.Relay.TransitTTLSec) * time.Second }
func (c *Config) RoutingTTL() time.Duration { return time.Duration(c.Relay.RoutingTTLSec) * time.Second }
func (c *Config) ReplayTTL() time.Duration  { return time.Duration(c.Replay.TTLSec) * time.Second }
func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutSec) * time.Second
}

// StageKeyBytes decodes the three signing keys. Key length and
// distinctness are enforced downstream when the codec is built.
func (c *Config) StageKeyBytes() (genesis, transit, routing []byte, err error) {
	if genesis, err = decodeKey("genesis", c.Keys.Genesis); err != nil {
		return nil, nil, nil, err
	}
	if transit, err = decodeKey("transit", c.Keys.Transit); err != nil {
		return nil, nil, nil, err
	}
	if routing, err = decodeKey("routing", c.Keys.Routing); err != nil {
		return nil, nil, nil, err
	}
	return genesis, transit, routing, nil
}

func decodeKey(name, v string) ([]byte, error) {
	if v == "" {
		return nil, fmt.Errorf("keys.%s required", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("keys.%s is not base64url: %w", name, err)
	}
	return b, nil
}

func (c *Config) Validate() error {
	if c.Relay.GenesisTTLSec <= 0 || c.Relay.TransitTTLSec <= 0 || c.Relay.RoutingTTLSec <= 0 {
		return errors.New("relay stage TTLs must be positive")
	}
	if c.Relay.FingerprintSalt == "" {
		return errors.New("relay.fingerprint_salt required")
	}
	if c.Relay.IPRPSLimit < 0 {
		return errors.New("relay.ip_rps_limit must be >= 0")
	}
	switch c.Replay.Backend {
	case "memory":
	case "sqlite":
		if c.Replay.Path == "" {
			return errors.New("replay.path required for sqlite backend")
		}
	default:
		return errors.New("replay.backend must be 'memory' or 'sqlite'")
	}
	if c.Registry.Path == "" {
		return errors.New("registry.path required")
	}
	switch c.Tracking.Backend {
	case "log":
	case "sqlite":
		if c.Tracking.Path == "" {
			return errors.New("tracking.path required for sqlite backend")
		}
	default:
		return errors.New("tracking.backend must be 'log' or 'sqlite'")
	}
	if _, _, _, err := c.StageKeyBytes(); err != nil {
		return err
	}
	return nil
}
