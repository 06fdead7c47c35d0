package config

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LogConfig         `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	ACL         ACLConfig         `yaml:"acl"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	DDoS        ThreatConfig      `yaml:"ddos"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type ServerConfig struct {
	ListenAddress      string  `yaml:"listen_address"`
	UDP                bool    `yaml:"udp"`
	MaxConnections     int64   `yaml:"max_connections"`
	IdleTimeoutSeconds int64   `yaml:"idle_timeout_secs"`
	AcceptRate         float64 `yaml:"accept_rate"`
	AcceptBurst        int     `yaml:"accept_burst"`
	Epoch              string  `yaml:"epoch"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

type ACLConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DefaultAction string   `yaml:"default_action"`
	RuleOrder     string   `yaml:"rule_order"`
	Allowed       []string `yaml:"allowed"`
	Denied        []string `yaml:"denied"`
}

type RateLimiterConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	Rate                    uint64 `yaml:"rate"`
	Burst                   uint64 `yaml:"burst"`
	WindowSeconds           uint64 `yaml:"window_secs"`
	GlobalRate              uint64 `yaml:"global_rate"`
	GlobalBurst             uint64 `yaml:"global_burst"`
	MaxConnectionsPerClient uint64 `yaml:"max_connections_per_client"`
}

type ThreatConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	Threshold               uint64   `yaml:"threshold"`
	BlockDurationSeconds    uint64   `yaml:"block_duration_secs"`
	ConnectionLimit         uint64   `yaml:"connection_limit"`
	ConnectionWindowSeconds uint64   `yaml:"connection_window_secs"`
	AnomalyThreshold        float64  `yaml:"anomaly_threshold"`
	Exempt                  []string `yaml:"exempt"`
}

type MaintenanceConfig struct {
	CleanupIntervalSeconds int64 `yaml:"cleanup_interval_secs"`
	WatchConfig            bool  `yaml:"watch_config"`
}

// Default mirrors the values the daemon ships with. Every component starts
// disabled so an empty config file serves time to everyone.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddress:      "0.0.0.0:37",
			UDP:                true,
			MaxConnections:     1000,
			IdleTimeoutSeconds: 5,
			Epoch:              EpochUnix,
		},
		Logging: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		ACL: ACLConfig{
			DefaultAction: "allow",
			RuleOrder:     OrderMostSpecificFirst,
		},
		RateLimiter: RateLimiterConfig{
			Rate:                    100,
			Burst:                   20,
			WindowSeconds:           60,
			GlobalRate:              1000,
			GlobalBurst:             200,
			MaxConnectionsPerClient: 10,
		},
		DDoS: ThreatConfig{
			Threshold:               1000,
			BlockDurationSeconds:    3600,
			ConnectionLimit:         10,
			ConnectionWindowSeconds: 60,
			AnomalyThreshold:        3.0,
		},
		Maintenance: MaintenanceConfig{
			CleanupIntervalSeconds: 60,
		},
	}
}

const (
	EpochUnix   = "unix"
	EpochRFC868 = "rfc868"

	OrderMostSpecificFirst  = "most_specific_first"
	OrderLeastSpecificFirst = "least_specific_first"
)

type ConnectionConfig struct {
	MaxConnections int64
}

func (c *Config) SplitConfig() (*ServerConfig, *ConnectionConfig, *ACLConfig, *RateLimiterConfig, *ThreatConfig) {
	srv := c.Server
	acl := c.ACL
	rl := c.RateLimiter
	ddos := c.DDoS
	return &srv,
		&ConnectionConfig{
			MaxConnections: c.Server.MaxConnections,
		},
		&acl,
		&rl,
		&ddos
}

func LoadConfig(path string) (Config, error) {
	path, err := resolveConfig(path)
	if err != nil {
		return Config{}, err
	}
	config, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}

	defer func() {
		_ = config.Close()
	}()

	config_b, err := io.ReadAll(config)
	if err != nil {
		return Config{}, err
	}

	return Parse(config_b)
}

// Parse decodes YAML over the defaults.
func Parse(b []byte) (Config, error) {
	c := Default()

	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return c, nil
}

// ResolvePath reports which file LoadConfig would read.
func ResolvePath(path string) (string, error) {
	return resolveConfig(path)
}

func resolveConfig(path string) (string, error) {
	if path != "" {
		return path, nil
	}

	candidates := []string{
		"./config.yml",
		"/etc/utcd/config.yml",
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

func ValidateConfig(cfg Config) error {
	if cfg.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address must be set")
	}
	if _, err := net.ResolveTCPAddr("tcp", cfg.Server.ListenAddress); err != nil {
		return fmt.Errorf("invalid server.listen_address: %w", err)
	}
	if cfg.Metrics.ListenAddress != "" {
		if _, err := net.ResolveTCPAddr("tcp", cfg.Metrics.ListenAddress); err != nil {
			return fmt.Errorf("invalid metrics.listen_address: %w", err)
		}
		if cfg.Metrics.ListenAddress == cfg.Server.ListenAddress {
			return fmt.Errorf("metrics.listen_address and server.listen_address must not be the same")
		}
	}

	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be > 0")
	}
	if cfg.Server.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server.idle_timeout_secs must be >= 0")
	}
	if cfg.Server.AcceptRate < 0 {
		return fmt.Errorf("server.accept_rate must be >= 0")
	}
	if cfg.Server.AcceptBurst < 0 {
		return fmt.Errorf("server.accept_burst must be >= 0")
	}
	switch cfg.Server.Epoch {
	case EpochUnix, EpochRFC868:
	default:
		return fmt.Errorf("server.epoch must be %q or %q", EpochUnix, EpochRFC868)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	switch strings.ToLower(cfg.ACL.DefaultAction) {
	case "allow", "deny":
	default:
		return fmt.Errorf("acl.default_action must be allow or deny")
	}
	switch cfg.ACL.RuleOrder {
	case OrderMostSpecificFirst, OrderLeastSpecificFirst:
	default:
		return fmt.Errorf("acl.rule_order must be %q or %q", OrderMostSpecificFirst, OrderLeastSpecificFirst)
	}
	for _, n := range cfg.ACL.Allowed {
		if !validIPv4Network(n) {
			return fmt.Errorf("invalid acl.allowed entry %q", n)
		}
	}
	for _, n := range cfg.ACL.Denied {
		if !validIPv4Network(n) {
			return fmt.Errorf("invalid acl.denied entry %q", n)
		}
	}

	if cfg.RateLimiter.Enabled {
		if cfg.RateLimiter.Burst == 0 {
			return fmt.Errorf("rate_limiter.burst must be > 0")
		}
		if cfg.RateLimiter.GlobalBurst == 0 {
			return fmt.Errorf("rate_limiter.global_burst must be > 0")
		}
		if cfg.RateLimiter.WindowSeconds == 0 {
			return fmt.Errorf("rate_limiter.window_secs must be > 0")
		}
		if cfg.RateLimiter.MaxConnectionsPerClient == 0 {
			return fmt.Errorf("rate_limiter.max_connections_per_client must be > 0")
		}
	}

	if cfg.DDoS.Enabled {
		if cfg.DDoS.Threshold == 0 {
			return fmt.Errorf("ddos.threshold must be > 0")
		}
		if cfg.DDoS.ConnectionLimit == 0 {
			return fmt.Errorf("ddos.connection_limit must be > 0")
		}
		if cfg.DDoS.ConnectionWindowSeconds == 0 {
			return fmt.Errorf("ddos.connection_window_secs must be > 0")
		}
		if cfg.DDoS.AnomalyThreshold <= 0 {
			return fmt.Errorf("ddos.anomaly_threshold must be > 0")
		}
	}
	for _, n := range cfg.DDoS.Exempt {
		if _, err := netip.ParsePrefix(n); err != nil {
			if _, err := netip.ParseAddr(n); err != nil {
				return fmt.Errorf("invalid ddos.exempt entry %q", n)
			}
		}
	}

	if cfg.Maintenance.CleanupIntervalSeconds < 1 {
		return fmt.Errorf("maintenance.cleanup_interval_secs must be >= 1")
	}

	return nil
}

// validIPv4Network accepts a.b.c.d or a.b.c.d/0..32.
func validIPv4Network(s string) bool {
	addr, bits, found := strings.Cut(s, "/")
	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is4() {
		return false
	}
	if !found {
		return true
	}
	n, err := strconv.Atoi(bits)
	return err == nil && n >= 0 && n <= 32 && bits == strconv.Itoa(n)
}
