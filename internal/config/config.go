// Package config loads the proxy configuration. Sources are layered with
// later ones winning: built-in defaults, an optional YAML file, VNCPROXY_*
// environment variables (a .env file is loaded first when present) and
// command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"vncproxy/internal/constants"
	"vncproxy/internal/token"
)

const EnvPrefix = "VNCPROXY_"

type Config struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`

	AssetRoot      string   `yaml:"asset_root"`
	AssetIndex     string   `yaml:"asset_index"`
	AssetWhitelist []string `yaml:"asset_whitelist"`

	TokenTTLSeconds int           `yaml:"token_ttl_seconds"`
	TokenPolicy     string        `yaml:"token_policy"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`

	DebugMode   bool   `yaml:"debug_mode"`
	DebugTarget string `yaml:"debug_target"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`

	AllowedOrigins      []string      `yaml:"allowed_origins"`
	TrustedProxies      []string      `yaml:"trusted_proxies"`
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	UpgradeRate         float64       `yaml:"upgrade_rate"`
	UpgradeBurst        int           `yaml:"upgrade_burst"`
	MaxAuthFailures     int           `yaml:"max_auth_failures"`
	AuthBlockDuration   time.Duration `yaml:"auth_block_duration"`

	StoreBackend   string `yaml:"store_backend"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`

	AdminAddr   string `yaml:"admin_addr"`
	AdminKey    string `yaml:"admin_key"`
	PublicURL   string `yaml:"public_url"`
	MetricsAddr string `yaml:"metrics_addr"`
	AuditLog    string `yaml:"audit_log"`
}

func Defaults() *Config {
	return &Config{
		ListenHost:          constants.DefaultListenHost,
		ListenPort:          constants.DefaultListenPort,
		AssetRoot:           constants.DefaultAssetRoot,
		AssetIndex:          constants.DefaultAssetIndex,
		TokenTTLSeconds:     int(constants.DefaultTokenTTL / time.Second),
		TokenPolicy:         token.Reusable.String(),
		SweepInterval:       constants.CleanupInterval,
		ConnectTimeout:      constants.DialTimeout,
		IdleTimeout:         constants.IdleTimeout,
		PingInterval:        constants.PingInterval,
		ShutdownGrace:       constants.ShutdownGrace,
		TrustedProxies:      []string{"127.0.0.0/8", "::1/128"},
		MaxConnectionsPerIP: constants.MaxConnectionsPerIP,
		UpgradeRate:         constants.UpgradeRateLimit,
		UpgradeBurst:        constants.UpgradeRateBurst,
		MaxAuthFailures:     constants.MaxAuthAttempts,
		AuthBlockDuration:   constants.BlockDuration,
		StoreBackend:        "memory",
		RedisAddr:           "localhost:6379",
		RedisKeyPrefix:      constants.RedisKeyPrefix,
	}
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty) and environment variables read through lookup. Pass os.LookupEnv
// for the real environment.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range c.bindings() {
		name := EnvPrefix + strings.ToUpper(b.key)
		raw, ok := lookup(name)
		if !ok || raw == "" {
			continue
		}
		if err := b.set(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error

	if c.ListenPort < constants.MinPort || c.ListenPort > constants.MaxPort {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if c.AssetRoot == "" {
		errs = append(errs, errors.New("asset_root is required"))
	}
	if ttl := c.TokenTTL(); ttl < constants.MinTokenTTL || ttl > constants.MaxTokenTTL {
		errs = append(errs, fmt.Errorf("token_ttl_seconds %d out of range", c.TokenTTLSeconds))
	}
	if _, err := token.ParsePolicy(c.TokenPolicy); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.StoreBackend) {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown store_backend %q", c.StoreBackend))
	}
	if c.DebugTarget != "" {
		if _, err := parseTarget(c.DebugTarget); err != nil {
			errs = append(errs, fmt.Errorf("debug_target: %w", err))
		}
	}
	for _, cidr := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			if _, err := netip.ParseAddr(cidr); err != nil {
				errs = append(errs, fmt.Errorf("trusted_proxies: invalid CIDR %q", cidr))
			}
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.AdminAddr != "" && c.AdminKey == "" {
		errs = append(errs, errors.New("admin_addr requires admin_key"))
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":     c.ConnectTimeout,
		"idle_timeout":        c.IdleTimeout,
		"ping_interval":       c.PingInterval,
		"shutdown_grace":      c.ShutdownGrace,
		"auth_block_duration": c.AuthBlockDuration,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

func (c *Config) Policy() token.Policy {
	p, _ := token.ParsePolicy(c.TokenPolicy)
	return p
}

func (c *Config) UseTLS() bool { return c.TLSCert != "" && c.TLSKey != "" }

// DebugTargetAddr returns the fixed debug target, or nil when unset.
func (c *Config) DebugTargetAddr() (*token.Target, error) {
	if c.DebugTarget == "" {
		return nil, nil
	}
	t, err := parseTarget(c.DebugTarget)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseTarget(s string) (token.Target, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return token.Target{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return token.Target{}, fmt.Errorf("invalid port %q", portStr)
	}
	t := token.Target{Host: host, Port: port}
	return t, t.Validate()
}
