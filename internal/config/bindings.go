package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// binding ties a configuration key to its field so env variables and
// flags share one table.
type binding struct {
	key   string
	usage string
	ptr   any
}

func (c *Config) bindings() []binding {
	return []binding{
		{"listen_host", "address to listen on", &c.ListenHost},
		{"listen_port", "port to listen on", &c.ListenPort},
		{"tls_cert", "TLS certificate file", &c.TLSCert},
		{"tls_key", "TLS key file", &c.TLSKey},
		{"asset_root", "directory holding the viewer assets", &c.AssetRoot},
		{"asset_index", "asset served for /", &c.AssetIndex},
		{"asset_whitelist", "explicit asset paths relative to asset_root", &c.AssetWhitelist},
		{"token_ttl_seconds", "default token lifetime in seconds", &c.TokenTTLSeconds},
		{"token_policy", "reusable or single-use", &c.TokenPolicy},
		{"sweep_interval", "interval between expired token sweeps", &c.SweepInterval},
		{"debug_mode", "skip token authentication (never in production)", &c.DebugMode},
		{"debug_target", "host:port used in debug mode when the request names none", &c.DebugTarget},
		{"connect_timeout", "timeout for connecting to a console host", &c.ConnectTimeout},
		{"idle_timeout", "close sessions idle this long (0 disables)", &c.IdleTimeout},
		{"ping_interval", "WebSocket ping interval (0 disables)", &c.PingInterval},
		{"shutdown_grace", "time sessions get to drain on shutdown", &c.ShutdownGrace},
		{"allowed_origins", "origins allowed to open console sessions", &c.AllowedOrigins},
		{"trusted_proxies", "proxy CIDRs whose X-Forwarded-For is believed", &c.TrustedProxies},
		{"max_connections_per_ip", "concurrent sessions per client IP (0 disables)", &c.MaxConnectionsPerIP},
		{"upgrade_rate", "upgrade attempts per second per client IP (0 disables)", &c.UpgradeRate},
		{"upgrade_burst", "upgrade burst per client IP", &c.UpgradeBurst},
		{"max_auth_failures", "failed attempts before an IP is blocked (0 disables)", &c.MaxAuthFailures},
		{"auth_block_duration", "how long a blocked IP stays blocked", &c.AuthBlockDuration},
		{"store_backend", "token store: memory or redis", &c.StoreBackend},
		{"redis_addr", "Redis address", &c.RedisAddr},
		{"redis_password", "Redis password", &c.RedisPassword},
		{"redis_db", "Redis database", &c.RedisDB},
		{"redis_key_prefix", "Redis key prefix for tokens", &c.RedisKeyPrefix},
		{"admin_addr", "token API listen address (empty disables)", &c.AdminAddr},
		{"admin_key", "bearer key for the token API", &c.AdminKey},
		{"public_url", "base URL used in token API responses", &c.PublicURL},
		{"metrics_addr", "Prometheus listen address (empty disables)", &c.MetricsAddr},
		{"audit_log", "audit log file, - for stderr", &c.AuditLog},
	}
}

func (b binding) set(raw string) error {
	switch p := b.ptr.(type) {
	case *string:
		*p = raw
	case *int:
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*p = v
	case *float64:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		*p = v
	case *bool:
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*p = v
	case *time.Duration:
		v, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*p = v
	case *[]string:
		var list []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		*p = list
	default:
		return fmt.Errorf("unsupported field type %T", b.ptr)
	}
	return nil
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }
