package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"vncproxy/internal/token"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.TokenTTL() != 300*time.Second {
		t.Fatalf("TokenTTL = %v, want 300s", cfg.TokenTTL())
	}
	if cfg.Policy() != token.Reusable {
		t.Fatalf("Policy = %v, want reusable", cfg.Policy())
	}
	if cfg.DebugMode {
		t.Fatal("debug mode on by default")
	}
}

func TestLayering(t *testing.T) {
	path := writeFile(t, "vncproxy.yaml", `
listen_port: 7000
asset_root: /srv/novnc
idle_timeout: 5m
allowed_origins:
  - https://dash.example.com
token_policy: single-use
`)

	cfg, err := Load(path, envMap(map[string]string{
		"VNCPROXY_LISTEN_PORT":     "7100",
		"VNCPROXY_ALLOWED_ORIGINS": "https://a.example.com, https://b.example.com",
		"VNCPROXY_DEBUG_MODE":      "true",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--listen-port=7200", "--ping-interval=10s"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}

	if cfg.ListenPort != 7200 {
		t.Errorf("ListenPort = %d, want flag value 7200", cfg.ListenPort)
	}
	if cfg.AssetRoot != "/srv/novnc" {
		t.Errorf("AssetRoot = %q, want file value", cfg.AssetRoot)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want file value 5m", cfg.IdleTimeout)
	}
	if got := strings.Join(cfg.AllowedOrigins, "|"); got != "https://a.example.com|https://b.example.com" {
		t.Errorf("AllowedOrigins = %q, want env value", got)
	}
	if !cfg.DebugMode {
		t.Error("DebugMode not taken from env")
	}
	if cfg.PingInterval != 10*time.Second {
		t.Errorf("PingInterval = %v, want flag value", cfg.PingInterval)
	}
	if cfg.Policy() != token.SingleUse {
		t.Errorf("Policy = %v, want single-use from file", cfg.Policy())
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want default", cfg.ConnectTimeout)
	}
}

func TestUnsetFlagsKeepLowerLayers(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{"VNCPROXY_LISTEN_PORT": "7100"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	fs.Parse(nil)
	cfg.ApplyFlags(fs)

	if cfg.ListenPort != 7100 {
		t.Fatalf("ListenPort = %d, want env value 7100", cfg.ListenPort)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "bad.yaml", "listen_prot: 7000\n")
	if _, err := Load(path, nil); err == nil {
		t.Fatal("Load accepted an unknown key")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 6080 {
		t.Fatalf("ListenPort = %d, want default", cfg.ListenPort)
	}
}

func TestBadEnvValue(t *testing.T) {
	_, err := Load("", envMap(map[string]string{"VNCPROXY_IDLE_TIMEOUT": "soon"}))
	if err == nil || !strings.Contains(err.Error(), "VNCPROXY_IDLE_TIMEOUT") {
		t.Fatalf("err = %v, want one naming the variable", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.ListenPort = 70000 }},
		{"ttl", func(c *Config) { c.TokenTTLSeconds = 0 }},
		{"policy", func(c *Config) { c.TokenPolicy = "sometimes" }},
		{"backend", func(c *Config) { c.StoreBackend = "etcd" }},
		{"debug target", func(c *Config) { c.DebugTarget = "nohost" }},
		{"half tls", func(c *Config) { c.TLSCert = "cert.pem" }},
		{"admin without key", func(c *Config) { c.AdminAddr = "127.0.0.1:6081" }},
		{"negative idle", func(c *Config) { c.IdleTimeout = -time.Second }},
		{"trusted proxy", func(c *Config) { c.TrustedProxies = []string{"10.0.0.0/33"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
		})
	}
}

func TestDebugTargetAddr(t *testing.T) {
	cfg := Defaults()
	if target, err := cfg.DebugTargetAddr(); target != nil || err != nil {
		t.Fatalf("unset debug target = %v, %v", target, err)
	}
	cfg.DebugTarget = "127.0.0.1:5901"
	target, err := cfg.DebugTargetAddr()
	if err != nil || *target != (token.Target{Host: "127.0.0.1", Port: 5901}) {
		t.Fatalf("DebugTargetAddr = %v, %v", target, err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "VNCPROXY_TEST_DOTENV_VALUE"
	path := writeFile(t, ".env", key+"=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv(key) })

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "from-dotenv" {
		t.Fatalf("%s = %q", key, got)
	}
}

func TestTrustedProxiesLayering(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"VNCPROXY_TRUSTED_PROXIES": "10.0.0.0/8, 192.0.2.9",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.TrustedProxies, "|"); got != "10.0.0.0/8|192.0.2.9" {
		t.Fatalf("TrustedProxies = %q, want env value", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--trusted-proxies=172.16.0.0/12"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if got := strings.Join(cfg.TrustedProxies, "|"); got != "172.16.0.0/12" {
		t.Fatalf("TrustedProxies = %q, want flag value", got)
	}
}
