package constants

import "time"

const AppName = "vncproxy"

// Network defaults
const (
	DefaultListenHost  = "0.0.0.0"
	DefaultListenPort  = 6080
	MinPort            = 1
	MaxPort            = 65535
	WSBufferSize       = 32768 // matches the upstream read size noVNC expects per frame
	CopyBufferSize     = 65536
	MaxWSMessageSize   = 16 * 1024 * 1024
	DialTimeout        = 10 * time.Second
	WSHandshakeTimeout = 10 * time.Second
	IdleTimeout        = 15 * time.Minute
	PingInterval       = 30 * time.Second
	CloseGracePeriod   = time.Second
	ShutdownGrace      = 5 * time.Second
	CleanupInterval    = 30 * time.Second
	ReadHeaderTimeout  = 10 * time.Second
	HTTPIdleTimeout    = 120 * time.Second
)

// Token settings
const (
	DefaultTokenTTL  = 300 * time.Second
	MinTokenTTL      = time.Second
	MaxTokenTTL      = 24 * time.Hour
	TokenQueryParam  = "token"
	TokenCookieName  = "token"
	RedisKeyPrefix   = "vncproxy:token:"
	TokenShardCount  = 64
	FingerprintChars = 12
)

// Assets
const (
	DefaultAssetRoot  = "./novnc"
	DefaultAssetIndex = "vnc_auth.html"
)

// WebSocket subprotocols understood by the bridge
const (
	SubprotocolBinary = "binary"
	SubprotocolBase64 = "base64"
)

// Rate limiting
const (
	MaxConnectionsPerIP = 10
	UpgradeRateLimit    = 5 // upgrade attempts per second per IP
	UpgradeRateBurst    = 10
	MaxAdminBodySize    = 64 * 1024
)

// Brute force protection
const (
	MaxAuthAttempts = 5
	BlockDuration   = 15 * time.Minute
)

// Audit
const (
	MaxAuditLogsPerMinute = 1000
)

// Endpoints
const (
	EndpointTokens  = "/api/tokens"
	EndpointMetrics = "/metrics"
	EndpointHealth  = "/healthz"
)

// Messages
const (
	MsgInvalidJSON         = "Invalid JSON"
	MsgMethodNotAllowed    = "Method not allowed"
	MsgUnauthorized        = "Unauthorized"
	MsgForbidden           = "Forbidden"
	MsgNotFound            = "Not found"
	MsgTooManyAttempts     = "Too many failed attempts. Try again later."
	MsgConnectionLimit     = "Connection limit exceeded"
	MsgRateLimitExceeded   = "Rate limit exceeded"
	MsgUpstreamUnreachable = "Console host unreachable"
	MsgNoTarget            = "No console target"
)
