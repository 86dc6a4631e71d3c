package bridge

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vncproxy/internal/clock"
	"vncproxy/internal/constants"
	"vncproxy/internal/security"
	"vncproxy/internal/token"
)

// Config tunes a Proxy. Zero values take the package defaults, except
// IdleTimeout and PingInterval where zero disables the check.
type Config struct {
	DialTimeout    time.Duration
	IdleTimeout    time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
	Clock          clock.Clock
}

// Proxy establishes bridge sessions.
type Proxy struct {
	dialer       *net.Dialer
	dialTimeout  time.Duration
	idleTimeout  time.Duration
	pingInterval time.Duration
	clock        clock.Clock
	upgrader     websocket.Upgrader
}

func NewProxy(cfg Config) *Proxy {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = constants.DialTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	origins := cfg.AllowedOrigins
	return &Proxy{
		dialer:       &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second},
		dialTimeout:  cfg.DialTimeout,
		idleTimeout:  cfg.IdleTimeout,
		pingInterval: cfg.PingInterval,
		clock:        cfg.Clock,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: constants.WSHandshakeTimeout,
			ReadBufferSize:   constants.WSBufferSize,
			WriteBufferSize:  constants.WSBufferSize,
			Subprotocols:     []string{constants.SubprotocolBinary, constants.SubprotocolBase64},
			CheckOrigin: func(r *http.Request) bool {
				return security.ValidateOrigin(r, origins)
			},
		},
	}
}

// Establish connects to target and then upgrades the client request.
// When the target cannot be reached the client gets a 502 on its upgrade
// request and ErrUpstreamUnreachable is returned. When the upgrade itself
// fails the upstream socket is closed and ErrHandshakeFailed is returned;
// the upgrader has already answered the client in that case.
func (p *Proxy) Establish(w http.ResponseWriter, r *http.Request, target token.Target) (*Session, error) {
	ctx, cancel := context.WithTimeout(r.Context(), p.dialTimeout)
	upstream, err := p.dialer.DialContext(ctx, "tcp", target.Addr())
	cancel()
	if err != nil {
		http.Error(w, constants.MsgUpstreamUnreachable, http.StatusBadGateway)
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnreachable, target, err)
	}
	if tcpConn, ok := upstream.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	client.SetReadLimit(int64(constants.MaxWSMessageSize))

	s := newSession(uuid.NewString(), target, client, upstream, p.clock)
	s.idleTimeout = p.idleTimeout
	s.pingInterval = p.pingInterval

	log.Printf("🔌 Session %s: %s -> %s (%s)", s.ID, client.RemoteAddr(), target, s.Encoding)
	return s, nil
}
