package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"vncproxy/internal/assets"
	"vncproxy/internal/audit"
	"vncproxy/internal/bridge"
	"vncproxy/internal/clock"
	"vncproxy/internal/config"
	"vncproxy/internal/constants"
	"vncproxy/internal/metrics"
	"vncproxy/internal/middleware"
	"vncproxy/internal/security"
	"vncproxy/internal/token"
)

type Server struct {
	cfg   *config.Config
	clock clock.Clock

	Store          token.Store
	Assets         *assets.Server
	Proxy          *bridge.Proxy
	ProxyTrust     *security.ProxyTrust
	ConnLimiter    *security.ConnectionLimiter
	UpgradeLimiter *security.UpgradeLimiter
	BruteProtector *security.BruteForceProtector
	AuditLogger    *audit.Logger
	Metrics        *metrics.Metrics

	sessionsMu     sync.Mutex
	sessions       map[string]*bridge.Session
	draining       bool
	drained        chan struct{}
	sessionCtx     context.Context
	cancelSessions context.CancelFunc

	handler http.Handler
}

type Option func(*Server)

// WithClock replaces the wall clock used for token expiry, sweeps and
// idle detection.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// WithStore uses store instead of building one from the configuration.
// The server takes ownership and closes it on shutdown.
func WithStore(store token.Store) Option {
	return func(s *Server) { s.Store = store }
}

// WithAuditLogger replaces the audit sink opened from audit_log.
func WithAuditLogger(l *audit.Logger) Option {
	return func(s *Server) { s.AuditLogger = l }
}

func NewServer(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		clock:    clock.Real(),
		sessions: make(map[string]*bridge.Session),
		Metrics:  metrics.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessionCtx, s.cancelSessions = context.WithCancel(context.Background())

	a, err := assets.New(cfg.AssetRoot, cfg.AssetIndex, cfg.AssetWhitelist)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}
	s.Assets = a

	if s.AuditLogger == nil {
		auditLogger, err := audit.Open(cfg.AuditLog)
		if err != nil {
			log.Printf("Warning: Failed to initialize audit logger: %v", err)
		}
		s.AuditLogger = auditLogger
	}

	if s.Store == nil {
		store, err := token.NewStore(ctx, token.Options{
			Backend: cfg.StoreBackend,
			Policy:  cfg.Policy(),
			Clock:   s.clock,
			Redis: token.RedisOptions{
				Addr:      cfg.RedisAddr,
				Password:  cfg.RedisPassword,
				DB:        cfg.RedisDB,
				KeyPrefix: cfg.RedisKeyPrefix,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token store: %w", err)
		}
		s.Store = store
	}
	s.Metrics.TrackLiveTokens(s.Store.Len)

	s.Proxy = bridge.NewProxy(bridge.Config{
		DialTimeout:    cfg.ConnectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		PingInterval:   cfg.PingInterval,
		AllowedOrigins: cfg.AllowedOrigins,
		Clock:          s.clock,
	})
	trust, err := security.NewProxyTrust(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s.ProxyTrust = trust
	s.ConnLimiter = security.NewConnectionLimiter(cfg.MaxConnectionsPerIP)
	s.UpgradeLimiter = security.NewUpgradeLimiter(cfg.UpgradeRate, cfg.UpgradeBurst, s.clock)
	s.BruteProtector = security.NewBruteForceProtector(cfg.MaxAuthFailures, cfg.AuthBlockDuration, s.clock)

	var gate middleware.Middleware
	if cfg.DebugMode {
		fallback, err := cfg.DebugTargetAddr()
		if err != nil {
			return nil, err
		}
		log.Printf("⚠️  DEBUG MODE: console connections are NOT authenticated")
		gate = middleware.Debug(fallback)
	} else {
		gate = middleware.Auth(middleware.AuthOptions{
			Store:   s.Store,
			Lockout: s.BruteProtector,
			Audit:   s.AuditLogger,
			Metrics: s.Metrics,
		})
	}

	s.handler = middleware.NewChain(
		middleware.Recovery,
		s.ProxyTrust.Middleware,
		middleware.Logging(s.AuditLogger, s.Metrics),
		security.SecurityHeaders,
		middleware.RateLimit(s.UpgradeLimiter, s.AuditLogger),
		gate,
	).Then(http.HandlerFunc(s.dispatch))

	return s, nil
}

// Handler is the public console handler: assets and bridge upgrades.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts console connections on ln until ctx is done, then shuts
// down: listeners close, bridge sessions get shutdown_grace to finish and
// the rest are closed with a going-away frame.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var servers []*http.Server
	errCh := make(chan error, 3)

	mainServer := &http.Server{
		Handler:           s.handler,
		IdleTimeout:       constants.HTTPIdleTimeout,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	if s.cfg.UseTLS() {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		mainServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			// WebSocket upgrades need HTTP/1.1.
			NextProtos: []string{"http/1.1"},
		}
		ln = tls.NewListener(ln, mainServer.TLSConfig)
		log.Printf("🔒 HTTPS enabled")
	} else {
		mainServer.Handler = h2c.NewHandler(s.handler, &http2.Server{})
		log.Printf("🌐 HTTP mode (HTTP/2 enabled)")
	}
	servers = append(servers, mainServer)
	go serveOn(mainServer, ln, errCh)
	log.Printf("🚀 %s listening on %s", constants.AppName, ln.Addr())

	if s.cfg.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", s.cfg.AdminAddr)
		if err != nil {
			s.closeAll(servers)
			return fmt.Errorf("listen admin %s: %w", s.cfg.AdminAddr, err)
		}
		adminServer := &http.Server{
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: constants.ReadHeaderTimeout,
		}
		servers = append(servers, adminServer)
		go serveOn(adminServer, adminLn, errCh)
		log.Printf("🔑 Token API listening on %s", adminLn.Addr())
	}

	if s.cfg.MetricsAddr != "" {
		metricsLn, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			s.closeAll(servers)
			return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle(constants.EndpointMetrics, s.Metrics.Handler())
		metricsServer := &http.Server{Handler: mux, ReadHeaderTimeout: constants.ReadHeaderTimeout}
		servers = append(servers, metricsServer)
		go serveOn(metricsServer, metricsLn, errCh)
		log.Printf("📊 Metrics listening on %s%s", metricsLn.Addr(), constants.EndpointMetrics)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go token.RunSweeper(sweepCtx, s.Store, s.clock, s.cfg.SweepInterval, s.onSwept)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Printf("Server error: %v", serveErr)
	}

	log.Println("🛑 Shutting down server...")
	stopSweeper()
	s.shutdown(servers)
	log.Println("✅ Server stopped")
	return serveErr
}

func serveOn(srv *http.Server, ln net.Listener, errCh chan<- error) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- err
	}
}

func (s *Server) onSwept(n int) {
	s.Metrics.TokensSwept.Add(float64(n))
	s.BruteProtector.Prune()
	s.UpgradeLimiter.Prune(constants.BlockDuration)
}

func (s *Server) shutdown(servers []*http.Server) {
	grace := s.cfg.ShutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	// Shutdown stops accepting but does not track hijacked connections.
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("Server forced to shutdown: %v", err)
		}
	}

	s.sessionsMu.Lock()
	s.draining = true
	s.drained = make(chan struct{})
	if len(s.sessions) == 0 {
		close(s.drained)
	}
	s.sessionsMu.Unlock()

	select {
	case <-s.drained:
	case <-ctx.Done():
		log.Printf("⏱ Closing %d console sessions still open after %v", s.ActiveSessions(), grace)
		s.cancelSessions()
		<-s.drained
	}
	s.cancelSessions()
	s.Cleanup()
}

func (s *Server) closeAll(servers []*http.Server) {
	for _, srv := range servers {
		srv.Close()
	}
}

// Cleanup releases the token store and the audit sink.
func (s *Server) Cleanup() {
	if err := s.Store.Close(); err != nil {
		log.Printf("Token store close error: %v", err)
	}
	s.AuditLogger.Close()
}

func (s *Server) ActiveSessions() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// addSession registers a session for shutdown. It fails once shutdown
// has started.
func (s *Server) addSession(sess *bridge.Session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.draining {
		return false
	}
	s.sessions[sess.ID] = sess
	return true
}

func (s *Server) removeSession(sess *bridge.Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess.ID)
	if s.draining && len(s.sessions) == 0 {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
}
