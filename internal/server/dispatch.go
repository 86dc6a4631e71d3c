package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"vncproxy/internal/bridge"
	"vncproxy/internal/constants"
	"vncproxy/internal/metrics"
	"vncproxy/internal/middleware"
	"vncproxy/internal/security"
)

// dispatch sends WebSocket upgrades to the bridge and everything else to
// the asset server.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleConsole(w, r)
		return
	}
	if r.URL.Path == constants.EndpointHealth {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
		return
	}
	s.Assets.ServeHTTP(w, r)
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Only the auth layer attaches a grant, so an upgrade without one
	// never reaches a console host.
	grant, ok := middleware.GrantFromContext(ctx)
	if !ok {
		middleware.SetOutcome(ctx, metrics.OutcomeRejected, "no target")
		http.Error(w, constants.MsgUnauthorized, http.StatusUnauthorized)
		return
	}
	target := grant.Descriptor.Target
	clientIP := security.ClientIP(r)

	if !s.ConnLimiter.TryConnect(clientIP) {
		log.Printf("⛔ Connection limit exceeded: %s", clientIP)
		s.AuditLogger.ConnectionLimit(clientIP)
		middleware.SetOutcome(ctx, metrics.OutcomeRejected, "connection limit")
		http.Error(w, constants.MsgConnectionLimit, http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	sess, err := s.Proxy.Establish(w, r, target)
	if err != nil {
		if errors.Is(err, bridge.ErrUpstreamUnreachable) {
			log.Printf("❌ %v", err)
			s.Metrics.UpstreamFailures.Inc()
			s.AuditLogger.UpstreamFailure(clientIP, target.String(), err)
			middleware.SetOutcome(ctx, metrics.OutcomeError, "upstream unreachable")
			return
		}
		log.Printf("❌ WebSocket upgrade error: %v", err)
		middleware.SetOutcome(ctx, metrics.OutcomeRejected, "handshake failed")
		return
	}

	if !s.addSession(sess) {
		sess.Close(bridge.ReasonShutdown, websocket.CloseGoingAway)
		middleware.SetOutcome(ctx, metrics.OutcomeRejected, "shutting down")
		return
	}
	defer s.removeSession(sess)

	s.Metrics.SessionOpened()
	s.AuditLogger.SessionOpen(clientIP, sess.ID, target.String())

	res := sess.Pump(s.sessionCtx)

	s.Metrics.SessionClosed(res.BytesIn, res.BytesOut, res.Duration)
	s.AuditLogger.SessionClose(clientIP, sess.ID, target.String(), res.Reason, res.BytesIn, res.BytesOut, res.Duration)

	if res.Err != nil {
		log.Printf("🔌 Session %s closed: %s: %v", sess.ID, res.Reason, res.Err)
		middleware.SetOutcome(ctx, metrics.OutcomeError, res.Reason)
		return
	}
	log.Printf("🔌 Session %s closed: %s (in=%d out=%d)", sess.ID, res.Reason, res.BytesIn, res.BytesOut)
	middleware.SetOutcome(ctx, metrics.OutcomeSuccess, res.Reason)
}
