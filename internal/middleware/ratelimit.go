package middleware

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"vncproxy/internal/audit"
	"vncproxy/internal/constants"
	"vncproxy/internal/metrics"
	"vncproxy/internal/security"
)

// RateLimit throttles WebSocket upgrade attempts per client IP before any
// token is looked at. Asset requests are not limited.
func RateLimit(limiter *security.UpgradeLimiter, auditLog *audit.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || !websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := security.ClientIP(r)
			if !limiter.Allow(clientIP) {
				log.Printf("⛔ Rate limit exceeded: %s", clientIP)
				auditLog.RateLimit(clientIP)
				SetOutcome(r.Context(), metrics.OutcomeRejected, "rate limited")
				http.Error(w, constants.MsgRateLimitExceeded, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
