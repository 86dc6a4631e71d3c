package middleware

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"vncproxy/internal/audit"
	"vncproxy/internal/constants"
	"vncproxy/internal/metrics"
	"vncproxy/internal/security"
	"vncproxy/internal/token"
)

// AuthOptions wires the Auth layer. Store is required; the rest may be nil.
type AuthOptions struct {
	Store   token.Store
	Lockout *security.BruteForceProtector
	Audit   *audit.Logger
	Metrics *metrics.Metrics
}

// Auth validates the token on WebSocket upgrade requests and attaches the
// resolved target to the request context. The token comes from the
// "token" query parameter, or the "token" cookie set by the viewer page.
// Every failure is answered with the same 401. Plain requests pass through.
func Auth(opts AuthOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			clientIP := security.ClientIP(r)

			if opts.Lockout != nil && !opts.Lockout.Check(clientIP) {
				SetOutcome(ctx, metrics.OutcomeRejected, "locked out")
				countAuthFailure(opts.Metrics, "locked_out")
				http.Error(w, constants.MsgTooManyAttempts, http.StatusTooManyRequests)
				return
			}

			value := tokenFromRequest(r)
			fp := token.Fingerprint(value)

			reject := func(reason, label string) {
				if opts.Lockout != nil && opts.Lockout.RecordFailure(clientIP) {
					log.Printf("⛔ Too many failed attempts: %s", clientIP)
					opts.Audit.BruteForce(clientIP)
				}
				opts.Audit.AuthFailure(clientIP, fp, reason)
				countAuthFailure(opts.Metrics, label)
				SetOutcome(ctx, metrics.OutcomeRejected, reason)
				http.Error(w, constants.MsgUnauthorized, http.StatusUnauthorized)
			}

			if value == "" {
				reject("missing token", "missing")
				return
			}

			desc, err := opts.Store.ValidateAndConsume(ctx, value)
			switch {
			case errors.Is(err, token.ErrTokenNotFound):
				reject("unknown token", "not_found")
				return
			case errors.Is(err, token.ErrTokenExpired):
				reject("expired token", "expired")
				return
			case err != nil:
				log.Printf("Token store error: %v", err)
				countAuthFailure(opts.Metrics, "store_error")
				SetOutcome(ctx, metrics.OutcomeError, "token store unavailable")
				http.Error(w, constants.MsgUnauthorized, http.StatusUnauthorized)
				return
			}

			if opts.Lockout != nil {
				opts.Lockout.RecordSuccess(clientIP)
			}
			opts.Audit.AuthSuccess(clientIP, fp, desc.Target.String())
			log.Printf("✅ Token %s accepted for %s -> %s", fp, clientIP, desc.Target)

			next.ServeHTTP(w, r.WithContext(WithGrant(ctx, Grant{Descriptor: desc, Fingerprint: fp})))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get(constants.TokenQueryParam); v != "" {
		return v
	}
	if c, err := r.Cookie(constants.TokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

func countAuthFailure(m *metrics.Metrics, reason string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(reason).Inc()
	}
}
