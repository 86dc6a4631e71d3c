package middleware

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"vncproxy/internal/constants"
	"vncproxy/internal/metrics"
	"vncproxy/internal/token"
)

// Debug replaces Auth when the proxy runs in debug mode. Upgrade requests
// are granted the target named by the host and port query parameters, or
// fallback when those are absent. No token is checked.
func Debug(fallback *token.Target) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			target, ok, err := debugTarget(r, fallback)
			if err != nil {
				SetOutcome(r.Context(), metrics.OutcomeRejected, err.Error())
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if !ok {
				SetOutcome(r.Context(), metrics.OutcomeRejected, "no debug target")
				http.Error(w, constants.MsgNoTarget, http.StatusBadRequest)
				return
			}

			log.Printf("🐞 Debug connection -> %s (no authentication)", target)
			grant := Grant{Descriptor: token.Descriptor{Target: target}, Debug: true}
			next.ServeHTTP(w, r.WithContext(WithGrant(r.Context(), grant)))
		})
	}
}

func debugTarget(r *http.Request, fallback *token.Target) (token.Target, bool, error) {
	q := r.URL.Query()
	host, portStr := q.Get("host"), q.Get("port")
	if host == "" && portStr == "" {
		if fallback == nil {
			return token.Target{}, false, nil
		}
		return *fallback, true, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return token.Target{}, false, err
	}
	target := token.Target{Host: host, Port: port}
	if err := target.Validate(); err != nil {
		return token.Target{}, false, err
	}
	return target, true, nil
}
