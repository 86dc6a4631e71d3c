package security

import (
	"net/http"
	"net/url"
	"strings"
)

// ValidateOrigin checks the Origin header of a WebSocket upgrade. With no
// allow list only same-host origins pass; "*" allows any origin.
func ValidateOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}

	if len(allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}

	return false
}
