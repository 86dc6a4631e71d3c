package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyTrust decides which peers may report the client address through
// X-Forwarded-For or X-Real-Ip.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

// NewProxyTrust parses CIDRs such as "10.0.0.0/8". A bare address is
// treated as a single-host prefix. An empty list trusts no proxy.
func NewProxyTrust(cidrs []string) (*ProxyTrust, error) {
	pt := &ProxyTrust{}
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := parsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		pt.prefixes = append(pt.prefixes, p)
	}
	return pt, nil
}

func parsePrefix(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (pt *ProxyTrust) trusted(addr netip.Addr) bool {
	if pt == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range pt.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the client address for r. Forwarded hops are walked from
// the nearest one outwards and the first untrusted address wins, so a
// client cannot spoof its address by prepending entries.
func (pt *ProxyTrust) Resolve(r *http.Request) string {
	peer := remoteHost(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !pt.trusted(addr) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := addr
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = hop
			if !pt.trusted(hop) {
				break
			}
		}
		return client.Unmap().String()
	}
	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-Ip"))); err == nil {
		return xri.Unmap().String()
	}
	return peer
}

// Middleware resolves the client address once and stores it on the
// request context for ClientIP.
func (pt *ProxyTrust) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, pt.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type clientIPKey struct{}

// ClientIP returns the address stored by ProxyTrust.Middleware, or the
// peer address when the request did not pass through it.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok {
		return ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
