package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vncproxy/internal/clock"
)

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)

	if !cl.TryConnect("10.1.1.1") || !cl.TryConnect("10.1.1.1") {
		t.Fatal("first two connections rejected")
	}
	if cl.TryConnect("10.1.1.1") {
		t.Fatal("third connection accepted over a cap of 2")
	}
	if !cl.TryConnect("10.1.1.2") {
		t.Fatal("cap leaked across IPs")
	}

	cl.Disconnect("10.1.1.1")
	if !cl.TryConnect("10.1.1.1") {
		t.Fatal("slot not released on disconnect")
	}
	if got := cl.Count("10.1.1.1"); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
}

func TestBruteForceProtectorBlocksAndExpires(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bf := NewBruteForceProtector(3, time.Minute, clk)
	ip := "203.0.113.9"

	for i := 0; i < 2; i++ {
		if blocked := bf.RecordFailure(ip); blocked {
			t.Fatalf("blocked after %d failures", i+1)
		}
	}
	if !bf.Check(ip) {
		t.Fatal("blocked before reaching the limit")
	}
	if !bf.RecordFailure(ip) {
		t.Fatal("not blocked at the limit")
	}
	if bf.Check(ip) {
		t.Fatal("Check allowed a blocked IP")
	}

	clk.Advance(59 * time.Second)
	if bf.Check(ip) {
		t.Fatal("block lifted early")
	}
	clk.Advance(time.Second)
	if !bf.Check(ip) {
		t.Fatal("block not lifted after its duration")
	}
}

func TestBruteForceSuccessResets(t *testing.T) {
	bf := NewBruteForceProtector(2, time.Minute, nil)
	bf.RecordFailure("a")
	bf.RecordSuccess("a")
	if bf.RecordFailure("a") {
		t.Fatal("success did not reset the failure count")
	}
}

func TestBruteForcePrune(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bf := NewBruteForceProtector(1, time.Minute, clk)
	bf.RecordFailure("a")

	if n := bf.Prune(); n != 0 {
		t.Fatalf("pruned %d active blocks", n)
	}
	clk.Advance(2 * time.Minute)
	if n := bf.Prune(); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
}

func TestBruteForcePruneForgetsIdleFailures(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bf := NewBruteForceProtector(5, time.Minute, clk)
	bf.RecordFailure("a")
	bf.RecordFailure("a")

	clk.Advance(30 * time.Second)
	bf.RecordFailure("b")
	if n := bf.Prune(); n != 0 {
		t.Fatalf("pruned %d recent entries", n)
	}

	clk.Advance(30 * time.Second)
	if n := bf.Prune(); n != 1 {
		t.Fatalf("Prune = %d, want 1 (a idle for a minute)", n)
	}
	clk.Advance(30 * time.Second)
	if n := bf.Prune(); n != 1 {
		t.Fatalf("Prune = %d, want 1 (b)", n)
	}
	if len(bf.attempts) != 0 {
		t.Fatalf("%d entries left", len(bf.attempts))
	}
}

func TestUpgradeLimiter(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ul := NewUpgradeLimiter(1, 2, clk)

	if !ul.Allow("a") || !ul.Allow("a") {
		t.Fatal("burst rejected")
	}
	if ul.Allow("a") {
		t.Fatal("allowed beyond burst")
	}
	if !ul.Allow("b") {
		t.Fatal("limit leaked across IPs")
	}

	clk.Advance(time.Second)
	if !ul.Allow("a") {
		t.Fatal("bucket did not refill")
	}

	clk.Advance(time.Hour)
	if n := ul.Prune(time.Minute); n != 2 {
		t.Fatalf("Prune = %d, want 2", n)
	}
}

func TestProxyTrustResolve(t *testing.T) {
	trust, err := NewProxyTrust([]string{"127.0.0.0/8", "10.0.0.0/8", "192.0.2.9"})
	if err != nil {
		t.Fatalf("NewProxyTrust: %v", err)
	}
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "198.51.100.4:5555", "", "", "198.51.100.4"},
		{"untrusted peer header ignored", "198.51.100.4:5555", "1.2.3.4", "", "198.51.100.4"},
		{"trusted proxy", "127.0.0.1:5555", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"spoofed leading hop", "127.0.0.1:5555", "6.6.6.6, 1.2.3.4", "", "1.2.3.4"},
		{"single-host entry", "192.0.2.9:5555", "1.2.3.4", "", "1.2.3.4"},
		{"bad header", "10.0.0.2:5555", "not-an-ip", "", "10.0.0.2"},
		{"x-real-ip", "10.0.0.2:5555", "", "203.0.113.8", "203.0.113.8"},
		{"ipv6 peer", "[::1]:5555", "1.2.3.4", "", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-Ip", tt.xri)
			}
			if got := trust.Resolve(r); got != tt.want {
				t.Fatalf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewProxyTrustRejectsGarbage(t *testing.T) {
	if _, err := NewProxyTrust([]string{"10.0.0.0/8", "nope"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestClientIPFromMiddleware(t *testing.T) {
	trust, _ := NewProxyTrust([]string{"127.0.0.0/8"})
	var got string
	h := trust.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:4000"
	r.Header.Set("X-Forwarded-For", "203.0.113.8")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got != "203.0.113.8" {
		t.Fatalf("ClientIP = %q", got)
	}

	// Without the middleware only the peer address is used.
	if ip := ClientIP(r); ip != "127.0.0.1" {
		t.Fatalf("ClientIP without middleware = %q", ip)
	}
}

func TestValidateOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{"no origin", "", nil, true},
		{"same host", "http://console.local:6080", nil, true},
		{"cross host without list", "http://evil.local", nil, false},
		{"listed", "https://dash.example.com", []string{"https://dash.example.com/"}, true},
		{"unlisted", "https://evil.example.com", []string{"https://dash.example.com"}, false},
		{"wildcard", "https://any.example.com", []string{"*"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://console.local:6080/websockify", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := ValidateOrigin(r, tt.allowed); got != tt.want {
				t.Fatalf("ValidateOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, name := range []string{"X-Frame-Options", "X-Content-Type-Options", "Content-Security-Policy", "Cache-Control"} {
		if rec.Header().Get(name) == "" {
			t.Errorf("missing %s", name)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set on a plain HTTP response")
	}
}
